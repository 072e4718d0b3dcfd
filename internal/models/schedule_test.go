// internal/models/schedule_test.go
package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2026-08-31 是周一
var monday = time.Date(2026, 8, 31, 0, 0, 0, 0, time.Local)

func at(hour, minute int) time.Time {
	return time.Date(2026, 8, 31, hour, minute, 0, 0, time.Local)
}

func TestScheduleSlotContains(t *testing.T) {
	slot := ScheduleSlot{StartTime: "09:00", EndTime: "12:00", Activity: "工作", Status: ScheduleStatusBusy}

	assert.True(t, slot.Contains(at(9, 0)), "起点应包含")
	assert.True(t, slot.Contains(at(11, 59)))
	assert.False(t, slot.Contains(at(12, 0)), "终点不应包含")
	assert.False(t, slot.Contains(at(8, 59)))
}

func TestScheduleSlotContainsInvalidTime(t *testing.T) {
	bad := ScheduleSlot{StartTime: "上午九点", EndTime: "12:00"}
	assert.False(t, bad.Contains(at(10, 0)), "无法解析的时段不应匹配任何时刻")

	outOfRange := ScheduleSlot{StartTime: "25:00", EndTime: "26:00"}
	assert.False(t, outOfRange.Contains(at(10, 0)))
}

func TestWeekdayName(t *testing.T) {
	assert.Equal(t, "周一", WeekdayName(monday.Weekday()))
	assert.Equal(t, "周日", WeekdayName(time.Sunday))
}

func TestWeeklyScheduleCurrentSlot(t *testing.T) {
	schedule := WeeklySchedule{
		"周一": {
			{StartTime: "08:00", EndTime: "12:00", Activity: "上课", Status: ScheduleStatusBusy},
			{StartTime: "12:00", EndTime: "13:00", Activity: "午餐", Status: ScheduleStatusIdle},
		},
	}

	slot := schedule.CurrentSlot(at(10, 30))
	assert.Equal(t, "上课", slot.Activity)
	assert.Equal(t, ScheduleStatusBusy, slot.Status)

	slot = schedule.CurrentSlot(at(12, 30))
	assert.Equal(t, "午餐", slot.Activity)

	// 不在任何时段内时退回空闲兜底
	slot = schedule.CurrentSlot(at(23, 30))
	assert.Equal(t, "休息", slot.Activity)
	assert.Equal(t, ScheduleStatusIdle, slot.Status)

	// 没有当天记录时同样兜底
	tuesday := monday.AddDate(0, 0, 1)
	slot = schedule.CurrentSlot(tuesday)
	assert.Equal(t, ScheduleStatusIdle, slot.Status)
}

func TestWeeklyScheduleSlotsFor(t *testing.T) {
	schedule := WeeklySchedule{
		"周一": {{StartTime: "08:00", EndTime: "09:00", Activity: "晨练"}},
	}
	require.Len(t, schedule.SlotsFor(monday), 1)
	assert.Empty(t, schedule.SlotsFor(monday.AddDate(0, 0, 2)))
}
