// internal/models/schedule.go
package models

import (
	"fmt"
	"time"
)

// 日程状态，决定对话节奏与闲聊轮次上限
const (
	ScheduleStatusIdle     = "空闲"
	ScheduleStatusModerate = "一般忙碌"
	ScheduleStatusBusy     = "忙碌"
)

// weekdayNames 与 time.Weekday 对应的中文星期名
var weekdayNames = map[time.Weekday]string{
	time.Monday:    "周一",
	time.Tuesday:   "周二",
	time.Wednesday: "周三",
	time.Thursday:  "周四",
	time.Friday:    "周五",
	time.Saturday:  "周六",
	time.Sunday:    "周日",
}

// WeekdayName 返回某天对应的中文星期名
func WeekdayName(d time.Weekday) string {
	return weekdayNames[d]
}

// ScheduleSlot 一天中的一个日程时段，时间为 "HH:MM"
type ScheduleSlot struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Activity  string `json:"activity"`
	Status    string `json:"status"`
}

// Contains 判断给定时刻是否落在时段内（按当天分钟数比较）
func (s *ScheduleSlot) Contains(t time.Time) bool {
	start, err1 := parseClock(s.StartTime)
	end, err2 := parseClock(s.EndTime)
	if err1 != nil || err2 != nil {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	return minute >= start && minute < end
}

func parseClock(hhmm string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("时间超出范围: %s", hhmm)
	}
	return h*60 + m, nil
}

// WeeklySchedule 以中文星期名为键的一周日程
type WeeklySchedule map[string][]ScheduleSlot

// SlotsFor 返回给定日期当天的时段列表
func (w WeeklySchedule) SlotsFor(t time.Time) []ScheduleSlot {
	return w[WeekdayName(t.Weekday())]
}

// CurrentSlot 返回给定时刻所处的时段
// 不在任何时段内时返回空闲兜底
func (w WeeklySchedule) CurrentSlot(t time.Time) ScheduleSlot {
	for _, slot := range w.SlotsFor(t) {
		if slot.Contains(t) {
			return slot
		}
	}
	return ScheduleSlot{Activity: "休息", Status: ScheduleStatusIdle}
}
