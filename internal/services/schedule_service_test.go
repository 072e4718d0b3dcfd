// internal/services/schedule_service_test.go
package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/EchoAgentMCP/internal/models"
)

func TestDefaultSchedule(t *testing.T) {
	schedule := DefaultSchedule(testProfile())

	require.Len(t, schedule, 7, "默认日程应覆盖一周七天")
	for _, day := range []string{"周一", "周二", "周三", "周四", "周五", "周六", "周日"} {
		assert.NotEmpty(t, schedule[day], "%s 不应为空", day)
	}

	// 工作日上午应是职业相关的忙碌时段
	found := false
	for _, slot := range schedule["周一"] {
		if slot.Activity == "软件工程师" && slot.Status == models.ScheduleStatusBusy {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDefaultScheduleEmptyProfile(t *testing.T) {
	schedule := DefaultSchedule(&models.AgentProfile{})

	found := false
	for _, slot := range schedule["周一"] {
		if slot.Activity == "自由职业" {
			found = true
		}
	}
	assert.True(t, found, "无职业时应使用自由职业占位")
}

func TestGenerateWeeklyScheduleFromModel(t *testing.T) {
	llmService, _ := newTestLLMService(textReply(`{
		"周一": [{"start_time": "07:30", "end_time": "08:00", "activity": "晨练", "status": "一般忙碌"}]
	}`))
	s := NewScheduleService(llmService, newTestStore(t))

	schedule := s.GenerateWeeklySchedule(context.Background(), testProfile())
	require.Len(t, schedule["周一"], 1)
	assert.Equal(t, "晨练", schedule["周一"][0].Activity)
}

func TestGenerateWeeklyScheduleFallsBack(t *testing.T) {
	llmService, _ := newTestLLMService(errorReply("模型不可用"))
	s := NewScheduleService(llmService, newTestStore(t))

	schedule := s.GenerateWeeklySchedule(context.Background(), testProfile())
	assert.Len(t, schedule, 7, "模型失败时应退回默认模板")
}

func TestEnsureScheduleGeneratesOnce(t *testing.T) {
	llmService, provider := newTestLLMService(errorReply("模型不可用"))
	s := NewScheduleService(llmService, newTestStore(t))
	ctx := context.Background()

	first, err := s.EnsureSchedule(ctx, "agent-1", testProfile())
	require.NoError(t, err)
	require.Len(t, first, 7)
	assert.Equal(t, 1, provider.callCount())

	// 第二次应直接读取落盘结果，不再生成
	second, err := s.EnsureSchedule(ctx, "agent-1", testProfile())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, provider.callCount(), "已有日程不应触发模型调用")
}
