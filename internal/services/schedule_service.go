// internal/services/schedule_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Corphon/EchoAgentMCP/internal/models"
	"github.com/Corphon/EchoAgentMCP/internal/storage"
	"github.com/Corphon/EchoAgentMCP/internal/utils"
)

// ScheduleService 周日程生成与读取
type ScheduleService struct {
	LLMService *LLMService
	Store      *storage.Store
	logger     *utils.Logger
}

// NewScheduleService 创建日程服务
func NewScheduleService(llmService *LLMService, store *storage.Store) *ScheduleService {
	return &ScheduleService{
		LLMService: llmService,
		Store:      store,
		logger:     utils.GetLogger(),
	}
}

// EnsureSchedule 返回智能体的周日程，不存在时生成并落盘
// 已有日程不会被重新生成
func (s *ScheduleService) EnsureSchedule(ctx context.Context, agentID string, profile *models.AgentProfile) (models.WeeklySchedule, error) {
	schedule, err := s.Store.GetLatestSchedule(ctx, agentID)
	if err == nil {
		return schedule, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	schedule = s.GenerateWeeklySchedule(ctx, profile)
	if err := s.Store.InsertSchedule(ctx, agentID, schedule); err != nil {
		return nil, err
	}
	return schedule, nil
}

// GenerateWeeklySchedule 生成一周日程
// 模型生成失败时退回到基于职业与爱好的确定性默认模板
func (s *ScheduleService) GenerateWeeklySchedule(ctx context.Context, profile *models.AgentProfile) models.WeeklySchedule {
	profileJSON, _ := json.MarshalIndent(profile, "", "  ")

	prompt := fmt.Sprintf(`请根据以下智能体信息生成完整的周日程表（周一到周日）：
%s

要求：
1. 按每日24h安排事件
2. 包含工作日和周末的不同安排
3. 白天每个事件持续时间0.5-3小时，夜晚可以安排长时间睡眠时间
4. 事件内容符合智能体的职业、爱好和个人特点
5. 为每个时间段分配状态标签："空闲"/"一般忙碌"/"忙碌"，睡眠时间为忙碌
6. 返回JSON格式：键为星期几，值为该天的日程列表
7. 示例格式：
{
  "周一": [
    {"start_time": "07:30", "end_time": "08:00", "activity": "晨练", "status": "一般忙碌"},
    {"start_time": "08:00", "end_time": "09:00", "activity": "早餐", "status": "空闲"}
  ],
  "周二": []
}`, profileJSON)

	text, err := s.LLMService.CreateCompletion(ctx, prompt, "", CompletionOptions{
		Temperature: 0.7,
		MaxTokens:   3000,
	})
	if err == nil {
		var schedule models.WeeklySchedule
		if derr := utils.DecodeLLMJSON(text, &schedule); derr == nil && len(schedule) > 0 {
			return schedule
		}
	} else {
		s.logger.Warn("日程生成失败，使用默认模板", map[string]interface{}{
			"agent": profile.Name,
			"error": err.Error(),
		})
	}

	return DefaultSchedule(profile)
}

// DefaultSchedule 基于职业与爱好的默认周日程
func DefaultSchedule(profile *models.AgentProfile) models.WeeklySchedule {
	occupation := profile.Occupation
	if occupation == "" {
		occupation = "自由职业"
	}
	hobby := "阅读"
	if len(profile.Hobbies) > 0 {
		hobby = profile.Hobbies[0]
	}

	workday := []models.ScheduleSlot{
		{StartTime: "07:00", EndTime: "08:00", Activity: "晨间准备", Status: models.ScheduleStatusModerate},
		{StartTime: "08:00", EndTime: "12:00", Activity: occupation, Status: models.ScheduleStatusBusy},
		{StartTime: "12:00", EndTime: "13:00", Activity: "午餐", Status: models.ScheduleStatusIdle},
		{StartTime: "13:00", EndTime: "17:00", Activity: occupation, Status: models.ScheduleStatusBusy},
		{StartTime: "17:00", EndTime: "18:00", Activity: "通勤/休息", Status: models.ScheduleStatusModerate},
		{StartTime: "18:00", EndTime: "19:00", Activity: "晚餐", Status: models.ScheduleStatusIdle},
		{StartTime: "19:00", EndTime: "21:00", Activity: hobby, Status: models.ScheduleStatusModerate},
		{StartTime: "21:00", EndTime: "23:00", Activity: "个人时间", Status: models.ScheduleStatusIdle},
	}
	weekend := []models.ScheduleSlot{
		{StartTime: "08:00", EndTime: "09:00", Activity: "早餐", Status: models.ScheduleStatusIdle},
		{StartTime: "09:00", EndTime: "12:00", Activity: "个人爱好", Status: models.ScheduleStatusModerate},
		{StartTime: "12:00", EndTime: "13:00", Activity: "午餐", Status: models.ScheduleStatusIdle},
		{StartTime: "13:00", EndTime: "17:00", Activity: "社交/休闲", Status: models.ScheduleStatusModerate},
		{StartTime: "17:00", EndTime: "19:00", Activity: "晚餐", Status: models.ScheduleStatusIdle},
		{StartTime: "19:00", EndTime: "22:00", Activity: "娱乐", Status: models.ScheduleStatusIdle},
	}

	return models.WeeklySchedule{
		"周一": workday,
		"周二": workday,
		"周三": workday,
		"周四": workday,
		"周五": workday,
		"周六": weekend,
		"周日": weekend,
	}
}
