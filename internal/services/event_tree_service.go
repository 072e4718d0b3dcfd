// internal/services/event_tree_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Corphon/EchoAgentMCP/internal/models"
	"github.com/Corphon/EchoAgentMCP/internal/storage"
	"github.com/Corphon/EchoAgentMCP/internal/utils"
)

// EventTreeService 事件树构建器
// 为每个人生阶段生成 3主线/5支线/8日常 的事件包，组装成完整事件树后落盘
type EventTreeService struct {
	LLMService   *LLMService
	StageService *StageService
	Store        *storage.Store
	logger       *utils.Logger

	maxRetries int
	retryWait  time.Duration
}

// NewEventTreeService 创建事件树构建服务
func NewEventTreeService(llmService *LLMService, stageService *StageService, store *storage.Store) *EventTreeService {
	return &EventTreeService{
		LLMService:   llmService,
		StageService: stageService,
		Store:        store,
		logger:       utils.GetLogger(),
		maxRetries:   3,
		retryWait:    time.Second,
	}
}

// GenerateEventsForStage 为单个阶段生成事件列表
// 每次失败后等待一段时间再重试；全部失败时返回空事件列表，阶段本身保留
func (s *EventTreeService) GenerateEventsForStage(ctx context.Context, profile *models.AgentProfile, goals *models.GoalSet, stage models.Stage) models.Stage {
	prompt := s.buildEventPrompt(profile, goals, stage)

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		text, err := s.LLMService.CreateCompletion(ctx, prompt, "", CompletionOptions{
			Temperature: 0.7,
			MaxTokens:   4000,
		})
		if err != nil {
			s.logger.Warn("阶段事件生成请求失败", map[string]interface{}{
				"stage":   stage.StageName,
				"attempt": attempt,
				"error":   err.Error(),
			})
			time.Sleep(s.retryWait)
			continue
		}

		// 事件列表键缺失视为结构无效
		var bundle struct {
			StageName string          `json:"阶段"`
			TimeRange string          `json:"时间范围"`
			RawEvents json.RawMessage `json:"事件列表"`
		}
		if err := utils.DecodeLLMJSON(text, &bundle); err != nil || bundle.RawEvents == nil {
			s.logger.Warn("阶段事件结构无效", map[string]interface{}{
				"stage":   stage.StageName,
				"attempt": attempt,
			})
			continue
		}

		var events []models.Event
		if err := json.Unmarshal(bundle.RawEvents, &events); err != nil {
			s.logger.Warn("事件列表解析失败", map[string]interface{}{
				"stage":   stage.StageName,
				"attempt": attempt,
				"error":   err.Error(),
			})
			continue
		}

		stage.Events = events
		return stage
	}

	s.logger.Error("阶段事件生成重试耗尽，保留空事件列表", map[string]interface{}{
		"stage": stage.StageName,
	})
	stage.Events = []models.Event{}
	return stage
}

// BuildFullEventTree 构建完整事件树并追加保存为新的事件链记录
func (s *EventTreeService) BuildFullEventTree(ctx context.Context, agentID string) (*models.EventTree, error) {
	profile, err := s.Store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("读取智能体人设失败: %w", err)
	}

	lifeEvents, err := s.Store.GetLifeEvents(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("读取大事记失败: %w", err)
	}

	_, goals, err := s.Store.GetLatestGoals(ctx, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		goals = &models.GoalSet{}
	} else if err != nil {
		return nil, fmt.Errorf("读取目标失败: %w", err)
	}

	stages := s.StageService.GenerateLifecycleStages(ctx, profile, lifeEvents, goals)

	tree := models.NewEventTree()
	for _, stage := range stages {
		s.logger.Info("正在生成阶段事件", map[string]interface{}{
			"agent": agentID,
			"stage": stage.StageName,
		})
		tree.Stages = append(tree.Stages, s.GenerateEventsForStage(ctx, profile, goals, stage))
	}

	// 结构约束只记录不拒绝，依赖与触发条件由运行期的导演判断
	if problems := tree.Validate(); len(problems) > 0 {
		s.logger.Warn("事件树存在结构问题", map[string]interface{}{
			"agent":    agentID,
			"problems": problems,
		})
	}

	if _, err := s.Store.InsertEventChain(ctx, agentID, tree); err != nil {
		return nil, err
	}

	s.logger.Info("事件链构建完成", map[string]interface{}{
		"agent":  agentID,
		"stages": len(tree.Stages),
	})
	return tree, nil
}

func (s *EventTreeService) buildEventPrompt(profile *models.AgentProfile, goals *models.GoalSet, stage models.Stage) string {
	profileJSON, _ := json.Marshal(profile)
	goalsJSON, _ := json.Marshal(goals)
	stageJSON, _ := json.Marshal(stage)

	return fmt.Sprintf(`你是一位沉浸式互动剧情设计专家，用户将与智能体"%s"共同经历一段连贯真实、充满冲突与成长的连续事件链体验。

你的目标是：为该人生阶段生成具备"情节冲突 + 用户决策影响 + 多轮互动"的3个【主线事件】与5个【支线事件】，以及角色在非剧情高峰期的8个【日常事件】，以支撑剧情节奏。

角色信息：
%s

阶段信息：
%s

长期目标与背景：
%s

1. 事件中应包含一个初识事件（event_id 固定为 E001），引入智能体与用户的初次相识；初识事件只出现在起点阶段。
2. 主线应构建关键冲突，如目标受阻、价值冲突、人际误解等，设计明确的用户影响路径。
3. 支线应具备探索性，例如"是否追查真相""是否帮助朋友""是否道歉"，体现个性发展。
4. 日常事件为低张力休闲互动，强调关系积累（如散步、游戏、学习等），可复用不同模板变体。
5. 所有事件必须完整描述 cause、process、result，并体现 impact（心理变化、知识增长、亲密度波动）。

请严格按照以下JSON格式输出，不要包含任何额外文本：
{
    "阶段": "%s",
    "时间范围": "%s",
    "事件列表": [
        {
            "event_id": "E001",
            "type": "主线/支线/日常",
            "name": "事件标题",
            "time": "具体时间",
            "location": "具体地点",
            "characters": ["%s", "用户", "配角"],
            "cause": "事件起因...",
            "process": "事件经过（有挑战、有互动）...",
            "result": "事件结果...",
            "impact": {
                "心理状态变化": "...",
                "知识增长": "...",
                "亲密度变化": "+3"
            },
            "importance": 4,
            "urgency": 2,
            "tags": ["关键词1", "关键词2"],
            "trigger_conditions": ["处于%s", "亲密度>30"],
            "dependencies": ["E001"]
        }
    ]
}

请注意：
- 事件ID在整棵事件树内唯一，按 E001、E002 顺延。
- 主线事件 importance ≥ 4，必须带有依赖（dependencies）。
- 支线事件 importance 为 3~4，无需依赖但应有明确触发条件。
- 日常事件 importance ≤ 2，trigger_conditions 可留空，可重复发生。
- 所有事件应具有可玩性（用户决策影响角色表现）、连续性（前后衔接）、真实感（基于性格设定）。`,
		profile.Name, profileJSON, stageJSON, goalsJSON,
		stage.StageName, stage.TimeRange, profile.Name, stage.StageName)
}
