// internal/services/stage_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Corphon/EchoAgentMCP/internal/models"
	"github.com/Corphon/EchoAgentMCP/internal/utils"
)

// StageService 人生阶段规划器
// 基于人设、大事记与目标，把当前年龄到60岁划分为连续的人生阶段
type StageService struct {
	LLMService *LLMService
	logger     *utils.Logger
}

// NewStageService 创建阶段规划服务
func NewStageService(llmService *LLMService) *StageService {
	return &StageService{
		LLMService: llmService,
		logger:     utils.GetLogger(),
	}
}

// GenerateLifecycleStages 生成人生阶段列表
// 结构性失败（模型没有返回合法的阶段数组）返回空列表而不是错误，
// 调用方把空列表当作"没有阶段"处理，不再继续生成事件
func (s *StageService) GenerateLifecycleStages(ctx context.Context, profile *models.AgentProfile, lifeEvents []models.LifeEvent, goals *models.GoalSet) []models.Stage {
	prompt := s.buildStagePrompt(profile, lifeEvents, goals)

	var stages []models.Stage
	if err := s.LLMService.CreateStructuredCompletion(ctx, prompt, "", &stages); err != nil {
		s.logger.Error("生成人生阶段失败", map[string]interface{}{
			"agent": profile.Name,
			"error": err.Error(),
		})
		return nil
	}

	// 每个阶段必须有阶段名与时间范围，结构不完整时整体放弃
	for _, stage := range stages {
		if stage.StageName == "" || stage.TimeRange == "" {
			s.logger.Warn("人生阶段数据结构不完整，放弃本次结果", map[string]interface{}{
				"agent": profile.Name,
			})
			return nil
		}
	}

	s.logger.Info("人生阶段生成完成", map[string]interface{}{
		"agent":  profile.Name,
		"stages": len(stages),
	})
	return stages
}

func (s *StageService) buildStagePrompt(profile *models.AgentProfile, lifeEvents []models.LifeEvent, goals *models.GoalSet) string {
	profileJSON, _ := json.Marshal(profile)
	lifeEventsJSON, _ := json.Marshal(lifeEvents)
	goalsJSON, _ := json.Marshal(goals)

	return fmt.Sprintf(`你是一个流程规划设计专家，请基于以下角色信息，为其完整生命周期（现在到60岁之间）的人生划分多个连续阶段，每个阶段包含：阶段名、年龄范围、阶段目标与挑战。

角色信息：
%s
人生大事记：
%s
目标信息：
%s

请以JSON数组输出，输出格式如下：
[
  {
    "阶段编号": 1,
    "阶段": "小学四年级",
    "时间范围": "2015年-2018年（18岁-21岁）",
    "阶段目标": "...",
    "是否为起点阶段": true
  },
  ...
]

请注意：
- 阶段必须从角色当前年龄开始、连续覆盖到60岁。
- 有且仅有一个阶段的"是否为起点阶段"为 true。`,
		profileJSON, lifeEventsJSON, goalsJSON)
}
