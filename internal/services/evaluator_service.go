// internal/services/evaluator_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Corphon/EchoAgentMCP/internal/errors"
	"github.com/Corphon/EchoAgentMCP/internal/models"
	"github.com/Corphon/EchoAgentMCP/internal/storage"
	"github.com/Corphon/EchoAgentMCP/internal/utils"
)

// EvaluatorService 会话后状态评估器
// 把一段对话折算为心理状态变化、知识增量和事件状态判定，
// 再分三路写回人设、目标与事件链
type EvaluatorService struct {
	LLMService *LLMService
	Store      *storage.Store
	logger     *utils.Logger

	maxRetries int
	retryWait  time.Duration
}

// NewEvaluatorService 创建状态评估服务
func NewEvaluatorService(llmService *LLMService, store *storage.Store) *EvaluatorService {
	return &EvaluatorService{
		LLMService: llmService,
		Store:      store,
		logger:     utils.GetLogger(),
		maxRetries: 2,
		retryWait:  time.Second,
	}
}

// EvaluateStateChange 评估一段对话引起的状态变化
// 对话按issue_id分组后交给模型；所有重试失败时返回零值默认评估，
// 不把错误向上传递
func (s *EvaluatorService) EvaluateStateChange(ctx context.Context, messages []models.DialogueTurn, profile *models.AgentProfile, goals *models.GoalSet, tree *models.EventTree) *models.StateEvaluation {
	prompt := s.buildEvaluationPrompt(messages, profile, goals, tree)

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		text, err := s.LLMService.CreateCompletion(ctx, prompt, "", CompletionOptions{
			MaxTokens: 1500,
		})
		if err != nil {
			s.logger.Warn("状态评估请求失败", map[string]interface{}{
				"agent":   profile.Name,
				"attempt": attempt,
				"error":   err.Error(),
			})
			time.Sleep(s.retryWait)
			continue
		}

		var evaluation models.StateEvaluation
		if err := utils.DecodeLLMJSON(text, &evaluation); err != nil {
			s.logger.Warn("状态评估结果解析失败", map[string]interface{}{
				"agent":   profile.Name,
				"attempt": attempt,
				"error":   err.Error(),
			})
			continue
		}
		return &evaluation
	}

	s.logger.Error("所有状态评估尝试失败，使用默认评估", map[string]interface{}{
		"agent": profile.Name,
	})
	return models.DefaultEvaluation()
}

// ApplyEvaluation 把评估结果分三路写回存储
// 人设、目标、事件链各自独立提交，单路失败只记日志不回滚其他两路
func (s *EvaluatorService) ApplyEvaluation(ctx context.Context, agentID string, evaluation *models.StateEvaluation) {
	// 1. 人设：叠加心理状态变化，追加新增知识
	profile, err := s.Store.GetAgent(ctx, agentID)
	if err != nil {
		s.logger.Error("读取智能体人设失败，跳过人设更新", map[string]interface{}{
			"agent": agentID,
			"error": err.Error(),
		})
	} else {
		profile.Psych.Mood += int(evaluation.Psych.Mood)
		profile.Psych.MentalHealth += int(evaluation.Psych.MentalHealth)
		profile.Psych.Curiosity += int(evaluation.Psych.Curiosity)
		profile.Psych.SocialEnergy += int(evaluation.Psych.SocialEnergy)
		for _, item := range evaluation.Knowledge.Added {
			if item != "" && !containsString(profile.Knowledge.Reserve, item) {
				profile.Knowledge.Reserve = append(profile.Knowledge.Reserve, item)
			}
		}
		if err := s.Store.SaveAgent(ctx, agentID, profile); err != nil {
			s.logger.Error("智能体人设更新失败", map[string]interface{}{
				"agent": agentID,
				"error": err.Error(),
			})
		}
	}

	// 2. 目标：回写最新的目标记录
	goalID, goals, err := s.Store.GetLatestGoals(ctx, agentID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error("读取目标失败，跳过目标更新", map[string]interface{}{
				"agent": agentID,
				"error": err.Error(),
			})
		}
	} else if err := s.Store.UpdateGoals(ctx, goalID, goals); err != nil {
		s.logger.Error("目标更新失败", map[string]interface{}{
			"agent": agentID,
			"error": err.Error(),
		})
	}

	// 3. 事件链：标注本次会话事件的状态
	chainID, tree, err := s.Store.GetLatestEventChain(ctx, agentID)
	if err != nil {
		s.logger.Error("读取事件链失败，跳过事件链更新", map[string]interface{}{
			"agent": agentID,
			"error": err.Error(),
		})
		return
	}
	if evaluation.EventStatus.EventID != "" {
		if event, ok := tree.FindEvent(evaluation.EventStatus.EventID); ok {
			event.Status = evaluation.EventStatus.Status
		}
	}
	if err := s.Store.UpdateEventChain(ctx, chainID, tree); err != nil {
		s.logger.Error("事件链更新失败", map[string]interface{}{
			"agent": agentID,
			"error": err.Error(),
		})
	}
}

// EvaluateSession 读取最近的对话记录并完成一次完整结算
// limit<=0 时默认取最近50条
func (s *EvaluatorService) EvaluateSession(ctx context.Context, agentID string, limit int) (*models.StateEvaluation, error) {
	if limit <= 0 {
		limit = 50
	}
	messages, err := s.Store.GetMessages(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("读取对话记录失败: %w", err)
	}
	profile, err := s.Store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("智能体不存在", err)
		}
		return nil, fmt.Errorf("读取智能体人设失败: %w", err)
	}
	_, goals, err := s.Store.GetLatestGoals(ctx, agentID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("读取目标失败: %w", err)
		}
		goals = &models.GoalSet{}
	}
	_, tree, err := s.Store.GetLatestEventChain(ctx, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("事件链不存在", err)
		}
		return nil, fmt.Errorf("读取事件链失败: %w", err)
	}

	evaluation := s.EvaluateStateChange(ctx, messages, profile, goals, tree)
	s.ApplyEvaluation(ctx, agentID, evaluation)
	return evaluation, nil
}

// NextEvent 返回事件树中第一个未完成的事件，全部完成时返回nil
func (s *EvaluatorService) NextEvent(ctx context.Context, agentID string) (*models.Event, error) {
	_, tree, err := s.Store.GetLatestEventChain(ctx, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("事件链不存在", err)
		}
		return nil, fmt.Errorf("读取事件链失败: %w", err)
	}
	if event, ok := tree.NextPending(); ok {
		return event, nil
	}
	return nil, nil
}

func (s *EvaluatorService) buildEvaluationPrompt(messages []models.DialogueTurn, profile *models.AgentProfile, goals *models.GoalSet, tree *models.EventTree) string {
	profileJSON, _ := json.MarshalIndent(profile, "", "  ")
	goalsJSON, _ := json.MarshalIndent(goals, "", "  ")
	treeJSON, _ := json.MarshalIndent(tree, "", "  ")

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(`请根据以下内容评估事件结束后智能体的状态变化，并按issue_id分组评估：

【智能体设定】
%s

【目标信息】
%s

【事件链】
%s

【对话分组】：`, profileJSON, goalsJSON, treeJSON))

	// 按issue_id分组，保持首次出现的顺序
	var order []string
	grouped := make(map[string][]models.DialogueTurn)
	for _, msg := range messages {
		if msg.IssueID == "" {
			continue
		}
		if _, ok := grouped[msg.IssueID]; !ok {
			order = append(order, msg.IssueID)
		}
		grouped[msg.IssueID] = append(grouped[msg.IssueID], msg)
	}
	for _, issueID := range order {
		sb.WriteString(fmt.Sprintf("\nIssue ID: %s\n", issueID))
		for _, msg := range grouped[issueID] {
			sb.WriteString(fmt.Sprintf("%s: %s\n", msg.Role, msg.Content))
		}
	}

	sb.WriteString(`
输出格式如下：
{
  "心理状态变化": {
    "心情": "+/-整数",
    "心理健康度": "+/-整数",
    "求知欲": "+/-整数",
    "社交能量": "+/-整数"
  },
  "知识储备变化": {
    "增加": ["新知识1", "新知识2"]
  },
  "事件树状态": {
    "事件ID": "事件编号",
    "状态": "完成/失败/跳过"
  }
}

请严格按照以上JSON格式输出，不要包含任何额外文本。
重要：不要使用Markdown代码块，直接输出纯JSON！`)

	return sb.String()
}

func containsString(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
