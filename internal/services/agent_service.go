// internal/services/agent_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/EchoAgentMCP/internal/models"
	"github.com/Corphon/EchoAgentMCP/internal/storage"
	"github.com/Corphon/EchoAgentMCP/internal/utils"
)

// profileTemplate 人设补全的字段模板，缺失字段由模型按世界观逻辑补齐
const profileTemplate = `世界观：
姓名：
年龄：
生日：
教育背景：
家庭背景：
职业：
国家地区：
理想：
爱好：
  -
声音：
个人技能：

知识体系：
  -
与玩家关系：
MBTI类型：`

// AgentBuildResult 智能体初始化的完整产物
type AgentBuildResult struct {
	AgentID    string                `json:"agent_id"`
	Name       string                `json:"agent_name"`
	Profile    *models.AgentProfile  `json:"智能体信息"`
	Goals      *models.GoalSet       `json:"目标"`
	LifeEvents []models.LifeEvent    `json:"生平事件记录"`
	Schedule   models.WeeklySchedule `json:"schedule"`
}

// AgentService 智能体构建器
// 从一段用户描述出发，分步生成人设、属性池、大事记、目标与周日程，
// 每步产物独立落盘
type AgentService struct {
	LLMService *LLMService
	Store      *storage.Store
	EventTree  *EventTreeService
	Schedule   *ScheduleService
	Progress   *ProgressService
	logger     *utils.Logger

	newID func() string
}

// NewAgentService 创建智能体构建服务
func NewAgentService(llmService *LLMService, store *storage.Store, eventTree *EventTreeService, schedule *ScheduleService, progress *ProgressService) *AgentService {
	return &AgentService{
		LLMService: llmService,
		Store:      store,
		EventTree:  eventTree,
		Schedule:   schedule,
		Progress:   progress,
		logger:     utils.GetLogger(),
		newID:      uuid.NewString,
	}
}

// report 向进度跟踪器上报，tracker可为nil
func report(tracker *ProgressTracker, progress int, message string) {
	if tracker != nil {
		tracker.UpdateProgress(progress, message)
	}
}

// BuildAgent 构建一个新的智能体
// 流程：补全人设文本 → 生成属性池 → 格式化为结构化人设 →
// 生成周日程 → 生成大事记 → 生成目标
func (s *AgentService) BuildAgent(ctx context.Context, userInput string) (*AgentBuildResult, error) {
	return s.buildAgent(ctx, userInput, nil)
}

func (s *AgentService) buildAgent(ctx context.Context, userInput string, tracker *ProgressTracker) (*AgentBuildResult, error) {
	report(tracker, 5, "补全人设信息...")
	completedInfo, err := s.completeProfileText(ctx, userInput)
	if err != nil {
		return nil, fmt.Errorf("补全人设信息失败: %w", err)
	}
	name := extractField(completedInfo, "姓名")
	if name == "" {
		name = "unknown"
	}

	report(tracker, 20, "生成属性池...")
	stateText, err := s.generatePropertyPool(ctx, completedInfo)
	if err != nil {
		return nil, fmt.Errorf("生成属性池失败: %w", err)
	}

	report(tracker, 35, "整理结构化人设...")
	profile, err := s.formatFullProfile(ctx, completedInfo, stateText)
	if err != nil {
		return nil, fmt.Errorf("格式化人设失败: %w", err)
	}
	if profile.Name == "" {
		profile.Name = name
	}

	agentID := s.newID()
	if err := s.Store.SaveAgent(ctx, agentID, profile); err != nil {
		return nil, fmt.Errorf("保存人设失败: %w", err)
	}
	s.logger.Info("智能体人设已保存", map[string]interface{}{
		"agent": agentID,
		"name":  profile.Name,
	})

	report(tracker, 50, "生成周日程...")
	schedule, err := s.Schedule.EnsureSchedule(ctx, agentID, profile)
	if err != nil {
		s.logger.Warn("生成周日程失败", map[string]interface{}{
			"agent": agentID,
			"error": err.Error(),
		})
	}

	report(tracker, 60, "生成大事记...")
	lifeEvents, err := s.generateLifeEvents(ctx, profile)
	if err != nil {
		s.logger.Warn("生成大事记失败", map[string]interface{}{
			"agent": agentID,
			"error": err.Error(),
		})
	} else if err := s.Store.InsertLifeEvents(ctx, agentID, lifeEvents); err != nil {
		s.logger.Error("保存大事记失败", map[string]interface{}{
			"agent": agentID,
			"error": err.Error(),
		})
	}

	report(tracker, 75, "生成长期与短期目标...")
	goals, err := s.generateGoals(ctx, profile, lifeEvents)
	if err != nil {
		s.logger.Warn("生成目标失败", map[string]interface{}{
			"agent": agentID,
			"error": err.Error(),
		})
		goals = &models.GoalSet{}
	} else if _, err := s.Store.InsertGoals(ctx, agentID, goals); err != nil {
		s.logger.Error("保存目标失败", map[string]interface{}{
			"agent": agentID,
			"error": err.Error(),
		})
	}

	return &AgentBuildResult{
		AgentID:    agentID,
		Name:       profile.Name,
		Profile:    profile,
		Goals:      goals,
		LifeEvents: lifeEvents,
		Schedule:   schedule,
	}, nil
}

// Initialize 完整初始化：构建智能体后接着构建事件链
func (s *AgentService) Initialize(ctx context.Context, userInput string) (*AgentBuildResult, *models.EventTree, error) {
	return s.initialize(ctx, userInput, nil)
}

func (s *AgentService) initialize(ctx context.Context, userInput string, tracker *ProgressTracker) (*AgentBuildResult, *models.EventTree, error) {
	startedAt := time.Now()

	result, err := s.buildAgent(ctx, userInput, tracker)
	if err != nil {
		utils.NewAPIMetrics().RecordAgentBuild("failed", time.Since(startedAt))
		return nil, nil, err
	}

	report(tracker, 85, "构建生命周期事件链...")
	tree, err := s.EventTree.BuildFullEventTree(ctx, result.AgentID)
	if err != nil {
		utils.NewAPIMetrics().RecordAgentBuild("partial", time.Since(startedAt))
		return result, nil, fmt.Errorf("构建事件链失败: %w", err)
	}

	utils.NewAPIMetrics().RecordAgentBuild("completed", time.Since(startedAt))
	s.logger.Info("智能体初始化完成", map[string]interface{}{
		"agent": result.AgentID,
		"name":  result.Name,
	})
	return result, tree, nil
}

// InitializeAsync 后台执行完整初始化，返回可订阅的任务ID
// 构建产物落盘后通过进度消息携带agent_id
func (s *AgentService) InitializeAsync(userInput string) string {
	taskID := fmt.Sprintf("build_%d", time.Now().UnixNano())
	tracker := s.Progress.CreateTracker(taskID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()

		result, _, err := s.initialize(ctx, userInput, tracker)
		if err != nil {
			tracker.Fail(err.Error())
			return
		}
		tracker.Complete(fmt.Sprintf("智能体构建完成: %s (agent_id: %s)", result.Name, result.AgentID))
	}()

	return taskID
}

// GetAgent 读取智能体人设
func (s *AgentService) GetAgent(ctx context.Context, agentID string) (*models.AgentProfile, error) {
	return s.Store.GetAgent(ctx, agentID)
}

func (s *AgentService) completeProfileText(ctx context.Context, userInput string) (string, error) {
	prompt := fmt.Sprintf(`请根据用户输入的初始信息，按照以下内容进行补全，为想要生成的智能体的基本信息：
%s

用户输入的初始信息：
%s

注意：
1. 输出内容必须与模板格式一致。
2. 输出内容以纯文本格式给出，不要输出冗余信息。
3. 生成的智能体基本信息需要以用户输入信息为基础，并根据用户输入信息进行补充，符合设定世界观的逻辑。`,
		profileTemplate, userInput)

	return s.LLMService.CreateCompletion(ctx, prompt, "", CompletionOptions{
		Temperature: 0.8,
		MaxTokens:   3000,
	})
}

func (s *AgentService) generatePropertyPool(ctx context.Context, completedInfo string) (string, error) {
	prompt := fmt.Sprintf(`请根据智能体基础信息和MBTI类型，结合以下要求生成属性池：
1. 状态标签需包含【生理/心理/社交/特殊】四个维度
2. 每个标签必须包含触发条件和影响描述
3. 特征标签需关联行动风格和社交倾向
4. 经历标签需按教育/职业/人生里程碑/创伤/成就分类
5. 关系标签需区分情感/工作关系

基础信息：
%s

输出格式：
【性格状态】
[此处输出性格描述]

【Tag池】
状态标签：
  生理状态：
    - 标签名 (触发条件: [条件], 影响: [影响], 存在依据: [说明])
  心理状态：
    - 标签名 (触发条件: [条件], 影响: [影响], 存在依据: [说明])
  社交状态：
    - 标签名 (触发条件: [条件], 影响: [影响], 存在依据: [说明])
  特殊状态：
    - 标签名 (触发条件: [条件], 影响: [影响], 存在依据: [说明])
特征标签：
  - 标签名 (行为表现: [行为], 影响: [影响], 存在依据: [说明])
经历标签：
  教育经历：
    - 标签名 (触发条件: [条件], 影响: [影响], 存在依据: [说明])
  职业发展：
    - 标签名 (触发条件: [条件], 影响: [影响], 存在依据: [说明])
关系标签：
  - 标签名 (类别: [类别], 触发条件: [条件], 影响: [影响], 存在依据: [说明])

注意：
1. 只列出角色实际存在的标签，不存在的标签不要列出
2. 存在依据要结合角色的背景信息
3. 状态标签和经历标签需满足触发条件才存在`, completedInfo)

	return s.LLMService.CreateCompletion(ctx, prompt, "", CompletionOptions{
		Temperature: 0.6,
		MaxTokens:   3000,
	})
}

func (s *AgentService) formatFullProfile(ctx context.Context, completedInfo, stateText string) (*models.AgentProfile, error) {
	prompt := fmt.Sprintf(`以下是一个智能体的基础信息与状态信息，请按照指定格式整理为JSON对象。

要求输出的字段包括：世界观、姓名、年龄、生日、教育背景、家庭背景、职业、国家地区、理想、爱好、声音、个人技能、知识体系、与玩家关系、MBTI类型、心理状态、Tag池。

其中：
- 爱好、个人技能为字符串数组
- 知识体系为 {"领域": [...], "知识储备": [...]}
- 心理状态为 {"心情": 50, "心理健康度": 50, "求知欲": 50, "社交能量": 50}（0-100整数）
- Tag池包含存在的状态标签、特征标签、经历标签、关系标签

原始信息如下：
【基础信息】
%s

【状态信息】
%s`, completedInfo, stateText)

	reply, err := s.LLMService.CreateCompletion(ctx, prompt, "", CompletionOptions{
		Temperature: 0.5,
		MaxTokens:   2500,
	})
	if err != nil {
		return nil, err
	}

	var profile models.AgentProfile
	if err := utils.DecodeLLMJSON(reply, &profile); err != nil {
		return nil, fmt.Errorf("人设JSON解析失败: %w", err)
	}
	return &profile, nil
}

func (s *AgentService) generateLifeEvents(ctx context.Context, profile *models.AgentProfile) ([]models.LifeEvent, error) {
	profileJSON, _ := json.MarshalIndent(profile, "", "  ")

	prompt := fmt.Sprintf(`请基于角色信息，生成该角色迄今为止的人生中的重要事件并进行记录。
事件应覆盖从幼年到当前年龄的关键节点：兴趣萌芽、学业转折、挫折与转折点、价值观事件、技能突破、人际成长、重大失去与当前的十字路口。

以下是角色信息：
%s

请以 JSON 数组形式输出所有事件，每个事件格式为：
{"年份": 2006, "年龄": 3, "描述": "首次接触电子积木玩具，展现出对逻辑排列的强烈兴趣"}`, profileJSON)

	reply, err := s.LLMService.CreateCompletion(ctx, prompt, "", CompletionOptions{
		Temperature: 0.6,
		MaxTokens:   10000,
	})
	if err != nil {
		return nil, err
	}

	var events []models.LifeEvent
	if err := utils.DecodeLLMJSON(reply, &events); err != nil {
		return nil, fmt.Errorf("大事记JSON解析失败: %w", err)
	}
	return events, nil
}

func (s *AgentService) generateGoals(ctx context.Context, profile *models.AgentProfile, lifeEvents []models.LifeEvent) (*models.GoalSet, error) {
	profileJSON, _ := json.MarshalIndent(profile, "", "  ")
	lifeEventsJSON, _ := json.Marshal(lifeEvents)

	prompt := fmt.Sprintf(`以下是一位虚构角色的完整信息和其人生历程，请基于此信息，生成出该角色的完整生命周期的长期目标与短期目标。

角色完整信息：
%s

角色生平事件：
%s

请以JSON对象输出：{"长期目标": ["..."], "短期目标": ["..."]}`, profileJSON, lifeEventsJSON)

	reply, err := s.LLMService.CreateCompletion(ctx, prompt, "", CompletionOptions{
		Temperature: 0.6,
		MaxTokens:   1000,
	})
	if err != nil {
		return nil, err
	}

	var goals models.GoalSet
	if err := utils.DecodeLLMJSON(reply, &goals); err != nil {
		return nil, fmt.Errorf("目标JSON解析失败: %w", err)
	}
	return &goals, nil
}

// extractField 从补全文本中提取"字段：值"格式的字段
func extractField(text, field string) string {
	prefix := field + "："
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}
