// internal/services/dispatcher_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/Corphon/EchoAgentMCP/internal/models"
	"github.com/Corphon/EchoAgentMCP/internal/storage"
	"github.com/Corphon/EchoAgentMCP/internal/utils"
)

// DispatcherService 运行期事件导演
// 分析对话状态、从事件链中挑选下一个事件，挑选不出来时逐级兜底，
// 保证任何情况下都能交出一个可用的事件
type DispatcherService struct {
	LLMService *LLMService
	Store      *storage.Store
	logger     *utils.Logger

	// 测试注入点
	now    func() time.Time
	randID func() string
}

// NewDispatcherService 创建事件导演服务
func NewDispatcherService(llmService *LLMService, store *storage.Store) *DispatcherService {
	return &DispatcherService{
		LLMService: llmService,
		Store:      store,
		logger:     utils.GetLogger(),
		now:        time.Now,
		randID: func() string {
			return fmt.Sprintf("%s%d", models.TempEventPrefix, 1000+rand.IntN(9000))
		},
	}
}

// AnalyzeStateFromHistory 分析最近对话，推断生命周期阶段、亲密度与知识储备
// 模型返回缺少亲密度字段时视为分析失败，错误交由上层处理
func (s *DispatcherService) AnalyzeStateFromHistory(ctx context.Context, history []models.DialogueTurn) (*StateAnalysis, error) {
	historyJSON, _ := json.Marshal(historyTail(history, 10))

	prompt := fmt.Sprintf(`你是一个用户行为与情绪状态分析专家，请根据以下对话片段，推测当前智能体与用户互动所处的生命周期阶段、亲密度等级（0-100）、以及用户已协助智能体掌握的知识关键词列表。

对话片段：
%s

请提取以下内容（以 JSON 格式输出）：
{
  "阶段": "智能体当前生命周期阶段",
  "亲密度": 55,
  "知识点": ["从对话中角色学到或提到的知识关键词"],
  "已完成事件": ["推测完成的事件 ID 列表"],
  "首次互动": false,
  "当前知识储备": ["心理调节", "社团组织"],
  "当前生命周期阶段": "当前生命周期阶段"
}`, historyJSON)

	text, err := s.LLMService.CreateCompletion(ctx, prompt, "", CompletionOptions{
		Temperature: 0.5,
		MaxTokens:   1000,
	})
	if err != nil {
		return nil, fmt.Errorf("状态分析请求失败: %w", err)
	}

	var analysis StateAnalysis
	if err := utils.DecodeLLMJSON(text, &analysis); err != nil {
		return nil, fmt.Errorf("状态分析结果解析失败: %w", err)
	}
	if analysis.Affinity == nil {
		return nil, fmt.Errorf("状态分析结果缺少必要字段 亲密度")
	}
	return &analysis, nil
}

// SelectNextEvent 从事件链中选择下一个可触发的事件
// 状态分析失败、模型明确回答 fallback、或返回内容无法解析时，
// 都退回到兜底事件生成，永远不会返回空事件
func (s *DispatcherService) SelectNextEvent(ctx context.Context, profile *models.AgentProfile, allEvents []models.Event, completedIDs []string, history []models.DialogueTurn) models.Event {
	currentStage := ""
	currentAffinity := 0
	var currentKnowledge []string

	analysis, err := s.AnalyzeStateFromHistory(ctx, history)
	if err != nil {
		s.logger.Warn("状态分析失败，直接兜底", map[string]interface{}{
			"agent": profile.Name,
			"error": err.Error(),
		})
		return s.GenerateFallbackEvent(ctx, profile, currentStage, currentAffinity)
	}
	currentStage = analysis.CurrentStage
	currentAffinity = int(*analysis.Affinity)
	currentKnowledge = analysis.KnowledgeReserve

	profileJSON, _ := json.Marshal(profile)
	knowledgeJSON, _ := json.Marshal(currentKnowledge)
	completedJSON, _ := json.Marshal(completedIDs)
	eventsJSON, _ := json.Marshal(allEvents)
	historyJSON, _ := json.Marshal(historyTail(history, 10))

	prompt := fmt.Sprintf(`你是一个剧情导演，任务是根据当前剧情阶段与角色状态，从提供的事件链中选择下一个可触发的事件。

🧠 输入信息：
1. 智能体基本信息：%s
2. 当前生命周期阶段：%s
3. 当前亲密度：%d
4. 当前知识储备：%s
5. 已完成事件ID列表：%s
6. 事件链：%s
7. 历史对话片段：%s

📌 要求：
- 首先尝试在事件链中找到最符合当前状态的一个事件（主线优先）
- 如果没有合适的事件，请严格只输出字符串："fallback"
- 不要解释、不添加额外内容、不编造字段

输出格式：
事件对象 JSON 或字符串："fallback"`,
		profileJSON, currentStage, currentAffinity, knowledgeJSON, completedJSON, eventsJSON, historyJSON)

	reply, err := s.LLMService.CreateCompletion(ctx, prompt, "", CompletionOptions{
		Temperature: 0.6,
		MaxTokens:   1800,
	})
	if err != nil {
		s.logger.Warn("事件选择请求失败，自动兜底", map[string]interface{}{
			"agent": profile.Name,
			"error": err.Error(),
		})
		return s.GenerateFallbackEvent(ctx, profile, currentStage, currentAffinity)
	}

	if strings.Contains(strings.ToLower(reply), "fallback") {
		return s.GenerateFallbackEvent(ctx, profile, currentStage, currentAffinity)
	}

	var event models.Event
	if err := utils.DecodeLLMJSON(reply, &event); err != nil || event.EventID == "" {
		s.logger.Warn("事件选择结果解析失败，自动兜底", map[string]interface{}{
			"agent": profile.Name,
		})
		return s.GenerateFallbackEvent(ctx, profile, currentStage, currentAffinity)
	}
	return event
}

// GenerateFallbackEvent 生成一个轻松日常事件作为兜底
// 模型也失败时返回确定性的占位事件
func (s *DispatcherService) GenerateFallbackEvent(ctx context.Context, profile *models.AgentProfile, currentStage string, currentAffinity int) models.Event {
	profileJSON, _ := json.MarshalIndent(profile, "", "  ")

	prompt := fmt.Sprintf(`当前生命周期阶段：%s
智能体名称：%s
亲密度：%d
智能体基础信息：%s

请生成一个轻松自然、有具体人物、时间、地点的"日常"事件，用于主线事件之间的调剂。
要求：
- type 为"日常"
- dependencies 为 []
- trigger_conditions 为 []

返回以下格式：
{
  "event_id": "%s",
  "type": "日常",
  "name": "事件标题",
  "time": "具体时间",
  "location": "具体地点",
  "characters": ["用户", "%s"],
  "cause": "...",
  "process": "...",
  "result": "...",
  "impact": {
    "心理状态变化": "...",
    "知识增长": "...",
    "亲密度变化": "+1"
  },
  "importance": 2,
  "urgency": 1,
  "tags": ["日常", "陪伴"],
  "trigger_conditions": [],
  "dependencies": []
}`,
		currentStage, profile.Name, currentAffinity, profileJSON, s.randID(), profile.Name)

	reply, err := s.LLMService.CreateCompletion(ctx, prompt, "", CompletionOptions{
		Temperature: 0.6,
		MaxTokens:   800,
	})
	if err == nil {
		var event models.Event
		if derr := utils.DecodeLLMJSON(reply, &event); derr == nil && event.EventID != "" {
			return event
		}
	} else {
		s.logger.Warn("兜底事件生成失败，使用占位事件", map[string]interface{}{
			"agent": profile.Name,
			"error": err.Error(),
		})
	}

	return models.Event{
		EventID:    s.randID(),
		Type:       models.EventTypeDaily,
		Name:       "临时事件（生成失败）",
		Time:       "某日",
		Location:   "未知地点",
		Characters: []string{"用户", profile.Name},
		Cause:      "生成失败",
		Process:    "生成失败",
		Result:     "生成失败",
		Impact: models.EventImpact{
			Psych:     "无",
			Knowledge: "无",
			Affinity:  "+0",
		},
		Importance:        1,
		Urgency:           1,
		Tags:              []string{models.TagFallback},
		TriggerConditions: []string{},
		Dependencies:      []string{},
	}
}

// SynthesizeTempEvent 根据人设、目标与最近对话现场合成一个临时互动事件
// 用于对话入口携带的事件ID在事件链中不存在的情况
func (s *DispatcherService) SynthesizeTempEvent(ctx context.Context, profile *models.AgentProfile, goals *models.GoalSet, tree *models.EventTree, history []models.DialogueTurn) models.Event {
	historySummary := summarizeHistory(history)
	chainSummary := summarizeChain(tree)
	profileJSON, _ := json.Marshal(profile)
	goalsJSON, _ := json.Marshal(goals)

	prompt := fmt.Sprintf(`你需要根据以下信息为智能体生成一个符合其设定的临时互动事件。

智能体信息：
- 名称: %s
- 基本资料: %s
- 核心目标: %s

现有事件链摘要:
%s

最近对话历史:
%s

生成要求:
1. 事件需符合智能体的性格设定和目标
2. 事件应与最近的对话内容有逻辑关联
3. 事件需要包含完整的结构:
   - event_id: 事件唯一标识（格式为TEMP_前缀+时间戳，例如TEMP_202408151230）
   - type: "临时事件"
   - name: 事件标题（简洁明了）
   - time: 具体时间
   - location: 具体地点
   - characters: 涉及角色列表（至少包含智能体和用户）
   - cause: 事件起因
   - process: 事件经过（包含可交互的节点）
   - result: 可能的结果（留空待用户互动后确定）
   - impact: 包含心理状态变化、知识增长、亲密度变化
   - importance: 1-5的重要性评分
   - urgency: 1-5的紧急度评分
   - tags: 相关关键词标签
   - trigger_conditions: 触发条件（基于当前对话）
   - dependencies: 依赖的前置事件ID（可留空）

请严格按照JSON格式输出，不要包含任何额外文本。`,
		profile.Name, truncate(string(profileJSON), 500), truncate(string(goalsJSON), 500),
		chainSummary, historySummary)

	reply, err := s.LLMService.CreateCompletion(ctx, prompt, "", CompletionOptions{
		MaxTokens: 3000,
	})
	if err == nil {
		var event models.Event
		if derr := utils.DecodeLLMJSON(reply, &event); derr == nil && event.Name != "" {
			if !strings.HasPrefix(event.EventID, models.TempEventPrefix) {
				event.EventID = s.timestampID()
			}
			return event
		}
	}

	s.logger.Warn("临时事件生成失败，使用默认事件", map[string]interface{}{
		"agent": profile.Name,
	})
	return models.Event{
		EventID:    s.timestampID(),
		Type:       "临时事件",
		Name:       profile.Name + "的日常互动",
		Time:       s.now().Format("2006年01月02日 15:04"),
		Location:   "日常场景",
		Characters: []string{profile.Name, "用户"},
		Cause:      "基于当前互动需要",
		Process:    "与用户进行日常交流，讨论近期情况",
		Result:     "",
		Impact: models.EventImpact{
			Psych:     "友好",
			Knowledge: "0",
			Affinity:  "+1",
		},
		Importance:        2,
		Urgency:           2,
		Tags:              []string{"日常", "互动"},
		TriggerConditions: []string{"需要延续对话"},
		Dependencies:      []string{},
	}
}

// ResolveEvent 根据事件ID定位当前会话事件
// ID为空时使用初识事件；在事件链中找不到时合成临时事件、
// 追加进事件链并保存为新的链记录
func (s *DispatcherService) ResolveEvent(ctx context.Context, agentID, eventID string) (*models.Event, *models.EventTree, error) {
	_, tree, err := s.Store.GetLatestEventChain(ctx, agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("读取事件链失败: %w", err)
	}

	if eventID == "" {
		intro, ok := tree.IntroEvent()
		if !ok {
			return nil, nil, fmt.Errorf("事件树中未找到有效的初始事件")
		}
		return intro, tree, nil
	}

	if event, ok := tree.FindEvent(eventID); ok {
		return event, tree, nil
	}

	s.logger.Warn("事件链中未找到指定事件，生成临时事件", map[string]interface{}{
		"agent":    agentID,
		"event_id": eventID,
	})

	profile, err := s.Store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("读取智能体人设失败: %w", err)
	}
	_, goals, err := s.Store.GetLatestGoals(ctx, agentID)
	if err != nil {
		goals = &models.GoalSet{}
	}

	temp := s.SynthesizeTempEvent(ctx, profile, goals, tree, nil)
	tree.AppendTempEvent(temp)
	if _, err := s.Store.InsertEventChain(ctx, agentID, tree); err != nil {
		return nil, nil, fmt.Errorf("保存临时事件失败: %w", err)
	}

	event, _ := tree.FindEvent(temp.EventID)
	return event, tree, nil
}

func (s *DispatcherService) timestampID() string {
	return models.TempEventPrefix + s.now().Format("200601021504")
}

// ComposeSceneDescription 根据事件的时间与地点拼装开场场景描述
func ComposeSceneDescription(event *models.Event) string {
	location := event.Location
	if location == "" {
		location = "未知地点"
	}
	eventTime := event.Time
	if eventTime == "" {
		eventTime = "未知时间"
	}
	characters := event.Characters
	if len(characters) == 0 {
		characters = []string{"用户", "智能体"}
	}

	timeDescriptions := []struct {
		key  string
		desc string
	}{
		{"清晨", "阳光透过窗户洒进来，空气中带着清新的气息"},
		{"上午", "办公室里传来键盘敲击声，一切都充满活力"},
		{"中午", "阳光炽热，周围弥漫着午休的轻松氛围"},
		{"下午", "阳光逐渐柔和，工作节奏稍显舒缓"},
		{"傍晚", "夕阳西下，天边泛起绚丽的晚霞"},
		{"夜晚", "月光如水，城市灯火阑珊"},
	}

	timeDesc := "时间描述未知"
	for _, td := range timeDescriptions {
		if strings.Contains(eventTime, td.key) {
			timeDesc = td.desc
			break
		}
	}

	return fmt.Sprintf(`今天的时间是%s，我们正位于%s。
%s。
现场有：%s。`, eventTime, location, timeDesc, strings.Join(characters, ", "))
}

// historyTail 取最近n条对话
func historyTail(history []models.DialogueTurn, n int) []models.DialogueTurn {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// summarizeHistory 把最近5条对话压缩成单行摘要
func summarizeHistory(history []models.DialogueTurn) string {
	if len(history) == 0 {
		return "无历史对话"
	}
	var lines []string
	for _, turn := range historyTail(history, 5) {
		lines = append(lines, fmt.Sprintf("%s: %s...", turn.Role, truncate(turn.Content, 100)))
	}
	return strings.Join(lines, "\n")
}

// summarizeChain 取前2个阶段、每阶段前3个事件做摘要
func summarizeChain(tree *models.EventTree) string {
	if tree == nil || len(tree.Stages) == 0 {
		return "无事件链数据"
	}
	var lines []string
	for i, stage := range tree.Stages {
		if i >= 2 {
			break
		}
		var items []string
		for j, ev := range stage.Events {
			if j >= 3 {
				break
			}
			items = append(items, fmt.Sprintf("- %s (ID: %s)", ev.Name, ev.EventID))
		}
		lines = append(lines, fmt.Sprintf("阶段%d: %s", i+1, strings.Join(items, ", ")))
	}
	return strings.Join(lines, "\n")
}

// truncate 按字符截断，避免把多字节字符切碎
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
