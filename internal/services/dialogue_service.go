// internal/services/dialogue_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/EchoAgentMCP/internal/models"
	"github.com/Corphon/EchoAgentMCP/internal/storage"
	"github.com/Corphon/EchoAgentMCP/internal/utils"
)

const (
	// maxSessionSteps 单次会话的交互步数上限，防止无限循环
	maxSessionSteps = 100
	// busyTurnLimit 非空闲状态下允许的连续对话轮数
	busyTurnLimit = 5
)

// TurnResult 单轮对话的返回结果
type TurnResult struct {
	AgentID string `json:"agent_id"`
	IssueID string `json:"issue_id"`
	Content string `json:"content"`
}

// UserIO 交互式会话的输入输出通道
// WebSocket会话与命令行会话各自实现
type UserIO interface {
	ReadInput(ctx context.Context) (string, error)
	WriteReply(speaker, content string) error
	WriteStatus(content string) error
}

// DialogueService 对话会话引擎
// 承担事件剧情对话与日常闲聊两类会话，单轮与多轮共用同一套
// 提示词构建、错误降级与增量持久化逻辑
type DialogueService struct {
	LLMService *LLMService
	Store      *storage.Store
	Dispatcher *DispatcherService
	Schedule   *ScheduleService
	Locks      *LockManager
	logger     *utils.Logger

	// 测试注入点
	now     func() time.Time
	sleep   func(d time.Duration)
	issueID func() string
}

// NewDialogueService 创建对话服务
func NewDialogueService(llmService *LLMService, store *storage.Store, dispatcher *DispatcherService, schedule *ScheduleService, locks *LockManager) *DialogueService {
	return &DialogueService{
		LLMService: llmService,
		Store:      store,
		Dispatcher: dispatcher,
		Schedule:   schedule,
		Locks:      locks,
		logger:     utils.GetLogger(),
		now:        time.Now,
		sleep:      time.Sleep,
		issueID:    uuid.NewString,
	}
}

// RunEventTurn 执行一轮事件剧情对话
// eventID为空时从初识事件开始；指定的事件在事件链中不存在时由
// 导演合成临时事件。模型调用失败不返回错误，降级为占位回复
func (s *DialogueService) RunEventTurn(ctx context.Context, userID, agentID, eventID, userInput string) (*TurnResult, error) {
	var result *TurnResult
	err := s.Locks.ExecuteWithAgentLock(agentID, func() error {
		profile, err := s.Store.GetAgent(ctx, agentID)
		if err != nil {
			return fmt.Errorf("读取智能体人设失败: %w", err)
		}

		event, _, err := s.Dispatcher.ResolveEvent(ctx, agentID, eventID)
		if err != nil {
			return err
		}
		currentEventID := event.EventID

		// 按事件维度加载episode对话记忆
		memory, err := s.Store.GetDialogMemory(ctx, agentID, currentEventID)
		if errors.Is(err, storage.ErrNotFound) {
			memory = models.NewDialogMemory(currentEventID, nil)
		} else if err != nil {
			return fmt.Errorf("读取对话记忆失败: %w", err)
		}

		systemPrompt := s.buildEventSystemPrompt(profile.Name, event, memory.Dialogs)

		userTurn := models.DialogueTurn{
			Role:      RoleUser,
			Content:   userInput,
			IssueID:   currentEventID,
			Timestamp: s.now(),
		}
		memory.Dialogs = append(memory.Dialogs, userTurn)
		s.persistTurn(ctx, userID, agentID, userTurn)

		reply, err := s.callModel(ctx, systemPrompt, memory.Dialogs)
		if err != nil {
			reply = classifyLLMError(err)
			s.logger.Warn("事件对话模型调用失败，使用降级回复", map[string]interface{}{
				"agent": agentID,
				"event": currentEventID,
				"error": err.Error(),
			})
		}

		assistantTurn := models.DialogueTurn{
			Role:      RoleAssistant,
			Content:   reply,
			IssueID:   currentEventID,
			Timestamp: s.now(),
		}
		memory.Dialogs = append(memory.Dialogs, assistantTurn)
		s.persistTurn(ctx, userID, agentID, assistantTurn)

		memory.CurrentEventID = currentEventID
		if err := s.Store.SaveDialogMemory(ctx, agentID, memory); err != nil {
			s.logger.Error("对话记忆保存失败", map[string]interface{}{
				"agent": agentID,
				"event": currentEventID,
				"error": err.Error(),
			})
		}

		result = &TurnResult{AgentID: agentID, IssueID: currentEventID, Content: reply}
		return nil
	})
	return result, err
}

// RunDailyTurn 执行一轮日常闲聊
// 智能体按周日程处于忙碌状态且近期对话已达上限时，礼貌地结束对话
func (s *DialogueService) RunDailyTurn(ctx context.Context, userID, agentID, userInput string) (*TurnResult, error) {
	var result *TurnResult
	err := s.Locks.ExecuteWithAgentLock(agentID, func() error {
		profile, err := s.Store.GetAgent(ctx, agentID)
		if err != nil {
			return fmt.Errorf("读取智能体人设失败: %w", err)
		}

		schedule, err := s.Schedule.EnsureSchedule(ctx, agentID, profile)
		if err != nil {
			return fmt.Errorf("加载周日程失败: %w", err)
		}

		now := s.now()
		slot := schedule.CurrentSlot(now)

		// 忙碌状态下近期对话达到上限时不再调用模型
		if slot.Status != models.ScheduleStatusIdle && s.recentTurnCount(ctx, agentID) >= busyTurnLimit {
			reply := fmt.Sprintf("抱歉，我得继续%s了，我们晚点再聊好吗？", slot.Activity)
			result = &TurnResult{AgentID: agentID, IssueID: "", Content: reply}
			return nil
		}

		history, err := s.Store.GetMessages(ctx, agentID, 10)
		if err != nil {
			return fmt.Errorf("读取对话历史失败: %w", err)
		}

		systemPrompt, err := s.buildDailySystemPrompt(ctx, agentID, profile, schedule, now)
		if err != nil {
			return err
		}

		issueID := s.issueID()
		userTurn := models.DialogueTurn{
			Role:      RoleUser,
			Content:   userInput,
			IssueID:   issueID,
			Timestamp: now,
			Activity:  slot.Activity,
			Status:    slot.Status,
		}
		history = append(history, userTurn)
		s.persistTurn(ctx, userID, agentID, userTurn)

		// 忙碌时增加思考延迟
		switch slot.Status {
		case models.ScheduleStatusBusy:
			s.sleep(3 * time.Second)
		case models.ScheduleStatusModerate:
			s.sleep(time.Second)
		}

		reply, err := s.callModel(ctx, systemPrompt, history)
		if err != nil {
			reply = classifyLLMError(err)
			s.logger.Warn("日常对话模型调用失败，使用降级回复", map[string]interface{}{
				"agent": agentID,
				"error": err.Error(),
			})
		}

		assistantTurn := models.DialogueTurn{
			Role:      RoleAssistant,
			Content:   reply,
			IssueID:   issueID,
			Timestamp: s.now(),
			Activity:  slot.Activity,
			Status:    slot.Status,
		}
		s.persistTurn(ctx, userID, agentID, assistantTurn)

		result = &TurnResult{AgentID: agentID, IssueID: issueID, Content: reply}
		return nil
	})
	return result, err
}

// RunEventSession 运行交互式事件剧情会话
// 出现事件结算标记、用户退出指令或达到步数上限时结束，
// 结束时把整段对话作为episode记忆落盘
func (s *DialogueService) RunEventSession(ctx context.Context, userID, agentID, eventID string, io UserIO) error {
	profile, err := s.Store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("读取智能体人设失败: %w", err)
	}

	event, _, err := s.Dispatcher.ResolveEvent(ctx, agentID, eventID)
	if err != nil {
		return err
	}
	currentEventID := event.EventID

	memory, err := s.Store.GetDialogMemory(ctx, agentID, currentEventID)
	if errors.Is(err, storage.ErrNotFound) {
		memory = models.NewDialogMemory(currentEventID, nil)
	} else if err != nil {
		return fmt.Errorf("读取对话记忆失败: %w", err)
	}

	systemPrompt := s.buildEventSystemPrompt(profile.Name, event, memory.Dialogs)
	_ = io.WriteStatus(fmt.Sprintf("当前事件：%s（event_id: %s）", event.Name, currentEventID))

	// 无论如何退出都把对话记忆落盘
	defer func() {
		memory.CurrentEventID = currentEventID
		if err := s.Store.SaveDialogMemory(ctx, agentID, memory); err != nil {
			s.logger.Error("会话结束时保存对话记忆失败", map[string]interface{}{
				"agent": agentID,
				"event": currentEventID,
				"error": err.Error(),
			})
		}
	}()

	for step := 0; step < maxSessionSteps; step++ {
		input, err := io.ReadInput(ctx)
		if err != nil {
			return err
		}
		if isExitWord(input) {
			_ = io.WriteStatus("已退出对话")
			return nil
		}

		userTurn := models.DialogueTurn{
			Role:      RoleUser,
			Content:   input,
			IssueID:   currentEventID,
			Timestamp: s.now(),
		}
		memory.Dialogs = append(memory.Dialogs, userTurn)
		s.persistTurn(ctx, userID, agentID, userTurn)

		reply, err := s.callModel(ctx, systemPrompt, memory.Dialogs)
		if err != nil {
			reply = classifyLLMError(err)
		}
		if err := io.WriteReply(profile.Name, reply); err != nil {
			return err
		}

		assistantTurn := models.DialogueTurn{
			Role:      RoleAssistant,
			Content:   reply,
			IssueID:   currentEventID,
			Timestamp: s.now(),
		}
		memory.Dialogs = append(memory.Dialogs, assistantTurn)
		s.persistTurn(ctx, userID, agentID, assistantTurn)

		if strings.Contains(reply, models.EndSessionSentinel) {
			_ = io.WriteStatus("事件交互完成")
			return nil
		}
	}

	_ = io.WriteStatus("达到最大交互步数，自动结束")
	return nil
}

// RunDailySession 运行交互式日常闲聊会话
// 按周日程跟踪智能体的活动状态：状态切换时向用户播报，
// 忙碌时延迟回复，忙碌且对话轮数超限时礼貌退出
func (s *DialogueService) RunDailySession(ctx context.Context, userID, agentID string, io UserIO) error {
	profile, err := s.Store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("读取智能体人设失败: %w", err)
	}

	schedule, err := s.Schedule.EnsureSchedule(ctx, agentID, profile)
	if err != nil {
		return fmt.Errorf("加载周日程失败: %w", err)
	}

	history, err := s.Store.GetMessages(ctx, agentID, 10)
	if err != nil {
		return fmt.Errorf("读取对话历史失败: %w", err)
	}

	systemPrompt, err := s.buildDailySystemPrompt(ctx, agentID, profile, schedule, s.now())
	if err != nil {
		return err
	}

	_ = io.WriteStatus(fmt.Sprintf("开始与 %s 的日常互动（输入 exit 退出）", profile.Name))
	for _, slot := range schedule.SlotsFor(s.now()) {
		_ = io.WriteStatus(fmt.Sprintf("  - %s-%s: %s（%s）", slot.StartTime, slot.EndTime, slot.Activity, slot.Status))
	}

	conversationCounter := 0
	lastActivity := ""
	lastStatus := ""

	for step := 0; step < maxSessionSteps; step++ {
		now := s.now()
		slot := schedule.CurrentSlot(now)

		// 活动状态变化时播报，忙碌时用延迟表现忙碌感
		if slot.Activity != lastActivity || slot.Status != lastStatus {
			_ = io.WriteStatus(fmt.Sprintf("当前时间: %s | 活动: %s | 状态: %s", now.Format("15:04"), slot.Activity, slot.Status))
			switch slot.Status {
			case models.ScheduleStatusBusy:
				_ = io.WriteReply(profile.Name, fmt.Sprintf("稍等，我正在%s...", slot.Activity))
				s.sleep(2 * time.Second)
			case models.ScheduleStatusModerate:
				_ = io.WriteReply(profile.Name, fmt.Sprintf("(稍作停顿) 稍等，我正在%s...", slot.Activity))
				s.sleep(time.Second)
			}
			lastActivity = slot.Activity
			lastStatus = slot.Status
		}

		if conversationCounter >= busyTurnLimit && slot.Status != models.ScheduleStatusIdle {
			_ = io.WriteReply(profile.Name, fmt.Sprintf("抱歉，我得继续%s了，我们晚点再聊好吗？", slot.Activity))
			return nil
		}

		input, err := io.ReadInput(ctx)
		if err != nil {
			s.flushUnsaved(ctx, userID, agentID, history)
			return err
		}
		if isExitWord(input) {
			_ = io.WriteStatus("已退出对话")
			return nil
		}
		conversationCounter++

		issueID := s.issueID()
		userTurn := models.DialogueTurn{
			Role:      RoleUser,
			Content:   input,
			IssueID:   issueID,
			Timestamp: now,
			Activity:  slot.Activity,
			Status:    slot.Status,
		}
		history = append(history, userTurn)
		s.persistTurn(ctx, userID, agentID, userTurn)

		switch slot.Status {
		case models.ScheduleStatusBusy:
			_ = io.WriteStatus(fmt.Sprintf("%s正在思考...", profile.Name))
			s.sleep(3 * time.Second)
		case models.ScheduleStatusModerate:
			_ = io.WriteStatus(fmt.Sprintf("%s正在思考...", profile.Name))
			s.sleep(time.Second)
		}

		reply, err := s.callModel(ctx, systemPrompt, history)
		if err != nil {
			reply = classifyLLMError(err)
		}
		if err := io.WriteReply(profile.Name, reply); err != nil {
			s.flushUnsaved(ctx, userID, agentID, history)
			return err
		}

		assistantTurn := models.DialogueTurn{
			Role:      RoleAssistant,
			Content:   reply,
			IssueID:   issueID,
			Timestamp: s.now(),
			Activity:  slot.Activity,
			Status:    slot.Status,
		}
		history = append(history, assistantTurn)
		s.persistTurn(ctx, userID, agentID, assistantTurn)

		if strings.Contains(reply, models.EndSessionSentinel) {
			_ = io.WriteStatus("事件交互完成")
			return nil
		}
	}

	_ = io.WriteStatus("达到最大交互步数，自动结束")
	return nil
}

// History 返回某个智能体最近的对话记录，按时间正序
func (s *DialogueService) History(ctx context.Context, agentID string, limit int) ([]models.DialogueTurn, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.Store.GetMessages(ctx, agentID, limit)
}

// callModel 以系统提示+最近10条对话调用模型
func (s *DialogueService) callModel(ctx context.Context, systemPrompt string, history []models.DialogueTurn) (string, error) {
	messages := []ChatCompletionMessage{{Role: RoleSystem, Content: systemPrompt}}
	for _, turn := range historyTail(history, 10) {
		messages = append(messages, ChatCompletionMessage{Role: turn.Role, Content: turn.Content})
	}

	resp, err := s.LLMService.CreateChatCompletion(ctx, ChatCompletionRequest{Messages: messages})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("模型未返回任何回复")
	}
	return resp.Choices[0].Message.Content, nil
}

// persistTurn 增量保存单条消息，失败只记日志不中断会话
func (s *DialogueService) persistTurn(ctx context.Context, userID, agentID string, turn models.DialogueTurn) {
	if err := s.Store.InsertMessage(ctx, userID, agentID, turn); err != nil {
		s.logger.Warn("消息保存失败，将继续尝试", map[string]interface{}{
			"agent": agentID,
			"role":  turn.Role,
			"error": err.Error(),
		})
	}
}

// flushUnsaved 会话异常退出时尽力补存最后两条消息
func (s *DialogueService) flushUnsaved(ctx context.Context, userID, agentID string, history []models.DialogueTurn) {
	for _, turn := range historyTail(history, 2) {
		if err := s.Store.InsertMessage(ctx, userID, agentID, turn); err != nil {
			s.logger.Error("异常状态下保存对话记录失败", map[string]interface{}{
				"agent": agentID,
				"error": err.Error(),
			})
		}
	}
}

// recentTurnCount 统计当天的用户发言轮数
func (s *DialogueService) recentTurnCount(ctx context.Context, agentID string) int {
	history, err := s.Store.GetMessages(ctx, agentID, 2*busyTurnLimit)
	if err != nil {
		return 0
	}
	today := s.now().Format("2006-01-02")
	count := 0
	for _, turn := range history {
		if turn.Role == RoleUser && turn.Timestamp.Format("2006-01-02") == today {
			count++
		}
	}
	return count
}

func (s *DialogueService) buildEventSystemPrompt(agentName string, event *models.Event, history []models.DialogueTurn) string {
	eventJSON, _ := json.MarshalIndent(event, "", "  ")
	historyJSON, _ := json.MarshalIndent(historyTail(history, 5), "", "  ")
	scene := ComposeSceneDescription(event)

	return fmt.Sprintf(`你是角色 %s，请根据以下事件与用户展开沉浸式对话。
事件如下：
%s

当前场景描述：
%s

对话历史参考：
%s

请注意：
- 使用生活化语言、场景化对话，不讲解设定
- 鼓励用户回应或参与决策
- 不要控制用户行为，只引导和互动
- 最后请以%s输出影响结果`,
		agentName, eventJSON, scene, historyJSON, models.EndSessionSentinel)
}

func (s *DialogueService) buildDailySystemPrompt(ctx context.Context, agentID string, profile *models.AgentProfile, schedule models.WeeklySchedule, now time.Time) (string, error) {
	_, tree, err := s.Store.GetLatestEventChain(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("读取事件链失败: %w", err)
	}
	_, goals, err := s.Store.GetLatestGoals(ctx, agentID)
	if err != nil {
		goals = &models.GoalSet{}
	}

	var intro models.Event
	if ev, ok := tree.IntroEvent(); ok {
		intro = *ev
	}

	profileJSON, _ := json.MarshalIndent(profile, "", "  ")
	introJSON, _ := json.MarshalIndent(intro, "", "  ")
	goalsJSON, _ := json.Marshal(goals)

	var activities []string
	for i, slot := range schedule.SlotsFor(now) {
		if i >= 3 {
			break
		}
		activities = append(activities, slot.Activity)
	}

	occupation := profile.Occupation
	if occupation == "" {
		occupation = "自由职业者"
	}

	return fmt.Sprintf(`你正在扮演%s，一个真实的%s。请用最自然的方式与用户对话：
1. 直接说人话，像现实朋友聊天
2. 特征：%s
3. 最近动态：%s...
4. 你的长期目标：%s
5. 你与用户认识的初始事件：%s
6. 说话特点：
   - 禁止出现纹身、疤痕、胎记等身体特征描写。拒绝神秘背景设定，不走玄幻路线。
   - 避免用物品象征情感，所有情感表达要直接真实。杜绝使用数字梗，不以数字代替情感表达。
   - 拒绝伏笔和暗喻，情节发展清晰明了。
   - 避免使用专业术语，语言通俗易懂。环境描写要自然融入情节，不刻意、不突兀，时间要清晰，不做补充说明，情节推进依靠对话和动作。
   - 拒绝回忆式情节，直接展开当下故事。描写要场景化、情感化、故事化、具体化，多用动作和语言描写，人物互动要生动鲜活。
   - 对话要有来有回，富有生活气息，避免生硬。不分章节，情节自然衔接，流畅推进。围绕日常小事展开，贴进生活，真实自然。
   - 事件之间要有内在联系，情节发展环环相扣。请说人话
7. 回复格式：
   - 仅包含1-2个动作和1-2句话，用括号标注动作
   - 句子长度尽可能不要冗长

今日日程：%s`,
		profile.Name, occupation, profileJSON,
		truncate(intro.Cause, 50), goalsJSON, introJSON,
		strings.Join(activities, "、")), nil
}

// classifyLLMError 把模型调用错误映射为面向用户的降级回复
func classifyLLMError(err error) string {
	if errors.Is(err, ErrLLMNotReady) {
		return "对话服务初始化失败"
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return "处理你的请求花了一些时间..."
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "抱歉，我现在无法连接到服务..."
	}

	if strings.Contains(err.Error(), "API") || strings.Contains(err.Error(), "状态码") {
		return "服务暂时不可用..."
	}
	return "系统出了点问题..."
}

// isExitWord 判断用户输入是否为退出指令
func isExitWord(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", "退出":
		return true
	}
	return false
}
