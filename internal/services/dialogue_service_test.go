// internal/services/dialogue_service_test.go
package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/EchoAgentMCP/internal/models"
)

// 2026-08-31 周一 10:30，默认日程里属于忙碌的工作时段
var busyMoment = time.Date(2026, 8, 31, 10, 30, 0, 0, time.Local)

// 周一 12:30，默认日程里的空闲午餐时段
var idleMoment = time.Date(2026, 8, 31, 12, 30, 0, 0, time.Local)

func newTestDialogue(t *testing.T, replies ...fakeReply) (*DialogueService, *fakeProvider) {
	t.Helper()
	llmService, provider := newTestLLMService(replies...)
	store := newTestStore(t)
	dispatcher := NewDispatcherService(llmService, store)
	schedule := NewScheduleService(llmService, store)
	d := NewDialogueService(llmService, store, dispatcher, schedule, NewLockManager())
	d.now = func() time.Time { return idleMoment }
	d.sleep = func(time.Duration) {}
	d.issueID = func() string { return "issue-test" }
	return d, provider
}

func seedDialogueAgent(t *testing.T, d *DialogueService) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, d.Store.SaveAgent(ctx, "agent-1", testProfile()))

	tree := models.NewEventTree()
	tree.Stages = []models.Stage{{
		StageName: "大学时期",
		Events: []models.Event{
			{EventID: "E001", Type: models.EventTypeMain, Name: "初识", Time: "清晨", Location: "操场"},
		},
	}}
	_, err := d.Store.InsertEventChain(ctx, "agent-1", tree)
	require.NoError(t, err)

	require.NoError(t, d.Store.InsertSchedule(ctx, "agent-1", DefaultSchedule(testProfile())))
}

func TestRunEventTurn(t *testing.T) {
	d, _ := newTestDialogue(t, textReply("（微笑）早上好呀！"))
	seedDialogueAgent(t, d)
	ctx := context.Background()

	result, err := d.RunEventTurn(ctx, "user-1", "agent-1", "", "早上好")
	require.NoError(t, err)
	assert.Equal(t, models.IntroEventID, result.IssueID, "空事件ID应落到初识事件")
	assert.Equal(t, "（微笑）早上好呀！", result.Content)

	// 消息与记忆都应落盘
	messages, err := d.Store.GetMessages(ctx, "agent-1", 0)
	require.NoError(t, err)
	assert.Len(t, messages, 2)

	memory, err := d.Store.GetDialogMemory(ctx, "agent-1", models.IntroEventID)
	require.NoError(t, err)
	assert.Len(t, memory.Dialogs, 2)
}

func TestRunEventTurnDegradesOnModelError(t *testing.T) {
	d, _ := newTestDialogue(t, errorReply("API 状态码 500"))
	seedDialogueAgent(t, d)

	result, err := d.RunEventTurn(context.Background(), "user-1", "agent-1", "E001", "你好")
	require.NoError(t, err, "模型失败不应让整轮对话报错")
	assert.Equal(t, "服务暂时不可用...", result.Content)
}

func TestRunEventTurnMemoryAccumulates(t *testing.T) {
	d, _ := newTestDialogue(t, textReply("第一轮回复"), textReply("第二轮回复"))
	seedDialogueAgent(t, d)
	ctx := context.Background()

	_, err := d.RunEventTurn(ctx, "user-1", "agent-1", "E001", "第一句")
	require.NoError(t, err)
	_, err = d.RunEventTurn(ctx, "user-1", "agent-1", "E001", "第二句")
	require.NoError(t, err)

	memory, err := d.Store.GetDialogMemory(ctx, "agent-1", "E001")
	require.NoError(t, err)
	assert.Len(t, memory.Dialogs, 4, "同一事件的记忆应跨轮累积")
}

func TestRunDailyTurn(t *testing.T) {
	d, _ := newTestDialogue(t, textReply("（放下筷子）刚吃完午饭，你呢？"))
	seedDialogueAgent(t, d)

	result, err := d.RunDailyTurn(context.Background(), "user-1", "agent-1", "在忙吗？")
	require.NoError(t, err)
	assert.Equal(t, "issue-test", result.IssueID)
	assert.Equal(t, "（放下筷子）刚吃完午饭，你呢？", result.Content)
}

func TestRunDailyTurnBusyGate(t *testing.T) {
	d, provider := newTestDialogue(t)
	seedDialogueAgent(t, d)
	ctx := context.Background()

	// 当天已有5轮用户发言
	for i := 0; i < busyTurnLimit; i++ {
		turn := models.DialogueTurn{
			Role:      RoleUser,
			Content:   fmt.Sprintf("第%d句", i+1),
			Timestamp: busyMoment.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, d.Store.InsertMessage(ctx, "user-1", "agent-1", turn))
	}

	d.now = func() time.Time { return busyMoment }
	result, err := d.RunDailyTurn(ctx, "user-1", "agent-1", "还在吗？")
	require.NoError(t, err)
	assert.Contains(t, result.Content, "我们晚点再聊好吗")
	assert.Zero(t, provider.callCount(), "忙碌且超限时不应调用模型")
}

func TestRunDailyTurnIdleIgnoresTurnLimit(t *testing.T) {
	d, _ := newTestDialogue(t, textReply("当然在呀"))
	seedDialogueAgent(t, d)
	ctx := context.Background()

	for i := 0; i < busyTurnLimit+2; i++ {
		turn := models.DialogueTurn{
			Role:      RoleUser,
			Content:   "多聊几句",
			Timestamp: idleMoment.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, d.Store.InsertMessage(ctx, "user-1", "agent-1", turn))
	}

	// 空闲时段不受轮数限制
	result, err := d.RunDailyTurn(ctx, "user-1", "agent-1", "还在吗？")
	require.NoError(t, err)
	assert.Equal(t, "当然在呀", result.Content)
}

// scriptedIO 按脚本提供输入并记录输出
type scriptedIO struct {
	inputs   []string
	replies  []string
	statuses []string
}

func (io *scriptedIO) ReadInput(ctx context.Context) (string, error) {
	if len(io.inputs) == 0 {
		return "", errors.New("脚本输入已耗尽")
	}
	input := io.inputs[0]
	io.inputs = io.inputs[1:]
	return input, nil
}

func (io *scriptedIO) WriteReply(speaker, content string) error {
	io.replies = append(io.replies, content)
	return nil
}

func (io *scriptedIO) WriteStatus(content string) error {
	io.statuses = append(io.statuses, content)
	return nil
}

func TestRunEventSessionExitsOnSentinel(t *testing.T) {
	d, _ := newTestDialogue(t,
		textReply("我们继续聊聊"),
		textReply("今天就到这里吧。"+models.EndSessionSentinel),
	)
	seedDialogueAgent(t, d)

	io := &scriptedIO{inputs: []string{"你好", "后来呢"}}
	err := d.RunEventSession(context.Background(), "user-1", "agent-1", "E001", io)
	require.NoError(t, err)
	require.Len(t, io.replies, 2)
	assert.Contains(t, io.statuses, "事件交互完成")

	// 整段对话应作为事件记忆落盘
	memory, err := d.Store.GetDialogMemory(context.Background(), "agent-1", "E001")
	require.NoError(t, err)
	assert.Len(t, memory.Dialogs, 4)
}

func TestRunEventSessionExitWord(t *testing.T) {
	d, provider := newTestDialogue(t)
	seedDialogueAgent(t, d)

	io := &scriptedIO{inputs: []string{"exit"}}
	err := d.RunEventSession(context.Background(), "user-1", "agent-1", "E001", io)
	require.NoError(t, err)
	assert.Contains(t, io.statuses, "已退出对话")
	assert.Zero(t, provider.callCount())
}

func TestRunDailySessionBusyLimit(t *testing.T) {
	d, _ := newTestDialogue(t,
		textReply("回复1"), textReply("回复2"), textReply("回复3"),
		textReply("回复4"), textReply("回复5"),
	)
	seedDialogueAgent(t, d)
	d.now = func() time.Time { return busyMoment }

	io := &scriptedIO{inputs: []string{"1", "2", "3", "4", "5", "6"}}
	err := d.RunDailySession(context.Background(), "user-1", "agent-1", io)
	require.NoError(t, err)

	last := io.replies[len(io.replies)-1]
	assert.Contains(t, last, "我们晚点再聊好吗", "忙碌状态下超过轮数应礼貌退出")
}

func TestHistoryDefaultLimit(t *testing.T) {
	d, _ := newTestDialogue(t)
	seedDialogueAgent(t, d)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		turn := models.DialogueTurn{Role: RoleUser, Content: "x", Timestamp: idleMoment.Add(time.Duration(i) * time.Second)}
		require.NoError(t, d.Store.InsertMessage(ctx, "user-1", "agent-1", turn))
	}

	history, err := d.History(ctx, "agent-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 20, "limit<=0 时默认取最近20条")
}

func TestClassifyLLMError(t *testing.T) {
	assert.Equal(t, "对话服务初始化失败",
		classifyLLMError(fmt.Errorf("%w: Standby", ErrLLMNotReady)))
	assert.Equal(t, "处理你的请求花了一些时间...",
		classifyLLMError(context.DeadlineExceeded))
	assert.Equal(t, "抱歉，我现在无法连接到服务...",
		classifyLLMError(&net.OpError{Op: "dial", Err: errors.New("connection refused")}))
	assert.Equal(t, "服务暂时不可用...",
		classifyLLMError(errors.New("API 返回异常")))
	assert.Equal(t, "系统出了点问题...",
		classifyLLMError(errors.New("未知错误")))
}

func TestIsExitWord(t *testing.T) {
	assert.True(t, isExitWord("exit"))
	assert.True(t, isExitWord(" QUIT "))
	assert.True(t, isExitWord("退出"))
	assert.False(t, isExitWord("继续"))
	assert.False(t, isExitWord(""))
}
