// internal/services/agent_service_test.go
package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractField(t *testing.T) {
	text := `世界观：近未来都市
姓名：林小满
年龄：22
职业：软件工程师`

	assert.Equal(t, "林小满", extractField(text, "姓名"))
	assert.Equal(t, "22", extractField(text, "年龄"))
	assert.Equal(t, "", extractField(text, "爱好"))
}

// buildAgentReplies 按构建流程顺序排好的模型脚本：
// 人设补全 → 属性池 → 结构化人设 → 周日程 → 大事记 → 目标
func buildAgentReplies() []fakeReply {
	return []fakeReply{
		textReply(`世界观：近未来都市
姓名：林小满
年龄：22
职业：软件工程师`),
		textReply(`【性格状态】
理性而好奇
【Tag池】
状态标签：
  心理状态：
    - 专注 (触发条件: 编程时, 影响: 效率提升, 存在依据: 职业习惯)`),
		textReply(`{
			"姓名": "林小满",
			"年龄": 22,
			"职业": "软件工程师",
			"爱好": ["编程", "摄影"],
			"心理状态": {"心情": 60, "心理健康度": 70, "求知欲": 80, "社交能量": 50}
		}`),
		textReply(`{"周一": [{"start_time": "08:00", "end_time": "12:00", "activity": "写代码", "status": "忙碌"}]}`),
		textReply(`[
			{"年份": 2010, "年龄": 6, "描述": "第一次接触电脑"},
			{"年份": 2022, "年龄": 18, "描述": "考入计算机系"}
		]`),
		textReply(`{"长期目标": ["成为架构师"], "短期目标": ["完成课程设计"]}`),
	}
}

func newTestAgentService(t *testing.T, replies ...fakeReply) *AgentService {
	t.Helper()
	llmService, _ := newTestLLMService(replies...)
	store := newTestStore(t)
	stage := NewStageService(llmService)
	eventTree := NewEventTreeService(llmService, stage, store)
	schedule := NewScheduleService(llmService, store)
	s := NewAgentService(llmService, store, eventTree, schedule, NewProgressService())
	s.newID = func() string { return "agent-test" }
	return s
}

func TestBuildAgentFullFlow(t *testing.T) {
	s := newTestAgentService(t, buildAgentReplies()...)
	ctx := context.Background()

	result, err := s.BuildAgent(ctx, "一个22岁的程序员")
	require.NoError(t, err)
	assert.Equal(t, "agent-test", result.AgentID)
	assert.Equal(t, "林小满", result.Name)
	assert.Equal(t, []string{"成为架构师"}, result.Goals.LongTerm)
	require.Len(t, result.LifeEvents, 2)
	assert.Equal(t, "写代码", result.Schedule["周一"][0].Activity)

	// 各步产物应已独立落盘
	profile, err := s.Store.GetAgent(ctx, "agent-test")
	require.NoError(t, err)
	assert.Equal(t, 80, profile.Psych.Curiosity)

	_, goals, err := s.Store.GetLatestGoals(ctx, "agent-test")
	require.NoError(t, err)
	assert.Equal(t, []string{"完成课程设计"}, goals.ShortTerm)

	lifeEvents, err := s.Store.GetLifeEvents(ctx, "agent-test")
	require.NoError(t, err)
	assert.Len(t, lifeEvents, 2)

	_, err = s.Store.GetLatestSchedule(ctx, "agent-test")
	require.NoError(t, err)
}

func TestBuildAgentToleratesOptionalStepFailure(t *testing.T) {
	// 大事记与目标生成失败只降级，不中断建档
	replies := buildAgentReplies()[:4]
	replies = append(replies, errorReply("模型不可用"), errorReply("模型不可用"))
	s := newTestAgentService(t, replies...)

	result, err := s.BuildAgent(context.Background(), "一个22岁的程序员")
	require.NoError(t, err)
	assert.Empty(t, result.LifeEvents)
	assert.NotNil(t, result.Goals)
	assert.Empty(t, result.Goals.LongTerm)
}

func TestBuildAgentFailsOnProfileError(t *testing.T) {
	s := newTestAgentService(t, errorReply("模型不可用"))

	_, err := s.BuildAgent(context.Background(), "一个22岁的程序员")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "补全人设信息失败")
}

func TestInitializeAsyncReportsProgress(t *testing.T) {
	// 人设补全直接失败，任务应快速进入失败状态
	s := newTestAgentService(t, errorReply("模型不可用"))

	taskID := s.InitializeAsync("一个22岁的程序员")
	tracker, exists := s.Progress.GetTracker(taskID)
	require.True(t, exists)

	select {
	case <-tracker.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("构建任务未在预期时间内结束")
	}
	assert.Equal(t, "failed", tracker.Status)
}

func TestGetAgent(t *testing.T) {
	s := newTestAgentService(t)
	ctx := context.Background()

	require.NoError(t, s.Store.SaveAgent(ctx, "agent-1", testProfile()))

	profile, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "林小满", profile.Name)

	_, err = s.GetAgent(ctx, "missing")
	assert.Error(t, err)
}

func TestProgressTrackerLifecycle(t *testing.T) {
	svc := NewProgressService()
	tracker := svc.CreateTracker("task-1")

	sub := tracker.Subscribe()
	first := <-sub
	assert.Equal(t, "running", first.Status)

	tracker.UpdateProgress(30, "生成属性池...")
	update := <-sub
	assert.Equal(t, 30, update.Progress)
	assert.Equal(t, "生成属性池...", update.Message)

	// 进度只进不退
	tracker.UpdateProgress(10, "")
	update = <-sub
	assert.Equal(t, 30, update.Progress)

	tracker.Complete("完成")
	update = <-sub
	assert.Equal(t, 100, update.Progress)
	assert.Equal(t, "completed", update.Status)

	select {
	case <-tracker.Done:
	default:
		t.Fatal("Complete后Done通道应已关闭")
	}

	tracker.Unsubscribe(sub)

	// 重复创建同一任务应返回现有追踪器
	again := svc.CreateTracker("task-1")
	assert.Same(t, tracker, again)
}

func TestReportNilTracker(t *testing.T) {
	// tracker为nil时上报应安全无操作
	report(nil, 50, "忽略")
}
