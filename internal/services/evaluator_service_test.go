// internal/services/evaluator_service_test.go
package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/EchoAgentMCP/internal/errors"
	"github.com/Corphon/EchoAgentMCP/internal/models"
)

func newTestEvaluator(t *testing.T, replies ...fakeReply) *EvaluatorService {
	t.Helper()
	llmService, _ := newTestLLMService(replies...)
	e := NewEvaluatorService(llmService, newTestStore(t))
	e.retryWait = 0
	return e
}

func seedEvaluatorAgent(t *testing.T, e *EvaluatorService) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.Store.SaveAgent(ctx, "agent-1", testProfile()))

	_, err := e.Store.InsertGoals(ctx, "agent-1", &models.GoalSet{LongTerm: []string{"成为架构师"}})
	require.NoError(t, err)

	tree := models.NewEventTree()
	tree.Stages = []models.Stage{{
		StageName: "大学时期",
		Events: []models.Event{
			{EventID: "E001", Type: models.EventTypeMain, Name: "初识"},
			{EventID: "E002", Type: models.EventTypeSide, Name: "社团招新"},
		},
	}}
	_, err = e.Store.InsertEventChain(ctx, "agent-1", tree)
	require.NoError(t, err)
}

func TestEvaluateStateChangeParsesSignedDeltas(t *testing.T) {
	e := newTestEvaluator(t, textReply(`{
		"心理状态变化": {"心情": "+3", "心理健康度": "-1", "求知欲": "2", "社交能量": "+0"},
		"知识储备变化": {"增加": ["摄影构图"]},
		"事件树状态": {"事件ID": "E001", "状态": "完成"}
	}`))

	evaluation := e.EvaluateStateChange(context.Background(), nil, testProfile(), &models.GoalSet{}, models.NewEventTree())
	assert.Equal(t, 3, int(evaluation.Psych.Mood))
	assert.Equal(t, -1, int(evaluation.Psych.MentalHealth))
	assert.Equal(t, []string{"摄影构图"}, evaluation.Knowledge.Added)
	assert.Equal(t, "E001", evaluation.EventStatus.EventID)
	assert.Equal(t, models.EventStatusCompleted, evaluation.EventStatus.Status)
}

func TestEvaluateStateChangeDefaultsOnFailure(t *testing.T) {
	// 两次重试都失败后退回零值默认评估，不向上传递错误
	e := newTestEvaluator(t, errorReply("超时"), errorReply("超时"))

	evaluation := e.EvaluateStateChange(context.Background(), nil, testProfile(), &models.GoalSet{}, models.NewEventTree())
	require.NotNil(t, evaluation)
	assert.Zero(t, int(evaluation.Psych.Mood))
	assert.Empty(t, evaluation.Knowledge.Added)
	assert.Empty(t, evaluation.EventStatus.EventID)
}

func TestEvaluateStateChangeRetriesOnBadJSON(t *testing.T) {
	e := newTestEvaluator(t,
		textReply("这不是JSON"),
		textReply(`{"心理状态变化": {"心情": "+1"}}`),
	)

	evaluation := e.EvaluateStateChange(context.Background(), nil, testProfile(), &models.GoalSet{}, models.NewEventTree())
	assert.Equal(t, 1, int(evaluation.Psych.Mood))
}

func TestApplyEvaluationThreeWay(t *testing.T) {
	e := newTestEvaluator(t)
	seedEvaluatorAgent(t, e)
	ctx := context.Background()

	evaluation := &models.StateEvaluation{
		Psych:     models.PsychDelta{Mood: 5, Curiosity: -2},
		Knowledge: models.KnowledgeDelta{Added: []string{"新知识", ""}},
		EventStatus: models.EventStatusChange{
			EventID: "E001",
			Status:  models.EventStatusCompleted,
		},
	}
	e.ApplyEvaluation(ctx, "agent-1", evaluation)

	profile, err := e.Store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 55, profile.Psych.Mood, "心情应叠加增量")
	assert.Equal(t, 48, profile.Psych.Curiosity)
	assert.Contains(t, profile.Knowledge.Reserve, "新知识")
	assert.NotContains(t, profile.Knowledge.Reserve, "", "空知识条目不应写入")

	_, tree, err := e.Store.GetLatestEventChain(ctx, "agent-1")
	require.NoError(t, err)
	ev, _ := tree.FindEvent("E001")
	assert.Equal(t, models.EventStatusCompleted, ev.Status)
}

func TestApplyEvaluationDeduplicatesKnowledge(t *testing.T) {
	e := newTestEvaluator(t)
	seedEvaluatorAgent(t, e)
	ctx := context.Background()

	evaluation := &models.StateEvaluation{Knowledge: models.KnowledgeDelta{Added: []string{"重复知识"}}}
	e.ApplyEvaluation(ctx, "agent-1", evaluation)
	e.ApplyEvaluation(ctx, "agent-1", evaluation)

	profile, err := e.Store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	count := 0
	for _, item := range profile.Knowledge.Reserve {
		if item == "重复知识" {
			count++
		}
	}
	assert.Equal(t, 1, count, "重复的知识条目只写一次")
}

func TestEvaluateSessionGroupsByIssue(t *testing.T) {
	e := newTestEvaluator(t, textReply(`{
		"心理状态变化": {"心情": "+2"},
		"知识储备变化": {"增加": []},
		"事件树状态": {"事件ID": "E002", "状态": "完成"}
	}`))
	seedEvaluatorAgent(t, e)
	ctx := context.Background()

	base := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	turns := []models.DialogueTurn{
		{Role: RoleUser, Content: "你好", IssueID: "E002", Timestamp: base},
		{Role: RoleAssistant, Content: "你好呀", IssueID: "E002", Timestamp: base.Add(time.Minute)},
	}
	for _, turn := range turns {
		require.NoError(t, e.Store.InsertMessage(ctx, "user-1", "agent-1", turn))
	}

	evaluation, err := e.EvaluateSession(ctx, "agent-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, int(evaluation.Psych.Mood))

	// 结算应已写回事件链
	_, tree, err := e.Store.GetLatestEventChain(ctx, "agent-1")
	require.NoError(t, err)
	ev, _ := tree.FindEvent("E002")
	assert.Equal(t, models.EventStatusCompleted, ev.Status)
}

func TestEvaluateSessionAgentNotFound(t *testing.T) {
	e := newTestEvaluator(t)

	_, err := e.EvaluateSession(context.Background(), "missing", 0)
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrorTypeNotFound, appErr.Type)
}

func TestEvaluateSessionChainNotFound(t *testing.T) {
	e := newTestEvaluator(t)
	require.NoError(t, e.Store.SaveAgent(context.Background(), "agent-1", testProfile()))

	_, err := e.EvaluateSession(context.Background(), "agent-1", 0)
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrorTypeNotFound, appErr.Type)
}

func TestNextEvent(t *testing.T) {
	e := newTestEvaluator(t)
	seedEvaluatorAgent(t, e)
	ctx := context.Background()

	event, err := e.NextEvent(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "E001", event.EventID)

	// 全部完成后返回nil
	chainID, tree, err := e.Store.GetLatestEventChain(ctx, "agent-1")
	require.NoError(t, err)
	for i := range tree.Stages {
		for j := range tree.Stages[i].Events {
			tree.Stages[i].Events[j].Status = models.EventStatusCompleted
		}
	}
	require.NoError(t, e.Store.UpdateEventChain(ctx, chainID, tree))

	event, err = e.NextEvent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, event)
}

func TestNextEventNoChain(t *testing.T) {
	e := newTestEvaluator(t)

	_, err := e.NextEvent(context.Background(), "missing")
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrorTypeNotFound, appErr.Type)
}
