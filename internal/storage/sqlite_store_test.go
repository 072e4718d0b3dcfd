// internal/storage/sqlite_store_test.go
package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/EchoAgentMCP/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "创建测试数据库失败")
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewStoreEmptyPath(t *testing.T) {
	_, err := NewStore("")
	assert.Error(t, err)
}

func TestAgentProfileRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	profile := &models.AgentProfile{
		Name:       "林小满",
		Age:        22,
		Occupation: "软件工程师",
		Hobbies:    []string{"编程", "摄影"},
		Psych:      models.PsychState{Mood: 60, MentalHealth: 70, Curiosity: 80, SocialEnergy: 50},
		Knowledge:  models.KnowledgeSystem{Reserve: []string{"算法基础"}},
	}
	require.NoError(t, store.SaveAgent(ctx, "agent-1", profile))

	got, err := store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "林小满", got.Name)
	assert.Equal(t, 80, got.Psych.Curiosity)
	assert.Equal(t, []string{"算法基础"}, got.Knowledge.Reserve)
}

func TestAgentProfileUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, "agent-1", &models.AgentProfile{Name: "旧名字"}))
	require.NoError(t, store.SaveAgent(ctx, "agent-1", &models.AgentProfile{Name: "新名字"}))

	got, err := store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "新名字", got.Name, "重复保存应整行替换")
}

func TestGetAgentNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetAgent(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGoalsLatestAndUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.InsertGoals(ctx, "agent-1", &models.GoalSet{LongTerm: []string{"旧目标"}})
	require.NoError(t, err)
	id2, err := store.InsertGoals(ctx, "agent-1", &models.GoalSet{LongTerm: []string{"新目标"}})
	require.NoError(t, err)

	gotID, goals, err := store.GetLatestGoals(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, id2, gotID, "应返回最新一行")
	assert.Equal(t, []string{"新目标"}, goals.LongTerm)

	goals.ShortTerm = []string{"本周完成课程设计"}
	require.NoError(t, store.UpdateGoals(ctx, gotID, goals))

	_, updated, err := store.GetLatestGoals(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"本周完成课程设计"}, updated.ShortTerm)
}

func TestGoalsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.GetLatestGoals(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLifeEventsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []models.LifeEvent{
		{Year: 2010, Age: 7, Description: "开始学习钢琴"},
		{Year: 2006, Age: 3, Description: "首次接触积木"},
	}
	require.NoError(t, store.InsertLifeEvents(ctx, "agent-1", events))

	got, err := store.GetLifeEvents(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "首次接触积木", got[0].Description, "应按年份升序返回")
}

func TestEventChainVersioning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tree1 := models.NewEventTree()
	tree1.Stages = []models.Stage{{StageName: "第一版", Events: []models.Event{{EventID: "E001", Name: "初识"}}}}
	_, err := store.InsertEventChain(ctx, "agent-1", tree1)
	require.NoError(t, err)

	tree2 := models.NewEventTree()
	tree2.Stages = []models.Stage{{StageName: "第二版", Events: []models.Event{{EventID: "E001"}, {EventID: "TEMP_1001"}}}}
	id2, err := store.InsertEventChain(ctx, "agent-1", tree2)
	require.NoError(t, err)

	gotID, got, err := store.GetLatestEventChain(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, id2, gotID)
	assert.Equal(t, "第二版", got.Stages[0].StageName)

	// 状态补写走整行替换
	got.Stages[0].Events[0].Status = models.EventStatusCompleted
	require.NoError(t, store.UpdateEventChain(ctx, gotID, got))

	_, reloaded, err := store.GetLatestEventChain(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, reloaded.Stages[0].Events[0].Status)
}

func TestScheduleRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	schedule := models.WeeklySchedule{
		"周一": {{StartTime: "08:00", EndTime: "12:00", Activity: "工作", Status: models.ScheduleStatusBusy}},
	}
	require.NoError(t, store.InsertSchedule(ctx, "agent-1", schedule))

	got, err := store.GetLatestSchedule(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, got["周一"], 1)
	assert.Equal(t, "工作", got["周一"][0].Activity)

	_, err = store.GetLatestSchedule(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessagesOrderAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		turn := models.DialogueTurn{
			Role:      "user",
			Content:   string(rune('a' + i)),
			IssueID:   "issue-1",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.InsertMessage(ctx, "user-1", "agent-1", turn))
	}

	all, err := store.GetMessages(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "a", all[0].Content, "应按时间升序")

	last2, err := store.GetMessages(ctx, "agent-1", 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Equal(t, "d", last2[0].Content, "limit应截取最近的消息且保持升序")
	assert.Equal(t, "e", last2[1].Content)
}

func TestInsertMessageZeroTimestamp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertMessage(ctx, "user-1", "agent-1", models.DialogueTurn{Role: "user", Content: "无时间戳"}))

	got, err := store.GetMessages(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Timestamp.IsZero(), "零值时间戳应被补为当前时间")
}

func TestDialogMemoryUpsertByEvent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mem := models.NewDialogMemory("E001", []models.DialogueTurn{{Role: "user", Content: "你好"}})
	require.NoError(t, store.SaveDialogMemory(ctx, "agent-1", mem))

	mem.Dialogs = append(mem.Dialogs, models.DialogueTurn{Role: "assistant", Content: "你好呀"})
	require.NoError(t, store.SaveDialogMemory(ctx, "agent-1", mem))

	got, err := store.GetDialogMemory(ctx, "agent-1", "E001")
	require.NoError(t, err)
	assert.Len(t, got.Dialogs, 2, "同一事件的记忆应整行替换而不是追加新行")
	assert.Equal(t, models.DialogMemoryVersion, got.Version)

	// 不同事件的记忆互不影响
	other := models.NewDialogMemory("E002", nil)
	require.NoError(t, store.SaveDialogMemory(ctx, "agent-1", other))
	got, err = store.GetDialogMemory(ctx, "agent-1", "E001")
	require.NoError(t, err)
	assert.Len(t, got.Dialogs, 2)

	_, err = store.GetDialogMemory(ctx, "agent-1", "E999")
	assert.ErrorIs(t, err, ErrNotFound)
}
