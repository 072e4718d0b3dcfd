// internal/services/event_tree_service_test.go
package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/EchoAgentMCP/internal/models"
)

func newTestEventTree(t *testing.T, replies ...fakeReply) (*EventTreeService, *fakeProvider) {
	t.Helper()
	llmService, provider := newTestLLMService(replies...)
	s := NewEventTreeService(llmService, NewStageService(llmService), newTestStore(t))
	s.retryWait = 0
	return s, provider
}

func stageBundleReply() fakeReply {
	return textReply(`{
		"阶段": "大学时期",
		"时间范围": "2022年-2026年",
		"事件列表": [
			{"event_id": "E001", "type": "主线", "name": "初识", "importance": 4, "dependencies": []},
			{"event_id": "E002", "type": "日常", "name": "一起自习", "importance": 2}
		]
	}`)
}

func TestGenerateEventsForStage(t *testing.T) {
	s, _ := newTestEventTree(t, stageBundleReply())

	stage := s.GenerateEventsForStage(context.Background(), testProfile(), &models.GoalSet{},
		models.Stage{StageName: "大学时期", TimeRange: "2022年-2026年"})
	require.Len(t, stage.Events, 2)
	assert.Equal(t, "初识", stage.Events[0].Name)
	assert.Equal(t, "大学时期", stage.StageName, "阶段自身信息应保留")
}

func TestGenerateEventsForStageRetriesOnBadStructure(t *testing.T) {
	// 缺少事件列表键应触发重试
	s, provider := newTestEventTree(t,
		textReply(`{"阶段": "大学时期", "时间范围": "2022年-2026年"}`),
		stageBundleReply(),
	)

	stage := s.GenerateEventsForStage(context.Background(), testProfile(), &models.GoalSet{},
		models.Stage{StageName: "大学时期", TimeRange: "2022年-2026年"})
	assert.Len(t, stage.Events, 2)
	assert.Equal(t, 2, provider.callCount())
}

func TestGenerateEventsForStageExhaustsRetries(t *testing.T) {
	s, provider := newTestEventTree(t,
		errorReply("模型不可用"), errorReply("模型不可用"), errorReply("模型不可用"),
	)

	stage := s.GenerateEventsForStage(context.Background(), testProfile(), &models.GoalSet{},
		models.Stage{StageName: "大学时期"})
	assert.NotNil(t, stage.Events)
	assert.Empty(t, stage.Events, "重试耗尽后保留空事件列表")
	assert.Equal(t, 3, provider.callCount())
}

func TestBuildFullEventTree(t *testing.T) {
	// 阶段规划一次调用，随后每个阶段各一次事件生成
	s, _ := newTestEventTree(t,
		textReply(`[{"阶段": "大学时期", "时间范围": "2022年-2026年", "是否为起点阶段": true}]`),
		stageBundleReply(),
	)
	ctx := context.Background()
	require.NoError(t, s.Store.SaveAgent(ctx, "agent-1", testProfile()))

	tree, err := s.BuildFullEventTree(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, tree.Stages, 1)
	assert.Len(t, tree.Stages[0].Events, 2)

	// 事件链应已追加落盘
	_, persisted, err := s.Store.GetLatestEventChain(ctx, "agent-1")
	require.NoError(t, err)
	_, found := persisted.FindEvent("E001")
	assert.True(t, found)
}

func TestBuildFullEventTreeMissingAgent(t *testing.T) {
	s, _ := newTestEventTree(t)

	_, err := s.BuildFullEventTree(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "读取智能体人设失败")
}
