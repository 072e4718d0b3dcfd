// internal/services/stage_service_test.go
package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/EchoAgentMCP/internal/models"
)

func TestGenerateLifecycleStages(t *testing.T) {
	llmService, _ := newTestLLMService(textReply(`[
		{"阶段编号": 1, "阶段": "大学时期", "时间范围": "2022年-2026年（18岁-22岁）", "阶段目标": "完成学业", "是否为起点阶段": true},
		{"阶段编号": 2, "阶段": "初入职场", "时间范围": "2026年-2030年（22岁-26岁）", "阶段目标": "站稳脚跟"}
	]`))
	s := NewStageService(llmService)

	stages := s.GenerateLifecycleStages(context.Background(), testProfile(), nil, &models.GoalSet{})
	require.Len(t, stages, 2)
	assert.Equal(t, "大学时期", stages[0].StageName)
	assert.True(t, bool(stages[0].IsStart))
	assert.False(t, bool(stages[1].IsStart))
}

func TestGenerateLifecycleStagesModelFailure(t *testing.T) {
	llmService, _ := newTestLLMService(errorReply("模型不可用"))
	s := NewStageService(llmService)

	stages := s.GenerateLifecycleStages(context.Background(), testProfile(), nil, &models.GoalSet{})
	assert.Nil(t, stages, "模型失败时应返回空列表")
}

func TestGenerateLifecycleStagesRejectsIncomplete(t *testing.T) {
	// 任一阶段缺少阶段名或时间范围时整体放弃
	llmService, _ := newTestLLMService(textReply(`[
		{"阶段": "大学时期", "时间范围": "2022年-2026年"},
		{"阶段": "", "时间范围": "2026年-2030年"}
	]`))
	s := NewStageService(llmService)

	stages := s.GenerateLifecycleStages(context.Background(), testProfile(), nil, &models.GoalSet{})
	assert.Nil(t, stages)
}
