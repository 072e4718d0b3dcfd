// internal/models/event_test.go
package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexIntUnmarshal(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want int
	}{
		{"纯数字", `3`, 3},
		{"字符串数字", `"5"`, 5},
		{"带正号", `"+2"`, 2},
		{"带负号", `"-4"`, -4},
		{"无法解析时归零", `"无"`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var n FlexInt
			require.NoError(t, json.Unmarshal([]byte(tc.raw), &n))
			assert.Equal(t, tc.want, int(n))
		})
	}
}

func TestFlexBoolUnmarshal(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{`true`, true},
		{`false`, false},
		{`"true"`, true},
		{`"1"`, true},
		{`"false"`, false},
		{`"是"`, false},
	}
	for _, tc := range cases {
		var b FlexBool
		require.NoError(t, json.Unmarshal([]byte(tc.raw), &b))
		assert.Equal(t, tc.want, bool(b), "原始输入: %s", tc.raw)
	}
}

func sampleTree() *EventTree {
	tree := NewEventTree()
	tree.Stages = []Stage{
		{
			StageName: "高中时期",
			Events: []Event{
				{EventID: "E001", Type: EventTypeMain, Name: "初识", Importance: 5, Dependencies: []string{"起点"}, Status: EventStatusCompleted},
				{EventID: "E002", Type: EventTypeSide, Name: "社团招新", Importance: 3},
			},
		},
		{
			StageName: "大学时期",
			Events: []Event{
				{EventID: "E003", Type: EventTypeMain, Name: "入学", Importance: 4, Dependencies: []string{"E002"}},
			},
		},
	}
	return tree
}

func TestEventTreeFindEvent(t *testing.T) {
	tree := sampleTree()

	ev, ok := tree.FindEvent("E003")
	require.True(t, ok, "应能找到跨阶段的事件")
	assert.Equal(t, "入学", ev.Name)

	// 返回的是树内指针，修改应直接生效
	ev.Status = EventStatusCompleted
	again, _ := tree.FindEvent("E003")
	assert.Equal(t, EventStatusCompleted, again.Status)

	_, ok = tree.FindEvent("E999")
	assert.False(t, ok)
}

func TestEventTreeIntroEvent(t *testing.T) {
	tree := sampleTree()
	intro, ok := tree.IntroEvent()
	require.True(t, ok)
	assert.Equal(t, IntroEventID, intro.EventID)
}

func TestEventTreeNextPending(t *testing.T) {
	tree := sampleTree()

	next, ok := tree.NextPending()
	require.True(t, ok)
	assert.Equal(t, "E002", next.EventID, "应跳过已完成的E001")

	// 失败状态不等于完成，仍视为待处理
	next.Status = EventStatusFailed
	again, ok := tree.NextPending()
	require.True(t, ok)
	assert.Equal(t, "E002", again.EventID)

	for i := range tree.Stages {
		for j := range tree.Stages[i].Events {
			tree.Stages[i].Events[j].Status = EventStatusCompleted
		}
	}
	_, ok = tree.NextPending()
	assert.False(t, ok, "全部完成后不应再有待处理事件")
}

func TestEventTreeCompletedEventIDs(t *testing.T) {
	tree := sampleTree()
	assert.Equal(t, []string{"E001"}, tree.CompletedEventIDs())
}

func TestEventTreeAllEvents(t *testing.T) {
	tree := sampleTree()
	assert.Len(t, tree.AllEvents(), 3)
}

func TestAppendTempEvent(t *testing.T) {
	tree := sampleTree()
	tree.AppendTempEvent(Event{EventID: "TEMP_202408151230", Name: "临时互动"})

	last := tree.Stages[len(tree.Stages)-1]
	assert.Equal(t, "TEMP_202408151230", last.Events[len(last.Events)-1].EventID)

	// 空树追加时应创建合成阶段
	empty := NewEventTree()
	empty.AppendTempEvent(Event{EventID: "TEMP_1234"})
	require.Len(t, empty.Stages, 1)
	assert.Equal(t, TempStageName, empty.Stages[0].StageName)
	assert.Len(t, empty.Stages[0].Events, 1)
}

func TestEventTreeValidate(t *testing.T) {
	tree := sampleTree()
	assert.Empty(t, tree.Validate(), "合规的树不应报告问题")

	bad := NewEventTree()
	bad.Stages = []Stage{
		{
			Events: []Event{
				{EventID: "E010", Type: EventTypeMain, Importance: 2},               // 重要性不足且无依赖
				{EventID: "E011", Type: EventTypeSide, Importance: 5},               // 支线超出范围
				{EventID: "E012", Type: EventTypeDaily, Importance: 4},              // 日常超出范围
				{EventID: "E001", Type: EventTypeMain, Importance: 5, Dependencies: []string{"x"}},
				{EventID: "E001", Type: EventTypeMain, Importance: 5, Dependencies: []string{"x"}}, // 重复初识
			},
		},
	}
	problems := bad.Validate()
	assert.Len(t, problems, 5)
}

func TestEventHelpers(t *testing.T) {
	temp := Event{EventID: "TEMP_1001"}
	assert.True(t, temp.IsTemporary())
	normal := Event{EventID: "E001"}
	assert.False(t, normal.IsTemporary())

	fb := Event{Tags: []string{"日常", TagFallback}}
	assert.True(t, fb.IsFallback())
	plain := Event{Tags: []string{"日常"}}
	assert.False(t, plain.IsFallback())
}

func TestEventTreeRoundTrip(t *testing.T) {
	// 模型输出的阶段编号与布尔字段可能是字符串
	raw := `{
		"version": "1.0",
		"event_tree": [
			{
				"阶段编号": "1",
				"阶段": "少年时期",
				"时间范围": "2010-2016",
				"是否为起点阶段": "true",
				"事件列表": [
					{"event_id": "E001", "type": "主线", "name": "初识", "importance": 5, "dependencies": ["起点"]}
				]
			}
		]
	}`
	var tree EventTree
	require.NoError(t, json.Unmarshal([]byte(raw), &tree))
	require.Len(t, tree.Stages, 1)
	assert.Equal(t, 1, int(tree.Stages[0].StageNumber))
	assert.True(t, bool(tree.Stages[0].IsStart))
	assert.Equal(t, "少年时期", tree.Stages[0].StageName)
}
