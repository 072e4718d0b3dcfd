// internal/utils/json_repair_test.go
package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string   `json:"name"`
	Score int      `json:"score"`
	Tags  []string `json:"tags,omitempty"`
}

func TestDecodeLLMJSONDirect(t *testing.T) {
	var s sample
	require.NoError(t, DecodeLLMJSON(`{"name": "测试", "score": 5}`, &s))
	assert.Equal(t, "测试", s.Name)
	assert.Equal(t, 5, s.Score)
}

func TestDecodeLLMJSONWithSurroundingText(t *testing.T) {
	raw := `好的，以下是你要的结果：
{"name": "小明", "score": 3}
希望对你有帮助！`
	var s sample
	require.NoError(t, DecodeLLMJSON(raw, &s))
	assert.Equal(t, "小明", s.Name)
}

func TestDecodeLLMJSONFencedBlock(t *testing.T) {
	raw := "这是结果：\n```json\n{\"name\": \"围栏\", \"score\": 7}\n```\n以上。"
	var s sample
	require.NoError(t, DecodeLLMJSON(raw, &s))
	assert.Equal(t, "围栏", s.Name)
	assert.Equal(t, 7, s.Score)
}

func TestDecodeLLMJSONTrailingComma(t *testing.T) {
	raw := `{"name": "尾逗号", "score": 1, "tags": ["a", "b",],}`
	var s sample
	require.NoError(t, DecodeLLMJSON(raw, &s))
	assert.Equal(t, []string{"a", "b"}, s.Tags)
}

func TestDecodeLLMJSONArray(t *testing.T) {
	raw := `模型说：[{"name": "一", "score": 1}, {"name": "二", "score": 2}] 完毕`
	var list []sample
	require.NoError(t, DecodeLLMJSON(raw, &list))
	require.Len(t, list, 2)
	assert.Equal(t, "二", list[1].Name)
}

func TestDecodeLLMJSONBracesInString(t *testing.T) {
	// 字符串值内部的大括号不应干扰配对计数
	raw := `{"name": "包含}括号{的值", "score": 9}`
	var s sample
	require.NoError(t, DecodeLLMJSON(raw, &s))
	assert.Equal(t, 9, s.Score)
}

func TestDecodeLLMJSONNoJSON(t *testing.T) {
	var s sample
	err := DecodeLLMJSON("这里完全没有结构化内容", &s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JSON恢复失败")
}

func TestDecodeLLMJSONEmpty(t *testing.T) {
	var s sample
	assert.Error(t, DecodeLLMJSON("", &s))
}
