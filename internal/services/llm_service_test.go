// internal/services/llm_service_test.go
package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyServiceRejectsCalls(t *testing.T) {
	s := NewEmptyLLMService()

	_, err := s.CreateCompletion(context.Background(), "你好", "", CompletionOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLLMNotReady))

	err = s.CreateStructuredCompletion(context.Background(), "你好", "", &struct{}{})
	assert.True(t, errors.Is(err, ErrLLMNotReady))

	_, err = s.CreateChatCompletion(context.Background(), ChatCompletionRequest{})
	assert.True(t, errors.Is(err, ErrLLMNotReady))
}

func TestResolveModel(t *testing.T) {
	s, _ := newTestLLMService()
	assert.Equal(t, "gpt-4o-mini", s.resolveModel("gpt-4o-mini"), "显式指定的模型优先")

	s.activeDefaultModel = "custom-default"
	assert.Equal(t, "custom-default", s.resolveModel(""))

	s.activeDefaultModel = ""
	s.providerName = "deepseek"
	assert.Equal(t, "deepseek-chat", s.resolveModel(""), "无配置时退回提供商默认模型")
}

func TestCreateCompletionPassesPrompts(t *testing.T) {
	s, provider := newTestLLMService(textReply("回复内容"))

	text, err := s.CreateCompletion(context.Background(), "提示词", "系统设定", CompletionOptions{
		Temperature: 0.7,
		MaxTokens:   100,
		Model:       "fake-model",
	})
	require.NoError(t, err)
	assert.Equal(t, "回复内容", text)

	req := provider.lastRequest()
	assert.Equal(t, "提示词", req.Prompt)
	assert.Equal(t, "系统设定", req.SystemPrompt)
	assert.Equal(t, "fake-model", req.Model)
}

func TestCreateChatCompletionFoldsHistory(t *testing.T) {
	// 历史消息应折叠进用户提示，system 消息单独传递
	s, provider := newTestLLMService(textReply("好的"))

	resp, err := s.CreateChatCompletion(context.Background(), ChatCompletionRequest{
		Messages: []ChatCompletionMessage{
			{Role: RoleSystem, Content: "你是林小满"},
			{Role: RoleUser, Content: "早上好"},
			{Role: RoleAssistant, Content: "早呀"},
			{Role: RoleUser, Content: "今天忙吗"},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "好的", resp.Choices[0].Message.Content)
	assert.Equal(t, RoleAssistant, resp.Choices[0].Message.Role)

	req := provider.lastRequest()
	assert.Equal(t, "你是林小满", req.SystemPrompt)
	assert.Contains(t, req.Prompt, "对话历史:")
	assert.Contains(t, req.Prompt, "用户: 早上好")
	assert.Contains(t, req.Prompt, "助手: 早呀")
	assert.Contains(t, req.Prompt, "当前用户输入: 今天忙吗")
}

func TestCreateStructuredCompletion(t *testing.T) {
	s, provider := newTestLLMService(textReply("```json\n{\"姓名\": \"林小满\"}\n```"))

	var out struct {
		Name string `json:"姓名"`
	}
	require.NoError(t, s.CreateStructuredCompletion(context.Background(), "给出人设", "系统设定", &out))
	assert.Equal(t, "林小满", out.Name)

	// 结构化调用应追加JSON输出约束
	req := provider.lastRequest()
	assert.Contains(t, req.SystemPrompt, "系统设定")
	assert.Contains(t, req.SystemPrompt, "请直接返回合法的JSON")
}

func TestCreateStructuredCompletionBadJSON(t *testing.T) {
	s, _ := newTestLLMService(textReply("这不是JSON"))

	var out map[string]interface{}
	err := s.CreateStructuredCompletion(context.Background(), "给出人设", "", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "解析模型结构化输出失败")
}

func TestChatCompletionCacheHit(t *testing.T) {
	s, provider := newTestLLMService(textReply("缓存我"))
	s.cache = &LLMCache{
		cache:      make(map[string]*CacheEntry),
		expiration: time.Minute,
	}

	request := ChatCompletionRequest{
		Messages: []ChatCompletionMessage{{Role: RoleUser, Content: "同样的问题"}},
	}

	first, err := s.CreateChatCompletion(context.Background(), request)
	require.NoError(t, err)

	// 相同请求应命中缓存，不再消耗提供商调用
	second, err := s.CreateChatCompletion(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, first.Choices[0].Message.Content, second.Choices[0].Message.Content)
	assert.Equal(t, 1, provider.callCount())
}

func TestCacheExpiration(t *testing.T) {
	cache := &LLMCache{
		cache:      make(map[string]*CacheEntry),
		expiration: 10 * time.Millisecond,
	}
	cache.cache["key"] = &CacheEntry{Response: "值", CreatedAt: time.Now().Add(-time.Minute)}

	_, ok := cache.getFromCache("key")
	assert.False(t, ok, "过期条目不应命中")
}

func TestGetProviderStatus(t *testing.T) {
	s, _ := newTestLLMService()
	ready, _ := s.GetProviderStatus()
	assert.True(t, ready)

	var nilService *LLMService
	ready, state := nilService.GetProviderStatus()
	assert.False(t, ready)
	assert.Equal(t, "LLM服务实例未初始化", state)
}
