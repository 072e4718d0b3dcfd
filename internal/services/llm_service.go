// internal/services/llm_service.go
package services

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/EchoAgentMCP/internal/config"
	"github.com/Corphon/EchoAgentMCP/internal/llm"
	"github.com/Corphon/EchoAgentMCP/internal/utils"

	// 注册可用的LLM提供商
	_ "github.com/Corphon/EchoAgentMCP/internal/llm/providers/chatfire"
	_ "github.com/Corphon/EchoAgentMCP/internal/llm/providers/deepseek"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrLLMNotReady = errors.New("llm service not ready")

var providerDefaultModels = map[string]string{
	"chatfire": "gpt-4o",
	"deepseek": "deepseek-chat",
}

// LLMService 提供统一的大语言模型调用接口
type LLMService struct {
	providerMutex      sync.RWMutex
	provider           llm.Provider
	providerName       string
	cache              *LLMCache
	isReady            bool
	readyState         string
	activeDefaultModel string
}

type LLMCache struct {
	cache      map[string]*CacheEntry
	mutex      sync.RWMutex
	expiration time.Duration
}

type CacheEntry struct {
	Response  interface{}
	CreatedAt time.Time
}

// ChatCompletionRequest 多轮对话请求
type ChatCompletionRequest struct {
	Model       string                  `json:"model"`
	Messages    []ChatCompletionMessage `json:"messages"`
	Temperature float64                 `json:"temperature"`
	MaxTokens   int                     `json:"max_tokens"`
	ExtraParams map[string]interface{}  `json:"extra_params,omitempty"`
}

// ChatCompletionMessage 对话消息
type ChatCompletionMessage struct {
	Role    string
	Content string
}

// ChatCompletionResponse 对话响应
type ChatCompletionResponse struct {
	ID      string
	Choices []ChatCompletionChoice
	Usage   Usage
}

// ChatCompletionChoice 响应候选
type ChatCompletionChoice struct {
	Message      ChatCompletionMessage
	FinishReason string
}

// Usage 用量统计
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// NewLLMService 创建一个新的LLM服务
func NewLLMService() (*LLMService, error) {
	service := createBaseLLMService()

	// 尝试从配置初始化
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		service.readyState = "Failed to retrieve configuration"
		return service, nil
	}

	if cfg.LLMProvider == "" || (cfg.LLMConfig != nil && cfg.LLMConfig["api_key"] == "") {
		service.readyState = "API key not configured"
		return service, nil
	}

	// 尝试初始化提供商
	provider, err := llm.GetProvider(cfg.LLMProvider, cfg.LLMConfig)
	if err != nil {
		service.readyState = fmt.Sprintf("Initialization failed: %v", err)
		return service, nil // 返回未就绪服务而不是错误
	}

	// 初始化成功
	service.provider = provider
	service.providerName = cfg.LLMProvider
	service.activeDefaultModel = extractDefaultModel(cfg.LLMConfig)
	service.isReady = true
	service.readyState = "Ready"

	return service, nil
}

// NewEmptyLLMService 创建一个空的LLM服务实例作为后备方案
func NewEmptyLLMService() *LLMService {
	service := createBaseLLMService()
	service.providerName = "empty"
	service.readyState = "Standby Service Mode – Please configure the API key in settings"
	return service
}

// createBaseLLMService 创建基础LLM服务实例
func createBaseLLMService() *LLMService {
	return &LLMService{
		provider:           nil,
		providerName:       "",
		isReady:            false,
		readyState:         "Uninitialized",
		activeDefaultModel: "",
		cache: &LLMCache{
			cache:      make(map[string]*CacheEntry),
			mutex:      sync.RWMutex{},
			expiration: 30 * time.Minute,
		},
	}
}

// extractDefaultModel 从LLM配置中取默认模型
func extractDefaultModel(cfg map[string]string) string {
	if cfg == nil {
		return ""
	}
	return cfg["default_model"]
}

// IsReady 返回服务是否已就绪
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()

	if s.provider != nil && s.isReady {
		return true
	}

	cfg := config.GetCurrentConfig()
	if cfg == nil {
		return false
	}
	if cfg.LLMProvider == "" {
		return false
	}
	if cfg.LLMConfig == nil || cfg.LLMConfig["api_key"] == "" {
		return false
	}
	return true
}

// GetReadyState 返回服务就绪状态描述
func (s *LLMService) GetReadyState() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()

	cfg := config.GetCurrentConfig()
	if cfg == nil {
		return "Cannot get configuration"
	}
	if cfg.LLMProvider == "" {
		return "LLM provider not configured"
	}
	if cfg.LLMConfig == nil || cfg.LLMConfig["api_key"] == "" {
		return "API key not configured"
	}
	if s.provider != nil && s.isReady {
		return "Ready"
	}
	return "Waiting for initialization"
}

// GetProviderStatus 返回服务是否就绪以及可读描述
func (s *LLMService) GetProviderStatus() (bool, string) {
	if s == nil {
		return false, "LLM服务实例未初始化"
	}
	if s.IsReady() {
		return true, "Ready"
	}
	return false, s.GetReadyState()
}

// GetProviderName 返回当前提供商名称
func (s *LLMService) GetProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.providerName
}

// UpdateProvider 更新LLM服务的提供商
func (s *LLMService) UpdateProvider(providerName string, config map[string]string) error {
	provider, err := llm.GetProvider(providerName, config)
	if err != nil {
		s.providerMutex.Lock()
		s.isReady = false
		s.readyState = fmt.Sprintf("Configuration failed: %v", err)
		s.providerMutex.Unlock()
		return err
	}

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	s.provider = provider
	s.providerName = providerName
	s.activeDefaultModel = extractDefaultModel(config)
	s.isReady = true
	s.readyState = "Ready"

	// 清理缓存
	s.cache = &LLMCache{
		cache:      make(map[string]*CacheEntry),
		mutex:      sync.RWMutex{},
		expiration: 30 * time.Minute,
	}

	return nil
}

// resolveModel 解析本次调用使用的模型
func (s *LLMService) resolveModel(requested string) string {
	if requested != "" {
		return requested
	}

	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()

	if s.activeDefaultModel != "" {
		return s.activeDefaultModel
	}
	return providerDefaultModels[s.providerName]
}

// generateCacheKey 生成缓存键
func (s *LLMService) generateCacheKey(prompt, systemPrompt, model string) string {
	s.providerMutex.RLock()
	providerName := s.providerName
	s.providerMutex.RUnlock()

	hashInput := fmt.Sprintf("%s:::%s:::%s:::%s",
		prompt, systemPrompt, model, providerName)
	h := md5.New()
	h.Write([]byte(hashInput))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// getFromCache 从缓存中获取结果
func (c *LLMCache) getFromCache(key string) (interface{}, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.cache[key]
	if !exists {
		return nil, false
	}

	// 检查是否过期
	if time.Since(entry.CreatedAt) > c.expiration {
		return nil, false
	}

	return entry.Response, true
}

// saveToCache 保存结果到缓存
func (s *LLMService) saveToCache(key string, response interface{}) {
	c := s.cache
	if c == nil {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.cache[key] = &CacheEntry{
		Response:  response,
		CreatedAt: time.Now(),
	}

	if len(c.cache) > 1000 {
		c.cleanupOldest(100)
	}
}

// cleanupOldest 清理最旧的缓存条目
func (c *LLMCache) cleanupOldest(count int) {
	type keyAge struct {
		key string
		age time.Time
	}

	entries := make([]keyAge, 0, len(c.cache))
	for k, v := range c.cache {
		entries = append(entries, keyAge{k, v.CreatedAt})
	}

	// 按创建时间排序
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].age.Before(entries[j].age)
	})

	maxToDelete := min(count, len(entries))
	for i := 0; i < maxToDelete; i++ {
		delete(c.cache, entries[i].key)
	}
}

// checkAndUseCache 命中缓存时将缓存值写回 target
func (s *LLMService) checkAndUseCache(key string, target interface{}) bool {
	if s.cache == nil {
		return false
	}
	cached, ok := s.cache.getFromCache(key)
	if !ok {
		return false
	}

	// 通过JSON序列化回填，避免持有缓存对象的引用
	data, err := json.Marshal(cached)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, target) == nil
}

// CreateChatCompletion 多轮对话补全
// 历史助手消息会被折叠进用户提示，Provider 接口只接收 system + user 两段
func (s *LLMService) CreateChatCompletion(ctx context.Context, request ChatCompletionRequest) (ChatCompletionResponse, error) {
	s.providerMutex.RLock()
	if !s.isReady || s.provider == nil {
		state := s.readyState
		s.providerMutex.RUnlock()
		return ChatCompletionResponse{}, fmt.Errorf("%w: %s", ErrLLMNotReady, state)
	}
	provider := s.provider
	s.providerMutex.RUnlock()

	// 构建系统和用户提示
	var systemContent, userContent string
	var historyParts []string
	for _, msg := range request.Messages {
		switch msg.Role {
		case RoleSystem:
			systemContent = msg.Content
		case RoleUser:
			if userContent != "" {
				historyParts = append(historyParts, "用户: "+userContent)
			}
			userContent = msg.Content
		case RoleAssistant:
			historyParts = append(historyParts, "助手: "+msg.Content)
		default:
			utils.GetLogger().Warn("Unknown message role type", map[string]interface{}{"role": msg.Role})
		}
	}

	// 对话历史整合到用户提示中
	if len(historyParts) > 0 {
		conversationHistory := strings.Join(historyParts, "\n")
		userContent = fmt.Sprintf("对话历史:\n%s\n\n当前用户输入: %s",
			conversationHistory, userContent)
	}

	// 解析需要使用的模型
	resolvedModel := s.resolveModel(request.Model)

	// 生成缓存键
	cacheKey := s.generateCacheKey(userContent, systemContent, resolvedModel)

	// 检查缓存
	if s.cache != nil {
		var cachedResult ChatCompletionResponse
		if s.checkAndUseCache(cacheKey, &cachedResult) {
			utils.GetLogger().Debug("LLM chat cache hit", map[string]interface{}{"cache_key_prefix": cacheKey[:8]})
			return cachedResult, nil
		}
	}

	// 转换请求格式
	req := llm.CompletionRequest{
		Model:        resolvedModel,
		Temperature:  float32(request.Temperature),
		MaxTokens:    request.MaxTokens,
		ExtraParams:  request.ExtraParams,
		SystemPrompt: systemContent,
		Prompt:       userContent,
	}

	// 调用实际Provider
	startedAt := time.Now()
	resp, err := provider.CompleteText(ctx, req)
	if err != nil {
		utils.NewAPIMetrics().RecordError("llm_request", "llm_service")
		return ChatCompletionResponse{}, err
	}
	utils.NewAPIMetrics().RecordLLMRequest(s.providerName, resolvedModel, resp.TokensUsed, time.Since(startedAt))

	result := ChatCompletionResponse{
		ID: resp.ModelName + "-" + s.providerName,
		Choices: []ChatCompletionChoice{
			{
				Message: ChatCompletionMessage{
					Role:    RoleAssistant,
					Content: resp.Text,
				},
				FinishReason: resp.FinishReason,
			},
		},
		Usage: Usage{
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.OutputTokens,
			TotalTokens:      resp.TokensUsed,
		},
	}

	// 保存到缓存
	if s.cache != nil {
		s.saveToCache(cacheKey, result)
	}

	return result, nil
}

// CompletionOptions 单次生成的采样参数
type CompletionOptions struct {
	Temperature float64
	MaxTokens   int
	Model       string
}

// CreateCompletion 单轮文本生成，返回原始回复文本
func (s *LLMService) CreateCompletion(ctx context.Context, prompt, systemPrompt string, opts CompletionOptions) (string, error) {
	s.providerMutex.RLock()
	if !s.isReady || s.provider == nil {
		state := s.readyState
		s.providerMutex.RUnlock()
		return "", fmt.Errorf("%w: %s", ErrLLMNotReady, state)
	}
	provider := s.provider
	s.providerMutex.RUnlock()

	req := llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		Temperature:  float32(opts.Temperature),
		MaxTokens:    opts.MaxTokens,
		Model:        s.resolveModel(opts.Model),
	}

	startedAt := time.Now()
	resp, err := provider.CompleteText(ctx, req)
	if err != nil {
		utils.NewAPIMetrics().RecordError("llm_request", "llm_service")
		return "", err
	}
	utils.NewAPIMetrics().RecordLLMRequest(s.providerName, req.Model, resp.TokensUsed, time.Since(startedAt))
	return resp.Text, nil
}

// CreateStructuredCompletion 要求模型返回JSON并解析到 outputSchema
// 模型经常混入围栏或解释文字，解析走多策略恢复链
func (s *LLMService) CreateStructuredCompletion(ctx context.Context, prompt string, systemPrompt string, outputSchema interface{}) error {
	s.providerMutex.RLock()
	if !s.isReady || s.provider == nil {
		state := s.readyState
		s.providerMutex.RUnlock()
		return fmt.Errorf("%w: %s", ErrLLMNotReady, state)
	}
	provider := s.provider
	s.providerMutex.RUnlock()

	model := s.resolveModel("")

	// 生成缓存键
	cacheKey := s.generateCacheKey(prompt, systemPrompt, model)

	// 检查缓存
	if s.checkAndUseCache(cacheKey, outputSchema) {
		return nil
	}

	// 修改系统提示以请求特定格式
	structuredSystemPrompt := systemPrompt
	if systemPrompt != "" {
		structuredSystemPrompt += "\n\n"
	}
	structuredSystemPrompt += "请直接返回合法的JSON，不要使用Markdown代码块，不要添加解释或前言。"

	req := llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: structuredSystemPrompt,
		Temperature:  0.3,
		Model:        model,
	}

	// 调用实际Provider
	startedAt := time.Now()
	resp, err := provider.CompleteText(ctx, req)
	if err != nil {
		utils.NewAPIMetrics().RecordError("llm_request", "llm_service")
		return err
	}
	utils.NewAPIMetrics().RecordLLMRequest(s.providerName, model, resp.TokensUsed, time.Since(startedAt))

	if err := utils.DecodeLLMJSON(resp.Text, outputSchema); err != nil {
		return fmt.Errorf("解析模型结构化输出失败: %w\n原始回复: %s", err, resp.Text)
	}

	// 保存到缓存
	s.saveToCache(cacheKey, outputSchema)

	return nil
}
