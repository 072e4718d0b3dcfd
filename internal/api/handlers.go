// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/EchoAgentMCP/internal/config"
	"github.com/Corphon/EchoAgentMCP/internal/di"
	"github.com/Corphon/EchoAgentMCP/internal/llm"
	"github.com/Corphon/EchoAgentMCP/internal/services"
	"github.com/Corphon/EchoAgentMCP/internal/utils"
)

// Handler 包含API处理所需的服务
type Handler struct {
	AgentService     *services.AgentService
	DialogueService  *services.DialogueService
	EvaluatorService *services.EvaluatorService
	ScheduleService  *services.ScheduleService
	ConfigService    *services.ConfigService
	ProgressService  *services.ProgressService
	WebSocketHandler *WebSocketHandler
	Response         *ResponseHelper
}

// ---------------------------------------------------------
// NewHandler 创建API处理器
func NewHandler(
	agentService *services.AgentService,
	dialogueService *services.DialogueService,
	evaluatorService *services.EvaluatorService,
	scheduleService *services.ScheduleService,
	configService *services.ConfigService,
	progressService *services.ProgressService) *Handler {

	return &Handler{
		AgentService:     agentService,
		DialogueService:  dialogueService,
		EvaluatorService: evaluatorService,
		ScheduleService:  scheduleService,
		ConfigService:    configService,
		ProgressService:  progressService,
		WebSocketHandler: NewWebSocketHandler(),
		Response:         NewResponseHelper(),
	}
}

// ========================================
// 智能体
// ========================================

// CreateAgent 从一段描述构建新智能体
// 依次生成人设、日程、大事记、目标与完整事件链；
// async=true 时转入后台执行并返回可订阅进度的任务ID
func (h *Handler) CreateAgent(c *gin.Context) {
	var req struct {
		Description string `json:"description" binding:"required"`
		Async       bool   `json:"async"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	if req.Async {
		taskID := h.AgentService.InitializeAsync(req.Description)
		c.JSON(http.StatusAccepted, gin.H{
			"task_id": taskID,
			"message": "智能体构建已开始，请订阅进度更新",
		})
		return
	}

	result, tree, err := h.AgentService.Initialize(c.Request.Context(), req.Description)
	if err != nil {
		if result != nil {
			// 人设已建好但事件链构建失败，返回已有部分
			h.Response.Error(c, http.StatusInternalServerError, ErrorEventChainBuildFailed,
				"事件链构建失败", err.Error())
			return
		}
		h.Response.Error(c, http.StatusInternalServerError, ErrorAgentBuildFailed,
			"智能体构建失败", err.Error())
		return
	}

	h.Response.Created(c, gin.H{
		"agent":      result,
		"event_tree": tree,
	}, "智能体创建成功")
}

// GetAgent 获取智能体人设
func (h *Handler) GetAgent(c *gin.Context) {
	agentID := c.Param("id")
	profile, err := h.AgentService.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		h.Response.NotFound(c, "智能体", "智能体ID: "+agentID)
		return
	}

	h.Response.Success(c, profile, "智能体信息获取成功")
}

// GetAgentSchedule 获取（缺失时生成）智能体的周日程
func (h *Handler) GetAgentSchedule(c *gin.Context) {
	agentID := c.Param("id")
	profile, err := h.AgentService.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		h.Response.NotFound(c, "智能体", "智能体ID: "+agentID)
		return
	}

	schedule, err := h.ScheduleService.EnsureSchedule(c.Request.Context(), agentID, profile)
	if err != nil {
		h.Response.InternalError(c, "获取周日程失败", err.Error())
		return
	}

	h.Response.Success(c, schedule, "周日程获取成功")
}

// GetNextEvent 获取事件链中下一个待完成事件
func (h *Handler) GetNextEvent(c *gin.Context) {
	agentID := c.Param("id")
	event, err := h.EvaluatorService.NextEvent(c.Request.Context(), agentID)
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	if event == nil {
		h.Response.Success(c, nil, "所有事件均已完成")
		return
	}

	h.Response.Success(c, event, "下一个事件获取成功")
}

// GetConversations 获取对话历史
func (h *Handler) GetConversations(c *gin.Context) {
	agentID := c.Param("id")
	limitStr := c.DefaultQuery("limit", "20")
	page := c.DefaultQuery("page", "1")

	var limit int
	if _, err := fmt.Sscanf(limitStr, "%d", &limit); err != nil {
		limit = 20
	}

	var pageNum int
	if _, err := fmt.Sscanf(page, "%d", &pageNum); err != nil {
		pageNum = 1
	}

	conversations, err := h.DialogueService.History(c.Request.Context(), agentID, limit)
	if err != nil {
		h.Response.InternalError(c, "获取对话失败", err.Error())
		return
	}

	if c.Query("paginated") == "true" {
		total := len(conversations)
		meta := &PaginationMeta{
			Page:       pageNum,
			PerPage:    limit,
			Total:      total,
			TotalPages: (total + limit - 1) / limit,
		}
		h.Response.PaginatedSuccess(c, conversations, meta, "对话历史获取成功")
	} else {
		h.Response.Success(c, conversations, "对话历史获取成功")
	}
}

// ========================================
// 对话
// ========================================

// EventChat 事件模式的单轮对话
// event_id 为空时从初始事件开始
func (h *Handler) EventChat(c *gin.Context) {
	var req struct {
		UserID  string `json:"user_id"`
		AgentID string `json:"agent_id" binding:"required"`
		EventID string `json:"event_id"`
		Message string `json:"message" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}
	if req.UserID == "" {
		req.UserID = "anonymous"
	}

	result, err := h.DialogueService.RunEventTurn(c.Request.Context(), req.UserID, req.AgentID, req.EventID, req.Message)
	if err != nil {
		h.Response.Error(c, http.StatusInternalServerError, ErrorDialogueFailed,
			"事件对话失败", err.Error())
		return
	}

	utils.NewAPIMetrics().RecordSessionTurn(req.AgentID, "event")
	h.Response.Success(c, result, "回应生成成功")
}

// DailyChat 日常模式的单轮对话
// 智能体按当前日程状态决定回应节奏，忙碌时可能会结束闲聊
func (h *Handler) DailyChat(c *gin.Context) {
	var req struct {
		UserID  string `json:"user_id"`
		AgentID string `json:"agent_id" binding:"required"`
		Message string `json:"message" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}
	if req.UserID == "" {
		req.UserID = "anonymous"
	}

	result, err := h.DialogueService.RunDailyTurn(c.Request.Context(), req.UserID, req.AgentID, req.Message)
	if err != nil {
		h.Response.Error(c, http.StatusInternalServerError, ErrorDialogueFailed,
			"日常对话失败", err.Error())
		return
	}

	utils.NewAPIMetrics().RecordSessionTurn(req.AgentID, "daily")
	h.Response.Success(c, result, "回应生成成功")
}

// EvaluateSession 对最近一段对话做状态结算
func (h *Handler) EvaluateSession(c *gin.Context) {
	agentID := c.Param("id")

	var req struct {
		Limit int `json:"limit"`
	}
	// 请求体可选
	c.ShouldBindJSON(&req)

	evaluation, err := h.EvaluatorService.EvaluateSession(c.Request.Context(), agentID, req.Limit)
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}

	h.Response.Success(c, evaluation, "状态结算完成")
}

// SubscribeProgress 订阅构建任务进度的SSE端点
func (h *Handler) SubscribeProgress(c *gin.Context) {
	taskID := c.Param("taskID")

	tracker, exists := h.ProgressService.GetTracker(taskID)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}

	// 设置SSE响应头
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Transfer-Encoding", "chunked")

	clientGone := c.Request.Context().Done()

	updateChan := tracker.Subscribe()
	defer tracker.Unsubscribe(updateChan)

	// 发送心跳和更新
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"message\":\"连接已建立\"}\n\n")
	c.Writer.Flush()

	for {
		select {
		case <-clientGone:
			return
		case update, ok := <-updateChan:
			if !ok {
				return
			}
			data, _ := json.Marshal(update)
			fmt.Fprintf(c.Writer, "event: progress\ndata: %s\n\n", string(data))
			c.Writer.Flush()

			// 任务结束即断开
			if update.Status == "completed" || update.Status == "failed" {
				return
			}
		case <-ticker.C:
			fmt.Fprintf(c.Writer, "event: heartbeat\ndata: {\"time\":%d}\n\n", time.Now().Unix())
			c.Writer.Flush()
		}
	}
}

// CancelBuildTask 取消正在进行的构建任务
func (h *Handler) CancelBuildTask(c *gin.Context) {
	taskID := c.Param("taskID")

	tracker, exists := h.ProgressService.GetTracker(taskID)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}

	tracker.Fail("用户取消了任务")

	c.JSON(http.StatusOK, gin.H{"message": "任务已取消"})
}

// ========================================
// WebSocket
// ========================================

// SessionWebSocket 建立对话会话 WebSocket 连接
func (h *Handler) SessionWebSocket(c *gin.Context) {
	h.WebSocketHandler.SessionWebSocket(c)
}

// GetWebSocketStatus 获取 WebSocket 管理器状态
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	status := wsManager.GetStatus()
	h.Response.Success(c, status, "WebSocket状态获取成功")
}

// CleanupWebSocketConnections 手动触发一次过期连接清理
func (h *Handler) CleanupWebSocketConnections(c *gin.Context) {
	wsManager.cleanupExpiredConnections()
	h.Response.Success(c, nil, "WebSocket连接清理完成")
}

// GetMetrics 返回运行期指标快照
func (h *Handler) GetMetrics(c *gin.Context) {
	h.Response.Success(c, utils.GetMetricsCollector().GetMetrics(), "指标获取成功")
}

// ========================================
// 配置与LLM服务
// ========================================

// GetSettings 获取当前设置
func (h *Handler) GetSettings(c *gin.Context) {
	cfg := h.ConfigService.GetCurrentConfig()

	settings := gin.H{
		"llm_provider": cfg.LLMProvider,
		"debug_mode":   cfg.DebugMode,
		"has_api_key":  cfg.LLMConfig != nil && cfg.LLMConfig["api_key"] != "",
	}
	if cfg.LLMConfig != nil {
		settings["model"] = cfg.LLMConfig["default_model"]
	}

	h.Response.Success(c, settings, "设置获取成功")
}

// UpdateLLMConfig 更新LLM配置
func (h *Handler) UpdateLLMConfig(c *gin.Context) {
	var req struct {
		Provider string            `json:"provider" binding:"required"`
		Config   map[string]string `json:"config" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	if err := h.ConfigService.UpdateLLMConfig(req.Provider, req.Config, "web_api"); err != nil {
		h.Response.BadRequest(c, "配置验证失败", err.Error())
		return
	}

	// 更新 LLMService
	container := di.GetContainer()
	if llmService, ok := container.Get("llm").(*services.LLMService); ok {
		if err := llmService.UpdateProvider(req.Provider, req.Config); err != nil {
			// 配置已保存，但 LLM 服务更新失败
			h.Response.Error(c, http.StatusPartialContent, "CONFIG_UPDATED_LLM_FAILED",
				"配置已保存，但LLM服务更新失败", err.Error())
			return
		}
	} else {
		h.Response.Error(c, http.StatusPartialContent, "CONFIG_UPDATED_LLM_UNAVAILABLE",
			"配置已保存，但无法获取LLM服务", "请重启应用以使配置生效")
		return
	}

	h.Response.Success(c, nil, "LLM配置更新成功")
}

// GetLLMStatus 获取LLM服务状态
func (h *Handler) GetLLMStatus(c *gin.Context) {
	container := di.GetContainer()
	llmService, ok := container.Get("llm").(*services.LLMService)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "无法获取LLM服务实例",
		})
		return
	}

	cfg := config.GetCurrentConfig()

	status := map[string]interface{}{
		"ready":    llmService.IsReady(),
		"status":   llmService.GetReadyState(),
		"provider": llmService.GetProviderName(),
		"config": map[string]interface{}{
			"provider":    cfg.LLMProvider,
			"has_api_key": cfg.LLMConfig != nil && cfg.LLMConfig["api_key"] != "",
		},
	}

	if cfg.LLMConfig != nil {
		if model, ok := cfg.LLMConfig["default_model"]; ok {
			status["config"].(map[string]interface{})["model"] = model
		}
	}

	c.JSON(http.StatusOK, status)
}

// TestConnection 测试LLM连接
func (h *Handler) TestConnection(c *gin.Context) {
	container := di.GetContainer()
	llmService, ok := container.Get("llm").(*services.LLMService)
	if !ok {
		h.Response.InternalError(c, "无法获取LLM服务实例")
		return
	}

	if !llmService.IsReady() {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorConnectionFailed,
			"LLM服务未就绪", llmService.GetReadyState())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	request := services.ChatCompletionRequest{
		Messages: []services.ChatCompletionMessage{
			{
				Role:    services.RoleSystem,
				Content: "You are a helpful assistant.",
			},
			{
				Role:    services.RoleUser,
				Content: "Hello",
			},
		},
		Model:       "", // 使用默认模型
		Temperature: 0.1,
		MaxTokens:   5,
	}

	if _, err := llmService.CreateChatCompletion(ctx, request); err != nil {
		h.Response.Error(c, http.StatusServiceUnavailable, "CONNECTION_TEST_FAILED",
			"连接测试失败", err.Error())
		return
	}

	data := map[string]interface{}{
		"provider": llmService.GetProviderName(),
		"status":   "connected",
		"test":     "passed",
	}
	h.Response.Success(c, data, "连接测试成功")
}

// GetLLMModels 获取指定LLM提供商支持的模型列表
func (h *Handler) GetLLMModels(c *gin.Context) {
	provider := c.Query("provider")
	if provider == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少提供商参数"})
		return
	}

	models := llm.GetSupportedModelsForProvider(provider)

	if len(models) == 0 {
		availableProviders := llm.ListProviders()
		providerExists := false
		for _, p := range availableProviders {
			if p == provider {
				providerExists = true
				break
			}
		}

		if !providerExists {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "不支持的LLM提供商: " + provider,
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"provider": provider,
		"models":   models,
		"count":    len(models),
	})
}
