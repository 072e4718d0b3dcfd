// internal/api/router.go
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/EchoAgentMCP/internal/config"
	"github.com/Corphon/EchoAgentMCP/internal/di"
	"github.com/Corphon/EchoAgentMCP/internal/services"
)

// SetupRouter 配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	// 获取配置
	cfg := config.GetCurrentConfig()

	// 获取依赖注入容器
	container := di.GetContainer()

	// 只从容器获取服务，不再创建新实例
	agentService, ok := container.Get("agent").(*services.AgentService)
	if !ok {
		return nil, fmt.Errorf("智能体服务未正确初始化")
	}

	dialogueService, ok := container.Get("dialogue").(*services.DialogueService)
	if !ok {
		return nil, fmt.Errorf("对话服务未正确初始化")
	}

	evaluatorService, ok := container.Get("evaluator").(*services.EvaluatorService)
	if !ok {
		return nil, fmt.Errorf("状态评估服务未正确初始化")
	}

	scheduleService, ok := container.Get("schedule").(*services.ScheduleService)
	if !ok {
		return nil, fmt.Errorf("日程服务未正确初始化")
	}

	configService, ok := container.Get("config").(*services.ConfigService)
	if !ok {
		return nil, fmt.Errorf("配置服务未正确初始化")
	}

	progressService, ok := container.Get("progress").(*services.ProgressService)
	if !ok {
		return nil, fmt.Errorf("进度服务未正确初始化")
	}

	// 创建API处理器 - 只传递从容器获取的服务
	handler := NewHandler(
		agentService,
		dialogueService,
		evaluatorService,
		scheduleService,
		configService,
		progressService,
	)

	// 创建路由
	r := gin.Default()

	// 启用CORS和请求指标
	r.Use(corsMiddleware())
	r.Use(MetricsMiddleware())

	// HTTPS重定向（生产环境）
	if !cfg.DebugMode {
		r.Use(func(c *gin.Context) {
			if c.Request.Header.Get("X-Forwarded-Proto") != "https" {
				c.Redirect(http.StatusPermanentRedirect,
					"https://"+c.Request.Host+c.Request.URL.Path)
				return
			}
			c.Next()
		})
	}

	// WebSocket 会话入口
	r.GET("/ws/agents/:id", handler.SessionWebSocket)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	api.Use(DefaultRateLimit(), AuthMiddleware())
	{
		// ===============================
		// 设置相关路由
		// ===============================
		settingsGroup := api.Group("/settings")
		{
			settingsGroup.GET("", handler.GetSettings)
			settingsGroup.POST("/test-connection", handler.TestConnection)
		}

		// ===============================
		// LLM配置相关路由
		// ===============================
		llmGroup := api.Group("/llm")
		{
			llmGroup.GET("/status", handler.GetLLMStatus)
			llmGroup.GET("/models", handler.GetLLMModels)
			llmGroup.PUT("/config", handler.UpdateLLMConfig)
		}

		// ===============================
		// 智能体相关路由
		// ===============================
		agentsGroup := api.Group("/agents")
		{
			agentsGroup.POST("", AgentBuildRateLimit(), handler.CreateAgent)
			agentsGroup.GET("/:id", handler.GetAgent)
			agentsGroup.GET("/:id/schedule", handler.GetAgentSchedule)
			agentsGroup.GET("/:id/next-event", RequireAgent(), handler.GetNextEvent)
			agentsGroup.GET("/:id/conversations", RequireAgent(), handler.GetConversations)
			agentsGroup.POST("/:id/evaluate", RequireAgent(), handler.EvaluateSession)
		}

		// ===============================
		// 聊天相关路由
		// ===============================
		chatGroup := api.Group("/chat")
		chatGroup.Use(ChatRateLimit())
		{
			chatGroup.POST("/event", handler.EventChat)
			chatGroup.POST("/daily", handler.DailyChat)
		}

		// ===============================
		// 构建进度相关
		// ===============================
		api.GET("/progress/:taskID", handler.SubscribeProgress)
		api.POST("/cancel/:taskID", handler.CancelBuildTask)

		// ===============================
		// WebSocket 管理路由
		// ===============================
		wsGroup := api.Group("/ws")
		{
			wsGroup.GET("/status", handler.GetWebSocketStatus)
			wsGroup.POST("/cleanup", handler.CleanupWebSocketConnections)
		}

		// 运行指标快照
		api.GET("/metrics", handler.GetMetrics)
	}

	return r, nil
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
