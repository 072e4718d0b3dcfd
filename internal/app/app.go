// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/EchoAgentMCP/internal/config"
	"github.com/Corphon/EchoAgentMCP/internal/di"
	"github.com/Corphon/EchoAgentMCP/internal/services"
	"github.com/Corphon/EchoAgentMCP/internal/storage"
	"github.com/Corphon/EchoAgentMCP/internal/utils"
)

// App 应用程序实例
type App struct {
	router   *gin.Engine
	server   *http.Server
	stopChan chan os.Signal
}

// 全局应用单例
var instance *App

// GetApp 获取应用单例实例
func GetApp() *App {
	if instance == nil {
		instance = &App{
			stopChan: make(chan os.Signal, 1),
		}
	}
	return instance
}

// GetDIContainer 获取依赖注入容器
func GetDIContainer() *di.Container {
	return di.GetContainer()
}

// IsDebugMode 返回当前是否处于调试模式
func IsDebugMode() bool {
	return config.GetCurrentConfig().DebugMode
}

// GetConfig 返回当前应用配置
func GetConfig() *config.AppConfig {
	return config.GetCurrentConfig()
}

// initLogger 初始化结构化日志
func initLogger(logDir string) error {
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}
	return utils.InitLogger(filepath.Join(logDir, "app.log"))
}

// InitServices 按依赖顺序创建并注册所有服务
// 注册顺序：存储 → LLM → 锁/配置 → 阶段 → 事件链 → 日程 →
// 调度器 → 对话 → 评估 → 智能体构建
func InitServices() error {
	cfg := config.GetCurrentConfig()

	if err := initLogger(cfg.LogDir); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	logger := utils.GetLogger()

	container := di.GetContainer()

	store, err := storage.NewStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("初始化存储失败: %w", err)
	}
	container.Register("store", store)

	llmService, err := services.NewLLMService()
	if err != nil {
		// 缺少API密钥时降级为空服务，可通过配置接口补齐后重载
		logger.Warn("LLM服务未就绪，进入降级模式", map[string]interface{}{
			"error": err.Error(),
		})
		llmService = services.NewEmptyLLMService()
	}
	container.Register("llm", llmService)

	locks := services.NewLockManager()
	container.Register("locks", locks)

	progressService := services.NewProgressService()
	container.Register("progress", progressService)

	configService := services.NewConfigService()
	container.Register("config", configService)

	stageService := services.NewStageService(llmService)
	container.Register("stage", stageService)

	eventTreeService := services.NewEventTreeService(llmService, stageService, store)
	container.Register("event_tree", eventTreeService)

	scheduleService := services.NewScheduleService(llmService, store)
	container.Register("schedule", scheduleService)

	dispatcherService := services.NewDispatcherService(llmService, store)
	container.Register("dispatcher", dispatcherService)

	dialogueService := services.NewDialogueService(llmService, store, dispatcherService, scheduleService, locks)
	container.Register("dialogue", dialogueService)

	evaluatorService := services.NewEvaluatorService(llmService, store)
	container.Register("evaluator", evaluatorService)

	agentService := services.NewAgentService(llmService, store, eventTreeService, scheduleService, progressService)
	container.Register("agent", agentService)

	logger.Info("服务初始化完成", map[string]interface{}{
		"services": container.GetNames(),
		"llm":      llmService.GetReadyState(),
	})
	return nil
}

// Run 启动HTTP服务并阻塞到退出信号或启动失败
func (a *App) Run(router *gin.Engine, port string) error {
	a.router = router
	a.server = &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	signal.Notify(a.stopChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		log.Printf("🚀 服务器启动，监听端口 %s", port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("服务器启动失败: %w", err)
	case sig := <-a.stopChan:
		log.Printf("收到信号 %v，开始优雅关闭", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("服务器关闭失败: %w", err)
	}

	a.cleanup()
	log.Println("✅ 服务器已关闭")
	return nil
}

// Stop 主动触发优雅关闭
func (a *App) Stop() {
	select {
	case a.stopChan <- syscall.SIGTERM:
	default:
	}
}

// cleanup 释放服务资源
func (a *App) cleanup() {
	container := di.GetContainer()

	if store, ok := container.Get("store").(*storage.Store); ok {
		if err := store.Close(); err != nil {
			log.Printf("关闭数据库失败: %v", err)
		}
	}

	container.Clear()
}
