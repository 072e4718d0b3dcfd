// internal/api/auth_middleware.go
package api

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/EchoAgentMCP/internal/auth"
	"github.com/Corphon/EchoAgentMCP/internal/config"
	"github.com/Corphon/EchoAgentMCP/internal/di"
	"github.com/Corphon/EchoAgentMCP/internal/services"
)

var tokenConfig *auth.TokenConfig

// InitializeAuth initializes the authentication system with config
func InitializeAuth() error {
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	var secret []byte
	var err error

	// Try to get secret from environment variable first
	envSecret := os.Getenv("AUTH_SECRET_KEY")
	if envSecret != "" {
		secret = []byte(envSecret)
	} else {
		if os.Getenv("DEBUG_MODE") == "true" || cfg.DebugMode {
			// Use a consistent key during development to avoid session issues on restart
			secret = []byte("dev_auth_key_for_testing_purposes_only_")
			log.Printf("⚠️ 警告: 开发模式下使用固定认证密钥，生产环境请通过环境变量设置 AUTH_SECRET_KEY")
		} else {
			secret, err = auth.GenerateSecureKey(32) // 256-bit key
			if err != nil {
				entropy := fmt.Sprintf("%s_%d_%d", cfg.DataDir, time.Now().UnixNano(), os.Getpid())
				secret = []byte(entropy)
				log.Printf("Warning: When using derived keys, it is recommended to set them in environment variables AUTH_SECRET_KEY")
			}
		}
	}

	// Ensure the secret is exactly 32 bytes
	if len(secret) < 32 {
		paddedSecret := make([]byte, 32)
		copy(paddedSecret, secret)
		secret = paddedSecret
	} else if len(secret) > 32 {
		secret = secret[:32]
	}

	tokenConfig = &auth.TokenConfig{
		Secret:     secret,
		Expiration: 24 * time.Hour, // Token expires in 24 hours
	}

	return nil
}

// AuthMiddleware provides authentication for API endpoints
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isPublicEndpoint(c) {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			// Allow guest usage by treating missing credentials as console_user
			c.Set("user_id", "console_user")
			c.Set("user_authenticated", false)
			c.Next()
			return
		}

		// Extract token from "Bearer {token}" format
		token := strings.TrimPrefix(authHeader, "Bearer ")
		token = strings.TrimSpace(token)

		if token == "" {
			c.Set("user_id", "console_user")
			c.Set("user_authenticated", false)
			c.Next()
			return
		}

		parsedToken, err := auth.ParseToken(token, tokenConfig)
		if err != nil {
			log.Printf("AuthMiddleware: invalid token detected (%v), downgrading to console_user", err)
			c.Set("user_id", "console_user")
			c.Set("user_authenticated", false)
			c.Set("auth_error", err.Error())
			c.Next()
			return
		}

		c.Set("user_id", parsedToken.UserID)
		c.Set("user_authenticated", true)

		c.Next()
	}
}

// isPublicEndpoint checks if the current endpoint should skip authentication
func isPublicEndpoint(c *gin.Context) bool {
	publicPaths := []string{
		"/api/llm/status",               // LLM status for setup
		"/api/llm/models",               // LLM models for setup
		"/api/ws/status",                // WebSocket status
		"/api/settings",                 // Settings need to be accessible for initial setup
		"/api/settings/test-connection", // Test connection should be accessible without auth for initial setup
	}

	currentPath := c.Request.URL.Path

	for _, path := range publicPaths {
		if currentPath == path || strings.HasPrefix(currentPath, path+"/") {
			return true
		}
	}

	return false
}

// GenerateUserToken creates an authentication token for a user
func GenerateUserToken(userID string) (string, error) {
	if tokenConfig == nil {
		return "", fmt.Errorf("auth not initialized")
	}

	return auth.GenerateToken(userID, tokenConfig)
}

// GetUserFromContext retrieves the authenticated user from the context
func GetUserFromContext(c *gin.Context) (string, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		return "", false
	}

	userIDStr, ok := userID.(string)
	if !ok || userIDStr == "" {
		return "", false
	}

	if authenticatedVal, exists := c.Get("user_authenticated"); exists {
		if authenticated, ok := authenticatedVal.(bool); ok {
			return userIDStr, authenticated
		}
	}

	return userIDStr, false
}

// RequireAgent ensures the agent referenced in the path actually exists
func RequireAgent() gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID := c.Param("id")
		if agentID == "" {
			c.Next()
			return
		}

		container := di.GetContainer()
		agentService, ok := container.Get("agent").(*services.AgentService)
		if !ok {
			// 无法获取服务时不拦截，交给下游处理
			c.Next()
			return
		}

		if _, err := agentService.GetAgent(c.Request.Context(), agentID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "智能体不存在",
				"code":    ErrorAgentNotFound,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
