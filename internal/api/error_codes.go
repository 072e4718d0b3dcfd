// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorForbidden     = "FORBIDDEN"
	ErrorUnauthorized  = "UNAUTHORIZED"

	// 智能体相关错误
	ErrorAgentNotFound    = "AGENT_NOT_FOUND"
	ErrorAgentBuildFailed = "AGENT_BUILD_FAILED"
	ErrorAgentInvalid     = "AGENT_INVALID"

	// 事件链相关错误
	ErrorEventNotFound         = "EVENT_NOT_FOUND"
	ErrorEventChainNotFound    = "EVENT_CHAIN_NOT_FOUND"
	ErrorEventChainBuildFailed = "EVENT_CHAIN_BUILD_FAILED"

	// 对话相关错误
	ErrorDialogueFailed    = "DIALOGUE_FAILED"
	ErrorDialogueBusy      = "DIALOGUE_BUSY"
	ErrorInvalidChatParams = "INVALID_CHAT_PARAMS"

	// 状态结算相关错误
	ErrorEvaluationFailed = "EVALUATION_FAILED"

	// LLM服务相关错误
	ErrorLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"
	ErrorLLMConfigInvalid      = "LLM_CONFIG_INVALID"
	ErrorConnectionFailed      = "CONNECTION_FAILED"

	// 配置健康相关
	ErrorConfigUnhealthy    = "CONFIG_UNHEALTHY"
	ErrorConfigNotLoaded    = "CONFIG_NOT_LOADED"
	ErrorLLMProviderMissing = "LLM_PROVIDER_MISSING"
	ErrorAPIKeyMissing      = "API_KEY_MISSING"
)
