// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"github.com/Corphon/EchoAgentMCP/internal/utils"
)

// 磁盘上密文形式api_key的前缀标记
const encryptedKeyPrefix = "enc:"

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
)

// AppConfig 包含应用程序的所有配置
type AppConfig struct {
	// 基础配置
	Port         string `json:"port"`
	LLMAPIKey    string `json:"llm_api_key,omitempty"`
	DataDir      string `json:"data_dir"`
	DatabasePath string `json:"database_path"`
	LogDir       string `json:"log_dir"`
	DebugMode    bool   `json:"debug_mode"`

	// LLM相关配置
	LLMProvider string            `json:"llm_provider"`
	LLMConfig   map[string]string `json:"llm_config"`
}

// Config 存储应用配置
type Config struct {
	Port         string
	LLMAPIKey    string
	DataDir      string
	DatabasePath string
	LogDir       string
	DebugMode    bool
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	dataDir := getEnvPath("DATA_DIR", "data")

	// 创建配置
	config := &Config{
		Port:         getEnv("PORT", "8080"),
		LLMAPIKey:    getEnv("LLM_API_KEY", ""),
		DataDir:      dataDir,
		DatabasePath: getEnv("DATABASE_PATH", filepath.Join(dataDir, "agents.db")),
		LogDir:       getEnvPath("LOG_DIR", "logs"),
		DebugMode:    getEnvBool("DEBUG_MODE", true),
	}

	// 验证LLM API密钥
	if config.LLMAPIKey == "" {
		// 只记录警告，不返回错误
		log.Println("警告: 未设置LLM API密钥，将需要通过配置接口设置后才能使用LLM功能")
	}

	return config, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	// 确保目录存在
	if _, err := os.Stat(path); os.IsNotExist(err) {
		err = os.MkdirAll(path, 0755)
		if err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// InitConfig 初始化配置管理器
func InitConfig(dataDir string) error {
	configFile = filepath.Join(dataDir, "config.json")

	// 加载基础配置
	baseConfig, err := Load()
	if err != nil {
		return err
	}

	// 创建初始配置
	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = &AppConfig{
		Port:         baseConfig.Port,
		LLMAPIKey:    baseConfig.LLMAPIKey,
		DataDir:      baseConfig.DataDir,
		DatabasePath: baseConfig.DatabasePath,
		LogDir:       baseConfig.LogDir,
		DebugMode:    baseConfig.DebugMode,
		LLMProvider:  "chatfire", // 默认走ChatFire聚合网关
		LLMConfig: map[string]string{
			"api_key":       baseConfig.LLMAPIKey,
			"default_model": "gpt-4o",
		},
	}

	// 尝试从文件加载已保存的配置
	if _, err := os.Stat(configFile); !os.IsNotExist(err) {
		data, err := os.ReadFile(configFile)
		if err == nil {
			var savedConfig AppConfig
			if json.Unmarshal(data, &savedConfig) == nil {
				// 合并配置，保留文件中的LLM设置，但使用最新的基础配置
				savedConfig.Port = baseConfig.Port
				savedConfig.DataDir = baseConfig.DataDir
				savedConfig.DatabasePath = baseConfig.DatabasePath
				savedConfig.LogDir = baseConfig.LogDir
				savedConfig.DebugMode = baseConfig.DebugMode

				// 文件中的密钥可能是密文
				if savedConfig.LLMConfig != nil {
					savedConfig.LLMConfig["api_key"] = openAPIKey(savedConfig.LLMConfig["api_key"])
				}

				// 如果文件中没有API密钥，使用环境变量的密钥
				if savedConfig.LLMConfig != nil && savedConfig.LLMConfig["api_key"] == "" {
					savedConfig.LLMConfig["api_key"] = baseConfig.LLMAPIKey
				}

				currentConfig = &savedConfig
			}
		}
	}

	// 保存初始配置到文件
	return SaveConfig()
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		// 紧急情况，返回一个基本配置
		baseConfig, _ := Load()
		return &AppConfig{
			Port:         baseConfig.Port,
			LLMAPIKey:    baseConfig.LLMAPIKey,
			DataDir:      baseConfig.DataDir,
			DatabasePath: baseConfig.DatabasePath,
			LogDir:       baseConfig.LogDir,
			DebugMode:    baseConfig.DebugMode,
			LLMProvider:  "chatfire",
			LLMConfig: map[string]string{
				"api_key": baseConfig.LLMAPIKey,
			},
		}
	}

	// 返回配置的副本
	configCopy := *currentConfig
	return &configCopy
}

// UpdateLLMConfig 更新LLM配置
func UpdateLLMConfig(provider string, config map[string]string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	currentConfig.LLMProvider = provider
	currentConfig.LLMConfig = config

	return SaveConfig()
}

// SaveConfig 保存当前配置到文件
func SaveConfig() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	// 确保目录存在
	dir := filepath.Dir(configFile)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
	}

	// 落盘前对api_key加密，避免明文密钥留在磁盘上
	toSave := *currentConfig
	if toSave.LLMConfig != nil {
		cfgCopy := make(map[string]string, len(toSave.LLMConfig))
		for k, v := range toSave.LLMConfig {
			cfgCopy[k] = v
		}
		cfgCopy["api_key"] = sealAPIKey(cfgCopy["api_key"])
		toSave.LLMConfig = cfgCopy
	}
	toSave.LLMAPIKey = ""

	// 序列化并保存
	data, err := json.MarshalIndent(&toSave, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	return os.WriteFile(configFile, data, 0600)
}

// sealAPIKey 用CONFIG_ENCRYPTION_KEY加密api_key
// 未设置加密密钥时保持明文
func sealAPIKey(apiKey string) string {
	encKey := os.Getenv("CONFIG_ENCRYPTION_KEY")
	if encKey == "" || apiKey == "" {
		return apiKey
	}

	ciphertext, err := utils.Encrypt(apiKey, encKey)
	if err != nil {
		log.Printf("警告: API密钥加密失败，将以明文保存: %v", err)
		return apiKey
	}
	return encryptedKeyPrefix + ciphertext
}

// openAPIKey 解密带前缀的api_key密文，明文原样返回
func openAPIKey(apiKey string) string {
	if !strings.HasPrefix(apiKey, encryptedKeyPrefix) {
		return apiKey
	}

	encKey := os.Getenv("CONFIG_ENCRYPTION_KEY")
	if encKey == "" {
		log.Println("警告: 配置中的API密钥已加密，但未设置CONFIG_ENCRYPTION_KEY，密钥不可用")
		return ""
	}

	plaintext, err := utils.Decrypt(strings.TrimPrefix(apiKey, encryptedKeyPrefix), encKey)
	if err != nil {
		log.Printf("警告: API密钥解密失败: %v", err)
		return ""
	}
	return plaintext
}
