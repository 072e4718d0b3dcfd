// internal/config/config_test.go
package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealAndOpenAPIKey(t *testing.T) {
	t.Setenv("CONFIG_ENCRYPTION_KEY", "test-encryption-key")

	sealed := sealAPIKey("sk-1234567890")
	require.True(t, strings.HasPrefix(sealed, encryptedKeyPrefix), "加密后应带密文前缀")
	assert.NotContains(t, sealed, "sk-1234567890", "密文中不应出现明文密钥")

	assert.Equal(t, "sk-1234567890", openAPIKey(sealed))
}

func TestSealAPIKeyWithoutEncryptionKey(t *testing.T) {
	t.Setenv("CONFIG_ENCRYPTION_KEY", "")

	// 未配置加密密钥时保持明文，行为向后兼容
	assert.Equal(t, "sk-plain", sealAPIKey("sk-plain"))
	assert.Equal(t, "sk-plain", openAPIKey("sk-plain"))
}

func TestOpenAPIKeyMissingEncryptionKey(t *testing.T) {
	t.Setenv("CONFIG_ENCRYPTION_KEY", "test-encryption-key")
	sealed := sealAPIKey("sk-1234567890")

	// 密文存在但解密密钥丢失时返回空而不是密文
	t.Setenv("CONFIG_ENCRYPTION_KEY", "")
	assert.Equal(t, "", openAPIKey(sealed))

	// 错误的解密密钥同样拿不到明文
	t.Setenv("CONFIG_ENCRYPTION_KEY", "wrong-key")
	assert.Equal(t, "", openAPIKey(sealed))
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL_FLAG", "true")
	assert.True(t, getEnvBool("TEST_BOOL_FLAG", false))

	t.Setenv("TEST_BOOL_FLAG", "0")
	assert.False(t, getEnvBool("TEST_BOOL_FLAG", true))

	t.Setenv("TEST_BOOL_FLAG", "")
	assert.True(t, getEnvBool("TEST_BOOL_FLAG", true), "未设置时应取默认值")
}
