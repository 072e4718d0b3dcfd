// internal/utils/crypto_test.go
package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := "sk-1234567890abcdef"
	key := "a-32-byte-long-encryption-key!!!"

	ciphertext, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	recovered, err := Decrypt(ciphertext, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, recovered)
}

func TestEncryptShortKeyPadded(t *testing.T) {
	// 短密钥应补零到32字节而不是报错
	ciphertext, err := Encrypt("secret-value", "short")
	require.NoError(t, err)

	recovered, err := Decrypt(ciphertext, "short")
	require.NoError(t, err)
	assert.Equal(t, "secret-value", recovered)
}

func TestDecryptWrongKey(t *testing.T) {
	ciphertext, err := Encrypt("机密内容", "correct-key")
	require.NoError(t, err)

	_, err = Decrypt(ciphertext, "wrong-key")
	assert.Error(t, err, "错误的密钥不应能解密")
}

func TestEncryptNonDeterministic(t *testing.T) {
	// 随机nonce保证相同明文每次密文不同
	c1, err := Encrypt("same", "key")
	require.NoError(t, err)
	c2, err := Encrypt("same", "key")
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2)
}

func TestDecryptGarbage(t *testing.T) {
	_, err := Decrypt("不是base64!!!", "key")
	assert.Error(t, err)
}
