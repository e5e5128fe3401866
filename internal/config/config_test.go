package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	t.Setenv("CORDON_AUDIT_SIGNING_KEY", "")
	t.Setenv("CORDON_DATA_DIR", "")
	t.Setenv("CORDON_WA_SHARED_KEY", "")
	t.Setenv("CORDON_WEBHOOK_SECRET", "")
	t.Setenv("CORDON_WEBHOOK_VERIFY_SIGNATURE", "")
	t.Setenv("CORDON_MAX_PAYLOAD_BYTES", "")
	viper.Reset()
	viper.SetEnvPrefix("CORDON")
	viper.AutomaticEnv()
	viper.SetDefault(KeyReplayWindowSec, DefaultReplayWindowSec)
	viper.SetDefault(KeyMaxFutureSkewSec, DefaultMaxFutureSkewSec)
	viper.SetDefault(KeyMaxPayloadBytes, DefaultMaxPayloadBytes)
	viper.SetDefault(KeyConfirmTTLSec, DefaultConfirmTTLSec)
	viper.SetDefault(KeyDedupeTTLSec, DefaultDedupeTTLSec)
	viper.SetDefault(KeySessionTTLSec, DefaultSessionTTLSec)
	viper.SetDefault(KeyPlannerTimeout, DefaultPlannerTimeout)
	viper.SetDefault(KeyWriteToolTimeout, DefaultWriteToolTimeout)
	viper.SetDefault(KeyLLMModel, DefaultLLMModel)
	viper.SetDefault(KeyEnableAnswerer, true)
	viper.SetDefault(KeyRateLimitEnabled, true)
	viper.SetDefault(KeyRateLimitRPM, DefaultRateLimitRPM)
}

func TestLoad_Defaults(t *testing.T) {
	resetViper(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultReplayWindowSec, cfg.ReplayWindowSec)
	assert.Equal(t, DefaultMaxPayloadBytes, cfg.MaxPayloadBytes)
	assert.Equal(t, DefaultConfirmTTLSec, cfg.ConfirmTTLSec)
	assert.Equal(t, DefaultLLMModel, cfg.LLMModel)
	assert.True(t, cfg.EnableAnswerer)
	assert.False(t, cfg.WebhookVerifySignature)
	assert.True(t, cfg.UsingDefaultSigningKey(), "should report a derived signing key when none is set")
	assert.True(t, len(cfg.AuditSigningKey) >= 32)
}

func TestLoad_ExplicitSigningKey(t *testing.T) {
	resetViper(t)
	t.Setenv("CORDON_AUDIT_SIGNING_KEY", "my-signing-key-at-least-32-chars!")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "my-signing-key-at-least-32-chars!", cfg.AuditSigningKey)
	assert.False(t, cfg.UsingDefaultSigningKey())
}

func TestLoad_InvalidSigningKeyLength(t *testing.T) {
	resetViper(t)
	t.Setenv("CORDON_AUDIT_SIGNING_KEY", "short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit_signing_key must be at least 32 bytes")
}

func TestLoad_InvalidPayloadLimit(t *testing.T) {
	resetViper(t)
	t.Setenv("CORDON_MAX_PAYLOAD_BYTES", "-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_payload_bytes must be positive")
}

func TestLoad_CustomDataDir(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	t.Setenv("CORDON_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Contains(t, cfg.StateDBPath(), dir)
	assert.Contains(t, cfg.AuditDBPath(), dir)
}

func TestLoad_WebhookToggle(t *testing.T) {
	resetViper(t)
	t.Setenv("CORDON_WEBHOOK_VERIFY_SIGNATURE", "true")
	t.Setenv("CORDON_WEBHOOK_SECRET", "provider-shared-secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.WebhookVerifySignature)
	assert.Equal(t, "provider-shared-secret", cfg.WebhookSecret)
}
