// Package config holds OPERATOR-LEVEL configuration for a Cordon installation.
//
// This is infrastructure config set by whoever deploys Cordon, not end-user
// state. Everything here maps to an env var with the CORDON_ prefix
// (e.g. "webhook_secret" → CORDON_WEBHOOK_SECRET) or to a YAML field in
// cordon.config.yaml. Secrets recognized here are boundary credentials only:
// the "wa" channel shared key, the provider webhook HMAC secret, and the
// audit signing key.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Viper keys.
const (
	KeyDataDir          = "data_dir"
	KeyWASharedKey      = "wa_shared_key"
	KeyWebhookSecret    = "webhook_secret"
	KeyWebhookVerifySig = "webhook_verify_signature"
	KeyReplayWindowSec  = "webhook_replay_window_sec"
	KeyMaxFutureSkewSec = "webhook_max_future_skew_sec"
	KeyMaxPayloadBytes  = "max_payload_bytes"
	KeyConfirmTTLSec    = "confirmation_ttl_sec"
	KeyDedupeTTLSec     = "dedupe_ttl_sec"
	KeySessionTTLSec    = "session_ttl_sec"
	KeyPlannerTimeout   = "planner_timeout_sec"
	KeyWriteToolTimeout = "write_tool_timeout_sec"
	KeyLLMBaseURL       = "llm_base_url"
	KeyLLMAPIKey        = "llm_api_key"
	KeyLLMModel         = "llm_model"
	KeyEnableAnswerer   = "enable_answerer"
	KeyRateLimitEnabled = "rate_limit_enabled"
	KeyRateLimitRPM     = "rate_limit_session_rpm"
	KeyAuditSigningKey  = "audit_signing_key"
)

// Defaults that do NOT involve crypto material. The audit signing key
// intentionally has no baked-in default; when unset we generate a
// deterministic per-machine fallback and warn loudly.
const (
	DefaultReplayWindowSec  = 300
	DefaultMaxFutureSkewSec = 30
	DefaultMaxPayloadBytes  = 256_000
	DefaultConfirmTTLSec    = 1800
	DefaultDedupeTTLSec     = 3600
	DefaultSessionTTLSec    = 86400
	DefaultPlannerTimeout   = 30
	DefaultWriteToolTimeout = 30
	DefaultLLMModel         = "gpt-4o-mini"
	DefaultRateLimitRPM     = 30
)

// Config holds resolved operator-level configuration for a Cordon process.
type Config struct {
	DataDir string // Base directory for all state (~/.cordon)

	WASharedKey string // Pre-shared key required on every "wa" channel call

	WebhookSecret          string // HMAC-SHA256 secret for provider webhook signatures
	WebhookVerifySignature bool   // Toggle signature verification (dev only; production keeps it on)
	ReplayWindowSec        int    // Max allowed age of a webhook timestamp
	MaxFutureSkewSec       int    // Tolerance for provider clocks running ahead
	MaxPayloadBytes        int    // Max inbound body size

	ConfirmTTLSec int // Lifetime of a pending write confirmation
	DedupeTTLSec  int // Retention of dedupe fingerprints
	SessionTTLSec int // Session inactivity expiry

	PlannerTimeoutSec   int // Upper bound on the planner LLM call
	WriteToolTimeoutSec int // Upper bound on a write tool executor call

	LLMBaseURL string // OpenAI-compatible endpoint; empty = provider default
	LLMAPIKey  string
	LLMModel   string

	EnableAnswerer      bool
	RateLimitEnabled    bool
	RateLimitSessionRPM int

	AuditSigningKey string // HMAC-SHA256 key for audit event signing (≥32 bytes)

	usingDefaultSigningKey bool
}

// UsingDefaultSigningKey returns true if the audit signing key was derived
// (not set explicitly). Commands should warn when this is the case.
func (c *Config) UsingDefaultSigningKey() bool {
	return c.usingDefaultSigningKey
}

// StateDBPath returns the full path to the SQLite database holding sessions,
// pending confirmations, and dedupe records.
func (c *Config) StateDBPath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// AuditDBPath returns the full path to the audit SQLite database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when the signing key is not explicitly set.
func (c *Config) WarnIfDefaultKeys() {
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default CORDON_AUDIT_SIGNING_KEY, set via env var or config file for production")
	}
	if c.WebhookVerifySignature && c.WebhookSecret == "" {
		log.Warn().Msg("Webhook signature verification enabled without CORDON_WEBHOOK_SECRET; all provider deliveries will be rejected")
	}
}

func init() {
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

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:                resolveDataDir(),
		WASharedKey:            viper.GetString(KeyWASharedKey),
		WebhookSecret:          viper.GetString(KeyWebhookSecret),
		WebhookVerifySignature: viper.GetBool(KeyWebhookVerifySig),
		ReplayWindowSec:        viper.GetInt(KeyReplayWindowSec),
		MaxFutureSkewSec:       viper.GetInt(KeyMaxFutureSkewSec),
		MaxPayloadBytes:        viper.GetInt(KeyMaxPayloadBytes),
		ConfirmTTLSec:          viper.GetInt(KeyConfirmTTLSec),
		DedupeTTLSec:           viper.GetInt(KeyDedupeTTLSec),
		SessionTTLSec:          viper.GetInt(KeySessionTTLSec),
		PlannerTimeoutSec:      viper.GetInt(KeyPlannerTimeout),
		WriteToolTimeoutSec:    viper.GetInt(KeyWriteToolTimeout),
		LLMBaseURL:             viper.GetString(KeyLLMBaseURL),
		LLMAPIKey:              viper.GetString(KeyLLMAPIKey),
		LLMModel:               viper.GetString(KeyLLMModel),
		EnableAnswerer:         viper.GetBool(KeyEnableAnswerer),
		RateLimitEnabled:       viper.GetBool(KeyRateLimitEnabled),
		RateLimitSessionRPM:    viper.GetInt(KeyRateLimitRPM),
		AuditSigningKey:        viper.GetString(KeyAuditSigningKey),
	}

	if cfg.AuditSigningKey == "" {
		cfg.AuditSigningKey = deriveDefaultKey(cfg.DataDir, "audit-signing")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cordon"
	}
	return filepath.Join(home, ".cordon")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. This is NOT cryptographically strong; it
// exists solely so `cordon serve` works out of the box while still signing
// audit events with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("cordon:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if len(c.AuditSigningKey) < 32 {
		return fmt.Errorf("audit_signing_key must be at least 32 bytes (got %d); set CORDON_AUDIT_SIGNING_KEY", len(c.AuditSigningKey))
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("max_payload_bytes must be positive")
	}
	if c.ReplayWindowSec <= 0 {
		return fmt.Errorf("webhook_replay_window_sec must be positive")
	}
	if c.ConfirmTTLSec <= 0 {
		return fmt.Errorf("confirmation_ttl_sec must be positive")
	}
	if c.PlannerTimeoutSec <= 0 || c.WriteToolTimeoutSec <= 0 {
		return fmt.Errorf("planner_timeout_sec and write_tool_timeout_sec must be positive")
	}
	return nil
}
