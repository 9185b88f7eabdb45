// Package config loads bridge configuration from an optional YAML file with
// environment-variable overrides.
//
// Precedence, lowest to highest: built-in defaults → YAML file → environment.
// Every knob maps to a TSUNAGI_* environment variable so container
// deployments can run without a config file at all.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kmoroz/tsunagi/common/environment"
)

// VerifyMode selects how webhook signatures are handled.
type VerifyMode string

const (
	// VerifyEnforce rejects deliveries with a missing or invalid signature.
	VerifyEnforce VerifyMode = "enforce"
	// VerifyBypass accepts every delivery. Operational fallback only; the
	// mode is explicit configuration, never an implicit downgrade.
	VerifyBypass VerifyMode = "bypass"
)

// Config holds the full bridge configuration.
type Config struct {
	// HomeserverURL is the Matrix homeserver base URL (e.g. "https://matrix.example.org").
	HomeserverURL string `yaml:"homeserver_url"`
	// ServerName is the Matrix server name used in mxids (e.g. "example.org").
	ServerName string `yaml:"server_name"`
	// AdminLocalpart / AdminPassword identify the bridge's admin account,
	// used for space management, mediated invites, and the admin-scoped sync.
	AdminLocalpart string `yaml:"admin_localpart"`
	AdminPassword  string `yaml:"admin_password"`
	// RegistrationToken is an optional m.login.registration_token value used
	// when registering agent accounts on homeservers with closed registration.
	RegistrationToken string `yaml:"registration_token"`

	// RuntimeURL is the agent-runtime API base URL; RuntimeToken its bearer.
	RuntimeURL   string `yaml:"runtime_url"`
	RuntimeToken string `yaml:"runtime_token"`

	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"database_path"`
	// MasterKey is a 64-char hex AES-256 key sealing credentials at rest.
	// Empty disables sealing (dev mode).
	MasterKey string `yaml:"master_key"`

	// HTTPAddr is the listen address for the REST/webhook/tool surface.
	HTTPAddr string `yaml:"http_addr"`
	// PublicURL is the externally reachable base URL of the bridge, used when
	// configuring the runtime's completion webhooks (no trailing slash).
	// Empty leaves webhook configuration to the operator.
	PublicURL string `yaml:"public_url"`

	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	SyncTimeout       time.Duration `yaml:"sync_timeout"`
	// ColdStartDropHistory drops all timeline events older than the first
	// sync's watermark, so a fresh deployment never replays room history.
	ColdStartDropHistory bool `yaml:"cold_start_drop_history"`

	WebhookVerify VerifyMode `yaml:"webhook_verify"`
	WebhookSecret string     `yaml:"webhook_secret"`
	// WebhookRateLimit caps deliveries per agent per minute.
	WebhookRateLimit int `yaml:"webhook_rate_limit"`

	InFlightTTL time.Duration `yaml:"inflight_ttl"`
	// ConnectorMaxConcurrentPerConversation bounds in-flight runtime sends
	// per conversation; additional sends queue up to ConnectorQueueDepth.
	ConnectorMaxConcurrentPerConversation int `yaml:"connector_max_concurrent_per_conversation"`
	ConnectorQueueDepth                   int `yaml:"connector_queue_depth"`

	// RateLimitMaxRetries bounds retries of M_LIMIT_EXCEEDED responses.
	RateLimitMaxRetries int `yaml:"rate_limit_max_retries"`
	// SendRatePerSecond caps outbound sends per identity (self-DoS guard).
	SendRatePerSecond float64 `yaml:"send_rate_per_second"`
	// MaxSessions bounds the number of concurrently authenticated identities.
	MaxSessions int `yaml:"max_sessions"`

	// PeerTTL is how long a peer tooling registration stays fresh without a
	// refresh before it is swept.
	PeerTTL time.Duration `yaml:"peer_ttl"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with the documented default values.
func Defaults() Config {
	return Config{
		AdminLocalpart:                        "bridge",
		DatabasePath:                          "tsunagi.db",
		HTTPAddr:                              ":8080",
		ReconcileInterval:                     500 * time.Millisecond,
		SyncTimeout:                           10 * time.Second,
		ColdStartDropHistory:                  true,
		WebhookVerify:                         VerifyEnforce,
		WebhookRateLimit:                      60,
		InFlightTTL:                           5 * time.Minute,
		ConnectorMaxConcurrentPerConversation: 1,
		ConnectorQueueDepth:                   8,
		RateLimitMaxRetries:                   5,
		SendRatePerSecond:                     5,
		MaxSessions:                           256,
		PeerTTL:                               90 * time.Second,
		LogLevel:                              "info",
		LogFormat:                             "text",
	}
}

// Load reads the YAML file at path (when non-empty), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays TSUNAGI_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	cfg.HomeserverURL = environment.StringOr("TSUNAGI_HOMESERVER_URL", cfg.HomeserverURL)
	cfg.ServerName = environment.StringOr("TSUNAGI_SERVER_NAME", cfg.ServerName)
	cfg.AdminLocalpart = environment.StringOr("TSUNAGI_ADMIN_LOCALPART", cfg.AdminLocalpart)
	cfg.AdminPassword = environment.StringOr("TSUNAGI_ADMIN_PASSWORD", cfg.AdminPassword)
	cfg.RegistrationToken = environment.StringOr("TSUNAGI_REGISTRATION_TOKEN", cfg.RegistrationToken)
	cfg.RuntimeURL = environment.StringOr("TSUNAGI_RUNTIME_URL", cfg.RuntimeURL)
	cfg.RuntimeToken = environment.StringOr("TSUNAGI_RUNTIME_TOKEN", cfg.RuntimeToken)
	cfg.DatabasePath = environment.StringOr("TSUNAGI_DATABASE_PATH", cfg.DatabasePath)
	cfg.MasterKey = environment.StringOr("TSUNAGI_MASTER_KEY", cfg.MasterKey)
	cfg.HTTPAddr = environment.StringOr("TSUNAGI_HTTP_ADDR", cfg.HTTPAddr)
	cfg.PublicURL = environment.StringOr("TSUNAGI_PUBLIC_URL", cfg.PublicURL)
	cfg.ReconcileInterval = environment.DurationOr("TSUNAGI_RECONCILE_INTERVAL", cfg.ReconcileInterval)
	cfg.SyncTimeout = environment.DurationOr("TSUNAGI_SYNC_TIMEOUT", cfg.SyncTimeout)
	cfg.ColdStartDropHistory = environment.BoolOr("TSUNAGI_COLD_START_DROP_HISTORY", cfg.ColdStartDropHistory)
	cfg.WebhookVerify = VerifyMode(environment.StringOr("TSUNAGI_WEBHOOK_VERIFY", string(cfg.WebhookVerify)))
	cfg.WebhookSecret = environment.StringOr("TSUNAGI_WEBHOOK_SECRET", cfg.WebhookSecret)
	cfg.WebhookRateLimit = environment.IntOr("TSUNAGI_WEBHOOK_RATE_LIMIT", cfg.WebhookRateLimit)
	cfg.InFlightTTL = environment.DurationOr("TSUNAGI_INFLIGHT_TTL", cfg.InFlightTTL)
	cfg.ConnectorMaxConcurrentPerConversation = environment.IntOr("TSUNAGI_CONNECTOR_MAX_CONCURRENT_PER_CONVERSATION", cfg.ConnectorMaxConcurrentPerConversation)
	cfg.ConnectorQueueDepth = environment.IntOr("TSUNAGI_CONNECTOR_QUEUE_DEPTH", cfg.ConnectorQueueDepth)
	cfg.RateLimitMaxRetries = environment.IntOr("TSUNAGI_RATE_LIMIT_MAX_RETRIES", cfg.RateLimitMaxRetries)
	cfg.SendRatePerSecond = environment.FloatOr("TSUNAGI_SEND_RATE_PER_SECOND", cfg.SendRatePerSecond)
	cfg.MaxSessions = environment.IntOr("TSUNAGI_MAX_SESSIONS", cfg.MaxSessions)
	cfg.PeerTTL = environment.DurationOr("TSUNAGI_PEER_TTL", cfg.PeerTTL)
	cfg.LogLevel = environment.StringOr("TSUNAGI_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = environment.StringOr("TSUNAGI_LOG_FORMAT", cfg.LogFormat)
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.HomeserverURL == "" {
		return fmt.Errorf("config: homeserver_url is required")
	}
	if c.ServerName == "" {
		return fmt.Errorf("config: server_name is required")
	}
	if c.AdminPassword == "" {
		return fmt.Errorf("config: admin_password is required")
	}
	switch c.WebhookVerify {
	case VerifyEnforce, VerifyBypass:
	default:
		return fmt.Errorf("config: webhook_verify must be %q or %q, got %q",
			VerifyEnforce, VerifyBypass, c.WebhookVerify)
	}
	if c.WebhookVerify == VerifyEnforce && c.WebhookSecret == "" {
		return fmt.Errorf("config: webhook_secret is required when webhook_verify=enforce")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("config: reconcile_interval must be positive")
	}
	if c.ConnectorMaxConcurrentPerConversation < 1 {
		return fmt.Errorf("config: connector_max_concurrent_per_conversation must be >= 1")
	}
	return nil
}

// AdminUserID returns the admin account's full mxid.
func (c *Config) AdminUserID() string {
	return "@" + c.AdminLocalpart + ":" + c.ServerName
}
