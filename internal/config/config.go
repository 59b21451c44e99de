// Package config provides configuration types for the Sentinel Gate
// governance runtime.
//
// GovernanceConfig is the schema the server actually loads: a Redis-backed
// lease/mode store, a static tool registry, capability-token and
// elicitation settings, and per-risk lease budgets, layered on top of the
// teacher's original server/audit sections. Scope carried over from the
// teacher's own OSS non-goals:
//
//   - NO PostgreSQL for audit logs (stdout/file, with an optional SQLite
//     query index — see internal/adapter/outbound/auditfile)
//   - NO SIEM integration (Splunk, Datadog)
//   - NO Content scanning (PII, injection, secrets)
//   - NO Email/webhook notifications beyond the configured approval.Provider
//   - NO SSO/SAML/SCIM authentication
//   - NO Multi-tenant support
//   - NO TLS configuration (handle via reverse proxy)
//   - NO generic HTTP forward/reverse proxy gateway (the runtime governs a
//     single MCP upstream, not arbitrary outbound HTTP traffic)
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// GovernanceConfig is the top-level configuration for the governance
// runtime: tool registry, Redis-backed lease/mode store, capability token
// secret, and the ambient server/audit sections.
type GovernanceConfig struct {
	// Server configures the HTTP server listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Upstream configures the MCP server to proxy to.
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`

	// Redis configures the shared connection pool backing lease and
	// governance-mode storage.
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`

	// Registry configures the static tool/server catalog.
	Registry RegistryConfig `yaml:"registry" mapstructure:"registry"`

	// Governance configures the tri-state mode dial and elicitation/token
	// behavior.
	Governance GovernanceModeConfig `yaml:"governance" mapstructure:"governance"`

	// LeaseRisk maps each risk level to its schema-exposure-time TTL and
	// call budget.
	LeaseRisk LeaseRiskConfig `yaml:"lease_risk" mapstructure:"lease_risk"`

	// Toon configures response-shaping compression for large tool results.
	Toon ToonConfig `yaml:"toon" mapstructure:"toon"`

	// Features gates optional subsystems so operators can phase in
	// functionality, mirroring original_source/config.py's flags.
	Features FeatureFlags `yaml:"features" mapstructure:"features"`

	// AuditFile configures the file-based audit persistence.
	AuditFile AuditFileConfig `yaml:"audit_file" mapstructure:"audit_file"`

	// Auth configures file-based identities and API keys for the admin
	// control surface (mode changes, elevation revocation).
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Audit configures where audit logs are written.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// RateLimit configures optional rate limiting.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Policies are optional CEL rules layered on top of the tri-state
	// matrix. They can only narrow a matrix "allow" into a deny — there is
	// no action here that widens a matrix deny or elicit decision. Empty
	// by default, meaning the matrix's decision is final.
	Policies []PolicyConfig `yaml:"policies" mapstructure:"policies" validate:"omitempty,dive"`

	// DevMode enables development features (verbose logging, permissive
	// defaults, relaxed secret validation).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// RedisConfig configures the shared *redis.Client used by both the lease
// manager and the governance mode/elevation store.
type RedisConfig struct {
	// URL is a redis:// connection string (e.g. "redis://localhost:6379/0").
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty"`
	// DB selects the logical database index.
	DB int `yaml:"db" mapstructure:"db" validate:"omitempty,min=0"`
	// MaxConnections caps the client's connection pool size.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections" validate:"omitempty,min=1"`
	// DialTimeout bounds the initial TCP/TLS handshake (e.g. "5s").
	DialTimeout string `yaml:"dial_timeout" mapstructure:"dial_timeout" validate:"omitempty"`
	// CommandTimeout bounds each Redis command round-trip (e.g. "2s").
	CommandTimeout string `yaml:"command_timeout" mapstructure:"command_timeout" validate:"omitempty"`
}

// RegistryConfig configures the static declarative tool/server catalog.
type RegistryConfig struct {
	// Path is the YAML file describing the tool and server catalog.
	Path string `yaml:"path" mapstructure:"path" validate:"required"`
	// ReloadOnSIGHUP is read from the config, but no SIGHUP handler acts on
	// it: the registry is loaded once at startup.
	ReloadOnSIGHUP bool `yaml:"reload_on_sighup" mapstructure:"reload_on_sighup"`
}

// GovernanceModeConfig configures the tri-state dial and the capability
// token / elicitation machinery that sits behind it.
type GovernanceModeConfig struct {
	// DefaultMode is the mode assumed before any operator has set one
	// ("read_only", "permission", or "bypass").
	DefaultMode string `yaml:"default_mode" mapstructure:"default_mode" validate:"omitempty,oneof=read_only permission bypass"`
	// DefaultElevationTTLSeconds is how long a granted scoped elevation
	// remains valid when the approval response does not specify one.
	DefaultElevationTTLSeconds int `yaml:"default_elevation_ttl_seconds" mapstructure:"default_elevation_ttl_seconds" validate:"omitempty,min=1"`
	// ElicitationTimeoutSeconds bounds how long the middleware waits for an
	// approval decision before treating the request as timed out.
	ElicitationTimeoutSeconds int `yaml:"elicitation_timeout_seconds" mapstructure:"elicitation_timeout_seconds" validate:"omitempty,min=1"`
	// TokenSecret is the HMAC key used to sign and verify capability
	// tokens embedded in granted leases. Must be set to a real secret in
	// production; DevMode tolerates the insecure built-in default.
	TokenSecret string `yaml:"token_secret" mapstructure:"token_secret"`
}

// LeaseRiskConfig maps each risk tier to its schema-exposure-time TTL and
// call budget. Defaults mirror proxy.DefaultLeaseRiskPolicy, the fallback
// already wired into GovernanceInterceptor/GovernanceService:
// {safe: 3600s/1000calls, sensitive: 600s/20calls, dangerous: 120s/1call}.
type LeaseRiskConfig struct {
	Safe      RiskBudget `yaml:"safe" mapstructure:"safe"`
	Sensitive RiskBudget `yaml:"sensitive" mapstructure:"sensitive"`
	Dangerous RiskBudget `yaml:"dangerous" mapstructure:"dangerous"`
}

// RiskBudget is a single risk tier's lease TTL and call count.
type RiskBudget struct {
	TTLSeconds     int `yaml:"ttl_seconds" mapstructure:"ttl_seconds" validate:"omitempty,min=1"`
	CallsRemaining int `yaml:"calls_remaining" mapstructure:"calls_remaining" validate:"omitempty,min=1"`
}

// ToonConfig configures response-shaping compression of large tool-call
// results before they are returned to the client.
type ToonConfig struct {
	Enabled   bool `yaml:"enabled" mapstructure:"enabled"`
	Threshold int  `yaml:"threshold" mapstructure:"threshold" validate:"omitempty,min=1"`
}

// FeatureFlags gates optional subsystems, mirroring original_source's
// phased-rollout flags so operators can disable a subsystem without
// removing its configuration.
type FeatureFlags struct {
	EnableSemanticRetrieval  bool `yaml:"enable_semantic_retrieval" mapstructure:"enable_semantic_retrieval"`
	EnableLeaseManagement    bool `yaml:"enable_lease_management" mapstructure:"enable_lease_management"`
	EnableProgressiveSchemas bool `yaml:"enable_progressive_schemas" mapstructure:"enable_progressive_schemas"`
}

// insecureDevTokenSecret is the built-in HMAC secret used when DevMode is
// set and no token_secret is configured. It must never be reachable
// outside DevMode; Validate rejects it in production.
const insecureDevTokenSecret = "dev-insecure-token-secret-do-not-use-in-production"

// SetDevDefaults applies permissive defaults for development mode.
func (c *GovernanceConfig) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if len(c.Auth.Identities) == 0 {
		c.Auth.Identities = []IdentityConfig{
			{ID: "dev-user", Name: "Development User", Roles: []string{"admin"}},
		}
	}
	if len(c.Auth.APIKeys) == 0 {
		c.Auth.APIKeys = []APIKeyConfig{
			{
				KeyHash:    "sha256:6e1e4e1b8f8b36d08901cdb51b97841dfe20f5efd2fd2fd00768971408c46274",
				IdentityID: "dev-user",
			},
		}
	}
	if c.Governance.TokenSecret == "" {
		c.Governance.TokenSecret = insecureDevTokenSecret
	}
	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
}

// SetDefaults applies sensible default values, following the teacher's
// viper.IsSet-guarded pattern so an explicit false/zero in YAML or env is
// never silently overwritten.
func (c *GovernanceConfig) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.SessionTimeout == "" {
		c.Server.SessionTimeout = "30m"
	}

	if c.Upstream.HTTPTimeout == "" {
		c.Upstream.HTTPTimeout = "30s"
	}

	if c.Redis.URL == "" {
		c.Redis.URL = "redis://127.0.0.1:6379/0"
	}
	if c.Redis.MaxConnections == 0 {
		c.Redis.MaxConnections = 10
	}
	if c.Redis.DialTimeout == "" {
		c.Redis.DialTimeout = "5s"
	}
	if c.Redis.CommandTimeout == "" {
		c.Redis.CommandTimeout = "2s"
	}

	if c.Registry.Path == "" {
		c.Registry.Path = "registry.yaml"
	}

	if c.Governance.DefaultMode == "" {
		c.Governance.DefaultMode = "permission"
	}
	if c.Governance.DefaultElevationTTLSeconds == 0 {
		c.Governance.DefaultElevationTTLSeconds = 300
	}
	if c.Governance.ElicitationTimeoutSeconds == 0 {
		c.Governance.ElicitationTimeoutSeconds = 300
	}

	if c.LeaseRisk.Safe.TTLSeconds == 0 {
		c.LeaseRisk.Safe.TTLSeconds = 3600
	}
	if c.LeaseRisk.Safe.CallsRemaining == 0 {
		c.LeaseRisk.Safe.CallsRemaining = 1000
	}
	if c.LeaseRisk.Sensitive.TTLSeconds == 0 {
		c.LeaseRisk.Sensitive.TTLSeconds = 600
	}
	if c.LeaseRisk.Sensitive.CallsRemaining == 0 {
		c.LeaseRisk.Sensitive.CallsRemaining = 20
	}
	if c.LeaseRisk.Dangerous.TTLSeconds == 0 {
		c.LeaseRisk.Dangerous.TTLSeconds = 120
	}
	if c.LeaseRisk.Dangerous.CallsRemaining == 0 {
		c.LeaseRisk.Dangerous.CallsRemaining = 1
	}

	if c.Toon.Threshold == 0 {
		c.Toon.Threshold = 50
	}
	if !viper.IsSet("toon.enabled") {
		c.Toon.Enabled = true
	}

	if !viper.IsSet("features.enable_semantic_retrieval") {
		c.Features.EnableSemanticRetrieval = true
	}
	if !viper.IsSet("features.enable_lease_management") {
		c.Features.EnableLeaseManagement = true
	}
	if !viper.IsSet("features.enable_progressive_schemas") {
		c.Features.EnableProgressiveSchemas = true
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 1000
	}

	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
	if c.RateLimit.IPRate == 0 {
		c.RateLimit.IPRate = 100
	}
	if c.RateLimit.UserRate == 0 {
		c.RateLimit.UserRate = 1000
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}
	if c.RateLimit.MaxTTL == "" {
		c.RateLimit.MaxTTL = "1h"
	}
}

// errInsecureTokenSecret is returned by GovernanceConfig.Validate (see
// validator.go) when the insecure dev token secret reaches a non-dev
// deployment, mirroring original_source/config.py's Config.validate().
var errInsecureTokenSecret = fmt.Errorf("config: governance.token_secret must be set to a real secret outside dev_mode")

// ServerConfig configures the HTTP server.
// OSS version only supports HTTP (use a reverse proxy for TLS).
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080", "0.0.0.0:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// SessionTimeout is the duration before sessions expire (e.g., "30m", "1h").
	// Defaults to "30m" if not specified.
	SessionTimeout string `yaml:"session_timeout" mapstructure:"session_timeout" validate:"omitempty"`
}

// UpstreamConfig configures the upstream MCP server.
// Exactly one of HTTP or Command must be specified (mutually exclusive).
type UpstreamConfig struct {
	// HTTP is the URL of a remote MCP server (e.g., "http://localhost:3000/mcp").
	HTTP string `yaml:"http" mapstructure:"http" validate:"omitempty,url"`

	// Command is the path to an MCP server executable to spawn as a subprocess.
	Command string `yaml:"command" mapstructure:"command"`

	// Args are the arguments to pass to the subprocess command.
	Args []string `yaml:"args" mapstructure:"args"`

	// HTTPTimeout is the timeout for HTTP requests to upstream (e.g., "30s", "1m").
	// Defaults to "30s" if not specified.
	HTTPTimeout string `yaml:"http_timeout" mapstructure:"http_timeout" validate:"omitempty"`
}

// AuthConfig configures file-based authentication.
// All identities and API keys are defined in the configuration file.
type AuthConfig struct {
	// Identities defines the known identities (users/services).
	// Optional.
	Identities []IdentityConfig `yaml:"identities" mapstructure:"identities" validate:"omitempty,dive"`

	// APIKeys defines the API keys that map to identities.
	// Optional.
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// IdentityConfig defines a file-based identity.
type IdentityConfig struct {
	// ID is the unique identifier for this identity.
	ID string `yaml:"id" mapstructure:"id" validate:"required"`

	// Name is the human-readable name for this identity.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Roles are the roles assigned to this identity (used in policy evaluation).
	Roles []string `yaml:"roles" mapstructure:"roles" validate:"required,min=1"`
}

// APIKeyConfig defines an API key that authenticates as an identity.
type APIKeyConfig struct {
	// KeyHash is the SHA-256 hash of the API key, prefixed with "sha256:".
	// Generate with: echo -n "your-api-key" | sha256sum | cut -d' ' -f1
	// Then prefix with "sha256:" (e.g., "sha256:abc123...")
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,startswith=sha256:"`

	// IdentityID references the identity this key authenticates as.
	// Must match an ID in Auth.Identities.
	IdentityID string `yaml:"identity_id" mapstructure:"identity_id" validate:"required"`
}

// AuditConfig configures audit log output.
// OSS supports stdout or file output only (no PostgreSQL, SIEM).
type AuditConfig struct {
	// Output specifies where audit logs are written.
	// Valid values: "stdout" or "file:///absolute/path/to/audit.log"
	// Defaults to "stdout" if empty.
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// ChannelSize is the buffer size for the audit channel.
	// Larger values handle burst traffic better but use more memory.
	// Defaults to 1000 if not specified or 0.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of records to batch before writing.
	// Larger batches are more efficient but increase latency.
	// Defaults to 100 if not specified or 0.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often to flush pending records (e.g., "1s", "500ms").
	// Shorter intervals reduce data loss risk but increase I/O.
	// Defaults to "1s" if not specified.
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty"`

	// SendTimeout is how long to block when channel is full (e.g., "100ms", "0").
	// "0" or empty = drop immediately (no blocking).
	// Non-zero = block up to this duration before dropping.
	// Defaults to "100ms" if not specified.
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty"`

	// WarningThreshold is the percentage (0-100) at which to log warnings.
	// When channel depth exceeds this percentage, a warning is logged (rate-limited).
	// Set to 0 to disable warnings. Defaults to 80 if not specified.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`

	// BufferSize is the number of recent audit records to keep in the in-memory ring buffer.
	// Defaults to 1000 if not specified or 0.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`
}

// RateLimitConfig configures rate limiting.
type RateLimitConfig struct {
	// Enabled turns rate limiting on or off.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// IPRate is the maximum requests per minute per IP address.
	// Defaults to 100 if rate limiting is enabled.
	IPRate int `yaml:"ip_rate" mapstructure:"ip_rate" validate:"omitempty,min=1"`

	// UserRate is the maximum requests per minute per authenticated user.
	// Defaults to 1000 if rate limiting is enabled.
	UserRate int `yaml:"user_rate" mapstructure:"user_rate" validate:"omitempty,min=1"`

	// CleanupInterval is how often to clean up expired rate limit entries (e.g., "5m").
	// Only applies when rate limiting is enabled.
	// Defaults to "5m" if not specified.
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty"`

	// MaxTTL is the maximum age of a rate limit entry before removal (e.g., "1h").
	// Only applies when rate limiting is enabled.
	// Defaults to "1h" if not specified.
	MaxTTL string `yaml:"max_ttl" mapstructure:"max_ttl" validate:"omitempty"`
}

// PolicyConfig defines a named set of access control rules.
type PolicyConfig struct {
	// Name is the unique identifier for this policy.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Rules are the access control rules in this policy.
	// Rules are evaluated in order; first match wins.
	Rules []RuleConfig `yaml:"rules" mapstructure:"rules" validate:"required,min=1,dive"`
}

// RuleConfig defines a single access control rule.
// OSS supports only allow/deny actions (no approval_required).
type RuleConfig struct {
	// Name is a human-readable identifier for this rule.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Condition is a CEL expression that determines if this rule matches.
	// Available variables depend on request context (tool.name, user.roles, etc).
	Condition string `yaml:"condition" mapstructure:"condition" validate:"required"`

	// Action is what to do when the condition matches.
	// OSS supports only "allow" or "deny" (no "approval_required").
	Action string `yaml:"action" mapstructure:"action" validate:"required,oneof=allow deny"`
}

// AuditFileConfig configures the file-based audit persistence.
type AuditFileConfig struct {
	// Dir is the directory where audit files are stored.
	Dir string `yaml:"dir" mapstructure:"dir"`
	// RetentionDays is the number of days to keep audit files.
	// Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days"`
	// MaxFileSizeMB is the maximum size per audit file in megabytes before rotation.
	// Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb"`
	// CacheSize is the number of recent audit records to keep in memory.
	// Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size"`
}
