// Package config provides the configuration schema, loader, and upstream
// provider registry for the teleprompter relay.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the relay.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a slog level. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultHealthAddr      = ":8081"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultAuthDeadline    = 5 * time.Second
	DefaultProvider        = "openai-realtime"
	DefaultDialTimeout     = 10 * time.Second
	DefaultServiceName     = "teleprompt-relay"
	DefaultMetricsPath     = "/metrics"
)

// Config is the root configuration structure for the relay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the relay websocket listener.
	ListenAddr string `yaml:"listen_addr"`

	// HealthAddr is the TCP address of the liveness listener. It must differ
	// from ListenAddr.
	HealthAddr string `yaml:"health_addr"`

	// LogLevel controls verbosity. Can be changed without restart.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigins lists browser origin patterns accepted by the relay.
	// Empty accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the relay listener. When nil, plain HTTP is used.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AuthConfig configures client credential verification.
type AuthConfig struct {
	// JWTSecret is the HS256 shared secret. Required.
	JWTSecret string `yaml:"jwt_secret"`

	// Issuer, when set, must match the token's iss claim.
	Issuer string `yaml:"issuer"`

	// Audience, when set, must be contained in the token's aud claim.
	Audience string `yaml:"audience"`

	// Leeway tolerates clock skew on time-based claims.
	Leeway time.Duration `yaml:"leeway"`

	// Deadline is how long a client may stay unauthenticated.
	Deadline time.Duration `yaml:"deadline"`

	// SingleUse rejects a credential that already opened a session.
	SingleUse bool `yaml:"single_use"`

	// RedisURL selects a shared replay-guard backend. Empty keeps the guard
	// in process.
	RedisURL string `yaml:"redis_url"`
}

// UpstreamConfig selects and configures the realtime transcription provider.
type UpstreamConfig struct {
	// Provider selects the registered provider implementation.
	Provider string `yaml:"provider"`

	// APIKey authenticates the relay to the provider. Never sent to clients.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the provider model.
	Model string `yaml:"model"`

	// DialTimeout bounds one upstream connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Breaker configures the circuit breaker around upstream dials.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the upstream circuit breaker. Zero values use the
// breaker's own defaults.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// TelemetryConfig configures metrics export.
type TelemetryConfig struct {
	// ServiceName is reported as the OpenTelemetry service.name.
	ServiceName string `yaml:"service_name"`

	// MetricsPath is where Prometheus metrics are served on the health
	// listener.
	MetricsPath string `yaml:"metrics_path"`

	// TraceSampleRatio is the fraction of new traces recorded, in [0, 1].
	// Zero records every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}
