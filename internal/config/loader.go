package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the known upstream provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai-realtime"}

// maxLeeway bounds auth.leeway.
const maxLeeway = 2 * time.Minute

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document is allowed so that
// a deployment can be configured from the environment alone.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the deployment environment variables PORT,
// HEALTH_PORT, LOG_LEVEL, REALTIME_JWT_SECRET, OPENAI_API_KEY and REDIS_URL.
// Unset or empty variables leave cfg untouched.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	var errs []error
	if v, ok := get("PORT"); ok {
		addr, err := portAddr("PORT", v)
		if err != nil {
			errs = append(errs, err)
		}
		cfg.Server.ListenAddr = addr
	}
	if v, ok := get("HEALTH_PORT"); ok {
		addr, err := portAddr("HEALTH_PORT", v)
		if err != nil {
			errs = append(errs, err)
		}
		cfg.Server.HealthAddr = addr
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := get("REALTIME_JWT_SECRET"); ok {
		cfg.Auth.JWTSecret = v
	}
	if v, ok := get("OPENAI_API_KEY"); ok {
		cfg.Upstream.APIKey = v
	}
	if v, ok := get("REDIS_URL"); ok {
		cfg.Auth.RedisURL = v
	}
	return errors.Join(errs...)
}

func portAddr(key, v string) (string, error) {
	port, err := strconv.Atoi(v)
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("config: %s %q is not a valid port", key, v)
	}
	return ":" + strconv.Itoa(port), nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.HealthAddr == "" {
		cfg.Server.HealthAddr = DefaultHealthAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Auth.Deadline == 0 {
		cfg.Auth.Deadline = DefaultAuthDeadline
	}
	if cfg.Upstream.Provider == "" {
		cfg.Upstream.Provider = DefaultProvider
	}
	if cfg.Upstream.DialTimeout == 0 {
		cfg.Upstream.DialTimeout = DefaultDialTimeout
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = DefaultMetricsPath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.HealthAddr == "" {
		errs = append(errs, errors.New("server.health_addr is required"))
	}
	if cfg.Server.ListenAddr != "" && cfg.Server.ListenAddr == cfg.Server.HealthAddr {
		errs = append(errs, fmt.Errorf("server.health_addr %q must differ from server.listen_addr", cfg.Server.HealthAddr))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Auth
	if cfg.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required (or set REALTIME_JWT_SECRET)"))
	}
	if cfg.Auth.Leeway < 0 || cfg.Auth.Leeway > maxLeeway {
		errs = append(errs, fmt.Errorf("auth.leeway %s is out of range [0s, %s]", cfg.Auth.Leeway, maxLeeway))
	}
	if cfg.Auth.Deadline <= 0 {
		errs = append(errs, fmt.Errorf("auth.deadline %s must be positive", cfg.Auth.Deadline))
	}
	if cfg.Auth.RedisURL != "" {
		if _, err := redis.ParseURL(cfg.Auth.RedisURL); err != nil {
			// The URL may carry a password; report only the parse failure.
			errs = append(errs, errors.New("auth.redis_url is not a valid redis URL"))
		}
		if !cfg.Auth.SingleUse {
			slog.Warn("auth.redis_url is set but auth.single_use is false; the replay guard is disabled")
		}
	}

	// Upstream
	validateProviderName(cfg.Upstream.Provider)
	if cfg.Upstream.APIKey == "" {
		errs = append(errs, errors.New("upstream.api_key is required (or set OPENAI_API_KEY)"))
	}
	if cfg.Upstream.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("upstream.dial_timeout %s must not be negative", cfg.Upstream.DialTimeout))
	}
	if cfg.Upstream.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("upstream.breaker.max_failures %d must not be negative", cfg.Upstream.Breaker.MaxFailures))
	}
	if cfg.Upstream.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("upstream.breaker.reset_timeout %s must not be negative", cfg.Upstream.Breaker.ResetTimeout))
	}

	// Telemetry
	if p := cfg.Telemetry.MetricsPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", p))
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v must be within [0, 1]", r))
	}
	if slices.Contains([]string{"/health", "/healthz", "/readyz"}, cfg.Telemetry.MetricsPath) {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q collides with a health endpoint", cfg.Telemetry.MetricsPath))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown upstream provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
