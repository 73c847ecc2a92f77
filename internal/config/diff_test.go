package config_test

import (
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/teleprompt/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: ":8080",
			HealthAddr: ":8081",
			LogLevel:   config.LogInfo,
		},
		Auth:     config.AuthConfig{JWTSecret: "s", Deadline: 5 * time.Second},
		Upstream: config.UpstreamConfig{Provider: "openai-realtime", APIKey: "k"},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, baseConfig())
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level change should not require restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9090" }, "server.listen_addr"},
		{"health addr", func(c *config.Config) { c.Server.HealthAddr = ":9091" }, "server.health_addr"},
		{"origins", func(c *config.Config) { c.Server.AllowedOrigins = []string{"a.example"} }, "server.allowed_origins"},
		{"tls", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"} }, "server.tls"},
		{"secret", func(c *config.Config) { c.Auth.JWTSecret = "rotated" }, "auth"},
		{"deadline", func(c *config.Config) { c.Auth.Deadline = time.Second }, "auth"},
		{"breaker", func(c *config.Config) { c.Upstream.Breaker.MaxFailures = 9 }, "upstream"},
		{"telemetry", func(c *config.Config) { c.Telemetry.MetricsPath = "/m" }, "telemetry"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tc.mutate(new)
			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tc.want) {
				t.Errorf("RestartRequired = %v, want to contain %q", d.RestartRequired, tc.want)
			}
			if d.LogLevelChanged {
				t.Error("unexpected LogLevelChanged")
			}
		})
	}
}

func TestDiff_EqualTLS(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	old.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}
	new.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}
	if d := config.Diff(old, new); d.Changed() {
		t.Errorf("identical TLS blocks reported as changed: %v", d.RestartRequired)
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
		"verbose":       slog.LevelInfo,
	}
	for in, want := range tests {
		if got := in.SlogLevel(); got != want {
			t.Errorf("%q.SlogLevel() = %v, want %v", in, got, want)
		}
	}
}
