// Command relay runs the authenticated realtime transcription relay.
//
// It serves the websocket relay on server.listen_addr and the liveness
// surface (/health, /healthz, /readyz and Prometheus metrics) on
// server.health_addr, then blocks until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/teleprompt/internal/config"
	"github.com/MrWong99/teleprompt/internal/health"
	"github.com/MrWong99/teleprompt/internal/observe"
	"github.com/MrWong99/teleprompt/internal/relay"
	"github.com/MrWong99/teleprompt/internal/resilience"
	"github.com/MrWong99/teleprompt/pkg/provider/realtime"
	"github.com/MrWong99/teleprompt/pkg/provider/realtime/openai"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional; environment variables fill the rest)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "relay: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(observe.NewTraceHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))
	slog.SetDefault(logger)

	slog.Info("relay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"health_addr", cfg.Server.HealthAddr,
		"provider", cfg.Upstream.Provider,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, config.WithLevelVar(&level))
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		defer w.Stop()
		go reloadOnHangup(ctx, w)
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Upstream dialer ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinUpstreams(reg)

	dialer, err := reg.CreateUpstream(cfg.Upstream)
	if err != nil {
		slog.Error("failed to create upstream dialer", "provider", cfg.Upstream.Provider, "err", err)
		return 1
	}

	// ── Credential verification ───────────────────────────────────────────────
	verifier, closeVerifier, err := buildVerifier(cfg.Auth)
	if err != nil {
		slog.Error("failed to build credential verifier", "err", err)
		return 1
	}
	defer closeVerifier()

	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:         "upstream",
		MaxFailures:  cfg.Upstream.Breaker.MaxFailures,
		ResetTimeout: cfg.Upstream.Breaker.ResetTimeout,
		OnStateChange: func(from, to resilience.State) {
			slog.Warn("upstream circuit breaker state changed", "from", from, "to", to, "provider", dialer.Name())
		},
	})

	// ── Gateway ───────────────────────────────────────────────────────────────
	gw := relay.New(relay.Config{
		AuthDeadline:   cfg.Auth.Deadline,
		DialTimeout:    cfg.Upstream.DialTimeout,
		OriginPatterns: cfg.Server.AllowedOrigins,
		Breaker:        breaker,
		Metrics:        telemetry.Metrics,
		Logger:         logger,
	}, verifier, dialer)

	relaySrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(telemetry.Metrics)(gw),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Liveness listener ─────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(gw, health.Checker{Name: "gateway", Check: gw.Ready}).Register(mux)
	mux.Handle(cfg.Telemetry.MetricsPath, telemetry.MetricsHandler())

	healthSrv := &http.Server{
		Addr: cfg.Server.HealthAddr,
		Handler: observe.Middleware(telemetry.Metrics,
			observe.WithQuietPaths("/health", "/healthz", "/readyz", cfg.Telemetry.MetricsPath),
		)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return serve(relaySrv, cfg.Server.TLS)
	})
	eg.Go(func() error {
		return serve(healthSrv, nil)
	})

	slog.Info("relay ready, press Ctrl+C to shut down")
	<-egCtx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	code := 0
	// Stop accepting new connections first; hijacked websockets are not
	// tracked by http.Server, so the gateway drains them itself.
	if err := relaySrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("relay listener shutdown error", "err", err)
		code = 1
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		slog.Error("gateway shutdown error", "err", err, "active_sessions", gw.ActiveSessions())
		code = 1
	}
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("health listener shutdown error", "err", err)
		code = 1
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	if err := eg.Wait(); err != nil {
		slog.Error("server error", "err", err)
		code = 1
	}

	slog.Info("goodbye")
	return code
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadFromReader(strings.NewReader(""))
	}
	return config.Load(path)
}

// serve runs srv until it is shut down. http.ErrServerClosed is not an error.
func serve(srv *http.Server, tlsCfg *config.TLSConfig) error {
	var err error
	if tlsCfg != nil {
		slog.Info("listening (tls)", "addr", srv.Addr)
		err = srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
	} else {
		slog.Info("listening", "addr", srv.Addr)
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("serve %s: %w", srv.Addr, err)
}

// ── Upstream wiring ───────────────────────────────────────────────────────────

// registerBuiltinUpstreams wires the upstream providers that ship with the
// relay into reg.
func registerBuiltinUpstreams(reg *config.Registry) {
	reg.RegisterUpstream("openai-realtime", func(u config.UpstreamConfig) (realtime.Dialer, error) {
		var opts []openai.Option
		if u.Model != "" {
			opts = append(opts, openai.WithModel(u.Model))
		}
		if u.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(u.BaseURL))
		}
		return openai.New(u.APIKey, opts...)
	})

	for _, name := range reg.Upstreams() {
		slog.Debug("registered upstream provider", "name", name)
	}
}

// ── Auth wiring ───────────────────────────────────────────────────────────────

// buildVerifier returns the JWT verifier, wrapped in a replay guard when
// single-use credentials are enabled. The returned func releases the guard's
// backend.
func buildVerifier(cfg config.AuthConfig) (relay.Verifier, func(), error) {
	jwtVerifier, err := relay.NewJWTVerifier(relay.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		Leeway:   cfg.Leeway,
	})
	if err != nil {
		return nil, nil, err
	}
	if !cfg.SingleUse {
		return jwtVerifier, func() {}, nil
	}

	if cfg.RedisURL == "" {
		slog.Info("replay guard enabled", "backend", "memory")
		return relay.NewGuardedVerifier(jwtVerifier, relay.NewMemoryReplayGuard()), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		// The URL may carry a password; do not echo it.
		return nil, nil, errors.New("parse auth.redis_url: invalid redis URL")
	}
	rdb := redis.NewClient(opts)
	slog.Info("replay guard enabled", "backend", "redis", "addr", opts.Addr, "db", opts.DB)
	closeFn := func() {
		if err := rdb.Close(); err != nil {
			slog.Warn("redis close error", "err", err)
		}
	}
	return relay.NewGuardedVerifier(jwtVerifier, relay.NewRedisReplayGuard(rdb, "")), closeFn, nil
}

// reloadOnHangup forces a config check on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if !w.Reload() {
				slog.Info("SIGHUP: configuration unchanged")
			}
		}
	}
}
