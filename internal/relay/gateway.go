// Package relay implements the authenticated streaming relay between
// teleprompter clients and a realtime transcription provider.
//
// A client opens a websocket to the [Gateway] and must send
// {"type":"auth","token":"..."} before the authentication deadline. Once the
// token verifies, the gateway dials one upstream connection for the session
// and bridges the two:
//
//   - A client message that parses as JSON is a control frame and is forwarded
//     upstream verbatim.
//   - Any other client message is raw PCM16 audio and is forwarded wrapped in
//     an input_audio_buffer.append envelope.
//   - Every upstream message is forwarded to the client unchanged.
//
// The gateway itself only ever sends {"type":"connected"|"disconnected"|
// "error","message":...} to clients. Authentication failures close the
// connection with [StatusAuthFailed] and a human-readable reason.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/teleprompt/internal/observe"
	"github.com/MrWong99/teleprompt/internal/resilience"
	"github.com/MrWong99/teleprompt/pkg/provider/realtime"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Config holds gateway tuning. Zero values get defaults.
type Config struct {
	// AuthDeadline is how long a client may stay unauthenticated. Default: 5s.
	AuthDeadline time.Duration

	// DialTimeout bounds the upstream dial. Default: 10s.
	DialTimeout time.Duration

	// WriteTimeout bounds a single write to either peer. Default: 10s.
	WriteTimeout time.Duration

	// ReadLimit is the maximum client message size in bytes. Default: 1 MiB.
	ReadLimit int64

	// OriginPatterns lists the allowed browser origins. Default: any.
	OriginPatterns []string

	// Breaker guards upstream dials. Default: a breaker with default settings.
	Breaker *resilience.Breaker

	// Metrics receives relay instrumentation. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger is the base logger. Default: slog.Default().
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.AuthDeadline <= 0 {
		c.AuthDeadline = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if len(c.OriginPatterns) == 0 {
		c.OriginPatterns = []string{"*"}
	}
	if c.Breaker == nil {
		c.Breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "upstream"})
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Gateway accepts relay connections. It implements [http.Handler].
type Gateway struct {
	cfg      Config
	verifier Verifier
	dialer   realtime.Dialer
	breaker  *resilience.Breaker
	metrics  *observe.Metrics
	log      *slog.Logger

	active   atomic.Int64
	draining atomic.Bool

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// New creates a Gateway that verifies credentials with verifier and opens
// upstream connections with dialer.
func New(cfg Config, verifier Verifier, dialer realtime.Dialer) *Gateway {
	cfg.setDefaults()
	return &Gateway{
		cfg:      cfg,
		verifier: verifier,
		dialer:   dialer,
		breaker:  cfg.Breaker,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		sessions: make(map[string]*Session),
	}
}

// ServeHTTP upgrades the request and runs the session until it ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		http.Error(w, MsgShuttingDown, http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.cfg.OriginPatterns,
	})
	if err != nil {
		g.log.Warn("websocket accept failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(g.cfg.ReadLimit)

	s := g.newSession(r, ws)
	if !g.register(s) {
		s.span.End()
		_ = ws.Close(websocket.StatusGoingAway, MsgShuttingDown)
		return
	}
	defer g.deregister(s)

	s.run()
}

func (g *Gateway) newSession(r *http.Request, ws *websocket.Conn) *Session {
	id := uuid.NewString()

	// Detached from the request's cancellation; keeps its trace.
	base := context.WithoutCancel(r.Context())
	ctx, span := observe.StartSpan(base, "relay.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("relay.conn_id", id),
			attribute.String("provider", g.dialer.Name()),
		),
	)
	ctx, cancel := context.WithCancel(ctx)

	log := g.log.With("conn_id", id, "remote_addr", r.RemoteAddr)
	if cid := observe.CorrelationID(ctx); cid != "" {
		log = log.With("trace_id", cid)
	}

	return &Session{
		id:      id,
		gw:      g,
		client:  ws,
		log:     log,
		span:    span,
		started: time.Now(),
		readCtx: base,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// register adds s to the live set unless the gateway is draining.
func (g *Gateway) register(s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining.Load() {
		return false
	}
	g.sessions[s.id] = s
	g.wg.Add(1)
	g.active.Add(1)
	g.metrics.ActiveSessions.Add(s.ctx, 1)
	return true
}

func (g *Gateway) deregister(s *Session) {
	g.mu.Lock()
	delete(g.sessions, s.id)
	g.active.Add(-1)
	g.mu.Unlock()

	g.metrics.ActiveSessions.Add(s.ctx, -1)
	g.metrics.SessionDuration.Record(s.ctx, time.Since(s.started).Seconds())
	s.span.End()
	g.wg.Done()
}

// ActiveSessions returns the number of open sessions.
func (g *Gateway) ActiveSessions() int64 {
	return g.active.Load()
}

// Ready reports whether new sessions can be served: the gateway is not
// draining and the upstream breaker is not open.
func (g *Gateway) Ready(context.Context) error {
	if g.draining.Load() {
		return errors.New("relay: draining")
	}
	if g.breaker.State() == resilience.StateOpen {
		return fmt.Errorf("%w: circuit open", ErrUpstreamUnavailable)
	}
	return nil
}

// Shutdown stops accepting sessions, closes every open session with a
// going-away status and waits until all of them have released their
// resources or ctx is done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.draining.Store(true)
	sessions := slices.Collect(maps.Values(g.sessions))
	g.mu.Unlock()

	g.log.Info("closing relay sessions", "count", len(sessions))

	var eg errgroup.Group
	for _, s := range sessions {
		eg.Go(func() error {
			s.Close(websocket.StatusGoingAway, MsgShuttingDown)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = eg.Wait()
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: shutdown: %w", ctx.Err())
	}
}
