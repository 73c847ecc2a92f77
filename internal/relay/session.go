package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/teleprompt/internal/observe"
	"github.com/MrWong99/teleprompt/internal/resilience"
	"github.com/MrWong99/teleprompt/pkg/provider/realtime"
	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Session is one client connection and, once authenticated, its upstream
// peer. A Session is created and owned by the [Gateway].
//
// Goroutines: the client read loop runs on the HTTP handler goroutine, the
// auth deadline fires on a timer goroutine, and the upstream dial plus the
// upstream read loop run on one goroutine tracked by wg. Each direction is
// handled by a single goroutine, so forwarding preserves receipt order.
type Session struct {
	id      string
	gw      *Gateway
	client  *websocket.Conn
	log     *slog.Logger
	span    trace.Span
	started time.Time

	// readCtx is never cancelled: cancelling a context passed to
	// websocket.Conn.Read tears the connection down with a policy-violation
	// close, which would mask the close code chosen by Close.
	readCtx context.Context
	ctx     context.Context
	cancel  context.CancelFunc

	fsm machine

	timer     *time.Timer
	timerOnce sync.Once

	upMu     sync.Mutex
	upstream realtime.Conn

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// ID returns the connection ID.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.fsm.current() }

// run starts the auth deadline and reads client messages until the client
// connection ends. It returns once every session goroutine has exited.
func (s *Session) run() {
	s.timer = time.AfterFunc(s.gw.cfg.AuthDeadline, s.authTimeout)
	s.log.Info("client connected")

	for {
		_, data, err := s.client.Read(s.readCtx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				s.log.Info("client disconnected", "code", status)
			} else if s.fsm.current() < StateClosing {
				s.log.Debug("client read failed", "err", err)
			}
			s.Close(websocket.StatusNormalClosure, "")
			break
		}
		s.handleMessage(data)
	}
	s.wg.Wait()
}

// handleMessage routes one client message.
func (s *Session) handleMessage(data []byte) {
	kind, token := classify(data)
	switch kind {
	case frameAuth:
		s.handleAuth(token)

	case frameMalformed:
		s.gw.metrics.RecordDrop(s.ctx, "malformed")
		s.sendError(MsgProcessFailed)

	case frameControl:
		if !s.fsm.current().Authenticated() {
			s.gw.metrics.RecordDrop(s.ctx, "unauthenticated")
			s.sendError(MsgNotAuthenticated)
			return
		}
		s.forward(data, "control")

	case frameAudio:
		if !s.fsm.current().Authenticated() {
			s.gw.metrics.RecordDrop(s.ctx, "unauthenticated")
			return
		}
		if len(data) == 0 {
			s.gw.metrics.RecordDrop(s.ctx, "empty")
			return
		}
		env, err := realtime.AppendAudio(data)
		if err != nil {
			s.log.Error("wrap audio frame", "err", err)
			s.sendError(MsgProcessFailed)
			return
		}
		s.forward(env, "audio")
	}
}

// handleAuth verifies token. Only the first auth frame is considered.
func (s *Session) handleAuth(token string) {
	if err := s.fsm.transitionFrom(StateAuthPending, StateUnauthenticated); err != nil {
		s.log.Debug("ignoring auth frame", "state", s.fsm.current())
		return
	}

	if token == "" {
		s.rejectAuth(observe.AuthMissing, MsgNoToken, ErrNoToken)
		return
	}

	claims, err := s.gw.verifier.Verify(s.ctx, token)
	if err != nil {
		outcome := observe.AuthInvalid
		if errors.Is(err, ErrTokenReplayed) {
			outcome = observe.AuthReplayed
		}
		s.rejectAuth(outcome, MsgInvalidToken, err)
		return
	}

	// Fails when the deadline fired while the token was being verified.
	if err := s.fsm.transitionFrom(StateAuthenticated, StateAuthPending); err != nil {
		return
	}
	s.stopTimer()
	s.gw.metrics.RecordAuth(s.ctx, observe.AuthOK)
	s.span.AddEvent("authenticated")
	s.log.Info("authenticated", "subject", claims.Subject)

	s.wg.Go(s.connectUpstream)
}

func (s *Session) rejectAuth(outcome, msg string, err error) {
	if terr := s.fsm.transitionFrom(StateClosing, StateAuthPending); terr != nil {
		return
	}
	s.stopTimer()
	s.gw.metrics.RecordAuth(s.ctx, outcome)
	s.log.Info("authentication rejected", "outcome", outcome, "err", err)
	s.sendError(msg)
	s.Close(StatusAuthFailed, msg)
}

// authTimeout fires when the auth deadline elapses. It wins against a
// verification still in flight.
func (s *Session) authTimeout() {
	if err := s.fsm.transitionFrom(StateClosing, StateUnauthenticated, StateAuthPending); err != nil {
		return
	}
	s.gw.metrics.RecordAuth(s.ctx, observe.AuthTimeout)
	s.log.Info("authentication timeout", "deadline", s.gw.cfg.AuthDeadline)
	s.sendError(MsgAuthTimeout)
	s.Close(StatusAuthFailed, MsgAuthTimeout)
}

func (s *Session) stopTimer() {
	s.timerOnce.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
	})
}

// connectUpstream dials the provider once. Failures are reported to the
// client and never retried.
func (s *Session) connectUpstream() {
	if err := s.fsm.transitionFrom(StateUpstreamConnecting, StateAuthenticated); err != nil {
		return
	}

	provider := s.gw.dialer.Name()
	ctx, span := observe.StartSpan(s.ctx, "relay.upstream.dial",
		trace.WithAttributes(attribute.String("provider", provider)),
	)
	dialCtx, cancel := context.WithTimeout(ctx, s.gw.cfg.DialTimeout)
	start := time.Now()

	var conn realtime.Conn
	err := s.gw.breaker.Do(func() error {
		c, err := s.gw.dialer.Dial(dialCtx)
		conn = c
		return err
	})
	cancel()
	elapsed := time.Since(start)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		s.gw.metrics.UpstreamDialDuration.Record(ctx, elapsed.Seconds())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream dial failed")
		span.End()
		if s.ctx.Err() != nil {
			return
		}
		kind := "dial"
		if errors.Is(err, resilience.ErrCircuitOpen) {
			kind = "circuit_open"
		}
		s.gw.metrics.RecordUpstreamError(s.ctx, provider, kind)
		s.log.Warn("upstream connect failed", "provider", provider, "err", err)
		if terr := s.fsm.transitionFrom(StateAuthenticated, StateUpstreamConnecting); terr != nil {
			return
		}
		s.sendError(MsgUpstreamConnectFailed)
		return
	}
	span.End()

	s.upMu.Lock()
	if s.ctx.Err() != nil {
		s.upMu.Unlock()
		_ = conn.Close()
		return
	}
	s.upstream = conn
	s.upMu.Unlock()

	// Close owns conn from here on.
	if err := s.fsm.transitionFrom(StateUpstreamOpen, StateUpstreamConnecting); err != nil {
		return
	}
	s.log.Info("upstream connected", "provider", provider, "dial_time", elapsed)
	if err := s.send(encodeEvent(realtime.EventConnected, MsgConnected)); err != nil {
		s.log.Debug("notify connected", "err", err)
	}

	s.pumpUpstream(conn, provider)
}

// pumpUpstream forwards upstream messages to the client unchanged until the
// upstream connection ends.
func (s *Session) pumpUpstream(conn realtime.Conn, provider string) {
	for {
		data, err := conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, realtime.ErrClosed) {
				s.log.Info("upstream closed", "provider", provider)
			} else {
				s.gw.metrics.RecordUpstreamError(s.ctx, provider, "read")
				s.log.Warn("upstream read failed", "provider", provider, "err", err)
				s.sendError(MsgUpstreamError)
			}
			if err := s.send(encodeEvent(realtime.EventDisconnected, MsgDisconnected)); err != nil {
				s.log.Debug("notify disconnected", "err", err)
			}
			s.Close(websocket.StatusNormalClosure, MsgDisconnected)
			return
		}

		if err := s.send(data); err != nil {
			if s.ctx.Err() == nil {
				s.log.Debug("forward to client failed", "err", err)
				s.Close(websocket.StatusGoingAway, "")
			}
			return
		}
		s.gw.metrics.RecordFrame(s.ctx, observe.DirectionDownstream, "event")
	}
}

// forward writes payload upstream. A write failure is reported to the client
// but does not end the session.
func (s *Session) forward(payload []byte, kind string) {
	up := s.openUpstream()
	if up == nil {
		s.gw.metrics.RecordDrop(s.ctx, "upstream_not_ready")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.gw.cfg.WriteTimeout)
	err := up.Write(ctx, payload)
	cancel()
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.gw.metrics.RecordUpstreamError(s.ctx, s.gw.dialer.Name(), "write")
		s.log.Warn("upstream write failed", "kind", kind, "err", err)
		s.sendError(MsgUpstreamError)
		return
	}
	s.gw.metrics.RecordFrame(s.ctx, observe.DirectionUpstream, kind)
}

// openUpstream returns the upstream connection if traffic may be forwarded.
func (s *Session) openUpstream() realtime.Conn {
	s.upMu.Lock()
	defer s.upMu.Unlock()
	if s.fsm.current() != StateUpstreamOpen {
		return nil
	}
	return s.upstream
}

func (s *Session) send(data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.gw.cfg.WriteTimeout)
	defer cancel()
	return s.client.Write(ctx, websocket.MessageText, data)
}

func (s *Session) sendError(msg string) {
	if err := s.send(encodeEvent(realtime.EventError, msg)); err != nil {
		s.log.Debug("send error event", "message", msg, "err", err)
	}
}

// Close tears the session down: it stops the auth timer, closes the client
// with code and reason, cancels in-flight upstream work and closes the
// upstream connection. Safe to call from any goroutine, more than once.
func (s *Session) Close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		prev := s.fsm.current()
		if prev < StateClosing {
			_ = s.fsm.transition(StateClosing)
		}
		s.stopTimer()

		if err := s.client.Close(code, reason); err != nil {
			s.log.Debug("client close", "err", err)
		}
		s.cancel()

		s.upMu.Lock()
		up := s.upstream
		s.upMu.Unlock()
		if up != nil {
			if err := up.Close(); err != nil {
				s.log.Debug("upstream close", "err", err)
			}
		}

		if err := s.fsm.transition(StateClosed); err != nil {
			s.log.Error("session close", "err", err)
		}
		s.log.Info("session closed",
			"code", code,
			"reason", reason,
			"from_state", prev,
			"duration", time.Since(s.started),
		)
	})
}
