package openai_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/teleprompt/pkg/provider/realtime"
	"github.com/MrWong99/teleprompt/pkg/provider/realtime/openai"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := openai.New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestDial_SendsAuthHeadersAndModel(t *testing.T) {
	t.Parallel()

	type handshake struct {
		auth, beta, model string
	}
	got := make(chan handshake, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- handshake{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	d, err := openai.New("sk-test", openai.WithModel("gpt-realtime"), openai.WithBaseURL(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.Name() != "openai-realtime" {
		t.Errorf("Name() = %q", d.Name())
	}
	c, err := d.Dial(testCtx(t))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case h := <-got:
		if h.auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", h.auth)
		}
		if h.beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q", h.beta)
		}
		if h.model != "gpt-realtime" {
			t.Errorf("model = %q", h.model)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for handshake")
	}
}

func TestConn_ReadWriteRoundTrip(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx := context.Background()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, typ, data); err != nil {
				return
			}
		}
	})

	d, _ := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	ctx := testCtx(t)
	c, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	for _, msg := range []string{`{"type":"a"}`, `{"type":"b"}`} {
		if err := c.Write(ctx, []byte(msg)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	for _, want := range []string{`{"type":"a"}`, `{"type":"b"}`} {
		got, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(got) != want {
			t.Errorf("Read = %s, want %s", got, want)
		}
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := c.Read(ctx); err == nil {
		t.Error("Read after Close succeeded")
	}
}

func TestDial_Unreachable(t *testing.T) {
	t.Parallel()

	d, _ := openai.New("sk-secret", openai.WithBaseURL("ws://127.0.0.1:1"))
	_, err := d.Dial(testCtx(t))
	if err == nil {
		t.Fatal("expected dial error")
	}
	if strings.Contains(err.Error(), "sk-secret") {
		t.Errorf("dial error leaks the API key: %v", err)
	}
}

func TestCallSDP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Authorization") != "Bearer ek_123" || r.Header.Get("Content-Type") != "application/sdp" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		offer, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/sdp")
		_, _ = w.Write([]byte("answer-for:" + string(offer)))
	}))
	t.Cleanup(srv.Close)

	answer, err := openai.CallSDP(testCtx(t), openai.CallConfig{URL: srv.URL}, "ek_123", "v=0")
	if err != nil {
		t.Fatalf("CallSDP: %v", err)
	}
	if answer != "answer-for:v=0" {
		t.Errorf("answer = %q", answer)
	}

	if _, err := openai.CallSDP(testCtx(t), openai.CallConfig{URL: srv.URL}, "wrong", "v=0"); err == nil {
		t.Error("expected error for rejected key")
	}
	if _, err := openai.CallSDP(testCtx(t), openai.CallConfig{URL: srv.URL}, "", "v=0"); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestConn_ServerCloseIsClean(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"session.created"}`))
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}))
	t.Cleanup(srv.Close)

	d, _ := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	ctx := testCtx(t)
	c, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Read(ctx); err != nil {
		t.Fatalf("first Read: %v", err)
	}
	_, err = c.Read(ctx)
	if !errors.Is(err, realtime.ErrClosed) {
		t.Fatalf("Read after server close = %v, want realtime.ErrClosed", err)
	}
}
