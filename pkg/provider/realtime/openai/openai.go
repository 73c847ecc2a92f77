// Package openai implements the realtime.Dialer interface for OpenAI's Realtime
// API.
//
// Dial opens a WebSocket to the Realtime endpoint authenticated with the
// server's API key. The connection is a plain byte pipe: the relay writes JSON
// control frames and input_audio_buffer.append envelopes to it and forwards
// every message it reads back to its client untouched.
//
// [CallSDP] covers the provider's other transport, where the browser talks to
// the provider directly over WebRTC and only the SDP offer/answer exchange is
// performed over HTTP with an ephemeral key.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/MrWong99/teleprompt/pkg/provider/realtime"
	"github.com/coder/websocket"
)

// Compile-time assertions that Dialer and conn satisfy the realtime interfaces.
var _ realtime.Dialer = (*Dialer)(nil)
var _ realtime.Conn = (*conn)(nil)

const (
	defaultModel    = "gpt-4o-realtime-preview-2024-10-01"
	defaultBaseURL  = "wss://api.openai.com/v1/realtime"
	defaultCallsURL = "https://api.openai.com/v1/realtime/calls"

	// readLimit bounds a single upstream message. Audio and transcript events
	// routinely exceed the websocket library's 32 KiB default.
	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements realtime.Dialer for OpenAI's Realtime API.
type Dialer struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a new OpenAI Realtime Dialer with the given API key and options.
func New(apiKey string, opts ...Option) (*Dialer, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	d := &Dialer{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Name returns the provider name.
func (d *Dialer) Name() string { return "openai-realtime" }

// Dial opens a Realtime WebSocket. Errors never include the API key.
func (d *Dialer) Dial(ctx context.Context) (realtime.Conn, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, fmt.Errorf("openai: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("model", d.model)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)

	return &conn{ws: ws}, nil
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

// Read returns the payload of the next message regardless of its frame type.
// A close frame from the server is reported as [realtime.ErrClosed].
func (c *conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			return nil, fmt.Errorf("openai: read: %w: %w", realtime.ErrClosed, err)
		}
		return nil, fmt.Errorf("openai: read: %w", err)
	}
	return data, nil
}

// Write sends data as a text message.
func (c *conn) Write(ctx context.Context, data []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("openai: write: %w", err)
	}
	return nil
}

// Close terminates the connection with a normal closure. Idempotent.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close(websocket.StatusNormalClosure, "session closed")
	})
	return err
}

// ── Direct media signaling ─────────────────────────────────────────────────────

// CallConfig configures [CallSDP].
type CallConfig struct {
	// URL is the calls endpoint. Defaults to the public OpenAI endpoint.
	URL string

	// HTTPClient is used for the request. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// CallSDP posts an SDP offer to the Realtime calls endpoint using an
// ephemeral key minted by the credential issuer and returns the SDP answer.
func CallSDP(ctx context.Context, cfg CallConfig, ephemeralKey, offer string) (string, error) {
	if ephemeralKey == "" {
		return "", errors.New("openai: ephemeral key must not be empty")
	}
	endpoint := cfg.URL
	if endpoint == "" {
		endpoint = defaultCallsURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(offer))
	if err != nil {
		return "", fmt.Errorf("openai: build call request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+ephemeralKey)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai: call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("openai: read answer: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("openai: call failed with status %d", resp.StatusCode)
	}
	return string(body), nil
}
