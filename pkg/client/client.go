// Package client speaks the relay's wire protocol from the client side.
//
// A [Client] wraps one websocket connection to the relay gateway. After
// [Dial], the caller authenticates with an ephemeral credential (usually
// obtained through [FetchToken]), then streams raw PCM16 audio with
// [Client.SendAudio] and control frames with [Client.SendControl]. Everything
// the relay sends back, both its own connected/disconnected/error events and
// the forwarded upstream events, is delivered on [Client.Events] in receipt
// order.
//
// [Follow] connects the event stream to an [align.Engine].
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/teleprompt/pkg/provider/realtime"
)

// ErrClosed is returned by operations on a client whose connection has ended.
var ErrClosed = errors.New("client: connection closed")

const (
	// readLimit bounds a single relay message. Forwarded upstream events can
	// exceed the websocket library's 32 KiB default.
	readLimit = 16 << 20

	eventBuffer = 64
)

// RelayError is a {type:"error"} event received from the relay or forwarded
// from the upstream.
type RelayError struct {
	Message string
}

func (e *RelayError) Error() string { return "client: relay error: " + e.Message }

// Option configures [Dial].
type Option func(*options)

type options struct {
	httpClient *http.Client
	header     http.Header
}

// WithHTTPClient sets the HTTP client used for the websocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithHeader adds headers to the websocket handshake request.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

// Client is a connection to the relay gateway. It is safe for concurrent use.
type Client struct {
	ws     *websocket.Conn
	events chan realtime.Event

	closeOnce sync.Once
	done      chan struct{}

	mu  sync.Mutex
	err error
}

// Dial opens a websocket to the relay at url and starts reading events.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: o.httpClient,
		HTTPHeader: o.header,
	})
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)

	c := &Client{
		ws:     ws,
		events: make(chan realtime.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.setErr(err)
			return
		}
		evt, err := realtime.DecodeEvent(data)
		if err != nil {
			// Non-JSON payloads are not part of the protocol.
			continue
		}
		select {
		case c.events <- evt:
		case <-c.done:
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	select {
	case <-c.done:
		c.err = ErrClosed
	default:
		c.err = fmt.Errorf("client: read: %w", err)
	}
}

// Events returns the channel of events received from the relay. It is closed
// when the connection ends; [Client.Err] then reports why.
func (c *Client) Events() <-chan realtime.Event { return c.events }

// Err returns the reason the event stream ended, or nil while it is still
// open. After [Client.Close] it returns [ErrClosed]. When the relay closed the
// connection, [websocket.CloseStatus] on the result yields the close code.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Authenticate sends the auth frame and waits until the relay reports the
// upstream as connected. An error event from the relay is returned as a
// [*RelayError]; a closed connection (for example code 4001 after a rejected
// token) returns the close error. Events other than connected and error that
// arrive first are discarded.
func (c *Client) Authenticate(ctx context.Context, token string) error {
	frame, err := json.Marshal(realtime.Event{Type: realtime.EventAuth, Token: token})
	if err != nil {
		return fmt.Errorf("client: marshal auth: %w", err)
	}
	if err := c.write(ctx, websocket.MessageText, frame); err != nil {
		return err
	}

	for {
		select {
		case evt, ok := <-c.events:
			if !ok {
				if err := c.Err(); err != nil {
					return err
				}
				return ErrClosed
			}
			switch evt.Type {
			case realtime.EventConnected:
				return nil
			case realtime.EventError:
				return &RelayError{Message: evt.ErrorMessage()}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendAudio sends raw little-endian PCM16 mono samples as a binary frame.
func (c *Client) SendAudio(ctx context.Context, pcm []byte) error {
	return c.write(ctx, websocket.MessageBinary, pcm)
}

// SendControl sends a JSON control frame verbatim.
func (c *Client) SendControl(ctx context.Context, data []byte) error {
	return c.write(ctx, websocket.MessageText, data)
}

func (c *Client) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.ws.Write(ctx, typ, data); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

// Close ends the connection with a normal closure. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.setErr(ErrClosed)
		err = c.ws.Close(websocket.StatusNormalClosure, "client closing")
	})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("client: close: %w", err)
	}
	return nil
}
