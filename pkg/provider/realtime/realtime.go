// Package realtime defines the upstream transcription provider abstraction used
// by the relay.
//
// An upstream provider is reached through a [Dialer], which opens exactly one
// [Conn] per authenticated relay session. The relay never reinterprets the
// provider's event stream: it forwards every message to the client unchanged.
// The only protocol knowledge shared between the relay and its clients lives in
// this package: the append-audio envelope the relay wraps binary frames in, and
// the handful of event types ([EventTranscriptDelta],
// [EventTranscriptCompleted], [EventError], [EventSessionUpdated]) that the
// alignment side needs to tell apart.
//
// Implementations of [Dialer] and [Conn] must be safe for concurrent use.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is wrapped by [Conn.Read] errors when the upstream ended the
// connection with a proper close handshake. Any other read error means the
// connection broke.
var ErrClosed = errors.New("realtime: connection closed by upstream")

// Upstream event types.
const (
	EventAppendAudio         = "input_audio_buffer.append"
	EventSessionUpdate       = "session.update"
	EventSessionUpdated      = "session.updated"
	EventTranscriptDelta     = "conversation.item.input_audio_transcription.delta"
	EventTranscriptCompleted = "conversation.item.input_audio_transcription.completed"
	EventError               = "error"
)

// Relay event types sent by the gateway itself.
const (
	EventAuth         = "auth"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// SampleRate is the PCM16 mono sample rate the upstream expects.
const SampleRate = 24000

// Conn is an open upstream connection.
type Conn interface {
	// Read blocks until the next message arrives and returns its payload.
	// It returns an error once the connection is closed by either side; a
	// clean close by the upstream wraps [ErrClosed].
	Read(ctx context.Context) ([]byte, error)

	// Write sends one text message. Writes are delivered in call order.
	Write(ctx context.Context, data []byte) error

	// Close releases the connection. Calling Close more than once is safe.
	Close() error
}

// Dialer opens upstream connections.
type Dialer interface {
	// Dial opens a new upstream connection. The returned Conn is ready for
	// use; the caller owns it and must call Close.
	Dial(ctx context.Context) (Conn, error)

	// Name identifies the provider in logs and metrics.
	Name() string
}

// ErrorDetail is the nested error object of an upstream error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Event is the union of the fields used by relay and upstream events. Fields
// that do not apply to a given Type are left zero.
type Event struct {
	Type string `json:"type"`

	// Relay events: connected / disconnected / error.
	Message string `json:"message,omitempty"`

	// Auth frame.
	Token string `json:"token,omitempty"`

	// Transcription delta / completed.
	ItemID     string `json:"item_id,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	// Upstream error.
	Error *ErrorDetail `json:"error,omitempty"`

	// Raw is the undecoded message. Not serialised.
	Raw []byte `json:"-"`
}

// ErrorMessage returns the human-readable message of an error event, whether
// it came from the relay ({"message":...}) or the upstream ({"error":{...}}).
func (e Event) ErrorMessage() string {
	if e.Error != nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return e.Message
}

// DecodeEvent parses a JSON message into an Event. Raw keeps the input.
func DecodeEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("realtime: decode event: %w", err)
	}
	evt.Raw = data
	return evt, nil
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// AppendAudio wraps raw PCM16 bytes in the provider's append-audio envelope.
func AppendAudio(pcm []byte) ([]byte, error) {
	data, err := json.Marshal(appendAudioMessage{
		Type:  EventAppendAudio,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: marshal append: %w", err)
	}
	return data, nil
}

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	InputAudioFormat        string             `json:"input_audio_format"`
	InputAudioTranscription *transcriptionSpec `json:"input_audio_transcription"`
	// TurnDetection is always serialised; null disables automatic responses.
	TurnDetection *struct{} `json:"turn_detection"`
}

type transcriptionSpec struct {
	Model string `json:"model"`
}

// TranscriptionOnly builds a session.update control frame that enables input
// transcription with model and disables turn detection, so the provider only
// transcribes and never answers.
func TranscriptionOnly(model string) ([]byte, error) {
	if model == "" {
		model = "whisper-1"
	}
	data, err := json.Marshal(sessionUpdateMessage{
		Type: EventSessionUpdate,
		Session: sessionParams{
			InputAudioFormat:        "pcm16",
			InputAudioTranscription: &transcriptionSpec{Model: model},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: marshal session update: %w", err)
	}
	return data, nil
}
