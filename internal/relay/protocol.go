package relay

import (
	"bytes"
	"encoding/json"

	"github.com/MrWong99/teleprompt/pkg/provider/realtime"
	"github.com/coder/websocket"
)

// StatusAuthFailed is the close code for every authentication failure. The
// close reason tells the cases apart.
const StatusAuthFailed websocket.StatusCode = 4001

// Client-visible messages. These strings are part of the wire protocol.
const (
	MsgNoToken               = "No token provided"
	MsgInvalidToken          = "Invalid token"
	MsgAuthTimeout           = "Authentication timeout"
	MsgNotAuthenticated      = "Not authenticated"
	MsgProcessFailed         = "Failed to process message"
	MsgUpstreamError         = "Upstream connection error"
	MsgUpstreamConnectFailed = "Failed to connect to upstream"
	MsgConnected             = "Connected to upstream"
	MsgDisconnected          = "Upstream connection closed"
	MsgShuttingDown          = "Server shutting down"
)

// serverEvent is a message the gateway itself sends to a client.
type serverEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

func encodeEvent(typ, msg string) []byte {
	// Marshalling two strings cannot fail.
	data, _ := json.Marshal(serverEvent{Type: typ, Message: msg})
	return data
}

// frameKind is the routing decision for one client message.
type frameKind int

const (
	// frameAudio is raw PCM16 to be wrapped in an append envelope.
	frameAudio frameKind = iota
	// frameAuth is {"type":"auth", ...}.
	frameAuth
	// frameControl is any other JSON value, forwarded verbatim.
	frameControl
	// frameMalformed is a JSON null.
	frameMalformed
)

func (k frameKind) String() string {
	switch k {
	case frameAudio:
		return "audio"
	case frameAuth:
		return "auth"
	case frameControl:
		return "control"
	default:
		return "malformed"
	}
}

// controlFrame is the part of a client JSON frame the gateway inspects.
type controlFrame struct {
	Type  json.RawMessage `json:"type"`
	Token json.RawMessage `json:"token"`
}

// classify decides how a client message is routed. A payload that parses as
// JSON is a control frame; anything else is binary audio. The websocket
// message type is not consulted. Only objects whose type is the string
// "auth" are auth frames, and for those it also returns the token, which is
// empty when missing, null or not a string. A bare null is malformed.
func classify(data []byte) (frameKind, string) {
	if !json.Valid(data) {
		return frameAudio, ""
	}
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		return frameMalformed, ""
	}
	if trimmed[0] != '{' {
		return frameControl, ""
	}
	var f controlFrame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return frameControl, ""
	}
	var typ string
	if json.Unmarshal(f.Type, &typ) != nil || typ != realtime.EventAuth {
		return frameControl, ""
	}
	var token string
	if len(f.Token) > 0 {
		// A non-string token decodes to "" and is treated as missing.
		_ = json.Unmarshal(f.Token, &token)
	}
	return frameAuth, token
}
