package relay

import (
	"encoding/json"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		data  []byte
		kind  frameKind
		token string
	}{
		{name: "pcm bytes", data: []byte{0x00, 0x10, 0xff, 0x7f}, kind: frameAudio},
		{name: "empty payload", data: []byte{}, kind: frameAudio},
		{name: "truncated json", data: []byte(`{"type":"auth"`), kind: frameAudio},
		{name: "auth with token", data: []byte(`{"type":"auth","token":"abc"}`), kind: frameAuth, token: "abc"},
		{name: "auth without token", data: []byte(`{"type":"auth"}`), kind: frameAuth},
		{name: "auth null token", data: []byte(`{"type":"auth","token":null}`), kind: frameAuth},
		{name: "auth numeric token", data: []byte(`{"type":"auth","token":42}`), kind: frameAuth},
		{name: "auth surrounded by whitespace", data: []byte("  {\"type\":\"auth\",\"token\":\"t\"}\n"), kind: frameAuth, token: "t"},
		{name: "control", data: []byte(`{"type":"input_audio_buffer.commit"}`), kind: frameControl},
		{name: "object without type", data: []byte(`{"foo":1}`), kind: frameControl},
		{name: "json null", data: []byte(`null`), kind: frameMalformed},
		{name: "padded null", data: []byte(" null\n"), kind: frameMalformed},
		{name: "array holding auth", data: []byte(`[{"type":"auth","token":"t"}]`), kind: frameControl},
		{name: "json array", data: []byte(`[1,2]`), kind: frameControl},
		{name: "json number", data: []byte(`12`), kind: frameControl},
		{name: "json string", data: []byte(`"auth"`), kind: frameControl},
		{name: "non-string type", data: []byte(`{"type":5}`), kind: frameControl},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			kind, token := classify(tc.data)
			if kind != tc.kind {
				t.Errorf("kind = %s, want %s", kind, tc.kind)
			}
			if token != tc.token {
				t.Errorf("token = %q, want %q", token, tc.token)
			}
		})
	}
}

func TestEncodeEvent(t *testing.T) {
	t.Parallel()

	var got map[string]string
	if err := json.Unmarshal(encodeEvent("error", MsgNotAuthenticated), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "error" || got["message"] != "Not authenticated" {
		t.Errorf("event = %v", got)
	}

	if string(encodeEvent("connected", "")) != `{"type":"connected"}` {
		t.Errorf("empty message not omitted: %s", encodeEvent("connected", ""))
	}
}
