package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/teleprompt/internal/observe"
	"github.com/MrWong99/teleprompt/internal/relay"
	"github.com/MrWong99/teleprompt/pkg/audio"
	"github.com/MrWong99/teleprompt/pkg/provider/realtime"
	"github.com/MrWong99/teleprompt/pkg/provider/realtime/mock"
)

const testSecret = "prompter-test-secret"

// startRelay runs a gateway whose mock upstream answers the first audio
// frame with a completed transcript.
func startRelay(t *testing.T, transcript string) string {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	v, err := relay.NewJWTVerifier(relay.JWTConfig{Secret: []byte(testSecret)})
	if err != nil {
		t.Fatal(err)
	}
	up := mock.NewConn()
	gw := relay.New(relay.Config{Metrics: metrics}, v, &mock.Dialer{Conn: up})

	done := make(chan struct{})
	go func() {
		for {
			select {
			case data := <-up.Written:
				if bytes.Contains(data, []byte(realtime.EventAppendAudio)) {
					up.ReadCh <- []byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"` + transcript + `"}`)
					return
				}
			case <-done:
				return
			}
		}
	}()

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPrompt_EndToEnd(t *testing.T) {
	url := startRelay(t, "Hello, brave new world")

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}

	// 300 ms of 48 kHz stereo silence exercises the conversion path.
	src := audio.Format{SampleRate: 48000, Channels: 2}
	wav := audio.EncodeWAV(make([]byte, src.BytesFor(300*time.Millisecond)), src)

	o := options{
		scriptPath: writeFile(t, "script.txt", []byte("Hello brave new world\n[BREATHE]\nGoodbye")),
		audioPath:  writeFile(t, "take.wav", wav),
		relayURL:   url,
		token:      tok,
		model:      "whisper-1",
		policy:     "exact",
		window:     5,
		width:      40,
		lines:      6,
		linger:     300 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	if err := prompt(ctx, o, &out); err != nil {
		t.Fatalf("prompt: %v\noutput:\n%s", err, out.String())
	}

	got := out.String()
	for _, want := range []string{
		"[  0.0%] Hello brave new world",
		"[ 80.0%] Hello brave new >world<",
		"done: 80.0% of the script spoken",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "ok", args: []string{"-script", "s.txt", "-token", "t"}},
		{name: "no script", args: []string{"-token", "t"}, wantErr: "-script"},
		{name: "no credential", args: []string{"-script", "s.txt"}, wantErr: "-token"},
		{name: "bad log level", args: []string{"-script", "s.txt", "-token-url", "http://x", "-log-level", "loud"}, wantErr: "log-level"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			o, err := parseFlags(tc.args)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("parseFlags: %v", err)
				}
				if o.relayURL != "ws://localhost:8080" || o.sampleRate != 24000 || !o.realtime {
					t.Errorf("defaults = %+v", o)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestMarkWord(t *testing.T) {
	t.Parallel()
	if got := markWord("good morning, everyone", "morning,"); got != "good >morning,< everyone" {
		t.Errorf("got %q", got)
	}
	if got := markWord("abc", "xyz"); got != "abc" {
		t.Errorf("got %q", got)
	}
}
