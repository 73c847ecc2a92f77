// Command prompter is a terminal teleprompter client.
//
// It reads a script file and a PCM16 audio source (a WAV file, raw samples or
// stdin), streams the audio through the relay, aligns the returned transcript
// with the script and prints the current line every time the cursor moves.
// SIGUSR1 starts a retake: the cursor returns to the top of the script while
// the stream continues.
//
// Usage:
//
//	prompter -script talk.txt -audio take1.wav -relay ws://localhost:8080 -token-url https://issuer/api/token
//	prompter signal -token-url https://issuer/api/token -offer offer.sdp
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/teleprompt/internal/config"
	"github.com/MrWong99/teleprompt/internal/observe"
	"github.com/MrWong99/teleprompt/pkg/align"
	"github.com/MrWong99/teleprompt/pkg/audio"
	"github.com/MrWong99/teleprompt/pkg/client"
	"github.com/MrWong99/teleprompt/pkg/provider/realtime"
	"github.com/MrWong99/teleprompt/pkg/provider/realtime/openai"
	"github.com/MrWong99/teleprompt/pkg/script"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "signal" {
		os.Exit(runSignal(os.Args[2:]))
	}
	os.Exit(run(os.Args[1:]))
}

type options struct {
	scriptPath  string
	audioPath   string
	sampleRate  int
	channels    int
	relayURL    string
	token       string
	tokenURL    string
	model       string
	policy      string
	window      int
	width       int
	lines       int
	realtime    bool
	linger      time.Duration
	metricsAddr string
	logLevel    string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("prompter", flag.ContinueOnError)
	fs.StringVar(&o.scriptPath, "script", "", "path to the script text file (required)")
	fs.StringVar(&o.audioPath, "audio", "-", `audio source: WAV or raw PCM16 file, "-" for stdin`)
	fs.IntVar(&o.sampleRate, "rate", audio.RelayFormat.SampleRate, "sample rate of raw PCM input")
	fs.IntVar(&o.channels, "channels", audio.RelayFormat.Channels, "channel count of raw PCM input")
	fs.StringVar(&o.relayURL, "relay", "ws://localhost:8080", "relay websocket URL")
	fs.StringVar(&o.token, "token", "", "relay credential (overrides -token-url)")
	fs.StringVar(&o.tokenURL, "token-url", "", "credential issuer URL")
	fs.StringVar(&o.model, "model", "whisper-1", "transcription model requested from the upstream")
	fs.StringVar(&o.policy, "policy", "exact", "match policy: exact or containment")
	fs.IntVar(&o.window, "window", align.DefaultWindow, "forward search window in tokens")
	fs.IntVar(&o.width, "width", 72, "display width in columns")
	fs.IntVar(&o.lines, "lines", 12, "display height in lines")
	fs.BoolVar(&o.realtime, "realtime", true, "pace file input at playback speed")
	fs.DurationVar(&o.linger, "linger", 3*time.Second, "how long to wait for transcripts after the audio ends")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	switch {
	case o.scriptPath == "":
		return o, errors.New("-script is required")
	case o.token == "" && o.tokenURL == "":
		return o, errors.New("one of -token or -token-url is required")
	case !config.LogLevel(o.logLevel).IsValid():
		return o, fmt.Errorf("invalid -log-level %q", o.logLevel)
	}
	return o, nil
}

func run(args []string) int {
	o, err := parseFlags(args)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "prompter: %v\n", err)
		}
		return 2
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.LogLevel(o.logLevel).SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := prompt(ctx, o, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("prompter failed", "err", err)
		return 1
	}
	return 0
}

func prompt(ctx context.Context, o options, out io.Writer) error {
	// ── Script ────────────────────────────────────────────────────────────────
	raw, err := os.ReadFile(o.scriptPath)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}
	model := script.Compile(string(raw))
	if model.Len() == 0 {
		return errors.New("script has no speakable words")
	}

	policy, ok := align.PolicyByName(o.policy)
	if !ok {
		return fmt.Errorf("unknown match policy %q", o.policy)
	}
	layout := newTextLayout(model, o.width, o.lines)
	eng := align.New(model,
		align.WithPolicy(policy),
		align.WithWindow(o.window),
		align.WithLayout(layout),
	)
	if top, ok := eng.CenterFirst(); ok {
		layout.ScrollTo(top)
	}
	slog.Info("script loaded", "speakable_words", model.Len(), "policy", policy.Name())

	// ── Metrics ───────────────────────────────────────────────────────────────
	metrics := observe.DefaultMetrics()
	if o.metricsAddr != "" {
		telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "teleprompt-prompter"})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() { _ = telemetry.Shutdown(context.Background()) }()
		metrics = telemetry.Metrics

		ln, err := net.Listen("tcp", o.metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		srv := &http.Server{Handler: telemetry.MetricsHandler(), ReadHeaderTimeout: 5 * time.Second}
		go func() { _ = srv.Serve(ln) }()
		defer func() { _ = srv.Close() }()
	}

	// ── Audio ─────────────────────────────────────────────────────────────────
	src, closeSrc, err := openInput(o.audioPath)
	if err != nil {
		return err
	}
	defer closeSrc()
	pcm, format, err := audio.OpenPCM(src, audio.Format{SampleRate: o.sampleRate, Channels: o.channels})
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	slog.Info("audio opened", "format", format)

	// ── Relay ─────────────────────────────────────────────────────────────────
	token := o.token
	if token == "" {
		t, err := client.FetchToken(ctx, nil, o.tokenURL)
		if err != nil {
			return err
		}
		token = t.Value
	}

	c, err := client.Dial(ctx, o.relayURL)
	if err != nil {
		return err
	}
	defer c.Close()

	authCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = c.Authenticate(authCtx, token)
	cancel()
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	slog.Info("connected to relay", "url", o.relayURL)

	update, err := realtime.TranscriptionOnly(o.model)
	if err != nil {
		return err
	}
	if err := c.SendControl(ctx, update); err != nil {
		return fmt.Errorf("configure session: %w", err)
	}

	// ── Stream and follow ─────────────────────────────────────────────────────
	render(out, layout, eng, -1)
	var outMu sync.Mutex

	retakes := make(chan os.Signal, 1)
	signal.Notify(retakes, syscall.SIGUSR1)
	defer signal.Stop(retakes)

	eg, egCtx := errgroup.WithContext(ctx)
	// streamCtx ends the audio side early once the relay session is over.
	streamCtx, stopStream := context.WithCancel(egCtx)
	defer stopStream()
	frames := make(chan audio.Frame, 8)

	eg.Go(func() error {
		defer close(frames)
		err := audio.Chunker{Format: format, Realtime: o.realtime}.Run(streamCtx, pcm, frames)
		if streamCtx.Err() != nil && egCtx.Err() == nil {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		for f := range audio.ConvertStream(streamCtx, frames, audio.RelayFormat) {
			if len(f.Data) == 0 {
				continue
			}
			if err := c.SendAudio(streamCtx, f.Data); err != nil {
				if streamCtx.Err() != nil && egCtx.Err() == nil {
					return nil
				}
				return err
			}
		}
		slog.Debug("audio finished, waiting for trailing transcripts", "linger", o.linger)
		select {
		case <-time.After(o.linger):
		case <-streamCtx.Done():
		}
		if err := c.Close(); err != nil {
			slog.Debug("relay close", "err", err)
		}
		return nil
	})
	eg.Go(func() error {
		defer stopStream()
		return client.Follow(egCtx, c.Events(), eng, client.FollowHooks{
			OnUpdates: func(evt realtime.Event, updates []align.PositionUpdate) {
				recordAlignment(egCtx, metrics, evt, updates)
				if len(updates) == 0 {
					return
				}
				last := updates[len(updates)-1]
				if last.HasScroll {
					layout.ScrollTo(last.Scroll)
				}
				outMu.Lock()
				render(out, layout, eng, last.Index-1)
				outMu.Unlock()
			},
			OnError: func(msg string) {
				slog.Warn("relay error", "message", msg)
			},
			OnEvent: func(evt realtime.Event) {
				slog.Debug("relay event", "type", evt.Type)
			},
		})
	})

	eg.Go(func() error {
		for {
			select {
			case <-retakes:
				slog.Info("retake requested")
				outMu.Lock()
				retake(out, layout, eng)
				outMu.Unlock()
			case <-streamCtx.Done():
				return nil
			}
		}
	})

	err = eg.Wait()
	if err != nil && !errors.Is(err, client.ErrClosed) {
		return err
	}
	if relayErr := c.Err(); relayErr != nil && !errors.Is(relayErr, client.ErrClosed) {
		slog.Info("relay connection ended", "reason", relayErr)
	}
	fmt.Fprintf(out, "done: %.1f%% of the script spoken\n", eng.Progress()*100)
	return nil
}

// openInput opens path, or stdin for "-".
func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// recordAlignment counts matched words for every update. Dropped words are
// only known for completed utterances, where the transcript is whole.
func recordAlignment(ctx context.Context, m *observe.Metrics, evt realtime.Event, updates []align.PositionUpdate) {
	for range updates {
		m.RecordAlignment(ctx, true)
	}
	if evt.Type != realtime.EventTranscriptCompleted {
		return
	}
	for range max(len(strings.Fields(evt.Transcript))-len(updates), 0) {
		m.RecordAlignment(ctx, false)
	}
}

// render prints the progress and the line holding the last matched token,
// with that token marked. index -1 prints the opening line.
func render(w io.Writer, l *textLayout, eng *align.Engine, index int) {
	if index < 0 {
		if _, line := l.Line(0); line != "" {
			fmt.Fprintf(w, "[  0.0%%] %s\n", line)
		}
		return
	}
	n, line := l.Line(index)
	if n < 0 {
		return
	}
	if tok, ok := eng.Model().At(index); ok {
		line = markWord(line, tok.Raw)
	}
	fmt.Fprintf(w, "[%5.1f%%] %s\n", eng.Progress()*100, line)
}

// retake rewinds eng to the first word and re-centres the display on it.
func retake(w io.Writer, l *textLayout, eng *align.Engine) {
	eng.Reset()
	if top, ok := eng.CenterFirst(); ok {
		l.ScrollTo(top)
	}
	fmt.Fprintln(w, "-- retake --")
	render(w, l, eng, -1)
}

// markWord brackets the first occurrence of word in line.
func markWord(line, word string) string {
	i := strings.Index(line, word)
	if i < 0 {
		return line
	}
	return line[:i] + ">" + word + "<" + line[i+len(word):]
}

// ── signal subcommand ─────────────────────────────────────────────────────────

// runSignal performs the direct media signaling exchange: it posts an SDP
// offer with an ephemeral key and prints the SDP answer.
func runSignal(args []string) int {
	fs := flag.NewFlagSet("prompter signal", flag.ContinueOnError)
	token := fs.String("token", "", "ephemeral key (overrides -token-url)")
	tokenURL := fs.String("token-url", "", "credential issuer URL")
	offerPath := fs.String("offer", "-", `SDP offer file, "-" for stdin`)
	callsURL := fs.String("calls-url", "", "override the provider calls endpoint")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *token == "" && *tokenURL == "" {
		fmt.Fprintln(os.Stderr, "prompter signal: one of -token or -token-url is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key := *token
	if key == "" {
		t, err := client.FetchToken(ctx, nil, *tokenURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "prompter signal: %v\n", err)
			return 1
		}
		key = t.Value
	}

	src, closeSrc, err := openInput(*offerPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prompter signal: %v\n", err)
		return 1
	}
	defer closeSrc()
	offer, err := io.ReadAll(src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prompter signal: read offer: %v\n", err)
		return 1
	}

	answer, err := openai.CallSDP(ctx, openai.CallConfig{URL: *callsURL}, key, string(offer))
	if err != nil {
		fmt.Fprintf(os.Stderr, "prompter signal: %v\n", err)
		return 1
	}
	fmt.Print(answer)
	return 0
}
