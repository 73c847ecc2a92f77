// Package align maps a noisy stream of recognised words onto a compiled script.
//
// The [Engine] keeps a [Cursor] that only ever moves forward. Each candidate
// word is normalised and compared against a small forward window of speakable
// tokens anchored at the last confirmed match; a hit advances the cursor past
// the matched token, a miss is dropped silently. Anchoring the window at the
// last match means filler words and misrecognitions never make the cursor
// drift, and the cost per word stays constant regardless of script length.
//
// Words arrive either as incremental deltas ([Engine.ProcessDelta]), which are
// buffered until a whitespace boundary appears, or as completed utterances
// ([Engine.ProcessCompleted]).
//
// The engine performs no I/O. It is safe for concurrent use, although callers
// normally drive it from a single event loop.
package align

import (
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/teleprompt/pkg/script"
)

const (
	// DefaultWindow is the number of speakable tokens searched ahead of the
	// cursor for each candidate word.
	DefaultWindow = 5

	// DefaultLookahead is how many tokens past the match are probed for the
	// next displayable word when computing a scroll target.
	DefaultLookahead = 10

	// minWordLen is the shortest normalised candidate that is considered.
	minWordLen = 2
)

// Cursor is a snapshot of the engine's alignment state.
type Cursor struct {
	// LastMatchIndex is one past the global index of the last matched token.
	// It never decreases except through [Engine.Reset].
	LastMatchIndex int

	// WordBuffer holds delta text that has not yet reached a word boundary.
	WordBuffer string

	// LastProcessedWord is the last normalised candidate that was considered.
	LastProcessedWord string
}

// PositionUpdate is emitted every time the cursor advances.
type PositionUpdate struct {
	// Index is the new LastMatchIndex.
	Index int

	// Token is the script token that was matched.
	Token script.Token

	// Word is the normalised spoken word that produced the match.
	Word string

	// Scroll is the computed scroll offset. Valid only when HasScroll is true.
	Scroll    float64
	HasScroll bool
}

// Option configures an [Engine].
type Option func(*Engine)

// WithPolicy selects the matching policy. The default is [ExactMatch].
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		if p != nil {
			e.policy = p
		}
	}
}

// WithWindow overrides the forward search window size.
func WithWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.window = n
		}
	}
}

// WithLayout attaches a layout so every match also yields a scroll target.
func WithLayout(l Layout) Option {
	return func(e *Engine) { e.layout = l }
}

// WithOnUpdate registers a callback invoked synchronously for every cursor
// advance. The callback must not call back into the engine.
func WithOnUpdate(fn func(PositionUpdate)) Option {
	return func(e *Engine) { e.onUpdate = fn }
}

// Engine aligns recognised words with a compiled script.
type Engine struct {
	model     *script.Model
	policy    Policy
	window    int
	lookahead int
	layout    Layout
	onUpdate  func(PositionUpdate)

	mu        sync.Mutex
	cursor    Cursor
	scroll    float64
	hasScroll bool
}

// New creates an Engine for model. The cursor starts at 0.
func New(model *script.Model, opts ...Option) *Engine {
	e := &Engine{
		model:     model,
		policy:    ExactMatch,
		window:    DefaultWindow,
		lookahead: DefaultLookahead,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Model returns the script the engine aligns against.
func (e *Engine) Model() *script.Model { return e.model }

// Cursor returns a snapshot of the current alignment state.
func (e *Engine) Cursor() Cursor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// ScrollTarget returns the last computed scroll offset, if any.
func (e *Engine) ScrollTarget() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scroll, e.hasScroll
}

// Progress returns the fraction of speakable tokens already passed, in [0, 1].
func (e *Engine) Progress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.model.Len()
	if n == 0 {
		return 0
	}
	return float64(e.cursor.LastMatchIndex) / float64(n)
}

// ProcessWord considers a single candidate word. It returns the resulting
// update and true when the cursor advanced.
func (e *Engine) ProcessWord(word string) (PositionUpdate, bool) {
	e.mu.Lock()
	upd, ok := e.processLocked(word)
	e.mu.Unlock()

	if ok {
		e.emit(upd)
	}
	return upd, ok
}

// ProcessDelta appends an incremental transcript fragment to the word buffer.
// When the fragment contains whitespace, every complete word in the buffer is
// processed and only the trailing partial word is retained.
func (e *Engine) ProcessDelta(delta string) []PositionUpdate {
	e.mu.Lock()
	e.cursor.WordBuffer += strings.ToLower(delta)

	var updates []PositionUpdate
	if strings.IndexFunc(delta, unicode.IsSpace) >= 0 {
		buf := e.cursor.WordBuffer
		words := strings.Fields(buf)
		partial := ""
		if len(words) > 0 && !endsWithSpace(buf) {
			partial = words[len(words)-1]
			words = words[:len(words)-1]
		}
		e.cursor.WordBuffer = partial

		for _, w := range words {
			if upd, ok := e.processLocked(w); ok {
				updates = append(updates, upd)
			}
		}
	}
	e.mu.Unlock()

	for _, u := range updates {
		e.emit(u)
	}
	return updates
}

// ProcessCompleted handles a finalised utterance. Any buffered delta text is
// discarded in favour of the authoritative transcript, each word is processed
// in order, and the repeat guard is cleared afterwards so the next utterance
// may legitimately start with the same word.
func (e *Engine) ProcessCompleted(transcript string) []PositionUpdate {
	e.mu.Lock()
	e.cursor.WordBuffer = ""

	var updates []PositionUpdate
	words := strings.Fields(strings.ToLower(transcript))
	for _, w := range words {
		if upd, ok := e.processLocked(w); ok {
			updates = append(updates, upd)
		}
	}
	if len(words) > 0 {
		e.cursor.LastProcessedWord = ""
	}
	e.mu.Unlock()

	for _, u := range updates {
		e.emit(u)
	}
	return updates
}

// CenterFirst computes the scroll target that centres the first speakable
// token using the attached layout and records it as the current target.
func (e *Engine) CenterFirst() (float64, bool) {
	if e.layout == nil {
		return 0, false
	}
	target, ok := InitialScroll(e.layout)
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	e.scroll, e.hasScroll = target, true
	e.mu.Unlock()
	return target, true
}

// Reset returns the engine to its initial state for a new take.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cursor = Cursor{}
	e.scroll = 0
	e.hasScroll = false
}

// processLocked runs the matching algorithm for one word. e.mu must be held.
func (e *Engine) processLocked(word string) (PositionUpdate, bool) {
	spoken := script.Normalize(word)
	if len([]rune(spoken)) < minWordLen {
		return PositionUpdate{}, false
	}
	if spoken == e.cursor.LastProcessedWord {
		return PositionUpdate{}, false
	}
	e.cursor.LastProcessedWord = spoken

	start := e.cursor.LastMatchIndex
	limit := min(start+e.window, e.model.Len())

	for j := start; j < limit; j++ {
		tok, _ := e.model.At(j)
		if tok.Normalized == "" {
			continue
		}
		if !e.policy.Match(spoken, tok.Normalized) {
			continue
		}

		e.cursor.LastMatchIndex = j + 1
		upd := PositionUpdate{Index: j + 1, Token: tok, Word: spoken}
		if e.layout != nil {
			if target, ok := ComputeScroll(e.layout, j, e.lookahead); ok {
				e.scroll, e.hasScroll = target, true
				upd.Scroll, upd.HasScroll = target, true
			}
		}
		return upd, true
	}
	return PositionUpdate{}, false
}

func (e *Engine) emit(u PositionUpdate) {
	if e.onUpdate != nil {
		e.onUpdate(u)
	}
}

func endsWithSpace(s string) bool {
	r, size := utf8.DecodeLastRuneInString(s)
	return size > 0 && unicode.IsSpace(r)
}
