// Package script compiles raw teleprompter text into an indexed token sequence.
//
// A compiled [Model] keeps every whitespace-delimited token in render order,
// grouped by paragraph. Tokens that fall inside a bracketed stage direction
// (for example "[PAUSE]" or "[SLOW DOWN]") stay in render order so a display
// can style them, but they never receive a global index and are never offered
// to the alignment engine as match targets. All other tokens are "speakable"
// and are numbered 0..N-1 in the order they appear.
//
// A Model is immutable once compiled and safe for concurrent reads. Any change
// to the script text requires compiling a fresh Model; partial recompilation
// is not supported.
package script

import (
	"strings"
	"unicode"
)

// NoIndex is the GlobalIndex carried by stage-direction tokens.
const NoIndex = -1

// Token is a single whitespace-delimited word of the script.
type Token struct {
	// GlobalIndex is the position of the token in the speakable sequence.
	// Stage-direction tokens carry [NoIndex].
	GlobalIndex int

	// Raw is the token exactly as written in the script.
	Raw string

	// Normalized is the lowercase, alphanumeric-only form used for matching.
	// It may be empty for punctuation-only tokens such as "—".
	Normalized string

	// StageDirection reports whether the token lies inside a bracketed span.
	StageDirection bool

	// Paragraph is the zero-based index of the paragraph containing the token.
	Paragraph int
}

// Speakable reports whether the token takes part in alignment.
func (t Token) Speakable() bool { return !t.StageDirection }

// Paragraph is one non-empty line of the script in render order.
type Paragraph struct {
	Index  int
	Tokens []Token
}

// Model is a compiled script.
type Model struct {
	paragraphs []Paragraph
	speakable  []Token
}

// Compile splits raw into paragraphs (one per non-empty line) and tokens, and
// assigns contiguous global indices to the speakable tokens.
//
// The stage-direction state turns on at a token containing '[' and off after a
// token containing ']'. The state does not carry across paragraphs, so an
// unclosed bracket only affects the rest of its own line. Any token containing
// a bracket character is itself treated as part of a stage direction.
func Compile(raw string) *Model {
	m := &Model{}
	next := 0

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		para := Paragraph{Index: len(m.paragraphs)}
		inside := false
		for _, word := range strings.Fields(line) {
			opens := strings.Contains(word, "[")
			closes := strings.Contains(word, "]")
			if opens {
				inside = true
			}

			tok := Token{
				GlobalIndex: NoIndex,
				Raw:         word,
				Normalized:  Normalize(word),
				Paragraph:   para.Index,
			}
			if inside || closes {
				tok.StageDirection = true
			} else {
				tok.GlobalIndex = next
				next++
				m.speakable = append(m.speakable, tok)
			}
			para.Tokens = append(para.Tokens, tok)

			if closes {
				inside = false
			}
		}
		m.paragraphs = append(m.paragraphs, para)
	}
	return m
}

// Normalize lowercases s and strips every character that is not a letter or
// digit.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// Len returns the number of speakable tokens.
func (m *Model) Len() int { return len(m.speakable) }

// At returns the speakable token with the given global index.
func (m *Model) At(index int) (Token, bool) {
	if index < 0 || index >= len(m.speakable) {
		return Token{}, false
	}
	return m.speakable[index], true
}

// Speakable returns a copy of the speakable tokens in index order.
func (m *Model) Speakable() []Token {
	out := make([]Token, len(m.speakable))
	copy(out, m.speakable)
	return out
}

// Paragraphs returns a copy of the paragraphs in render order, including
// stage-direction tokens.
func (m *Model) Paragraphs() []Paragraph {
	out := make([]Paragraph, len(m.paragraphs))
	for i, p := range m.paragraphs {
		toks := make([]Token, len(p.Tokens))
		copy(toks, p.Tokens)
		out[i] = Paragraph{Index: p.Index, Tokens: toks}
	}
	return out
}

// Words returns the raw text of the speakable tokens in index order.
func (m *Model) Words() []string {
	out := make([]string, len(m.speakable))
	for i, t := range m.speakable {
		out[i] = t.Raw
	}
	return out
}
