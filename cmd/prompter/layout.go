package main

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/MrWong99/teleprompt/pkg/align"
	"github.com/MrWong99/teleprompt/pkg/script"
)

// textLayout renders a script as fixed-width terminal lines and implements
// [align.Layout] with one unit of height per line. Paragraphs are separated by
// a blank line. Every token is displayed, so Bounds only fails for indices
// outside the script.
type textLayout struct {
	lines    []string
	lineOf   []int // speakable global index -> line number
	viewport float64

	mu        sync.Mutex
	scrollTop float64
}

var _ align.Layout = (*textLayout)(nil)

// newTextLayout word-wraps m at width columns for a viewport of the given
// number of lines. A word longer than width gets a line of its own.
func newTextLayout(m *script.Model, width, viewportLines int) *textLayout {
	width = max(width, 1)
	l := &textLayout{
		lineOf:   make([]int, m.Len()),
		viewport: float64(max(viewportLines, 1)),
	}

	for pi, p := range m.Paragraphs() {
		if pi > 0 {
			l.lines = append(l.lines, "")
		}
		var cur strings.Builder
		for _, tok := range p.Tokens {
			n := utf8.RuneCountInString(tok.Raw)
			if cur.Len() > 0 && utf8.RuneCountInString(cur.String())+1+n > width {
				l.lines = append(l.lines, cur.String())
				cur.Reset()
			}
			if cur.Len() > 0 {
				cur.WriteByte(' ')
			}
			cur.WriteString(tok.Raw)
			if tok.GlobalIndex != script.NoIndex {
				l.lineOf[tok.GlobalIndex] = len(l.lines)
			}
		}
		l.lines = append(l.lines, cur.String())
	}
	return l
}

// Bounds implements [align.Layout].
func (l *textLayout) Bounds(index int) (align.Rect, bool) {
	if index < 0 || index >= len(l.lineOf) {
		return align.Rect{}, false
	}
	l.mu.Lock()
	top := l.scrollTop
	l.mu.Unlock()
	return align.Rect{Top: float64(l.lineOf[index]) - top, Height: 1}, true
}

// ScrollTop implements [align.Layout].
func (l *textLayout) ScrollTop() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scrollTop
}

// ViewportHeight implements [align.Layout].
func (l *textLayout) ViewportHeight() float64 { return l.viewport }

// ScrollTo records the offset the display has scrolled to.
func (l *textLayout) ScrollTo(top float64) {
	l.mu.Lock()
	l.scrollTop = max(top, 0)
	l.mu.Unlock()
}

// Line returns the rendered line holding speakable token index.
func (l *textLayout) Line(index int) (int, string) {
	if index < 0 || index >= len(l.lineOf) {
		return -1, ""
	}
	n := l.lineOf[index]
	return n, l.lines[n]
}

// Window returns the lines currently in the viewport.
func (l *textLayout) Window() []string {
	first := int(l.ScrollTop())
	last := min(first+int(l.viewport), len(l.lines))
	if first >= last {
		return nil
	}
	return l.lines[first:last]
}
