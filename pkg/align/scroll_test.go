package align_test

import (
	"testing"

	"github.com/MrWong99/teleprompt/pkg/align"
	"github.com/MrWong99/teleprompt/pkg/script"
)

// gridLayout places each token on a fixed-height line. lineOf maps a global
// index to its line; hidden marks indices that are not displayed.
type gridLayout struct {
	lineOf     []int
	hidden     map[int]bool
	lineHeight float64
	viewport   float64
	scrollTop  float64
}

func (g *gridLayout) Bounds(i int) (align.Rect, bool) {
	if i < 0 || i >= len(g.lineOf) || g.hidden[i] {
		return align.Rect{}, false
	}
	return align.Rect{
		Top:    float64(g.lineOf[i])*g.lineHeight - g.scrollTop,
		Height: g.lineHeight,
	}, true
}

func (g *gridLayout) ScrollTop() float64      { return g.scrollTop }
func (g *gridLayout) ViewportHeight() float64 { return g.viewport }

func TestComputeScroll(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		layout *gridLayout
		index  int
		want   float64
		wantOK bool
	}{
		{
			// Word on line 5 (center 110), centre line 50: scroll by 60.
			name:   "centres current word",
			layout: &gridLayout{lineOf: []int{5, 5}, lineHeight: 20, viewport: 100},
			index:  0,
			want:   60,
			wantOK: true,
		},
		{
			// Next word on line 6 (top 120 > 50) wins: 130 - 50 = 80.
			name:   "next word below centre leads",
			layout: &gridLayout{lineOf: []int{5, 6}, lineHeight: 20, viewport: 100},
			index:  0,
			want:   80,
			wantOK: true,
		},
		{
			// Word near the top would need a negative scroll.
			name:   "clamped at zero",
			layout: &gridLayout{lineOf: []int{0, 0}, lineHeight: 20, viewport: 100},
			index:  0,
			want:   0,
			wantOK: true,
		},
		{
			// Lookahead skips hidden tokens to find the next displayed one.
			name: "skips undisplayed lookahead tokens",
			layout: &gridLayout{
				lineOf:     []int{5, 5, 5, 9},
				hidden:     map[int]bool{1: true, 2: true},
				lineHeight: 20,
				viewport:   100,
			},
			index:  0,
			want:   140, // line 9 centre 190 - 50
			wantOK: true,
		},
		{
			name:   "current word not displayed",
			layout: &gridLayout{lineOf: []int{1}, hidden: map[int]bool{0: true}, lineHeight: 20, viewport: 100},
			index:  0,
			wantOK: false,
		},
		{
			// Existing scroll offset is accounted for.
			name:   "respects current scroll top",
			layout: &gridLayout{lineOf: []int{10}, lineHeight: 20, viewport: 100, scrollTop: 100},
			index:  0,
			want:   160, // top 100, centre 110 on screen -> 100 + 60
			wantOK: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := align.ComputeScroll(tc.layout, tc.index, align.DefaultLookahead)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && got != tc.want {
				t.Errorf("target = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestComputeScroll_LookaheadLimit(t *testing.T) {
	t.Parallel()

	hidden := map[int]bool{}
	lineOf := make([]int, 12)
	for i := range lineOf {
		lineOf[i] = 5
		if i > 0 {
			hidden[i] = true
		}
	}
	lineOf[11] = 20
	hidden[11] = false

	l := &gridLayout{lineOf: lineOf, hidden: hidden, lineHeight: 20, viewport: 100}
	got, _ := align.ComputeScroll(l, 0, align.DefaultLookahead)
	if got != 60 {
		t.Errorf("target = %v, want 60 (token 11 is beyond the lookahead)", got)
	}
}

func TestEngine_ScrollOnMatch(t *testing.T) {
	t.Parallel()

	l := &gridLayout{lineOf: []int{0, 3, 6}, lineHeight: 20, viewport: 100}
	e := align.New(script.Compile("hello world today"), align.WithLayout(l))

	if target, ok := e.CenterFirst(); !ok || target != 0 {
		t.Errorf("CenterFirst() = %v, %v; want 0, true", target, ok)
	}

	upd, ok := e.ProcessWord("world")
	if !ok || !upd.HasScroll {
		t.Fatalf("update = %+v, want scroll", upd)
	}
	// world: line 3 centre 70 -> 20; today: line 6 top 120 > 50 -> 130-50 = 80.
	if upd.Scroll != 80 {
		t.Errorf("scroll = %v, want 80", upd.Scroll)
	}
	if got, _ := e.ScrollTarget(); got != 80 {
		t.Errorf("ScrollTarget() = %v, want 80", got)
	}
}
