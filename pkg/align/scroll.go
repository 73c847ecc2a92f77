package align

// Rect is the vertical extent of a rendered token, relative to the top of the
// viewport.
type Rect struct {
	Top    float64
	Height float64
}

// Center returns the vertical midpoint of r.
func (r Rect) Center() float64 { return r.Top + r.Height/2 }

// Layout exposes the rendered geometry the scroll computation needs. It is
// implemented by whatever draws the script (a terminal renderer, a web view
// bridge, a test fixture). Implementations must not block.
type Layout interface {
	// Bounds returns the rendered bounds of the speakable token with the given
	// global index. ok is false when the token is not currently displayed.
	Bounds(index int) (r Rect, ok bool)

	// ScrollTop returns the current scroll offset of the script container.
	ScrollTop() float64

	// ViewportHeight returns the height of the visible area.
	ViewportHeight() float64
}

// ComputeScroll returns the scroll offset that puts the vertical centre of
// token index on the viewport's centre line. Up to lookahead further tokens
// are probed for the next displayed one; if that token already sits below the
// centre line the larger of the two offsets wins, so scrolling leads the
// reader instead of trailing. The result is never negative. ok is false when
// token index itself is not displayed.
func ComputeScroll(l Layout, index, lookahead int) (target float64, ok bool) {
	cur, ok := l.Bounds(index)
	if !ok {
		return 0, false
	}

	top := l.ScrollTop()
	center := l.ViewportHeight() / 2
	target = top + (cur.Center() - center)

	for k := 1; k <= lookahead; k++ {
		next, found := l.Bounds(index + k)
		if !found {
			continue
		}
		if next.Top > center {
			target = max(target, top+(next.Center()-center))
		}
		break
	}

	return max(target, 0), true
}

// InitialScroll returns the offset that centres the first speakable token
// before any speech has been recognised.
func InitialScroll(l Layout) (float64, bool) {
	cur, ok := l.Bounds(0)
	if !ok {
		return 0, false
	}
	return max(l.ScrollTop()+(cur.Center()-l.ViewportHeight()/2), 0), true
}
