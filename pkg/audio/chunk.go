package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// DefaultChunkDuration is the frame length used when a Chunker has none.
const DefaultChunkDuration = 100 * time.Millisecond

// Chunker splits a PCM16 byte stream into frames of a fixed duration.
type Chunker struct {
	Format Format

	// Duration is the length of each frame. Default: [DefaultChunkDuration].
	Duration time.Duration

	// Realtime paces output so that frames are emitted no faster than they
	// would play. Use it when streaming a file as if it were a microphone.
	Realtime bool
}

// Run reads r until EOF and sends each frame to out. The final frame may be
// shorter but always holds whole sample frames; a trailing partial sample is
// discarded. Run does not close out. It returns nil at EOF.
func (c Chunker) Run(ctx context.Context, r io.Reader, out chan<- Frame) error {
	if !c.Format.Valid() {
		return fmt.Errorf("audio: chunker: invalid format %s", c.Format)
	}
	d := c.Duration
	if d <= 0 {
		d = DefaultChunkDuration
	}
	size := c.Format.BytesFor(d)
	if size == 0 {
		size = c.Format.FrameSize()
	}

	var ticker *time.Ticker
	if c.Realtime {
		ticker = time.NewTicker(c.Format.Duration(size))
		defer ticker.Stop()
	}

	var ts time.Duration
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(r, buf)
		n -= n % c.Format.FrameSize()
		if n > 0 {
			if ticker != nil && ts > 0 {
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			select {
			case out <- Frame{Data: buf[:n], Format: c.Format, Timestamp: ts}:
			case <-ctx.Done():
				return ctx.Err()
			}
			ts += c.Format.Duration(n)
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			return fmt.Errorf("audio: chunker: read: %w", err)
		}
	}
}
