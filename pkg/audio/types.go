// Package audio holds the PCM16 plumbing that runs before audio reaches the
// relay: WAV decoding, conversion to the relay's input format, and splitting a
// byte stream into fixed-duration frames.
//
// All sample data is signed 16-bit little-endian PCM with interleaved
// channels.
package audio

import (
	"fmt"
	"time"
)

// bytesPerSample is the width of one PCM16 sample.
const bytesPerSample = 2

// RelayFormat is the format the relay forwards upstream: 24 kHz mono.
var RelayFormat = Format{SampleRate: 24000, Channels: 1}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether f has a positive rate and channel count.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// FrameSize returns the byte size of one sample frame (one sample per
// channel).
func (f Format) FrameSize() int {
	return f.Channels * bytesPerSample
}

// BytesFor returns the byte length of d of audio, rounded down to whole
// sample frames.
func (f Format) BytesFor(d time.Duration) int {
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return frames * f.FrameSize()
}

// Duration returns how long n bytes of audio play for.
func (f Format) Duration(n int) time.Duration {
	if !f.Valid() {
		return 0
	}
	frames := n / f.FrameSize()
	return time.Duration(int64(frames) * int64(time.Second) / int64(f.SampleRate))
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Frame is one chunk of audio.
type Frame struct {
	// Data is interleaved PCM16 in Format.
	Data []byte

	Format Format

	// Timestamp is the frame's offset from the start of the stream.
	Timestamp time.Duration
}
