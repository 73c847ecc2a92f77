package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
)

// ErrUpmix is returned when a conversion would have to add channels.
var ErrUpmix = errors.New("audio: converting to more channels is not supported")

// Converter converts frames to a target format. It logs a warning on the
// first format mismatch and on the first misaligned frame.
// Create one per stream; not designed for shared use across goroutines.
type Converter struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns frame in the target format. A frame already in the target
// format is returned unchanged. A frame whose length is not a whole number of
// sample frames is dropped: the result has no data.
func (c *Converter) Convert(frame Frame) (Frame, error) {
	if frame.Format.Channels > 0 && len(frame.Data)%frame.Format.FrameSize() != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: misaligned PCM frame, dropping",
				"bytes", len(frame.Data),
				"format", frame.Format,
			)
		})
		return Frame{Format: c.Target, Timestamp: frame.Timestamp}, nil
	}
	if frame.Format == c.Target {
		return frame, nil
	}
	if frame.Format.Channels < c.Target.Channels {
		return Frame{}, ErrUpmix
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio format mismatch: converting", "from", frame.Format, "to", c.Target)
	})

	// Downmix before resampling so only the target channels are interpolated.
	pcm := frame.Data
	if frame.Format.Channels != c.Target.Channels {
		pcm = Downmix(pcm, frame.Format.Channels)
	}
	pcm = Resample(pcm, c.Target.Channels, frame.Format.SampleRate, c.Target.SampleRate)

	return Frame{Data: pcm, Format: c.Target, Timestamp: frame.Timestamp}, nil
}

// ConvertStream converts every frame read from in and sends it on the
// returned channel, which is closed when in closes or ctx is done. Frames that
// convert to no data are dropped. A conversion error is logged once and the
// frame is dropped.
func ConvertStream(ctx context.Context, in <-chan Frame, target Format) <-chan Frame {
	out := make(chan Frame, cap(in))
	go func() {
		defer close(out)
		conv := Converter{Target: target}
		var logged sync.Once
		for frame := range in {
			converted, err := conv.Convert(frame)
			if err != nil {
				logged.Do(func() { slog.Warn("audio convert stream", "err", err) })
				continue
			}
			if len(converted.Data) == 0 {
				continue
			}
			select {
			case out <- converted:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func sampleAt(pcm []byte, i int) int32 {
	return int32(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
}

func putSample(pcm []byte, i int, v int32) {
	v = min(max(v, -32768), 32767)
	binary.LittleEndian.PutUint16(pcm[i*bytesPerSample:], uint16(int16(v)))
}

// Downmix averages interleaved channels into mono. A trailing partial frame
// is dropped. Mono input is returned unchanged.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (channels * bytesPerSample)
	out := make([]byte, frames*bytesPerSample)
	for f := range frames {
		var sum int32
		for ch := range channels {
			sum += sampleAt(pcm, f*channels+ch)
		}
		putSample(out, f, sum/int32(channels))
	}
	return out
}

// StereoToMono averages L and R of each stereo frame.
func StereoToMono(pcm []byte) []byte {
	return Downmix(pcm, 2)
}

// Resample converts interleaved PCM16 from srcRate to dstRate using linear
// interpolation per channel. Equal or non-positive rates return pcm
// unchanged.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (channels * bytesPerSample)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*channels*bytesPerSample)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+ch))
			s1 := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int32(s0+(s1-s0)*frac))
		}
	}
	return out
}

// ResampleMono16 is Resample for mono input.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return Resample(pcm, 1, srcRate, dstRate)
}
