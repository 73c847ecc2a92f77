package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrNotWAV is returned when a stream does not start with a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

const (
	wavFormatPCM   = 1
	wavHeaderBytes = 44
)

// WAVHeader is what [ReadWAVHeader] learns about a WAV stream.
type WAVHeader struct {
	Format Format

	// DataSize is the declared length of the data chunk. Streams written
	// before their length was known often declare 0 or 0xFFFFFFFF.
	DataSize int64
}

// ReadWAVHeader consumes r up to the first byte of the data chunk. It walks
// the RIFF chunks instead of assuming a fixed 44-byte header, since the fmt
// chunk size varies and LIST chunks may precede data. Only 16-bit integer PCM
// is accepted.
func ReadWAVHeader(r io.Reader) (WAVHeader, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return WAVHeader{}, fmt.Errorf("%w: %w", ErrNotWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return WAVHeader{}, ErrNotWAV
	}

	var (
		h        WAVHeader
		foundFmt bool
		chunk    [8]byte
	)
	for {
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return WAVHeader{}, fmt.Errorf("audio: wav: missing data chunk: %w", err)
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return WAVHeader{}, fmt.Errorf("audio: wav: fmt chunk too short (%d bytes)", size)
			}
			var fmtData [16]byte
			if _, err := io.ReadFull(r, fmtData[:]); err != nil {
				return WAVHeader{}, fmt.Errorf("audio: wav: read fmt: %w", err)
			}
			audioFormat := binary.LittleEndian.Uint16(fmtData[0:2])
			bits := binary.LittleEndian.Uint16(fmtData[14:16])
			if audioFormat != wavFormatPCM || bits != 16 {
				return WAVHeader{}, fmt.Errorf("audio: wav: unsupported encoding (format %d, %d bits); need 16-bit PCM", audioFormat, bits)
			}
			h.Format = Format{
				Channels:   int(binary.LittleEndian.Uint16(fmtData[2:4])),
				SampleRate: int(binary.LittleEndian.Uint32(fmtData[4:8])),
			}
			foundFmt = true
			if err := skip(r, size-16+size%2); err != nil {
				return WAVHeader{}, err
			}

		case "data":
			if !foundFmt {
				return WAVHeader{}, errors.New("audio: wav: data chunk before fmt chunk")
			}
			h.DataSize = size
			return h, nil

		default:
			// Chunks are word-aligned.
			if err := skip(r, size+size%2); err != nil {
				return WAVHeader{}, err
			}
		}
	}
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("audio: wav: skip chunk: %w", err)
	}
	return nil
}

// EncodeWAV wraps PCM16 data in a canonical 44-byte RIFF/WAV header.
func EncodeWAV(pcm []byte, f Format) []byte {
	byteRate := f.SampleRate * f.FrameSize()
	buf := make([]byte, wavHeaderBytes+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(f.FrameSize()))
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[wavHeaderBytes:], pcm)
	return buf
}

// OpenPCM detects a WAV header on r. For WAV input it returns a reader
// positioned at the samples and the declared format; any other input is
// treated as raw PCM16 in fallback.
func OpenPCM(r io.Reader, fallback Format) (io.Reader, Format, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, Format{}, fmt.Errorf("audio: open pcm: %w", err)
	}
	if string(magic) != "RIFF" {
		return br, fallback, nil
	}
	h, err := ReadWAVHeader(br)
	if err != nil {
		return nil, Format{}, err
	}
	if !h.Format.Valid() {
		return nil, Format{}, fmt.Errorf("audio: wav: invalid format %s", h.Format)
	}
	return br, h.Format, nil
}
