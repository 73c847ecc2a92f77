package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/MrWong99/teleprompt/pkg/audio"
)

func TestEncodeWAV_RoundTrip(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{1, -1, 2, -2})
	f := audio.Format{SampleRate: 48000, Channels: 2}

	wav := audio.EncodeWAV(pcm, f)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d", len(wav))
	}

	r := bytes.NewReader(wav)
	h, err := audio.ReadWAVHeader(r)
	if err != nil {
		t.Fatalf("ReadWAVHeader: %v", err)
	}
	if h.Format != f {
		t.Errorf("format = %s, want %s", h.Format, f)
	}
	if h.DataSize != int64(len(pcm)) {
		t.Errorf("DataSize = %d", h.DataSize)
	}
	rest, _ := io.ReadAll(r)
	if !bytes.Equal(rest, pcm) {
		t.Errorf("samples = %v, want %v", rest, pcm)
	}
}

// wavWithExtraChunks builds a header with an 18-byte fmt chunk and a LIST
// chunk of odd length before data.
func wavWithExtraChunks(pcm []byte) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(0))
	b.WriteString("WAVE")

	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(18))
	_ = binary.Write(&b, binary.LittleEndian, []uint16{1, 1})
	_ = binary.Write(&b, binary.LittleEndian, []uint32{16000, 32000})
	_ = binary.Write(&b, binary.LittleEndian, []uint16{2, 16, 0})

	b.WriteString("LIST")
	_ = binary.Write(&b, binary.LittleEndian, uint32(3))
	b.Write([]byte{'a', 'b', 'c', 0}) // padded to even

	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}

func TestReadWAVHeader_WalksChunks(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{42, 43})
	r := bytes.NewReader(wavWithExtraChunks(pcm))

	h, err := audio.ReadWAVHeader(r)
	if err != nil {
		t.Fatalf("ReadWAVHeader: %v", err)
	}
	if h.Format != (audio.Format{SampleRate: 16000, Channels: 1}) {
		t.Errorf("format = %s", h.Format)
	}
	rest, _ := io.ReadAll(r)
	if !bytes.Equal(rest, pcm) {
		t.Errorf("samples = %v, want %v", rest, pcm)
	}
}

func TestReadWAVHeader_Rejects(t *testing.T) {
	t.Parallel()

	float32WAV := audio.EncodeWAV(nil, audio.RelayFormat)
	binary.LittleEndian.PutUint16(float32WAV[20:22], 3) // IEEE float

	tests := []struct {
		name   string
		data   []byte
		notWAV bool
	}{
		{name: "empty", data: nil, notWAV: true},
		{name: "raw pcm", data: samplesToBytes([]int16{1, 2, 3, 4, 5, 6}), notWAV: true},
		{name: "truncated", data: audio.EncodeWAV(nil, audio.RelayFormat)[:30]},
		{name: "float samples", data: float32WAV},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.ReadWAVHeader(bytes.NewReader(tc.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.notWAV != errors.Is(err, audio.ErrNotWAV) {
				t.Errorf("errors.Is(err, ErrNotWAV) = %v, want %v (err: %v)", !tc.notWAV, tc.notWAV, err)
			}
		})
	}
}

func TestOpenPCM(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{7, 8, 9})
	fallback := audio.RelayFormat

	t.Run("wav", func(t *testing.T) {
		t.Parallel()
		wf := audio.Format{SampleRate: 44100, Channels: 2}
		r, f, err := audio.OpenPCM(bytes.NewReader(audio.EncodeWAV(pcm, wf)), fallback)
		if err != nil {
			t.Fatalf("OpenPCM: %v", err)
		}
		if f != wf {
			t.Errorf("format = %s, want %s", f, wf)
		}
		got, _ := io.ReadAll(r)
		if !bytes.Equal(got, pcm) {
			t.Errorf("samples = %v", got)
		}
	})

	t.Run("raw", func(t *testing.T) {
		t.Parallel()
		r, f, err := audio.OpenPCM(bytes.NewReader(pcm), fallback)
		if err != nil {
			t.Fatalf("OpenPCM: %v", err)
		}
		if f != fallback {
			t.Errorf("format = %s, want fallback", f)
		}
		got, _ := io.ReadAll(r)
		if !bytes.Equal(got, pcm) {
			t.Errorf("samples = %v", got)
		}
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		_, f, err := audio.OpenPCM(bytes.NewReader(nil), fallback)
		if err != nil || f != fallback {
			t.Errorf("OpenPCM(empty) = %s, %v", f, err)
		}
	})
}
