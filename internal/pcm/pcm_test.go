package pcm

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/dgnsrekt/walkie/internal/ptt"
)

const quantizationError = 1.0 / math.MaxInt16

func sine(n int, freq float64, rate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.8 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestQuantize_SignedScaleAndClamp(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{1, math.MaxInt16},
		{-1, -math.MaxInt16},
		{0.5, 16384},
		{1.5, math.MaxInt16},
		{-1.5, math.MinInt16},
		{float32(math.NaN()), 0},
	}

	for _, tt := range tests {
		if got := Quantize(tt.in); got != tt.want {
			t.Errorf("Quantize(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestEncode_Mono(t *testing.T) {
	frames := ptt.Frames{{0, 1, -1}}
	got := Encode(frames, 1)
	want := []byte{0x00, 0x00, 0xff, 0x7f, 0x01, 0x80}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode mono = % x, want % x", got, want)
	}
}

func TestEncode_InterleavesFirstTwoChannels(t *testing.T) {
	frames := ptt.Frames{
		{1, 0},
		{-1, 0.5},
		{0.25, 0.25}, // ignored
	}
	got := Encode(frames, 3)
	if len(got) != 8 {
		t.Fatalf("expected 4 interleaved samples (8 bytes), got %d bytes", len(got))
	}

	r := bytes.NewReader(got)
	var samples []int16
	for r.Len() > 0 {
		var b [2]byte
		r.Read(b[:])
		samples = append(samples, int16(uint16(b[0])|uint16(b[1])<<8))
	}
	want := []int16{math.MaxInt16, -math.MaxInt16, 0, 16384}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, samples[i], want[i])
		}
	}
}

func TestContainerize_ByteExactHeader(t *testing.T) {
	body := []byte{0x01, 0x02, 0x03, 0x04}
	got := Containerize(Options{Channels: 1, SampleRate: 44100, BytesPerSample: 2}, body)

	want := []byte{
		'R', 'I', 'F', 'F',
		0x28, 0x00, 0x00, 0x00, // 48 - 8
		'W', 'A', 'V', 'E',
		'f', 'm', 't', ' ',
		0x10, 0x00, 0x00, 0x00, // fmt chunk size
		0x01, 0x00, // PCM
		0x01, 0x00, // channels
		0x44, 0xac, 0x00, 0x00, // 44100
		0x88, 0x58, 0x01, 0x00, // byte rate 88200
		0x02, 0x00, // block align
		0x10, 0x00, // bits per sample
		'd', 'a', 't', 'a',
		0x04, 0x00, 0x00, 0x00,
		0x01, 0x02, 0x03, 0x04,
	}

	if !bytes.Equal(got, want) {
		t.Errorf("container mismatch\n got: % x\nwant: % x", got, want)
	}
}

func TestContainerize_Defaults(t *testing.T) {
	got := Containerize(Options{}, []byte{0, 0})
	h, err := ParseHeader(got)
	if err != nil {
		t.Fatalf("ParseHeader failed: %v", err)
	}
	if h.Channels != 1 || h.SampleRate != 44100 || h.BitsPerSample != 16 {
		t.Errorf("unexpected defaults: %+v", h)
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		frames ptt.Frames
	}{
		{"mono", ptt.Frames{sine(441, 440, 44100)}},
		{"stereo", ptt.Frames{sine(441, 440, 44100), sine(441, 660, 44100)}},
		{"full scale", ptt.Frames{{1, -1, 0.999, -0.999, 0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			channels := len(tt.frames)
			opts := Options{Channels: channels, SampleRate: 44100, BytesPerSample: 2}

			decoded, h, err := Decode(Containerize(opts, Encode(tt.frames, channels)))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if h.Channels != channels {
				t.Fatalf("decoded %d channels, want %d", h.Channels, channels)
			}

			for c := range tt.frames {
				if len(decoded[c]) != len(tt.frames[c]) {
					t.Fatalf("channel %d: %d samples, want %d", c, len(decoded[c]), len(tt.frames[c]))
				}
				for i := range tt.frames[c] {
					diff := math.Abs(float64(decoded[c][i] - tt.frames[c][i]))
					if diff > quantizationError {
						t.Fatalf("channel %d sample %d: got %v want %v (diff %g)", c, i, decoded[c][i], tt.frames[c][i], diff)
					}
				}
			}
		})
	}
}

func TestDecode_MalformedHeader(t *testing.T) {
	valid := Containerize(Options{Channels: 1, SampleRate: 8000, BytesPerSample: 2}, []byte{1, 0, 2, 0})

	corrupt := func(mutate func(b []byte) []byte) []byte {
		b := append([]byte(nil), valid...)
		return mutate(b)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"too short", valid[:20]},
		{"bad riff magic", corrupt(func(b []byte) []byte { copy(b, "RIFX"); return b })},
		{"bad wave magic", corrupt(func(b []byte) []byte { copy(b[8:], "AVI "); return b })},
		{"bad data magic", corrupt(func(b []byte) []byte { copy(b[36:], "junk"); return b })},
		{"truncated body", valid[:len(valid)-2]},
		{"trailing bytes", append(append([]byte(nil), valid...), 0, 0)},
		{"bad bits", corrupt(func(b []byte) []byte { b[34] = 24; return b })},
		{"zero channels", corrupt(func(b []byte) []byte { b[22] = 0; return b })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.data)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ptt.ErrMalformedHeader) {
				t.Errorf("expected ErrMalformedHeader, got %v", err)
			}
		})
	}
}

func TestDecode_EightBit(t *testing.T) {
	c := Containerize(Options{Channels: 1, SampleRate: 8000, BytesPerSample: 1}, []byte{128, 255, 1})
	frames, h, err := Decode(c)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if h.BitsPerSample != 8 {
		t.Fatalf("BitsPerSample = %d", h.BitsPerSample)
	}
	want := []float32{0, 1, -1}
	for i, w := range want {
		if frames[0][i] != w {
			t.Errorf("sample %d = %v, want %v", i, frames[0][i], w)
		}
	}
}

func TestEncodedChannels(t *testing.T) {
	for in, want := range map[int]int{0: 1, 1: 1, 2: 2, 6: 2} {
		if got := EncodedChannels(in); got != want {
			t.Errorf("EncodedChannels(%d) = %d, want %d", in, got, want)
		}
	}
}
