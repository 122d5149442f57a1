// Package pcm converts captured float audio to 16-bit linear PCM, wraps PCM in
// a self-describing WAV container and decodes such containers back into
// channel-major float frames.
package pcm

import (
	"encoding/binary"
	"math"

	"github.com/dgnsrekt/walkie/internal/ptt"
)

// scale maps the normalized float range onto the signed 16-bit range.
// Scaling by the unsigned maximum would overflow int16 near full scale.
const scale = math.MaxInt16

// Quantize converts one normalized sample to a signed 16-bit value,
// clamping anything outside [-1, 1].
func Quantize(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	v := math.Round(float64(s) * scale)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Dequantize converts a signed 16-bit value back to the normalized range.
func Dequantize(v int16) float32 {
	f := float32(v) / scale
	if f < -1 {
		return -1
	}
	return f
}

// Interleave merges channel 0 and channel 1 sample by sample.
// Channels beyond the second are ignored.
func Interleave(frames ptt.Frames) []float32 {
	if len(frames) == 0 {
		return nil
	}
	if len(frames) == 1 {
		return frames[0]
	}

	left, right := frames[0], frames[1]
	n := min(len(left), len(right))

	out := make([]float32, 0, n*2)
	for i := 0; i < n; i++ {
		out = append(out, left[i], right[i])
	}
	return out
}

// Encode converts channel-major float frames into little-endian 16-bit PCM.
// A single channel is scaled directly; two or more channels have channel 0
// and channel 1 interleaved before scaling.
func Encode(frames ptt.Frames, channels int) []byte {
	if len(frames) == 0 {
		return nil
	}

	var samples []float32
	if channels <= 1 || len(frames) == 1 {
		samples = frames[0]
	} else {
		samples = Interleave(frames)
	}

	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(Quantize(s)))
	}
	return out
}

// EncodedChannels returns the channel count Encode actually carries for a
// device with the given number of channels.
func EncodedChannels(deviceChannels int) int {
	if deviceChannels >= 2 {
		return 2
	}
	return 1
}
