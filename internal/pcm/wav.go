package pcm

import (
	"encoding/binary"
	"fmt"

	"github.com/dgnsrekt/walkie/internal/ptt"
)

// HeaderSize is the fixed length of the container header.
const HeaderSize = 44

const (
	fmtChunkSize = 16
	formatPCM    = 1
)

// Options describe the PCM body being containerized.
// Zero values fall back to mono, 44100 Hz, 2 bytes per sample.
type Options struct {
	Channels       int
	SampleRate     int
	BytesPerSample int
}

func (o Options) withDefaults() Options {
	if o.Channels == 0 {
		o.Channels = ptt.DefaultChannels
	}
	if o.SampleRate == 0 {
		o.SampleRate = ptt.DefaultSampleRate
	}
	if o.BytesPerSample == 0 {
		o.BytesPerSample = ptt.DefaultBitDepth / 8
	}
	return o
}

// OptionsFor derives container options from stream metadata.
func OptionsFor(m ptt.Metadata) Options {
	return Options{
		Channels:       m.Channels,
		SampleRate:     m.SampleRate,
		BytesPerSample: m.BytesPerSample(),
	}
}

// Header is the parsed form of a container header.
type Header struct {
	Channels      int
	SampleRate    int
	ByteRate      int
	BlockAlign    int
	BitsPerSample int
	DataSize      int
}

// Metadata returns the stream metadata the header describes.
func (h Header) Metadata() ptt.Metadata {
	return ptt.Metadata{
		BitsPerSample: h.BitsPerSample,
		SampleRate:    h.SampleRate,
		Channels:      h.Channels,
		BufferSize:    h.DataSize / max(h.BitsPerSample/8, 1),
	}
}

// Containerize prepends the 44-byte RIFF/WAVE header to a PCM body.
// All fields are little-endian; the layout is byte-exact with standard decoders.
func Containerize(opts Options, pcm []byte) []byte {
	opts = opts.withDefaults()

	blockAlign := opts.Channels * opts.BytesPerSample
	byteRate := opts.SampleRate * blockAlign
	dataSize := len(pcm)

	buf := make([]byte, HeaderSize+dataSize)
	le := binary.LittleEndian

	copy(buf[0:4], "RIFF")
	le.PutUint32(buf[4:8], uint32(dataSize+HeaderSize-8))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	le.PutUint32(buf[16:20], fmtChunkSize)
	le.PutUint16(buf[20:22], formatPCM)
	le.PutUint16(buf[22:24], uint16(opts.Channels))
	le.PutUint32(buf[24:28], uint32(opts.SampleRate))
	le.PutUint32(buf[28:32], uint32(byteRate))
	le.PutUint16(buf[32:34], uint16(blockAlign))
	le.PutUint16(buf[34:36], uint16(opts.BytesPerSample*8))
	copy(buf[36:40], "data")
	le.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[HeaderSize:], pcm)

	return buf
}

func malformed(format string, args ...any) error {
	return ptt.NewError(ptt.CodeMalformedHeader, fmt.Sprintf(format, args...), nil)
}

// ParseHeader validates and parses a container header against the buffer it heads.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, malformed("container is %d bytes, shorter than the %d-byte header", len(b), HeaderSize)
	}

	le := binary.LittleEndian
	switch {
	case string(b[0:4]) != "RIFF":
		return Header{}, malformed("missing RIFF magic")
	case string(b[8:12]) != "WAVE":
		return Header{}, malformed("missing WAVE magic")
	case string(b[12:16]) != "fmt ":
		return Header{}, malformed("missing fmt chunk")
	case string(b[36:40]) != "data":
		return Header{}, malformed("missing data chunk")
	}

	if riff := int(le.Uint32(b[4:8])); riff != len(b)-8 {
		return Header{}, malformed("declared RIFF size %d does not match buffer of %d bytes", riff, len(b))
	}
	if size := le.Uint32(b[16:20]); size != fmtChunkSize {
		return Header{}, malformed("unexpected fmt chunk size %d", size)
	}
	if tag := le.Uint16(b[20:22]); tag != formatPCM {
		return Header{}, malformed("unsupported format tag %d", tag)
	}

	h := Header{
		Channels:      int(le.Uint16(b[22:24])),
		SampleRate:    int(le.Uint32(b[24:28])),
		ByteRate:      int(le.Uint32(b[28:32])),
		BlockAlign:    int(le.Uint16(b[32:34])),
		BitsPerSample: int(le.Uint16(b[34:36])),
		DataSize:      int(le.Uint32(b[40:44])),
	}

	if h.Channels == 0 {
		return Header{}, malformed("zero channels")
	}
	if h.BitsPerSample != 8 && h.BitsPerSample != 16 {
		return Header{}, malformed("unsupported bits per sample %d", h.BitsPerSample)
	}
	if h.BlockAlign != h.Channels*h.BitsPerSample/8 {
		return Header{}, malformed("block align %d inconsistent with %d channels of %d bits", h.BlockAlign, h.Channels, h.BitsPerSample)
	}
	if h.ByteRate != h.SampleRate*h.BlockAlign {
		return Header{}, malformed("byte rate %d inconsistent with sample rate %d", h.ByteRate, h.SampleRate)
	}
	if h.DataSize != len(b)-HeaderSize {
		return Header{}, malformed("declared data size %d does not match body of %d bytes", h.DataSize, len(b)-HeaderSize)
	}
	if h.DataSize%h.BlockAlign != 0 {
		return Header{}, malformed("data size %d is not aligned to %d-byte blocks", h.DataSize, h.BlockAlign)
	}

	return h, nil
}

// Decode parses a container and returns its body as channel-major float frames.
func Decode(b []byte) (ptt.Frames, Header, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, Header{}, err
	}

	body := b[HeaderSize:]
	n := h.DataSize / h.BlockAlign

	frames := make(ptt.Frames, h.Channels)
	for c := range frames {
		frames[c] = make([]float32, n)
	}

	bytesPerSample := h.BitsPerSample / 8
	for i := 0; i < n; i++ {
		for c := 0; c < h.Channels; c++ {
			off := i*h.BlockAlign + c*bytesPerSample
			if bytesPerSample == 2 {
				frames[c][i] = Dequantize(int16(binary.LittleEndian.Uint16(body[off:])))
			} else {
				// 8-bit PCM is unsigned with a midpoint of 128
				frames[c][i] = float32(int(body[off])-128) / 127
			}
		}
	}

	return frames, h, nil
}
