// Package pcm converts captured audio between the representations used by
// capture sources and the canonical layout recognizers consume: 16-bit
// signed little-endian mono PCM at 16 kHz.
package pcm

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/go-audio/audio"
)

const (
	SampleRate     = 16000
	Channels       = 1
	BitDepth       = 16
	BytesPerSample = BitDepth / 8
)

var ErrUnaligned = errors.New("pcm payload not aligned to sample width")

// Frame is a fixed run of mono samples as delivered by a capture source.
type Frame struct {
	samples []int16
}

// NewFrame copies samples into a Frame so later writes to the capture buffer
// cannot reach a frame that is still in flight.
func NewFrame(samples []int16) Frame {
	return Frame{samples: append([]int16(nil), samples...)}
}

func (f Frame) Len() int { return len(f.samples) }

// Samples returns a copy of the frame samples.
func (f Frame) Samples() []int16 {
	return append([]int16(nil), f.samples...)
}

// Duration in milliseconds at SampleRate.
func (f Frame) DurationMS() int {
	return len(f.samples) * 1000 / SampleRate
}

// Encode writes samples in canonical little-endian order regardless of host byte order.
func Encode(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(s))
	}
	return out
}

// EncodeFrame is Encode over a Frame.
func EncodeFrame(f Frame) []byte {
	return Encode(f.samples)
}

// DecodeInto fills dst from b without allocating. len(b) must be exactly
// 2*len(dst).
func DecodeInto(dst []int16, b []byte, order binary.ByteOrder) error {
	if len(b) != len(dst)*BytesPerSample {
		return ErrUnaligned
	}
	for i := range dst {
		dst[i] = int16(order.Uint16(b[i*BytesPerSample:]))
	}
	return nil
}

// FromIntBuffer converts a go-audio buffer into a mono frame. Multi-channel
// buffers keep the first channel; values outside the 16-bit range are clamped.
func FromIntBuffer(buf *audio.IntBuffer) Frame {
	if buf == nil || len(buf.Data) == 0 {
		return Frame{}
	}
	channels := 1
	if buf.Format != nil && buf.Format.NumChannels > 1 {
		channels = buf.Format.NumChannels
	}
	shift := 0
	if buf.SourceBitDepth > BitDepth {
		shift = buf.SourceBitDepth - BitDepth
	}
	samples := make([]int16, 0, len(buf.Data)/channels)
	for i := 0; i < len(buf.Data); i += channels {
		samples = append(samples, clamp16(buf.Data[i]>>shift))
	}
	return Frame{samples: samples}
}

// Float32 normalises canonical PCM bytes into [-1, 1).
func Float32(b []byte) ([]float32, error) {
	if len(b)%BytesPerSample != 0 {
		return nil, ErrUnaligned
	}
	out := make([]float32, len(b)/BytesPerSample)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(b[i*BytesPerSample:]))
		out[i] = float32(v) / 32768.0
	}
	return out, nil
}

// RMS is the root-mean-square level of canonical PCM bytes, normalised to [0, 1].
func RMS(b []byte) float64 {
	n := len(b) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(b[i*BytesPerSample:]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

func clamp16(v int) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
