// Package capture provides audio capture sources producing canonical 16 kHz
// mono PCM frames.
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/pcm"
)

var (
	// ErrDevice reports a capture device that could not be opened or failed.
	ErrDevice = errors.New("audio device error")
	// ErrClosed is returned by Read once the source has been closed.
	ErrClosed = errors.New("capture source closed")
)

// Source is an audio input. Read blocks until buf is full, the source is
// closed, or a finite source runs out (io.EOF). Close unblocks a pending Read.
type Source interface {
	Open(ctx context.Context) error
	Read(buf []int16) (int, error)
	Close() error
	// MinBufferSize is the smallest read, in samples, the source supports.
	MinBufferSize() int
}

// FrameSize is the number of samples to read per frame: twice the source's
// minimum buffer.
func FrameSize(src Source) int {
	return 2 * src.MinBufferSize()
}

// FrameDuration is the wall-clock length of one FrameSize read.
func FrameDuration(src Source) time.Duration {
	return time.Duration(FrameSize(src)) * time.Second / pcm.SampleRate
}

// New builds the source selected by cfg.Mode.
func New(cfg config.CaptureConfig, log *slog.Logger) (Source, error) {
	minSamples := pcm.SampleRate * cfg.FrameDurationMS / 1000
	if minSamples <= 0 {
		return nil, fmt.Errorf("frame duration %dms is too short", cfg.FrameDurationMS)
	}
	switch cfg.Mode {
	case "exec":
		order, err := ParseByteOrder(cfg.ByteOrder)
		if err != nil {
			return nil, err
		}
		return NewExecSource(cfg.Command, order, minSamples, log)
	case "wav":
		return NewWAVSource(cfg.WAVPath, cfg.Realtime, minSamples, log), nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}

func ParseByteOrder(name string) (binary.ByteOrder, error) {
	switch name {
	case "", "s16le":
		return binary.LittleEndian, nil
	case "s16be":
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("unsupported byte order %q", name)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
