package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-listen/internal/pcm"
)

// WAVSource plays a 16 kHz mono WAV file as if it were a microphone. When
// realtime is set reads are paced to the audio clock.
type WAVSource struct {
	path       string
	realtime   bool
	minSamples int
	log        *slog.Logger

	mu      sync.Mutex
	file    *os.File
	dec     *wav.Decoder
	ibuf    *audio.IntBuffer
	started time.Time
	played  int
	done    chan struct{}
	closed  atomic.Bool
}

func NewWAVSource(path string, realtime bool, minSamples int, log *slog.Logger) *WAVSource {
	return &WAVSource{
		path:       path,
		realtime:   realtime,
		minSamples: minSamples,
		log:        log.With(slog.String("component", "wav-capture")),
	}
}

func (s *WAVSource) MinBufferSize() int { return s.minSamples }

func (s *WAVSource) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDevice, err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return fmt.Errorf("%w: %s is not a valid WAV file", ErrDevice, s.path)
	}
	if int(dec.SampleRate) != pcm.SampleRate || int(dec.NumChans) != pcm.Channels {
		f.Close()
		return fmt.Errorf("%w: %s is %d Hz/%d ch, need %d Hz mono",
			ErrDevice, s.path, dec.SampleRate, dec.NumChans, pcm.SampleRate)
	}
	s.file = f
	s.dec = dec
	s.ibuf = &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: pcm.Channels, SampleRate: pcm.SampleRate},
		SourceBitDepth: int(dec.BitDepth),
	}
	s.started = time.Now()
	s.played = 0
	s.done = make(chan struct{})
	s.closed.Store(false)
	s.log.Info("playing wav file", slog.String("path", s.path), slog.Bool("realtime", s.realtime))
	return nil
}

func (s *WAVSource) Read(buf []int16) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.mu.Lock()
	if s.dec == nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: not open", ErrDevice)
	}
	if cap(s.ibuf.Data) < len(buf) {
		s.ibuf.Data = make([]int, len(buf))
	}
	s.ibuf.Data = s.ibuf.Data[:len(buf)]
	n, err := s.dec.PCMBuffer(s.ibuf)
	if err != nil && err != io.EOF {
		s.mu.Unlock()
		return 0, fmt.Errorf("decode wav: %w", err)
	}
	if n == 0 {
		s.mu.Unlock()
		return 0, io.EOF
	}
	frame := pcm.FromIntBuffer(&audio.IntBuffer{
		Format:         s.ibuf.Format,
		Data:           s.ibuf.Data[:n],
		SourceBitDepth: s.ibuf.SourceBitDepth,
	})
	copy(buf, frame.Samples())
	s.played += n
	due := s.started.Add(time.Duration(s.played) * time.Second / pcm.SampleRate)
	done := s.done
	s.mu.Unlock()

	if s.realtime {
		if wait := time.Until(due); wait > 0 {
			select {
			case <-time.After(wait):
			case <-done:
				return 0, ErrClosed
			}
		}
	}
	return n, nil
}

func (s *WAVSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		close(s.done)
	}
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.dec = nil
	return err
}
