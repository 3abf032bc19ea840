// Package model implements the model-based recognizer: a static model is
// loaded from a resource bundle and decodes pushed audio synchronously.
package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-listen/internal/bundle"
	"github.com/loqalabs/loqa-listen/internal/recognizer"
)

// Decoder is an incremental decoder speaking Vosk-style JSON results.
type Decoder interface {
	// AcceptWaveform pushes PCM and reports whether the decoder's endpointing
	// completed an utterance.
	AcceptWaveform(pcm []byte) (bool, error)
	Result() ([]byte, error)
	PartialResult() ([]byte, error)
	FinalResult() ([]byte, error)
	Reset() error
	Close() error
}

// Opener constructs a Decoder from a verified bundle.
type Opener func(ctx context.Context, b bundle.Bundle, sampleRate int) (Decoder, error)

type Recognizer struct {
	open       Opener
	sampleRate int
	log        *slog.Logger

	mu  sync.Mutex
	dec Decoder
}

func New(open Opener, sampleRate int, log *slog.Logger) *Recognizer {
	return &Recognizer{
		open:       open,
		sampleRate: sampleRate,
		log:        log.With(slog.String("component", "model-recognizer")),
	}
}

func (r *Recognizer) Name() string { return "model" }

func (r *Recognizer) Load(ctx context.Context, b bundle.Bundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dec != nil {
		if err := r.dec.Close(); err != nil {
			r.log.Warn("failed to close previous decoder", slogError(err))
		}
		r.dec = nil
	}
	dec, err := r.open(ctx, b, r.sampleRate)
	if err != nil {
		return fmt.Errorf("%w: %v", recognizer.ErrLoad, err)
	}
	r.dec = dec
	r.log.Info("model loaded", slog.String("bundle", b.Root))
	return nil
}

func (r *Recognizer) Feed(_ context.Context, pcm []byte) (recognizer.Hypothesis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dec == nil {
		return recognizer.Hypothesis{}, recognizer.ErrNotLoaded
	}
	accepted, err := r.dec.AcceptWaveform(pcm)
	if err != nil {
		return recognizer.Hypothesis{}, fmt.Errorf("accept waveform: %w", err)
	}
	if accepted {
		raw, err := r.dec.Result()
		if err != nil {
			return recognizer.Hypothesis{Final: true}, fmt.Errorf("read result: %w", err)
		}
		return recognizer.ParseFinal(raw)
	}
	raw, err := r.dec.PartialResult()
	if err != nil {
		return recognizer.Hypothesis{}, fmt.Errorf("read partial result: %w", err)
	}
	return recognizer.ParsePartial(raw)
}

func (r *Recognizer) ForceFinalize(_ context.Context) (recognizer.Hypothesis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dec == nil {
		return recognizer.Hypothesis{Final: true}, recognizer.ErrNotLoaded
	}
	raw, err := r.dec.FinalResult()
	if err != nil {
		return recognizer.Hypothesis{Final: true}, fmt.Errorf("read final result: %w", err)
	}
	return recognizer.ParseFinal(raw)
}

func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dec == nil {
		return
	}
	if err := r.dec.Reset(); err != nil {
		r.log.Warn("decoder reset failed", slogError(err))
	}
}

func (r *Recognizer) Unload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dec == nil {
		return nil
	}
	err := r.dec.Close()
	r.dec = nil
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
