// Package recognizer defines the contract shared by speech recognition
// backends. A backend is fed canonical 16 kHz mono PCM one frame at a time
// and answers with the current hypothesis for the utterance in progress.
package recognizer

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-listen/internal/bundle"
)

var (
	// ErrLoad marks a backend that could not be constructed from a bundle.
	ErrLoad = errors.New("load recognizer")
	// ErrDecode marks an unparseable result payload. The hypothesis that
	// accompanies it carries an empty transcript.
	ErrDecode = errors.New("decode recognizer result")
	// ErrNotLoaded is returned by operations invoked before Load succeeded.
	ErrNotLoaded = errors.New("recognizer not loaded")
)

// Hypothesis is the best transcript so far for the current utterance.
type Hypothesis struct {
	Text  string
	Final bool
}

// Backend is implemented by the model-based and continuous recognizers.
// Calls are not safe for concurrent use; the session serializes them.
type Backend interface {
	// Name identifies the backend in logs and capability announcements.
	Name() string
	// Load allocates backend state. On failure nothing is retained and Load
	// may be called again.
	Load(ctx context.Context, b bundle.Bundle) error
	// Feed accepts one frame of canonical PCM. The returned hypothesis is
	// final only when the backend's own endpointing closed the utterance.
	Feed(ctx context.Context, pcm []byte) (Hypothesis, error)
	// ForceFinalize flushes buffered audio and returns a final hypothesis.
	ForceFinalize(ctx context.Context) (Hypothesis, error)
	// Reset clears utterance state without reloading resources.
	Reset()
	// Unload releases everything Load allocated.
	Unload() error
}
