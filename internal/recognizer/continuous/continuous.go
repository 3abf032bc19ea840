// Package continuous implements the continuous recognizer: decoding is
// delegated to a streaming service that reports hypotheses through a
// callback, and the latest one is handed back to the pull-style Feed loop.
package continuous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-listen/internal/bundle"
	"github.com/loqalabs/loqa-listen/internal/recognizer"
)

// Result is one hypothesis delivered by a Stream.
type Result struct {
	Text  string
	Final bool
}

// Stream is one utterance-scoped connection to a streaming recognizer.
type Stream interface {
	Push(pcm []byte) error
	// Flush signals end of audio; the service answers with a final Result.
	Flush() error
	Close() error
}

// Dialer opens streams. onResult may be called from any goroutine until the
// stream is closed.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, streamID string, onResult func(Result)) (Stream, error)
}

var errStreamSuperseded = errors.New("stream reset while dialing")

type Recognizer struct {
	dialer   Dialer
	finalize time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	loaded   bool
	stream   Stream
	streamID string
	gen      uint64
	latest   recognizer.Hypothesis
	waiter   chan recognizer.Hypothesis
}

// New returns a Recognizer that waits at most finalizeTimeout for the
// service's answer to a Flush.
func New(dialer Dialer, finalizeTimeout time.Duration, log *slog.Logger) *Recognizer {
	return &Recognizer{
		dialer:   dialer,
		finalize: finalizeTimeout,
		log:      log.With(slog.String("component", "continuous-recognizer"), slog.String("transport", dialer.Name())),
	}
}

func (r *Recognizer) Name() string { return "continuous" }

// Load checks that the service is reachable. The bundle is unused: the
// service owns its model.
func (r *Recognizer) Load(ctx context.Context, _ bundle.Bundle) error {
	check, err := r.dialer.Dial(ctx, "check-"+uuid.NewString(), func(Result) {})
	if err != nil {
		return fmt.Errorf("%w: %v", recognizer.ErrLoad, err)
	}
	if err := check.Close(); err != nil {
		r.log.Debug("closing reachability stream failed", slogError(err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeStreamLocked()
	r.loaded = true
	return nil
}

func (r *Recognizer) Feed(ctx context.Context, pcm []byte) (recognizer.Hypothesis, error) {
	stream, err := r.ensureStream(ctx)
	if err != nil {
		return recognizer.Hypothesis{}, err
	}
	if err := stream.Push(pcm); err != nil {
		r.mu.Lock()
		if r.stream == stream {
			r.closeStreamLocked()
		}
		r.mu.Unlock()
		return recognizer.Hypothesis{}, fmt.Errorf("push audio: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.latest
	if h.Final {
		r.latest = recognizer.Hypothesis{}
	}
	return h, nil
}

// ForceFinalize flushes the stream and waits for the final callback. When
// the service stays silent the latest partial is promoted.
func (r *Recognizer) ForceFinalize(ctx context.Context) (recognizer.Hypothesis, error) {
	r.mu.Lock()
	if !r.loaded {
		r.mu.Unlock()
		return recognizer.Hypothesis{Final: true}, recognizer.ErrNotLoaded
	}
	if r.latest.Final || r.stream == nil {
		h := recognizer.Hypothesis{Text: r.latest.Text, Final: true}
		r.latest = recognizer.Hypothesis{}
		r.mu.Unlock()
		return h, nil
	}
	stream := r.stream
	waiter := make(chan recognizer.Hypothesis, 1)
	r.waiter = waiter
	r.mu.Unlock()

	fallback := func() recognizer.Hypothesis {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.waiter = nil
		h := recognizer.Hypothesis{Text: r.latest.Text, Final: true}
		r.latest = recognizer.Hypothesis{}
		return h
	}

	if err := stream.Flush(); err != nil {
		return fallback(), fmt.Errorf("flush stream: %w", err)
	}

	timer := time.NewTimer(r.finalize)
	defer timer.Stop()
	select {
	case h := <-waiter:
		r.mu.Lock()
		r.waiter = nil
		r.latest = recognizer.Hypothesis{}
		r.mu.Unlock()
		return h, nil
	case <-timer.C:
		r.log.Warn("no final result before timeout", slog.Duration("timeout", r.finalize))
		return fallback(), nil
	case <-ctx.Done():
		return fallback(), ctx.Err()
	}
}

// Reset ends the current stream; the next Feed opens a fresh one.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeStreamLocked()
	r.latest = recognizer.Hypothesis{}
}

func (r *Recognizer) Unload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeStreamLocked()
	r.latest = recognizer.Hypothesis{}
	r.loaded = false
	return nil
}

// ensureStream dials without holding r.mu so Reset, Unload and
// ForceFinalize never wait on a slow transport. A stream whose dial outlived
// a Reset or Unload is closed unused.
func (r *Recognizer) ensureStream(ctx context.Context) (Stream, error) {
	r.mu.Lock()
	if !r.loaded {
		r.mu.Unlock()
		return nil, recognizer.ErrNotLoaded
	}
	if r.stream != nil {
		stream := r.stream
		r.mu.Unlock()
		return stream, nil
	}
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	id := uuid.NewString()
	stream, err := r.dialer.Dial(ctx, id, func(res Result) { r.deliver(gen, res) })
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen || !r.loaded || r.stream != nil {
		if err := stream.Close(); err != nil {
			r.log.Debug("closing superseded stream failed", slog.String("stream_id", id), slogError(err))
		}
		return nil, errStreamSuperseded
	}
	r.stream = stream
	r.streamID = id
	r.log.Debug("stream opened", slog.String("stream_id", id))
	return stream, nil
}

// deliver is the single-slot mailbox write. Results from streams that have
// since been replaced are dropped, and a pending final is never overwritten
// by a partial.
func (r *Recognizer) deliver(gen uint64, res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || r.stream == nil {
		return
	}
	h := recognizer.Hypothesis{Text: res.Text, Final: res.Final}
	if h.Final {
		if r.waiter != nil {
			select {
			case r.waiter <- h:
			default:
			}
			return
		}
		r.latest = h
		return
	}
	if r.latest.Final {
		return
	}
	r.latest = h
}

// closeStreamLocked also invalidates a dial still in flight.
func (r *Recognizer) closeStreamLocked() {
	r.gen++
	if r.stream == nil {
		return
	}
	if err := r.stream.Close(); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Debug("closing stream failed", slog.String("stream_id", r.streamID), slogError(err))
	}
	r.stream = nil
	r.streamID = ""
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
