// Package session implements the speech session controller: it owns the
// recognizer backend and the capture source, runs the capture loop and turns
// hypotheses into events.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-listen/internal/bundle"
	"github.com/loqalabs/loqa-listen/internal/capture"
	"github.com/loqalabs/loqa-listen/internal/events"
	"github.com/loqalabs/loqa-listen/internal/pcm"
	"github.com/loqalabs/loqa-listen/internal/recognizer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	Provisioner   bundle.Provisioner
	RequiredFiles []string
	Backend       recognizer.Backend
	Source        capture.Source
	Listener      events.Listener

	// InitTimeout bounds provisioning plus model load; zero means no limit.
	InitTimeout time.Duration
	// FinalizeTimeout bounds the forced finalization on stop.
	FinalizeTimeout    time.Duration
	ReportDecodeErrors bool
	Log                *slog.Logger
}

type Controller struct {
	provisioner bundle.Provisioner
	required    []string
	backend     recognizer.Backend
	source      capture.Source
	emitter     *events.Emitter
	opts        Options
	log         *slog.Logger
	tracer      trace.Tracer
	metrics     *sessionMetrics

	ctx    context.Context
	cancel context.CancelFunc

	// lifecycle serializes StartListening, StopListening and Dispose.
	lifecycle sync.Mutex

	mu         sync.Mutex
	state      State
	gen        uint64
	initCancel context.CancelFunc
	bundle     bundle.Bundle
	sessionID  string
	loopDone   chan struct{}
	loopCancel context.CancelFunc

	stop atomic.Bool
}

func New(parent context.Context, opts Options) *Controller {
	ctx, cancel := context.WithCancel(parent)
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		provisioner: opts.Provisioner,
		required:    opts.RequiredFiles,
		backend:     opts.Backend,
		source:      opts.Source,
		emitter:     events.NewEmitter(opts.Listener),
		opts:        opts,
		log:         log.With(slog.String("component", "session"), slog.String("backend", opts.Backend.Name())),
		tracer:      otel.Tracer(instrumentation),
		ctx:         ctx,
		cancel:      cancel,
		state:       Idle,
	}
	m, err := newMetrics(c)
	if err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	} else {
		c.metrics = m
	}
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID identifies the current or most recent listening session.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Bundle is the resource bundle of the last successful initialization.
func (c *Controller) Bundle() bundle.Bundle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bundle
}

// Initialize blocks until initialization completes or ctx is done. A ctx
// that expires first abandons the wait, not the initialization.
func (c *Controller) Initialize(ctx context.Context) bool {
	select {
	case ok := <-c.InitializeAsync():
		return ok
	case <-ctx.Done():
		return false
	}
}

// InitializeAsync provisions the bundle and loads the backend in the
// background. The channel receives exactly one result.
func (c *Controller) InitializeAsync() <-chan bool {
	result := make(chan bool, 1)

	c.mu.Lock()
	switch c.state {
	case Initializing, Listening, Stopping, Disposed:
		state := c.state
		c.mu.Unlock()
		c.log.Warn("initialize rejected", slog.String("state", state.String()))
		result <- false
		return result
	}
	c.gen++
	gen := c.gen
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.opts.InitTimeout > 0 {
		ctx, cancel = context.WithTimeout(c.ctx, c.opts.InitTimeout)
	} else {
		ctx, cancel = context.WithCancel(c.ctx)
	}
	c.initCancel = cancel
	c.state = Initializing
	c.mu.Unlock()

	go func() {
		defer cancel()
		result <- c.runInitialize(ctx, gen)
	}()
	return result
}

func (c *Controller) runInitialize(ctx context.Context, gen uint64) bool {
	ctx, span := c.tracer.Start(ctx, "session.initialize",
		trace.WithAttributes(attribute.String("backend", c.backend.Name())))
	defer span.End()

	b, err := c.load(ctx)

	c.mu.Lock()
	if c.gen != gen || c.state != Initializing {
		c.mu.Unlock()
		// disposed while loading: the result is discarded
		if err == nil {
			if uerr := c.backend.Unload(); uerr != nil {
				c.log.Warn("unload after dispose failed", slogError(uerr))
			}
		}
		span.SetStatus(codes.Error, "discarded")
		return false
	}
	c.initCancel = nil
	if err != nil {
		c.state = Idle
		c.mu.Unlock()
		if uerr := c.backend.Unload(); uerr != nil {
			c.log.Debug("unload after failed initialization", slogError(uerr))
		}
		c.log.Warn("initialization failed", slogError(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.initialized(ctx, false)
		return false
	}
	c.bundle = b
	c.state = Ready
	c.mu.Unlock()

	c.log.Info("session ready", slog.String("bundle", b.Root))
	c.metrics.initialized(ctx, true)
	return true
}

func (c *Controller) load(ctx context.Context) (b bundle.Bundle, err error) {
	defer func() {
		// a faulting provisioner or backend must not leave the session stuck
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", recognizer.ErrLoad, r)
		}
	}()

	if err := c.backend.Unload(); err != nil {
		c.log.Debug("unload before initialization", slogError(err))
	}
	root, err := c.provisioner.Provision(ctx)
	if err != nil {
		return bundle.Bundle{}, err
	}
	b, err = bundle.Open(root, c.required)
	if err != nil {
		return bundle.Bundle{}, err
	}
	if err := c.backend.Load(ctx, b); err != nil {
		return bundle.Bundle{}, err
	}
	return b, nil
}

// StartListening opens the capture source and starts the capture loop.
// It succeeds immediately when already listening.
func (c *Controller) StartListening(ctx context.Context) bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	switch state := c.State(); state {
	case Listening:
		return true
	case Ready:
	default:
		c.log.Warn("start rejected", slog.String("state", state.String()))
		return false
	}

	_, span := c.tracer.Start(ctx, "session.start")
	defer span.End()
	if err := c.source.Open(c.ctx); err != nil {
		c.log.Warn("failed to open capture source", slogError(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false
	}

	sessionID := uuid.NewString()
	done := make(chan struct{})
	loopCtx, loopCancel := context.WithCancel(c.ctx)

	c.mu.Lock()
	if c.state != Ready {
		// re-initialization began while the source was opening
		c.mu.Unlock()
		loopCancel()
		_ = c.source.Close()
		return false
	}
	c.emitter.Begin(sessionID)
	c.stop.Store(false)
	c.sessionID = sessionID
	c.loopDone = done
	c.loopCancel = loopCancel
	c.state = Listening
	c.mu.Unlock()

	span.SetAttributes(attribute.String("session_id", sessionID))
	c.log.Info("listening", slog.String("session_id", sessionID))
	go c.captureLoop(loopCtx, done)
	return true
}

// StopListening ends the capture loop, forces a final hypothesis and returns
// to Ready. It succeeds immediately when not listening.
func (c *Controller) StopListening(ctx context.Context) bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.stopLocked(ctx, nil)
}

// stopLocked requires c.lifecycle. When only is set, the stop applies to
// the capture loop owning that done channel and is a no-op otherwise.
func (c *Controller) stopLocked(ctx context.Context, only chan struct{}) bool {
	c.mu.Lock()
	if c.state != Listening || (only != nil && c.loopDone != only) {
		c.mu.Unlock()
		return true
	}
	done := c.loopDone
	loopCancel := c.loopCancel
	c.state = Stopping
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "session.stop")
	defer span.End()

	c.stop.Store(true)
	if err := c.source.Close(); err != nil {
		c.log.Debug("closing capture source", slogError(err))
	}
	// abandons a feed still waiting on the recognizer
	loopCancel()
	<-done

	fctx, cancel := context.WithTimeout(c.ctx, c.finalizeTimeout())
	h, err := c.backend.ForceFinalize(fctx)
	cancel()
	if err != nil {
		c.reportFeedError(ctx, err)
	}
	text := h.Text
	if text == "" {
		text = c.emitter.LastPartial()
	}
	if c.emitter.Final(text) {
		c.metrics.event(ctx, "final")
	}
	c.backend.Reset()

	c.mu.Lock()
	if c.state == Stopping {
		c.state = Ready
	}
	c.loopDone = nil
	c.loopCancel = nil
	c.mu.Unlock()
	c.log.Info("stopped listening", slog.String("session_id", c.SessionID()))
	return true
}

// Dispose releases everything and is terminal. It is safe to call more than
// once and from any state; no event is delivered after it returns.
func (c *Controller) Dispose() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.state == Disposed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = Disposed
	done := c.loopDone
	c.loopDone = nil
	c.loopCancel = nil
	if c.initCancel != nil {
		c.initCancel()
		c.initCancel = nil
	}
	c.mu.Unlock()

	c.emitter.Close()
	c.cancel()
	c.stop.Store(true)
	if done != nil {
		if err := c.source.Close(); err != nil {
			c.log.Debug("closing capture source", slogError(err))
		}
		<-done
	}
	// an in-flight initialization unloads on its own
	if prev != Initializing {
		if err := c.backend.Unload(); err != nil {
			c.log.Debug("unload on dispose", slogError(err))
		}
	}
	c.log.Info("session disposed", slog.String("previous_state", prev.String()))
}

func (c *Controller) captureLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	buf := make([]int16, capture.FrameSize(c.source))
	backoff := capture.FrameDuration(c.source)
	failing := false

	for {
		if c.stop.Load() {
			return
		}
		n, err := c.source.Read(buf)
		if c.stop.Load() {
			return
		}
		switch {
		case errors.Is(err, capture.ErrClosed):
			return
		case errors.Is(err, io.EOF):
			c.log.Info("capture source exhausted")
			go c.stopOnEOF(done)
			return
		case err != nil:
			// report the first failure of a streak, then poll at frame cadence
			if !failing {
				c.log.Warn("capture read failed", slogError(err))
				c.emitter.Error(err)
				c.metrics.event(ctx, "error")
				failing = true
			}
			if !c.sleep(ctx, backoff) {
				return
			}
			continue
		}
		failing = false
		if n <= 0 {
			continue
		}
		c.feed(ctx, pcm.NewFrame(buf[:n]))
	}
}

func (c *Controller) stopOnEOF(done chan struct{}) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stopLocked(c.ctx, done)
}

func (c *Controller) feed(ctx context.Context, frame pcm.Frame) {
	start := time.Now()
	h, err := c.backend.Feed(ctx, pcm.EncodeFrame(frame))
	c.metrics.frame(ctx, float64(time.Since(start).Microseconds())/1000, frame.DurationMS())
	if err != nil {
		if ctx.Err() != nil {
			// stopping: the frame is dropped and the stop path finalizes
			return
		}
		c.reportFeedError(ctx, err)
		if !errors.Is(err, recognizer.ErrDecode) {
			return
		}
		h.Text = ""
	}
	if h.Final {
		if c.emitter.Final(h.Text) {
			c.metrics.event(ctx, "final")
		}
		c.backend.Reset()
		return
	}
	if c.emitter.Partial(h.Text) {
		c.metrics.event(ctx, "partial")
	}
}

func (c *Controller) reportFeedError(ctx context.Context, err error) {
	if errors.Is(err, recognizer.ErrDecode) {
		c.log.Debug("discarding malformed result", slogError(err))
		if !c.opts.ReportDecodeErrors {
			return
		}
	} else {
		c.log.Warn("recognizer error", slogError(err))
	}
	c.emitter.Error(err)
	c.metrics.event(ctx, "error")
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return !c.stop.Load()
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) finalizeTimeout() time.Duration {
	if c.opts.FinalizeTimeout > 0 {
		return c.opts.FinalizeTimeout
	}
	return 3 * time.Second
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
