package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/events"
)

const (
	queueSize     = 256
	pruneInterval = time.Hour
	writeTimeout  = 5 * time.Second
)

// Recorder is an events.Listener that persists events from a background
// worker so the capture loop never waits on disk.
type Recorder struct {
	store    *Store
	nodeID   string
	backend  string
	partials bool
	log      *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Transcript
	done   chan struct{}
	known  map[string]bool
}

func NewRecorder(store *Store, nodeID, backend string, log *slog.Logger) *Recorder {
	r := &Recorder{
		store:    store,
		nodeID:   nodeID,
		backend:  backend,
		partials: store.cfg.RecordPartials,
		log:      log.With(slog.String("component", "transcript-recorder")),
		queue:    make(chan Transcript, queueSize),
		done:     make(chan struct{}),
		known:    make(map[string]bool),
	}
	go r.run()
	return r
}

func (r *Recorder) OnPartialResult(e events.Event) {
	if r.partials {
		r.enqueue(e, KindPartial, e.Text)
	}
}

func (r *Recorder) OnFinalResult(e events.Event) {
	r.enqueue(e, KindFinal, e.Text)
}

func (r *Recorder) OnError(e events.Event) {
	r.enqueue(e, KindError, e.Message)
}

func (r *Recorder) enqueue(e events.Event, kind, text string) {
	if !r.store.Enabled() || e.SessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	t := Transcript{SessionID: e.SessionID, UtteranceID: e.UtteranceID, Kind: kind, Text: text, CreatedAt: e.Time}
	select {
	case r.queue <- t:
	default:
		r.log.Warn("transcript queue full, dropping entry", slog.String("kind", kind))
	}
}

// Close flushes queued entries and stops the worker.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	for {
		select {
		case t, ok := <-r.queue:
			if !ok {
				return
			}
			r.write(t)
		case <-prune.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := r.store.Prune(ctx); err != nil {
				r.log.Warn("prune failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

func (r *Recorder) write(t Transcript) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if !r.known[t.SessionID] || t.Kind == KindFinal {
		err := r.store.TouchSession(ctx, Session{ID: t.SessionID, NodeID: r.nodeID, Backend: r.backend, StartedAt: t.CreatedAt})
		if err != nil {
			r.log.Warn("failed to record session", slog.String("error", err.Error()))
			return
		}
		r.known[t.SessionID] = true
	}
	if err := r.store.AppendTranscript(ctx, t); err != nil {
		r.log.Warn("failed to record transcript", slog.String("error", err.Error()))
	}
}
