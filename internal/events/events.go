// Package events delivers session results to listeners.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one partial, final or error notification.
type Event struct {
	SessionID   string
	UtteranceID string
	// Text is set for partial and final results.
	Text string
	// Message is set for errors.
	Message string
	Time    time.Time
}

// Listener receives session events. Callbacks run synchronously on the
// goroutine producing the event and must not call back into the session.
type Listener interface {
	OnPartialResult(Event)
	OnFinalResult(Event)
	OnError(Event)
}

// Multi fans every event out to each listener in order.
type Multi []Listener

func (m Multi) OnPartialResult(e Event) {
	for _, l := range m {
		l.OnPartialResult(e)
	}
}

func (m Multi) OnFinalResult(e Event) {
	for _, l := range m {
		l.OnFinalResult(e)
	}
}

func (m Multi) OnError(e Event) {
	for _, l := range m {
		l.OnError(e)
	}
}

// Funcs adapts plain functions to a Listener; nil fields are skipped.
type Funcs struct {
	Partial func(Event)
	Final   func(Event)
	Error   func(Event)
}

func (f Funcs) OnPartialResult(e Event) {
	if f.Partial != nil {
		f.Partial(e)
	}
}

func (f Funcs) OnFinalResult(e Event) {
	if f.Final != nil {
		f.Final(e)
	}
}

func (f Funcs) OnError(e Event) {
	if f.Error != nil {
		f.Error(e)
	}
}

type logListener struct {
	log *slog.Logger
}

// NewLogListener logs finals and errors at info/warn and partials at debug.
func NewLogListener(log *slog.Logger) Listener {
	return logListener{log: log.With(slog.String("component", "events"))}
}

func (l logListener) OnPartialResult(e Event) {
	l.log.Debug("partial result", slog.String("utterance_id", e.UtteranceID), slog.String("text", e.Text))
}

func (l logListener) OnFinalResult(e Event) {
	l.log.Info("final result", slog.String("utterance_id", e.UtteranceID), slog.String("text", e.Text))
}

func (l logListener) OnError(e Event) {
	l.log.Warn("session error", slog.String("session_id", e.SessionID), slog.String("error", e.Message))
}

// Emitter enforces the delivery rules for one session: empty transcripts
// are dropped, identical consecutive partials are collapsed, each utterance
// gets at most one final and nothing of it follows that final, and nothing
// at all is delivered after Close.
type Emitter struct {
	listener Listener
	now      func() time.Time

	mu          sync.Mutex
	closed      bool
	sessionID   string
	utteranceID string
	lastPartial string
}

func NewEmitter(l Listener) *Emitter {
	return &Emitter{listener: l, now: time.Now}
}

// Begin starts a new session and its first utterance.
func (e *Emitter) Begin(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionID = sessionID
	e.utteranceID = uuid.NewString()
	e.lastPartial = ""
}

func (e *Emitter) Partial(text string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || text == "" || text == e.lastPartial {
		return false
	}
	e.lastPartial = text
	e.listener.OnPartialResult(e.eventLocked(text, ""))
	return true
}

// Final ends the current utterance. An empty text ends it silently.
func (e *Emitter) Final(text string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	ev := e.eventLocked(text, "")
	e.utteranceID = uuid.NewString()
	e.lastPartial = ""
	if text == "" {
		return false
	}
	e.listener.OnFinalResult(ev)
	return true
}

func (e *Emitter) Error(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.listener.OnError(e.eventLocked("", err.Error()))
}

// LastPartial is the most recent partial delivered for the current utterance.
func (e *Emitter) LastPartial() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPartial
}

// Close waits for an in-flight delivery and gates all later ones.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

func (e *Emitter) eventLocked(text, message string) Event {
	return Event{
		SessionID:   e.sessionID,
		UtteranceID: e.utteranceID,
		Text:        text,
		Message:     message,
		Time:        e.now().UTC(),
	}
}
