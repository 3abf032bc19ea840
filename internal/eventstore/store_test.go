package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/events"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "listen.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if es.Enabled() {
		t.Fatalf("ephemeral store must be disabled")
	}
	if err := es.AppendTranscript(context.Background(), Transcript{SessionID: "s", Kind: KindFinal}); err != nil {
		t.Fatalf("ephemeral append must be a no-op: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.TouchSession(ctx, Session{ID: "session-123", NodeID: "node-1", Backend: "model"}); err != nil {
		t.Fatalf("touch session: %v", err)
	}
	for _, tr := range []Transcript{
		{SessionID: "session-123", UtteranceID: "u1", Kind: KindPartial, Text: "turn on"},
		{SessionID: "session-123", UtteranceID: "u1", Kind: KindFinal, Text: "turn on the lights"},
	} {
		if err := es.AppendTranscript(ctx, tr); err != nil {
			t.Fatalf("append transcript: %v", err)
		}
	}
	got, err := es.ListTranscripts(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(got) != 2 || got[1].Kind != KindFinal || got[1].Text != "turn on the lights" || got[1].UtteranceID != "u1" {
		t.Fatalf("unexpected transcripts %+v", got)
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].NodeID != "node-1" || sessions[0].Backend != "model" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestAppendRejectsUnknownKind(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.AppendTranscript(context.Background(), Transcript{SessionID: "s", Kind: "note"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.TouchSession(ctx, Session{ID: "old-session"}); err != nil {
		t.Fatalf("touch session: %v", err)
	}
	if err := es.AppendTranscript(ctx, Transcript{SessionID: "old-session", Kind: KindFinal, Text: "old"}); err != nil {
		t.Fatalf("append transcript: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.TouchSession(ctx, Session{ID: "new-session"}); err != nil {
		t.Fatalf("touch session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	got, err := es.ListTranscripts(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected old session pruned, got %+v", got)
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("unexpected sessions after prune %+v", sessions)
	}
}

func TestRecorderPersistsEvents(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	rec := NewRecorder(es, "node-1", "model", newLogger())

	now := time.Now().UTC()
	rec.OnPartialResult(events.Event{SessionID: "s1", UtteranceID: "u1", Text: "hel", Time: now})
	rec.OnFinalResult(events.Event{SessionID: "s1", UtteranceID: "u1", Text: "hello", Time: now.Add(time.Millisecond)})
	rec.OnError(events.Event{SessionID: "s1", Message: errors.New("device busy").Error(), Time: now.Add(2 * time.Millisecond)})
	rec.OnFinalResult(events.Event{Text: "no session"})
	rec.Close()
	rec.Close()
	rec.OnFinalResult(events.Event{SessionID: "s1", Text: "after close"})

	got, err := es.ListTranscripts(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected final and error only, got %+v", got)
	}
	if got[0].Kind != KindFinal || got[0].Text != "hello" || got[1].Kind != KindError || got[1].Text != "device busy" {
		t.Fatalf("unexpected transcripts %+v", got)
	}
}

func TestRecorderRecordsPartialsWhenEnabled(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session", RecordPartials: true})
	rec := NewRecorder(es, "node-1", "continuous", newLogger())
	rec.OnPartialResult(events.Event{SessionID: "s1", UtteranceID: "u1", Text: "hel", Time: time.Now()})
	rec.Close()

	got, err := es.ListTranscripts(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(got) != 1 || got[0].Kind != KindPartial {
		t.Fatalf("expected a recorded partial, got %+v", got)
	}
}
