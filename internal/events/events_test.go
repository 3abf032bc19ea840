package events

import (
	"errors"
	"testing"
)

type recorder struct {
	kinds []string
	texts []string
	utts  []string
}

func (r *recorder) listener() Listener {
	return Funcs{
		Partial: func(e Event) { r.add("partial", e.Text, e.UtteranceID) },
		Final:   func(e Event) { r.add("final", e.Text, e.UtteranceID) },
		Error:   func(e Event) { r.add("error", e.Message, e.UtteranceID) },
	}
}

func (r *recorder) add(kind, text, utt string) {
	r.kinds = append(r.kinds, kind)
	r.texts = append(r.texts, text)
	r.utts = append(r.utts, utt)
}

func TestEmitterDropsEmptyAndDuplicatePartials(t *testing.T) {
	rec := &recorder{}
	e := NewEmitter(rec.listener())
	e.Begin("s1")

	e.Partial("")
	e.Partial("turn")
	e.Partial("turn")
	e.Partial("turn on")
	e.Partial("turn")

	want := []string{"turn", "turn on", "turn"}
	if len(rec.texts) != len(want) {
		t.Fatalf("expected %v, got %v", want, rec.texts)
	}
	for i := range want {
		if rec.texts[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, rec.texts)
		}
	}
	if e.LastPartial() != "turn" {
		t.Fatalf("unexpected last partial %q", e.LastPartial())
	}
}

func TestEmitterFinalStartsNewUtterance(t *testing.T) {
	rec := &recorder{}
	e := NewEmitter(rec.listener())
	e.Begin("s1")

	e.Partial("hello")
	if !e.Final("hello world") {
		t.Fatalf("expected final to be delivered")
	}
	if e.LastPartial() != "" {
		t.Fatalf("expected partial state cleared")
	}
	// the same text may be partial again in the next utterance
	e.Partial("hello")

	if len(rec.kinds) != 3 || rec.kinds[1] != "final" || rec.kinds[2] != "partial" {
		t.Fatalf("unexpected events %v", rec.kinds)
	}
	first := rec.utts[0]
	if first == "" || rec.utts[1] != first || rec.utts[2] == first {
		t.Fatalf("unexpected utterance ids %v", rec.utts)
	}
}

func TestEmitterEmptyFinalIsSilent(t *testing.T) {
	rec := &recorder{}
	e := NewEmitter(rec.listener())
	e.Begin("s1")
	e.Partial("a")
	if e.Final("") {
		t.Fatalf("empty final must not be delivered")
	}
	e.Partial("a")
	if len(rec.kinds) != 2 || rec.kinds[0] != "partial" || rec.kinds[1] != "partial" {
		t.Fatalf("unexpected events %v", rec.kinds)
	}
	if rec.utts[0] == rec.utts[1] {
		t.Fatalf("empty final still ends the utterance")
	}
}

func TestEmitterClosedGate(t *testing.T) {
	rec := &recorder{}
	e := NewEmitter(rec.listener())
	e.Begin("s1")
	e.Error(errors.New("device busy"))
	e.Close()
	e.Partial("late")
	e.Final("late")
	e.Error(errors.New("late"))
	if len(rec.kinds) != 1 || rec.kinds[0] != "error" || rec.texts[0] != "device busy" {
		t.Fatalf("unexpected events %v %v", rec.kinds, rec.texts)
	}
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a.listener(), b.listener()}
	m.OnPartialResult(Event{Text: "x"})
	m.OnFinalResult(Event{Text: "y"})
	m.OnError(Event{Message: "z"})
	if len(a.kinds) != 3 || len(b.kinds) != 3 {
		t.Fatalf("expected both listeners to see 3 events, got %d and %d", len(a.kinds), len(b.kinds))
	}
}
