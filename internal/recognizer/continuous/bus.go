package continuous

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/pcm"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusDialer streams audio frames to a Loqa STT service over NATS and listens
// for its transcripts. SubjectPrefix selects the transcript subjects
// (<prefix>.partial and <prefix>.final).
type BusDialer struct {
	Bus           *bus.Client
	SubjectPrefix string
}

func (d *BusDialer) Name() string { return "bus" }

func (d *BusDialer) Dial(ctx context.Context, streamID string, onResult func(Result)) (Stream, error) {
	if d.Bus == nil || !d.Bus.Healthy() {
		return nil, fmt.Errorf("bus not connected")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(d.SubjectPrefix, ".")
	if prefix == "" {
		prefix = strings.TrimSuffix(protocol.SubjectTranscriptFinal, ".final")
	}
	s := &busStream{
		id:       streamID,
		bus:      d.Bus,
		subject:  protocol.SubjectAudioFramePrefix + "." + streamID,
		onResult: onResult,
	}
	sub, err := d.Bus.Conn().Subscribe(prefix+".*", s.handleTranscript)
	if err != nil {
		return nil, fmt.Errorf("subscribe transcripts: %w", err)
	}
	s.sub = sub
	// make sure the subscription is registered before any audio leaves
	if err := d.Bus.Conn().Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return s, nil
}

type busStream struct {
	id       string
	bus      *bus.Client
	subject  string
	sub      *nats.Subscription
	onResult func(Result)

	mu     sync.Mutex
	seq    int
	closed bool
}

func (s *busStream) handleTranscript(msg *nats.Msg) {
	var t protocol.Transcript
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		s.bus.Logger().Warn("failed to decode transcript", slog.String("error", err.Error()))
		return
	}
	if t.SessionID != s.id {
		return
	}
	final := strings.HasSuffix(msg.Subject, ".final")
	s.onResult(Result{Text: t.Text, Final: final && !t.Partial})
}

func (s *busStream) Push(chunk []byte) error {
	return s.publish(chunk, false)
}

func (s *busStream) Flush() error {
	return s.publish(nil, true)
}

func (s *busStream) publish(chunk []byte, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream %s closed", s.id)
	}
	s.seq++
	frame := protocol.AudioFrame{
		SessionID:  s.id,
		Sequence:   s.seq,
		SampleRate: pcm.SampleRate,
		Channels:   pcm.Channels,
		PCM:        chunk,
		Final:      final,
	}
	return s.bus.PublishJSON(s.subject, frame)
}

func (s *busStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Unsubscribe()
}
