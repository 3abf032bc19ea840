package control

import (
	"log/slog"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/events"
	"github.com/loqalabs/loqa-listen/internal/protocol"
)

// EventPublisher republishes session events on listen.text.* and
// listen.error.
type EventPublisher struct {
	bus    *bus.Client
	nodeID string
	log    *slog.Logger
}

func NewEventPublisher(busClient *bus.Client, nodeID string, log *slog.Logger) *EventPublisher {
	return &EventPublisher{
		bus:    busClient,
		nodeID: nodeID,
		log:    log.With(slog.String("component", "event-publisher")),
	}
}

func (p *EventPublisher) OnPartialResult(e events.Event) {
	p.publish(protocol.SubjectListenPartial, e)
}

func (p *EventPublisher) OnFinalResult(e events.Event) {
	p.publish(protocol.SubjectListenFinal, e)
}

func (p *EventPublisher) OnError(e events.Event) {
	p.publish(protocol.SubjectListenError, e)
}

func (p *EventPublisher) publish(subject string, e events.Event) {
	msg := protocol.ListenEvent{
		NodeID:      p.nodeID,
		SessionID:   e.SessionID,
		UtteranceID: e.UtteranceID,
		Text:        e.Text,
		Error:       e.Message,
		Timestamp:   e.Time.UTC(),
	}
	if err := p.bus.PublishJSON(subject, msg); err != nil {
		p.log.Warn("failed to publish listen event", slog.String("subject", subject), slogError(err))
	}
}
