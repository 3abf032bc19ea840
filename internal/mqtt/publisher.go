// Package mqtt mirrors session events onto an MQTT broker for device-side
// consumers that do not speak NATS.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/events"
	"github.com/loqalabs/loqa-listen/internal/protocol"
)

const publishTimeout = 2 * time.Second

// publisher is the slice of paho.Client the Publisher uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

type Publisher struct {
	client publisher
	conn   paho.Client
	prefix string
	nodeID string
	qos    byte
	log    *slog.Logger
}

// Topic is <prefix>/listen/<node>/<kind>.
func Topic(prefix, nodeID, kind string) string {
	return fmt.Sprintf("%s/listen/%s/%s", strings.TrimSuffix(prefix, "/"), nodeID, kind)
}

// Connect dials the broker and announces the node as online. The broker
// flips the retained status to offline if the connection drops. An
// unreachable broker fails the call within cfg.ConnectTimeout; once
// connected, paho reconnects on its own.
func Connect(ctx context.Context, cfg config.MQTTConfig, nodeID string, log *slog.Logger) (*Publisher, error) {
	log = log.With(slog.String("component", "mqtt"))
	status := Topic(cfg.TopicPrefix, nodeID, "status")
	timeout := time.Duration(cfg.ConnectTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout).
		SetWill(status, "offline", byte(cfg.QoS), true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn("mqtt connection lost", slog.String("error", err.Error()))
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, fmt.Errorf("connect mqtt broker: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt broker: %w", err)
	}

	p := newPublisher(client, cfg.TopicPrefix, nodeID, byte(cfg.QoS), log)
	p.conn = client
	p.publish(status, "online", true)
	log.Info("connected to MQTT broker", slog.String("broker", cfg.BrokerURL))
	return p, nil
}

func newPublisher(client publisher, prefix, nodeID string, qos byte, log *slog.Logger) *Publisher {
	return &Publisher{client: client, prefix: prefix, nodeID: nodeID, qos: qos, log: log}
}

func (p *Publisher) OnPartialResult(e events.Event) { p.publishEvent("partial", e) }
func (p *Publisher) OnFinalResult(e events.Event)   { p.publishEvent("final", e) }
func (p *Publisher) OnError(e events.Event)         { p.publishEvent("error", e) }

// PublishState updates the retained session state topic.
func (p *Publisher) PublishState(state string) {
	p.publish(Topic(p.prefix, p.nodeID, "state"), state, true)
}

func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	p.publish(Topic(p.prefix, p.nodeID, "status"), "offline", true)
	p.conn.Disconnect(250)
}

func (p *Publisher) publishEvent(kind string, e events.Event) {
	payload, err := json.Marshal(protocol.ListenEvent{
		NodeID:      p.nodeID,
		SessionID:   e.SessionID,
		UtteranceID: e.UtteranceID,
		Text:        e.Text,
		Error:       e.Message,
		Timestamp:   e.Time,
	})
	if err != nil {
		p.log.Warn("failed to marshal event", slog.String("error", err.Error()))
		return
	}
	p.publish(Topic(p.prefix, p.nodeID, kind), payload, false)
}

// publish does not wait for the broker; failures are logged when the token
// completes.
func (p *Publisher) publish(topic string, payload interface{}, retained bool) {
	token := p.client.Publish(topic, p.qos, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			p.log.Debug("mqtt publish still pending", slog.String("topic", topic))
			return
		}
		if err := token.Error(); err != nil {
			p.log.Warn("mqtt publish failed", slog.String("topic", topic), slog.String("error", err.Error()))
		}
	}()
}
