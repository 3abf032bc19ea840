package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/events"
	"github.com/loqalabs/loqa-listen/internal/protocol"
)

type doneToken struct{ done chan struct{} }

func newDoneToken() doneToken {
	ch := make(chan struct{})
	close(ch)
	return doneToken{done: ch}
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{}          { return t.done }
func (t doneToken) Error() error                   { return nil }

type message struct {
	topic    string
	retained bool
	payload  interface{}
}

type fakeClient struct {
	mu   sync.Mutex
	msgs []message
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, message{topic: topic, retained: retained, payload: payload})
	return newDoneToken()
}

func TestTopic(t *testing.T) {
	if got := Topic("loqa/", "kitchen", "final"); got != "loqa/listen/kitchen/final" {
		t.Fatalf("unexpected topic %q", got)
	}
}

func TestPublisherMirrorsEvents(t *testing.T) {
	client := &fakeClient{}
	p := newPublisher(client, "loqa", "kitchen", 1, slog.New(slog.NewTextHandler(io.Discard, nil)))

	p.OnPartialResult(events.Event{SessionID: "s1", UtteranceID: "u1", Text: "lights"})
	p.OnFinalResult(events.Event{SessionID: "s1", UtteranceID: "u1", Text: "lights on"})
	p.OnError(events.Event{SessionID: "s1", Message: "device busy"})
	p.PublishState("listening")

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(client.msgs))
	}
	wantTopics := []string{
		"loqa/listen/kitchen/partial",
		"loqa/listen/kitchen/final",
		"loqa/listen/kitchen/error",
		"loqa/listen/kitchen/state",
	}
	for i, want := range wantTopics {
		if client.msgs[i].topic != want {
			t.Fatalf("message %d: expected topic %s, got %s", i, want, client.msgs[i].topic)
		}
	}
	var final protocol.ListenEvent
	if err := json.Unmarshal(client.msgs[1].payload.([]byte), &final); err != nil {
		t.Fatalf("decode final: %v", err)
	}
	if final.Text != "lights on" || final.NodeID != "kitchen" || final.UtteranceID != "u1" {
		t.Fatalf("unexpected final payload %+v", final)
	}
	if client.msgs[1].retained || !client.msgs[3].retained {
		t.Fatalf("only the state topic is retained")
	}
	if client.msgs[3].payload != "listening" {
		t.Fatalf("unexpected state payload %v", client.msgs[3].payload)
	}
}

func TestConnectFailsFastWhenBrokerDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := config.Default().MQTT
	cfg.BrokerURL = "tcp://" + addr
	start := time.Now()
	if _, err := Connect(context.Background(), cfg, "kitchen", slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected connect to fail with no broker listening")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("connect took %v against a closed port", elapsed)
	}
}

func TestConnectTimesOutOnSilentBroker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		// accept and never answer CONNECT
		var held []net.Conn
		for {
			conn, err := ln.Accept()
			if err != nil {
				for _, c := range held {
					c.Close()
				}
				return
			}
			held = append(held, conn)
		}
	}()

	cfg := config.Default().MQTT
	cfg.BrokerURL = "tcp://" + ln.Addr().String()
	cfg.ConnectTimeout = 300
	start := time.Now()
	if _, err := Connect(context.Background(), cfg, "kitchen", slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected connect to time out")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("connect took %v with a 300ms limit", elapsed)
	}
}
