package presence

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/protocol"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "presence-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestPresenceTracksPeersAndState(t *testing.T) {
	client := startBus(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	var mu sync.Mutex
	state := "idle"
	var changes []string

	p, err := Start(context.Background(), config.NodeConfig{
		ID:                "listener-a",
		Role:              "listener",
		HeartbeatInterval: 50,
		HeartbeatTimeout:  500,
	}, client, Options{
		Capabilities: []protocol.Capability{{Name: "stt.model"}},
		State: func() string {
			mu.Lock()
			defer mu.Unlock()
			return state
		},
		OnStateChange: func(s string) {
			mu.Lock()
			defer mu.Unlock()
			changes = append(changes, s)
		},
	}, log)
	if err != nil {
		t.Fatalf("start presence: %v", err)
	}
	defer p.Close()

	if err := client.PublishJSON(protocol.SubjectNodeAnnounce, protocol.Announce{
		NodeID:       "listener-b",
		Role:         "listener",
		Capabilities: []protocol.Capability{{Name: "stt.continuous"}},
	}); err != nil {
		t.Fatalf("announce peer: %v", err)
	}

	mu.Lock()
	state = "listening"
	mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(changes)
		mu.Unlock()
		if n >= 2 && p.Healthy() && len(p.Nodes(WithCapability("stt.continuous"))) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) < 2 || changes[0] != "idle" || changes[1] != "listening" {
		t.Fatalf("unexpected state changes %v", changes)
	}
	if !p.Healthy() {
		t.Fatalf("expected own heartbeat to mark node healthy")
	}
	peers := p.Nodes(WithCapability("stt.continuous"))
	if len(peers) != 1 || peers[0].ID != "listener-b" {
		t.Fatalf("unexpected peers %+v", peers)
	}
	self := p.Nodes(func(n NodeInfo) bool { return n.ID == "listener-a" })
	if len(self) != 1 || self[0].State != "listening" {
		t.Fatalf("expected heartbeat state on self, got %+v", self)
	}
}

func TestPresenceMarksSilentPeersUnhealthy(t *testing.T) {
	client := startBus(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := Start(context.Background(), config.NodeConfig{
		ID:                "listener-a",
		HeartbeatInterval: 1000,
		HeartbeatTimeout:  2000,
	}, client, Options{}, log)
	if err != nil {
		t.Fatalf("start presence: %v", err)
	}
	defer p.Close()

	p.updateNode("stale", "listener", "", nil, time.Now().Add(-time.Minute))
	p.evaluateHealth()
	nodes := p.Nodes(func(n NodeInfo) bool { return n.ID == "stale" })
	if len(nodes) != 1 || nodes[0].Healthy {
		t.Fatalf("expected stale node to be unhealthy, got %+v", nodes)
	}
}
