// Package presence announces this listener node on the bus and heartbeats
// its session state, tracking the other nodes it hears from.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type NodeInfo struct {
	ID           string
	Role         string
	State        string
	Capabilities []protocol.Capability
	LastSeen     time.Time
	Healthy      bool
}

type Options struct {
	Capabilities []protocol.Capability
	// State reports the local session state for heartbeats.
	State func() string
	// OnStateChange is called from the heartbeat goroutine when the local
	// state differs from the previous heartbeat.
	OnStateChange func(string)
}

type Presence struct {
	cfg  config.NodeConfig
	opts Options
	log  *slog.Logger
	bus  *bus.Client

	mu        sync.RWMutex
	nodes     map[string]*NodeInfo
	lastState string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
}

func Start(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, opts Options, log *slog.Logger) (*Presence, error) {
	ctx, cancel := context.WithCancel(ctx)
	p := &Presence{
		cfg:    cfg,
		opts:   opts,
		log:    log.With(slog.String("component", "presence")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slogError(err))
	}
	if err := p.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	if err := p.announce(); err != nil {
		p.log.Warn("failed to announce node", slogError(err))
	}
	p.beat()

	p.wg.Add(1)
	go p.run(ctx)
	return p, nil
}

func (p *Presence) Close() {
	p.cancel()
	p.wg.Wait()
	for _, sub := range p.subs {
		_ = sub.Drain()
	}
}

func (p *Presence) subscribe() error {
	conn := p.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, p.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	p.subs = append(p.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", p.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	p.subs = append(p.subs, heartbeatSub)
	return nil
}

func (p *Presence) run(ctx context.Context) {
	defer p.wg.Done()
	interval := time.Duration(p.cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			p.beat()
		case <-health.C:
			p.evaluateHealth()
		}
	}
}

func (p *Presence) beat() {
	state := p.localState()
	p.mu.Lock()
	changed := state != p.lastState
	p.lastState = state
	p.mu.Unlock()

	msg := protocol.Heartbeat{NodeID: p.cfg.ID, State: state, Timestamp: time.Now().UTC()}
	if err := p.bus.PublishJSON(protocol.SubjectNodeHeartbeatPrefix+"."+p.cfg.ID, msg); err != nil {
		p.log.Warn("failed to publish heartbeat", slogError(err))
	}
	if changed && p.opts.OnStateChange != nil {
		p.opts.OnStateChange(state)
	}
}

func (p *Presence) announce() error {
	msg := protocol.Announce{
		NodeID:       p.cfg.ID,
		Role:         p.cfg.Role,
		Capabilities: p.opts.Capabilities,
		Timestamp:    time.Now().UTC(),
	}
	if err := p.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	p.updateNode(msg.NodeID, msg.Role, "", msg.Capabilities, msg.Timestamp)
	return nil
}

func (p *Presence) handleAnnounce(msg *nats.Msg) {
	var a protocol.Announce
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		p.log.Warn("invalid announce message", slogError(err))
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	p.updateNode(a.NodeID, a.Role, "", a.Capabilities, a.Timestamp)
}

func (p *Presence) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		p.log.Warn("invalid heartbeat message", slogError(err))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	p.updateNode(hb.NodeID, "", hb.State, nil, hb.Timestamp)
}

func (p *Presence) updateNode(id, role, state string, caps []protocol.Capability, seen time.Time) {
	if id == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	node, ok := p.nodes[id]
	if !ok {
		node = &NodeInfo{ID: id}
		p.nodes[id] = node
	}
	if role != "" {
		node.Role = role
	}
	if state != "" {
		node.State = state
	}
	if len(caps) > 0 {
		node.Capabilities = caps
	}
	node.LastSeen = seen
	node.Healthy = true
}

func (p *Presence) evaluateHealth() {
	timeout := time.Duration(p.cfg.HeartbeatTimeout) * time.Millisecond
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, node := range p.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node's own heartbeat is making it through
// the bus.
func (p *Presence) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	node, ok := p.nodes[p.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns a snapshot of known nodes, optionally filtered.
func (p *Presence) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []NodeInfo
	for _, node := range p.nodes {
		n := *node
		if filter == nil || filter(n) {
			out = append(out, n)
		}
	}
	return out
}

// WithCapability matches nodes advertising the named capability.
func WithCapability(name string) func(NodeInfo) bool {
	return func(n NodeInfo) bool {
		for _, c := range n.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func (p *Presence) localState() string {
	if p.opts.State == nil {
		return ""
	}
	return p.opts.State()
}

func (p *Presence) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-listen/presence")
	gauge, err := meter.Int64ObservableGauge("loqa.listen.nodes", metric.WithDescription("Healthy listener nodes seen on the bus"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(len(p.Nodes(func(n NodeInfo) bool { return n.Healthy }))))
		return nil
	}, gauge)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
