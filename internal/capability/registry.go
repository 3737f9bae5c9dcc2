// Package capability tracks which stockcount daemons are alive on the bus and which
// engines each one serves, so a capture node can tell whether a remote extraction
// server is available before accepting work.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/bus"
	"github.com/loqalabs/loqa-stockcount/internal/config"
	"github.com/loqalabs/loqa-stockcount/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-stockcount/internal/capability"

// Node is the registry's view of one daemon.
type Node struct {
	ID           string                    `json:"id"`
	Version      string                    `json:"version,omitempty"`
	Capabilities []protocol.NodeCapability `json:"capabilities"`
	LastSeen     time.Time                 `json:"last_seen"`
	Healthy      bool                      `json:"healthy"`
}

// Has reports whether the node serves the named capability.
func (n Node) Has(name string) bool {
	for _, c := range n.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

type Registry struct {
	cfg     config.NodeConfig
	version string
	local   []protocol.NodeCapability
	log     *slog.Logger
	bus     *bus.Client
	clock   func() time.Time

	mu    sync.RWMutex
	nodes map[string]*Node

	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
}

// NewRegistry subscribes to node traffic, beats once immediately and then every
// HeartbeatInterval until Close.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, version string, local []protocol.NodeCapability, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	if busClient == nil {
		return nil, errors.New("capability registry requires a bus client")
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		version: version,
		local:   append([]protocol.NodeCapability(nil), local...),
		log:     log.With(slog.String("component", "capability-registry"), slog.String("node_id", cfg.ID)),
		bus:     busClient,
		clock:   time.Now,
		nodes:   make(map[string]*Node),
		cancel:  cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	if err := r.beat(); err != nil {
		r.log.Warn("failed to publish heartbeat", slogError(err))
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)
	return r, nil
}

// Close stops beating and tells the other nodes this one is leaving.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	if r.bus.Healthy() {
		if err := r.bus.Conn().Publish(protocol.SubjectNodeLeave, []byte(r.cfg.ID)); err != nil {
			r.log.Warn("failed to publish leave", slogError(err))
		}
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	hb, err := conn.Subscribe(protocol.SubjectNodeHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, hb)

	leave, err := conn.Subscribe(protocol.SubjectNodeLeave, r.handleLeave)
	if err != nil {
		_ = hb.Unsubscribe()
		return fmt.Errorf("subscribe leave: %w", err)
	}
	r.subs = append(r.subs, leave)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.beat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	period := r.cfg.HeartbeatInterval()
	if period > time.Second {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) beat() error {
	msg := protocol.NodeHeartbeat{
		NodeID:       r.cfg.ID,
		Version:      r.version,
		Capabilities: r.local,
		Timestamp:    r.clock().UTC(),
	}
	r.observe(msg)
	return r.bus.PublishJSON(protocol.NodeHeartbeatSubject(r.cfg.ID), msg)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slogError(err))
		return
	}
	if hb.NodeID == "" {
		return
	}
	// Senders' clocks are not trusted for liveness.
	hb.Timestamp = r.clock().UTC()
	r.observe(hb)
}

func (r *Registry) handleLeave(msg *nats.Msg) {
	id := string(msg.Data)
	if id == "" || id == r.cfg.ID {
		return
	}
	r.mu.Lock()
	if node, ok := r.nodes[id]; ok && node.Healthy {
		node.Healthy = false
		r.log.Info("node left", slog.String("peer", id))
	}
	r.mu.Unlock()
}

func (r *Registry) observe(hb protocol.NodeHeartbeat) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[hb.NodeID]
	if !ok {
		node = &Node{ID: hb.NodeID}
		r.nodes[hb.NodeID] = node
	}
	if !node.Healthy && hb.NodeID != r.cfg.ID {
		r.log.Info("node available", slog.String("peer", hb.NodeID), slog.Int("capabilities", len(hb.Capabilities)))
	}
	node.Version = hb.Version
	node.Capabilities = append([]protocol.NodeCapability(nil), hb.Capabilities...)
	node.LastSeen = hb.Timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := r.cfg.HeartbeatTimeout()
	now := r.clock()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node heartbeat expired", slog.String("peer", node.ID))
		}
	}
}

// Healthy reports whether this node's own heartbeats are being recorded.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns every known node sorted by ID.
func (r *Registry) Nodes() []Node {
	return r.query(func(Node) bool { return true })
}

// Providers returns the healthy nodes other than this one serving capability name.
func (r *Registry) Providers(name string) []Node {
	return r.query(func(n Node) bool {
		return n.Healthy && n.ID != r.cfg.ID && n.Has(name)
	})
}

func (r *Registry) query(filter func(Node) bool) []Node {
	r.mu.RLock()
	results := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = append([]protocol.NodeCapability(nil), node.Capabilities...)
		if filter(n) {
			results = append(results, n)
		}
	}
	r.mu.RUnlock()
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter(meterName)
	nodes, err := meter.Int64ObservableGauge("stockcount.nodes.healthy", metric.WithDescription("Number of nodes with a live heartbeat"))
	if err != nil {
		return err
	}
	caps, err := meter.Int64ObservableGauge("stockcount.nodes.capabilities", metric.WithDescription("Capabilities advertised by healthy nodes"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		healthy, advertised := r.counts()
		obs.ObserveInt64(nodes, healthy)
		obs.ObserveInt64(caps, advertised)
		return nil
	}, nodes, caps)
	return err
}

func (r *Registry) counts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes, caps int64
	for _, node := range r.nodes {
		if !node.Healthy {
			continue
		}
		nodes++
		caps += int64(len(node.Capabilities))
	}
	return nodes, caps
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
