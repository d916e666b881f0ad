package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"crdt-sync/pkg/metrics"
)

// Broker is an in-process pub/sub broker. It serves single-process
// deployments and lets tests run several registries ("processes") against a
// shared broker.
type Broker struct {
	mu    sync.RWMutex
	nodes map[string]*MemoryBridge
	down  bool
	since time.Time
}

func NewBroker() *Broker {
	return &Broker{nodes: make(map[string]*MemoryBridge), since: time.Now()}
}

// Connect attaches a node to the broker.
func (b *Broker) Connect(nodeID string, logger *slog.Logger) *MemoryBridge {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MemoryBridge{
		node:     nodeID,
		broker:   b,
		handlers: make(map[string]subscriber),
		inbox:    make(chan Message, 1024),
		done:     make(chan struct{}),
		logger:   logger.With("component", "bridge", "node", nodeID),
	}
	b.mu.Lock()
	b.nodes[nodeID] = m
	b.mu.Unlock()
	go m.dispatch()
	return m
}

// SetDown simulates a broker outage. Bringing it back runs every node's
// reconnect callbacks.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	was := b.down
	b.down = down
	b.since = time.Now()
	nodes := make([]*MemoryBridge, 0, len(b.nodes))
	for _, n := range b.nodes {
		nodes = append(nodes, n)
	}
	b.mu.Unlock()

	if was && !down {
		for _, n := range nodes {
			n.reconnected()
		}
	}
}

func (b *Broker) isDown() (bool, time.Time) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.down, b.since
}

func (b *Broker) route(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, n := range b.nodes {
		if id == msg.Node {
			continue
		}
		n.enqueue(msg)
	}
}

func (b *Broker) detach(nodeID string) {
	b.mu.Lock()
	delete(b.nodes, nodeID)
	b.mu.Unlock()
}

// MemoryBridge is one node's view of a Broker.
type MemoryBridge struct {
	node   string
	broker *Broker
	logger *slog.Logger

	mu          sync.RWMutex
	handlers    map[string]subscriber
	onReconnect []func()

	inbox     chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func (m *MemoryBridge) NodeID() string { return m.node }

func (m *MemoryBridge) Publish(_ context.Context, msg Message) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	if down, _ := m.broker.isDown(); down {
		metrics.BridgePublishErrors.Inc()
		return ErrUnavailable
	}
	msg.Node = m.node
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	m.broker.route(msg)
	return nil
}

func (m *MemoryBridge) enqueue(msg Message) {
	select {
	case m.inbox <- msg:
	case <-m.done:
	default:
		metrics.BridgePublishErrors.Inc()
		m.logger.Warn("bridge inbox full, dropping message", "doc", msg.Doc, "kind", msg.Kind)
	}
}

func (m *MemoryBridge) dispatch() {
	for {
		select {
		case <-m.done:
			return
		case msg := <-m.inbox:
			m.mu.RLock()
			sub, ok := m.handlers[msg.Doc]
			m.mu.RUnlock()
			if ok {
				sub.h(msg)
			}
		}
	}
}

func (m *MemoryBridge) Subscribe(_ context.Context, docID string, h Handler) (Subscription, error) {
	sub := newSubscription(docID)
	m.mu.Lock()
	m.handlers[docID] = subscriber{id: sub.id, h: h}
	m.mu.Unlock()
	if down, _ := m.broker.isDown(); down {
		return sub, ErrUnavailable
	}
	return sub, nil
}

func (m *MemoryBridge) Unsubscribe(_ context.Context, sub Subscription) error {
	m.mu.Lock()
	if cur, ok := m.handlers[sub.Doc]; ok && cur.id == sub.id {
		delete(m.handlers, sub.Doc)
	}
	m.mu.Unlock()
	return nil
}

// Subscribed reports whether docID currently has a handler.
func (m *MemoryBridge) Subscribed(docID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handlers[docID]
	return ok
}

func (m *MemoryBridge) Status() Status {
	down, since := m.broker.isDown()
	return Status{Connected: !down, Since: since}
}

func (m *MemoryBridge) OnReconnect(fn func()) {
	m.mu.Lock()
	m.onReconnect = append(m.onReconnect, fn)
	m.mu.Unlock()
}

func (m *MemoryBridge) reconnected() {
	m.mu.RLock()
	callbacks := append([]func(){}, m.onReconnect...)
	m.mu.RUnlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (m *MemoryBridge) Close() error {
	m.closeOnce.Do(func() {
		m.broker.detach(m.node)
		close(m.done)
	})
	return nil
}

var _ Bridge = (*MemoryBridge)(nil)
