package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-redis/redis/v8"

	"crdt-sync/pkg/metrics"
)

// RedisOptions configures a RedisBridge.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	NodeID   string
	// QueueSize bounds the outbound publish queue.
	QueueSize int
	// HealthInterval is how often the broker is pinged while healthy.
	HealthInterval time.Duration
	Logger         *slog.Logger
}

// RedisBridge implements Bridge over Redis pub/sub. A single PubSub
// connection carries the subscriptions of every document on this process.
type RedisBridge struct {
	node   string
	client *redis.Client
	ps     *redis.PubSub
	out    chan Message
	logger *slog.Logger

	// subMu orders channel (un)subscribes with handler map changes.
	subMu       sync.Mutex
	mu          sync.RWMutex
	handlers    map[string]subscriber
	status      Status
	onReconnect []func()

	healthEvery time.Duration
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewRedisBridge connects to Redis. It fails if the broker cannot be pinged,
// so a process configured for clustering never starts silently isolated.
func NewRedisBridge(ctx context.Context, opts RedisOptions) (*RedisBridge, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("%w: redis address is required", ErrUnavailable)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, opts.Addr, err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	b := &RedisBridge{
		node:        opts.NodeID,
		client:      rdb,
		ps:          rdb.Subscribe(runCtx),
		out:         make(chan Message, opts.QueueSize),
		logger:      opts.Logger.With("component", "bridge", "node", opts.NodeID),
		handlers:    make(map[string]subscriber),
		status:      Status{Connected: true, Since: time.Now()},
		healthEvery: opts.HealthInterval,
		cancel:      runCancel,
	}
	metrics.BrokerUp.Set(1)

	b.wg.Add(3)
	go b.receiveLoop()
	go b.publishLoop(runCtx)
	go b.healthLoop(runCtx)
	return b, nil
}

func (b *RedisBridge) NodeID() string { return b.node }

// Publish queues msg. While the broker is down it returns ErrUnavailable so
// the caller can mark the document degraded.
func (b *RedisBridge) Publish(_ context.Context, msg Message) error {
	if !b.Status().Connected {
		metrics.BridgePublishErrors.Inc()
		return ErrUnavailable
	}
	msg.Node = b.node
	select {
	case b.out <- msg:
		return nil
	default:
		metrics.BridgePublishErrors.Inc()
		return ErrQueueFull
	}
}

func (b *RedisBridge) publishLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.out:
			data, err := encode(msg)
			if err != nil {
				b.logger.Error("encode bridge message", "doc", msg.Doc, "error", err)
				continue
			}
			if err := b.client.Publish(ctx, Channel(msg.Doc), data).Err(); err != nil {
				metrics.BridgePublishErrors.Inc()
				b.logger.Warn("bridge publish failed", "doc", msg.Doc, "kind", msg.Kind, "error", err)
				b.markDown(err)
			}
		}
	}
}

func (b *RedisBridge) receiveLoop() {
	defer b.wg.Done()
	for m := range b.ps.Channel() {
		msg, err := decode([]byte(m.Payload))
		if err != nil {
			b.logger.Warn("dropping undecodable bridge message", "channel", m.Channel, "error", err)
			continue
		}
		if msg.Node == b.node {
			continue
		}
		docID := strings.TrimPrefix(m.Channel, "doc:")
		b.mu.RLock()
		sub, ok := b.handlers[docID]
		b.mu.RUnlock()
		if ok {
			sub.h(msg)
		}
	}
}

// Subscribe registers h for docID. The registration survives broker outages;
// if the broker is down the error is returned but the subscription is
// restored on reconnect.
func (b *RedisBridge) Subscribe(ctx context.Context, docID string, h Handler) (Subscription, error) {
	sub := newSubscription(docID)
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.mu.Lock()
	b.handlers[docID] = subscriber{id: sub.id, h: h}
	b.mu.Unlock()
	if err := b.ps.Subscribe(ctx, Channel(docID)); err != nil {
		b.markDown(err)
		return sub, fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, docID, err)
	}
	return sub, nil
}

// Unsubscribe drops sub. The channel stays subscribed when a newer
// registration for the document replaced sub.
func (b *RedisBridge) Unsubscribe(ctx context.Context, sub Subscription) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.mu.Lock()
	cur, ok := b.handlers[sub.Doc]
	current := ok && cur.id == sub.id
	if current {
		delete(b.handlers, sub.Doc)
	}
	b.mu.Unlock()
	if !current {
		return nil
	}
	if err := b.ps.Unsubscribe(ctx, Channel(sub.Doc)); err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %v", ErrUnavailable, sub.Doc, err)
	}
	return nil
}

// Subscribed reports whether docID currently has a handler.
func (b *RedisBridge) Subscribed(docID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[docID]
	return ok
}

func (b *RedisBridge) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *RedisBridge) OnReconnect(fn func()) {
	b.mu.Lock()
	b.onReconnect = append(b.onReconnect, fn)
	b.mu.Unlock()
}

func (b *RedisBridge) markDown(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Connected {
		b.logger.Error("broker connection lost", "error", err)
		b.status = Status{Since: time.Now()}
		metrics.BrokerUp.Set(0)
	}
	b.status.LastError = err.Error()
}

func (b *RedisBridge) markUp() []func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Connected {
		return nil
	}
	b.status = Status{Connected: true, Since: time.Now()}
	metrics.BrokerUp.Set(1)
	return append([]func(){}, b.onReconnect...)
}

// healthLoop pings the broker. While it is down, pings back off
// exponentially; on recovery subscriptions are re-issued and reconnect
// callbacks run.
func (b *RedisBridge) healthLoop(ctx context.Context) {
	defer b.wg.Done()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	wait := b.healthEvery
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := b.client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			b.markDown(err)
			wait = bo.NextBackOff()
			b.logger.Warn("broker ping failed", "retry_in", wait, "error", err)
			continue
		}

		callbacks := b.markUp()
		if callbacks != nil {
			bo.Reset()
			b.resubscribe(ctx)
			b.logger.Info("broker connection restored")
			for _, fn := range callbacks {
				fn()
			}
		}
		wait = b.healthEvery
	}
}

func (b *RedisBridge) resubscribe(ctx context.Context) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.mu.RLock()
	channels := make([]string, 0, len(b.handlers))
	for docID := range b.handlers {
		channels = append(channels, Channel(docID))
	}
	b.mu.RUnlock()
	if len(channels) == 0 {
		return
	}
	if err := b.ps.Subscribe(ctx, channels...); err != nil {
		b.markDown(err)
	}
}

// Ping checks the broker directly.
func (b *RedisBridge) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		if cerr := b.ps.Close(); cerr != nil {
			err = cerr
		}
		if cerr := b.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
		b.wg.Wait()
	})
	return err
}

var _ Bridge = (*RedisBridge)(nil)
