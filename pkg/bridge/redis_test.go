package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectRedis(t *testing.T, addr, node string) *RedisBridge {
	t.Helper()
	b, err := NewRedisBridge(context.Background(), RedisOptions{
		Addr:           addr,
		NodeID:         node,
		HealthInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// waitSubscribers waits until the server sees n subscriptions on docID's
// channel.
func waitSubscribers(t *testing.T, mr *miniredis.Miniredis, docID string, n int) {
	t.Helper()
	ch := Channel(docID)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(ch)[ch] == n
	}, 5*time.Second, 5*time.Millisecond, "waiting for %d subscribers on %s", n, ch)
}

func TestRedisBridgesExchangeMessages(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := connectRedis(t, mr.Addr(), "a")
	b := connectRedis(t, mr.Addr(), "b")

	var onA, onB collector
	_, err := a.Subscribe(ctx, "doc-1", onA.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "doc-1", onB.handle)
	require.NoError(t, err)
	waitSubscribers(t, mr, "doc-1", 2)

	require.NoError(t, a.Publish(ctx, Message{Doc: "doc-1", Kind: KindUpdate, Session: "s1", Payload: []byte("d1")}))

	require.Eventually(t, func() bool { return onB.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	onB.mu.Lock()
	got := onB.msgs[0]
	onB.mu.Unlock()
	assert.Equal(t, "a", got.Node)
	assert.Equal(t, "doc-1", got.Doc)
	assert.Equal(t, KindUpdate, got.Kind)
	assert.Equal(t, "s1", got.Session)
	assert.Equal(t, []byte("d1"), got.Payload)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, onA.len(), "a node never hears its own messages")
}

func TestRedisPublishesOnDocumentChannel(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := connectRedis(t, mr.Addr(), "a")

	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer raw.Close()
	sub := raw.Subscribe(ctx, "doc:notes")
	defer sub.Close()
	waitSubscribers(t, mr, "notes", 1)

	require.NoError(t, a.Publish(ctx, Message{Doc: "notes", Kind: KindSyncRequest}))

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	m, err := sub.ReceiveMessage(rctx)
	require.NoError(t, err)
	assert.Equal(t, "doc:notes", m.Channel)
	msg, err := decode([]byte(m.Payload))
	require.NoError(t, err)
	assert.Equal(t, "a", msg.Node)
	assert.Equal(t, KindSyncRequest, msg.Kind)
}

func TestRedisStaleUnsubscribeKeepsChannel(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := connectRedis(t, mr.Addr(), "a")
	b := connectRedis(t, mr.Addr(), "b")

	var old, cur collector
	stale, err := b.Subscribe(ctx, "doc-1", old.handle)
	require.NoError(t, err)
	live, err := b.Subscribe(ctx, "doc-1", cur.handle)
	require.NoError(t, err)
	waitSubscribers(t, mr, "doc-1", 1)

	require.NoError(t, b.Unsubscribe(ctx, stale))
	assert.True(t, b.Subscribed("doc-1"))
	time.Sleep(20 * time.Millisecond)
	waitSubscribers(t, mr, "doc-1", 1)

	require.NoError(t, a.Publish(ctx, Message{Doc: "doc-1", Kind: KindUpdate}))
	require.Eventually(t, func() bool { return cur.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, old.len())

	require.NoError(t, b.Unsubscribe(ctx, live))
	assert.False(t, b.Subscribed("doc-1"))
	waitSubscribers(t, mr, "doc-1", 0)
}

func TestRedisOutageAndRecovery(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := connectRedis(t, mr.Addr(), "a")
	b := connectRedis(t, mr.Addr(), "b")

	var got collector
	_, err := b.Subscribe(ctx, "doc-1", got.handle)
	require.NoError(t, err)
	waitSubscribers(t, mr, "doc-1", 1)

	reconnected := make(chan struct{}, 1)
	b.OnReconnect(func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})

	mr.Close()
	require.Eventually(t, func() bool {
		return !a.Status().Connected && !b.Status().Connected
	}, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, a.Publish(ctx, Message{Doc: "doc-1"}), ErrUnavailable)
	assert.NotEmpty(t, b.Status().LastError)

	require.NoError(t, mr.Restart())
	require.Eventually(t, func() bool {
		return a.Status().Connected && b.Status().Connected
	}, 10*time.Second, 10*time.Millisecond)
	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect callback not run")
	}

	waitSubscribers(t, mr, "doc-1", 1)
	require.NoError(t, a.Publish(ctx, Message{Doc: "doc-1", Kind: KindUpdate, Payload: []byte("after")}))
	require.Eventually(t, func() bool { return got.len() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRedisPublishQueueOverflow(t *testing.T) {
	b := &RedisBridge{
		node:   "a",
		out:    make(chan Message, 1),
		status: Status{Connected: true},
	}
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, Message{Doc: "d"}))
	assert.ErrorIs(t, b.Publish(ctx, Message{Doc: "d"}), ErrQueueFull)

	queued := <-b.out
	assert.Equal(t, "a", queued.Node, "publish stamps the node id")

	b.status = Status{}
	assert.ErrorIs(t, b.Publish(ctx, Message{Doc: "d"}), ErrUnavailable)
}

func TestRedisRequiresReachableBroker(t *testing.T) {
	_, err := NewRedisBridge(context.Background(), RedisOptions{NodeID: "a"})
	assert.ErrorIs(t, err, ErrUnavailable)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = NewRedisBridge(context.Background(), RedisOptions{Addr: addr, NodeID: "a"})
	assert.ErrorIs(t, err, ErrUnavailable)
}
