package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crdt-sync/pkg/auth"
	"crdt-sync/pkg/bridge"
	"crdt-sync/pkg/crdt"
	"crdt-sync/pkg/persistence"
	"crdt-sync/pkg/protocol"
)

const eventually = 3 * time.Second
const tick = 10 * time.Millisecond

type fakePeer struct {
	id    string
	ident auth.Identity

	mu     sync.Mutex
	frames [][]byte
	closed int
}

func newPeer(id string) *fakePeer {
	return &fakePeer{id: id, ident: auth.Identity{UserID: id}}
}

func (p *fakePeer) ID() string              { return p.id }
func (p *fakePeer) Identity() auth.Identity { return p.ident }

func (p *fakePeer) Send(frame []byte) bool {
	p.mu.Lock()
	p.frames = append(p.frames, append([]byte(nil), frame...))
	p.mu.Unlock()
	return true
}

func (p *fakePeer) Close(code int, _ string) {
	p.mu.Lock()
	p.closed = code
	p.mu.Unlock()
}

func (p *fakePeer) decoded() []protocol.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Frame, 0, len(p.frames))
	for _, raw := range p.frames {
		f, err := protocol.Decode(raw)
		if err == nil {
			out = append(out, f)
		}
	}
	return out
}

// text replays every sync frame the peer received, as a client would.
func (p *fakePeer) text() string {
	doc := crdt.New("view-" + p.id)
	for _, f := range p.decoded() {
		if f.Type == protocol.TypeSync {
			_, _ = doc.Apply(f.Payload)
		}
	}
	return doc.Text()
}

func (p *fakePeer) lastAwareness() map[string]json.RawMessage {
	var last map[string]json.RawMessage
	for _, f := range p.decoded() {
		if f.Type != protocol.TypeAwareness {
			continue
		}
		var s protocol.AwarenessStates
		if json.Unmarshal(f.Payload, &s) == nil {
			last = s.States
		}
	}
	return last
}

func (p *fakePeer) stateless(msg string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, f := range p.decoded() {
		if f.Type != protocol.TypeStateless {
			continue
		}
		if env, err := protocol.ParseEnvelope(f.Payload); err == nil && env.Msg == msg {
			out = append(out, env)
		}
	}
	return out
}

// countingGateway wraps a Gateway, counts stores and can hold them until
// released.
type countingGateway struct {
	persistence.Gateway
	stores atomic.Int32
	gate   chan struct{}
}

func (g *countingGateway) Store(ctx context.Context, id string, snapshot []byte, message string) (*persistence.HistoryEntry, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.stores.Add(1)
	return g.Gateway.Store(ctx, id, snapshot, message)
}

func newStore(t *testing.T) persistence.Gateway {
	t.Helper()
	s, err := persistence.OpenBadger(persistence.InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRegistry(t *testing.T, gw persistence.Gateway, br bridge.Bridge, debounce time.Duration) *Registry {
	t.Helper()
	return NewRegistry(gw, br, Options{
		Debounce:       debounce,
		EnqueueTimeout: time.Second,
		StoreTimeout:   2 * time.Second,
	})
}

func singleNode(t *testing.T) bridge.Bridge {
	t.Helper()
	br := bridge.NewBroker().Connect("n1", nil)
	t.Cleanup(func() { _ = br.Close() })
	return br
}

func join(t *testing.T, reg *Registry, doc string, p *fakePeer) *Room {
	t.Helper()
	rm, err := reg.Join(context.Background(), doc, p)
	require.NoError(t, err)
	return rm
}

func TestJoinSendsStateAndReady(t *testing.T) {
	ctx := context.Background()
	gw := newStore(t)
	_, err := gw.Store(ctx, "doc", crdt.New("seed").Insert(0, "stored"), "autosave")
	require.NoError(t, err)

	reg := newRegistry(t, gw, singleNode(t), time.Hour)
	p := newPeer("a")
	join(t, reg, "doc", p)

	assert.Equal(t, "stored", p.text())
	ready := p.stateless(protocol.MsgSessionReady)
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].String("sessionId"))
	v, _ := ready[0].Int64("version")
	assert.Equal(t, int64(1), v)
}

func TestSeedForNewDocument(t *testing.T) {
	reg := NewRegistry(newStore(t), singleNode(t), Options{
		Seed: func(string) []byte { return crdt.New("seed").Insert(0, "welcome") },
	})
	p := newPeer("a")
	join(t, reg, "fresh", p)
	assert.Equal(t, "welcome", p.text())
}

func TestLocalBroadcastDoesNotWaitForStore(t *testing.T) {
	gw := &countingGateway{Gateway: newStore(t), gate: make(chan struct{})}
	reg := newRegistry(t, gw, singleNode(t), 10*time.Millisecond)
	a, b := newPeer("a"), newPeer("b")
	join(t, reg, "doc", a)
	join(t, reg, "doc", b)

	client := crdt.New("alice")
	require.NoError(t, reg.Apply(context.Background(), "doc", client.Insert(0, "hi"), "a"))

	assert.Eventually(t, func() bool { return b.text() == "hi" }, eventually, tick)
	assert.Equal(t, int32(0), gw.stores.Load())
	syncFrames := 0
	for _, f := range a.decoded() {
		if f.Type == protocol.TypeSync {
			syncFrames++
		}
	}
	assert.Equal(t, 1, syncFrames, "origin should not get its own update echoed")
	close(gw.gate)
}

func TestDebounceCoalescesStores(t *testing.T) {
	gw := &countingGateway{Gateway: newStore(t)}
	reg := newRegistry(t, gw, singleNode(t), 500*time.Millisecond)
	p := newPeer("a")
	join(t, reg, "doc", p)

	client := crdt.New("alice")
	for i := 0; i < 10; i++ {
		require.NoError(t, reg.Apply(context.Background(), "doc", client.Insert(client.Len(), fmt.Sprint(i)), "a"))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return gw.stores.Load() == 1 }, eventually, tick)
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, int32(1), gw.stores.Load())

	state, err := gw.Load(context.Background(), "doc")
	require.NoError(t, err)
	text, err := crdt.TextOf(state)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", text)
}

func TestMalformedUpdateIsDropped(t *testing.T) {
	reg := newRegistry(t, newStore(t), singleNode(t), time.Hour)
	p := newPeer("a")
	join(t, reg, "doc", p)
	ctx := context.Background()

	err := reg.Apply(ctx, "doc", []byte("{not json"), "a")
	assert.ErrorIs(t, err, crdt.ErrMalformedUpdate)

	client := crdt.New("alice")
	require.NoError(t, reg.Apply(ctx, "doc", client.Insert(0, "ok"), "a"))
	state, err := reg.State(ctx, "doc")
	require.NoError(t, err)
	text, _ := crdt.TextOf(state)
	assert.Equal(t, "ok", text)
}

func TestDuplicateUpdateIsIdempotent(t *testing.T) {
	reg := newRegistry(t, newStore(t), singleNode(t), time.Hour)
	a, b := newPeer("a"), newPeer("b")
	join(t, reg, "doc", a)
	join(t, reg, "doc", b)
	ctx := context.Background()

	delta := crdt.New("alice").Insert(0, "x")
	require.NoError(t, reg.Apply(ctx, "doc", delta, "a"))
	before := len(b.decoded())
	require.NoError(t, reg.Apply(ctx, "doc", delta, "a"))
	assert.Len(t, b.decoded(), before)
}

func TestReadOnlySessionCannotWrite(t *testing.T) {
	reg := newRegistry(t, newStore(t), singleNode(t), time.Hour)
	viewer := newPeer("viewer")
	viewer.ident.ReadOnly = true
	other := newPeer("b")
	rm := join(t, reg, "doc", viewer)
	join(t, reg, "doc", other)

	delta := crdt.New("v").Insert(0, "nope")
	require.NoError(t, rm.Receive(context.Background(), viewer, protocol.Frame{Type: protocol.TypeSync, Payload: delta}))

	assert.Eventually(t, func() bool { return len(viewer.stateless(protocol.MsgReadOnly)) == 1 }, eventually, tick)
	assert.Equal(t, "", other.text())
}

func TestAwarenessClearedOnLeave(t *testing.T) {
	reg := newRegistry(t, newStore(t), singleNode(t), time.Hour)
	a, b := newPeer("a"), newPeer("b")
	rm := join(t, reg, "doc", a)
	join(t, reg, "doc", b)
	ctx := context.Background()

	require.NoError(t, rm.Receive(ctx, a, protocol.Frame{Type: protocol.TypeAwareness, Payload: []byte(`{"cursor":3,"name":"A"}`)}))
	assert.Eventually(t, func() bool {
		_, ok := b.lastAwareness()["a"]
		return ok
	}, eventually, tick)

	rm.Leave(a, "connection lost")
	assert.Eventually(t, func() bool {
		states := b.lastAwareness()
		_, ok := states["a"]
		return states != nil && !ok
	}, eventually, tick)
}

func TestEvictionWaitsForStore(t *testing.T) {
	ctx := context.Background()
	gw := &countingGateway{Gateway: newStore(t), gate: make(chan struct{})}
	reg := newRegistry(t, gw, singleNode(t), time.Hour)
	p := newPeer("a")
	rm := join(t, reg, "doc", p)
	require.NoError(t, reg.Apply(ctx, "doc", crdt.New("alice").Insert(0, "keep me"), "a"))

	rm.Leave(p, "closed")
	time.Sleep(50 * time.Millisecond)
	assert.True(t, reg.Loaded("doc"))
	evicted, err := reg.EvictIfIdle(ctx, "doc")
	require.NoError(t, err)
	assert.False(t, evicted)

	close(gw.gate)
	require.Eventually(t, func() bool { return !reg.Loaded("doc") }, eventually, tick)

	state, err := gw.Load(ctx, "doc")
	require.NoError(t, err)
	text, _ := crdt.TextOf(state)
	assert.Equal(t, "keep me", text)
}

func TestIdleDocumentIsEvicted(t *testing.T) {
	reg := newRegistry(t, newStore(t), singleNode(t), time.Hour)
	_, err := reg.GetOrCreate(context.Background(), "doc")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !reg.Loaded("doc") }, eventually, tick)
}

func TestSaveAndRevert(t *testing.T) {
	ctx := context.Background()
	gw := newStore(t)
	reg := newRegistry(t, gw, singleNode(t), time.Hour)
	p := newPeer("a")
	rm := join(t, reg, "doc", p)

	client := crdt.New("alice")
	require.NoError(t, reg.Apply(ctx, "doc", client.Insert(0, "one"), "a"))
	save := []byte(`{"msg":"document.save","message":"first draft"}`)
	require.NoError(t, rm.Receive(ctx, p, protocol.Frame{Type: protocol.TypeStateless, Payload: save}))
	require.Eventually(t, func() bool { return len(p.stateless(protocol.MsgDocumentSaved)) == 1 }, eventually, tick)

	require.NoError(t, reg.Apply(ctx, "doc", client.Replace("two"), "a"))
	revert := []byte(`{"msg":"history.revert","version":1}`)
	require.NoError(t, rm.Receive(ctx, p, protocol.Frame{Type: protocol.TypeStateless, Payload: revert}))

	require.Eventually(t, func() bool { return len(p.stateless(protocol.MsgDocumentSaved)) == 2 }, eventually, tick)
	versions, err := gw.ListVersions(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "first draft", versions[0].Message)
	assert.Equal(t, "revert to v1", versions[1].Message)
	assert.Equal(t, "one", p.text())
}

func TestHistoryQueriesReplyToRequester(t *testing.T) {
	ctx := context.Background()
	gw := newStore(t)
	for _, text := range []string{"a", "ab", "abc"} {
		_, err := gw.Store(ctx, "doc", crdt.New("seed").Insert(0, text), "autosave")
		require.NoError(t, err)
	}
	reg := newRegistry(t, gw, singleNode(t), time.Hour)
	a, b := newPeer("a"), newPeer("b")
	rm := join(t, reg, "doc", a)
	join(t, reg, "doc", b)

	send := func(body string) {
		require.NoError(t, rm.Receive(ctx, a, protocol.Frame{Type: protocol.TypeStateless, Payload: []byte(body)}))
	}
	send(`{"msg":"history.list"}`)
	send(`{"msg":"history.watch","version":2}`)
	send(`{"msg":"history.prev"}`)
	send(`{"msg":"history.next","version":3}`)

	require.Eventually(t, func() bool { return len(a.stateless(protocol.MsgHistoryList)) == 1 }, eventually, tick)
	var list struct {
		Versions []persistence.HistoryEntry `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(a.stateless(protocol.MsgHistoryList)[0].Raw, &list))
	assert.Len(t, list.Versions, 3)

	require.Eventually(t, func() bool { return len(a.stateless(protocol.MsgHistoryWatch)) == 1 }, eventually, tick)
	assert.Equal(t, "ab", a.stateless(protocol.MsgHistoryWatch)[0].String("text"))

	require.Eventually(t, func() bool { return len(a.stateless(protocol.MsgHistoryPrev)) == 1 }, eventually, tick)
	prev, _ := a.stateless(protocol.MsgHistoryPrev)[0].Int64("version")
	assert.Equal(t, int64(2), prev)

	require.Eventually(t, func() bool { return len(a.stateless(protocol.MsgHistoryError)) == 1 }, eventually, tick)
	assert.Equal(t, protocol.MsgHistoryNext, a.stateless(protocol.MsgHistoryError)[0].String("request"))

	assert.Empty(t, b.stateless(protocol.MsgHistoryList))
}

func TestUnknownStatelessIsRelayed(t *testing.T) {
	reg := newRegistry(t, newStore(t), singleNode(t), time.Hour)
	a, b := newPeer("a"), newPeer("b")
	rm := join(t, reg, "doc", a)
	join(t, reg, "doc", b)

	body := []byte(`{"msg":"chat","text":"hello"}`)
	require.NoError(t, rm.Receive(context.Background(), a, protocol.Frame{Type: protocol.TypeStateless, Payload: body}))
	assert.Eventually(t, func() bool { return len(b.stateless("chat")) == 1 }, eventually, tick)
	assert.Empty(t, a.stateless("chat"))

	spoof := []byte(`{"msg":"document:saved","version":99}`)
	require.NoError(t, rm.Receive(context.Background(), a, protocol.Frame{Type: protocol.TypeStateless, Payload: spoof}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, b.stateless(protocol.MsgDocumentSaved))
}

func TestTwoProcessesConverge(t *testing.T) {
	ctx := context.Background()
	broker := bridge.NewBroker()
	store := newStore(t)
	br1, br2 := broker.Connect("p1", nil), broker.Connect("p2", nil)
	t.Cleanup(func() { _ = br1.Close(); _ = br2.Close() })

	reg1 := newRegistry(t, store, br1, 50*time.Millisecond)
	reg2 := newRegistry(t, store, br2, 50*time.Millisecond)

	a, b := newPeer("a"), newPeer("b")
	rmA := join(t, reg1, "doc-1", a)
	rmB := join(t, reg2, "doc-1", b)

	alice := crdt.New("alice")
	require.NoError(t, reg1.Apply(ctx, "doc-1", alice.Insert(0, "hello"), "a"))
	require.Eventually(t, func() bool { return b.text() == "hello" }, eventually, tick)

	bob := crdt.New("bob")
	_, err := bob.Apply(alice.Encode())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, reg1.Apply(ctx, "doc-1", alice.Insert(0, ">"), "a"))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, reg2.Apply(ctx, "doc-1", bob.Insert(5, " world"), "b"))
	}()
	wg.Wait()

	require.Eventually(t, func() bool {
		return a.text() == "> hello world" && b.text() == "> hello world"
	}, eventually, tick)

	rmA.Leave(a, "done")
	rmB.Leave(b, "done")
	require.Eventually(t, func() bool { return !reg1.Loaded("doc-1") && !reg2.Loaded("doc-1") }, eventually, tick)

	versions, err := store.ListVersions(ctx, "doc-1")
	require.NoError(t, err)
	require.NotEmpty(t, versions)
	for i, v := range versions {
		assert.Equal(t, int64(i+1), v.Version)
	}
	state, err := store.Load(ctx, "doc-1")
	require.NoError(t, err)
	text, _ := crdt.TextOf(state)
	assert.Equal(t, "> hello world", text)
}

func TestLateJoinerOnOtherProcessGetsState(t *testing.T) {
	ctx := context.Background()
	broker := bridge.NewBroker()
	store := newStore(t)
	br1, br2 := broker.Connect("p1", nil), broker.Connect("p2", nil)
	t.Cleanup(func() { _ = br1.Close(); _ = br2.Close() })

	reg1 := newRegistry(t, store, br1, time.Hour)
	reg2 := newRegistry(t, store, br2, time.Hour)

	a := newPeer("a")
	join(t, reg1, "doc", a)
	require.NoError(t, reg1.Apply(ctx, "doc", crdt.New("alice").Insert(0, "unsaved"), "a"))

	b := newPeer("b")
	join(t, reg2, "doc", b)
	assert.Eventually(t, func() bool { return b.text() == "unsaved" }, eventually, tick)
}

func TestBrokerOutageDegradesAndRecovers(t *testing.T) {
	ctx := context.Background()
	broker := bridge.NewBroker()
	br := broker.Connect("p1", nil)
	t.Cleanup(func() { _ = br.Close() })
	reg := newRegistry(t, newStore(t), br, time.Hour)

	a, b := newPeer("a"), newPeer("b")
	join(t, reg, "doc", a)
	join(t, reg, "doc", b)

	broker.SetDown(true)
	require.NoError(t, reg.Apply(ctx, "doc", crdt.New("alice").Insert(0, "local"), "a"))
	assert.Eventually(t, func() bool { return b.text() == "local" }, eventually, tick)
	assert.Equal(t, 1, reg.Stats().DegradedDocuments)
	assert.False(t, reg.Stats().Broker.Connected)

	broker.SetDown(false)
	assert.Eventually(t, func() bool { return reg.Stats().DegradedDocuments == 0 }, eventually, tick)
}

func TestShutdownFlushesDirtyDocuments(t *testing.T) {
	ctx := context.Background()
	gw := newStore(t)
	reg := newRegistry(t, gw, singleNode(t), time.Hour)
	p := newPeer("a")
	join(t, reg, "doc", p)
	require.NoError(t, reg.Apply(ctx, "doc", crdt.New("alice").Insert(0, "bye"), "a"))

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, reg.Shutdown(sctx))

	state, err := gw.Load(ctx, "doc")
	require.NoError(t, err)
	text, _ := crdt.TextOf(state)
	assert.Equal(t, "bye", text)
}

func TestStatsCountSessions(t *testing.T) {
	reg := newRegistry(t, newStore(t), singleNode(t), time.Hour)
	join(t, reg, "x", newPeer("a"))
	join(t, reg, "x", newPeer("b"))
	join(t, reg, "y", newPeer("c"))

	s := reg.Stats()
	assert.Equal(t, 2, s.ActiveDocuments)
	assert.Equal(t, 3, s.ActiveSessions)
}

// stallingPeer blocks in Send once armed, parking its room's goroutine in
// broadcast until released.
type stallingPeer struct {
	*fakePeer
	armed   atomic.Bool
	release chan struct{}
}

func (p *stallingPeer) Send(frame []byte) bool {
	if p.armed.Load() {
		<-p.release
	}
	return p.fakePeer.Send(frame)
}

func TestFullInboxDoesNotStallOtherDocuments(t *testing.T) {
	ctx := context.Background()
	broker := bridge.NewBroker()
	store := newStore(t)
	br1, br2 := broker.Connect("p1", nil), broker.Connect("p2", nil)
	t.Cleanup(func() { _ = br1.Close(); _ = br2.Close() })

	reg1 := newRegistry(t, store, br1, time.Hour)
	reg2 := NewRegistry(store, br2, Options{
		Debounce:       time.Hour,
		InboxSize:      1,
		EnqueueTimeout: 2 * time.Second,
	})

	join(t, reg1, "slow", newPeer("w1"))
	join(t, reg1, "fast", newPeer("w2"))
	slow := &stallingPeer{fakePeer: newPeer("slow"), release: make(chan struct{})}
	_, err := reg2.Join(ctx, "slow", slow)
	require.NoError(t, err)
	fast := newPeer("fast")
	join(t, reg2, "fast", fast)
	var released sync.Once
	unstall := func() { released.Do(func() { close(slow.release) }) }
	t.Cleanup(unstall)

	slow.armed.Store(true)
	writer := crdt.New("writer")
	for _, ch := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, reg1.Apply(ctx, "slow", writer.Insert(writer.Len(), ch), "w1"))
	}

	start := time.Now()
	require.NoError(t, reg1.Apply(ctx, "fast", crdt.New("other").Insert(0, "quick"), "w2"))
	require.Eventually(t, func() bool { return fast.text() == "quick" }, eventually, time.Millisecond)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	slow.armed.Store(false)
	unstall()
	assert.Eventually(t, func() bool { return slow.text() == "abcde" }, eventually, tick,
		"dropped updates are recovered by a resync")
}

func TestRejoinKeepsBridgeSubscription(t *testing.T) {
	br := bridge.NewBroker().Connect("n1", nil)
	t.Cleanup(func() { _ = br.Close() })
	reg := newRegistry(t, newStore(t), br, time.Hour)

	for i := 0; i < 50; i++ {
		first := newPeer(fmt.Sprintf("first-%d", i))
		old := join(t, reg, "doc", first)
		old.Leave(first, "bye")

		second := newPeer(fmt.Sprintf("second-%d", i))
		cur := join(t, reg, "doc", second)
		if cur != old {
			select {
			case <-old.done:
			case <-time.After(eventually):
				t.Fatal("evicted room did not stop")
			}
		}
		require.True(t, reg.Loaded("doc"))
		require.True(t, br.Subscribed("doc"), "iteration %d lost the live room's subscription", i)

		cur.Leave(second, "bye")
		select {
		case <-cur.done:
		case <-time.After(eventually):
			t.Fatal("idle room was not evicted")
		}
		require.False(t, br.Subscribed("doc"))
	}
}

func TestWaitersReturnWhenRoomStops(t *testing.T) {
	reg := newRegistry(t, newStore(t), singleNode(t), time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()

	// rooms that are never run: the event is queued but nobody handles it
	rm := newRoom(reg, "state", crdt.New("r1"))
	time.AfterFunc(20*time.Millisecond, func() { close(rm.done) })
	_, err := rm.State(ctx)
	assert.ErrorIs(t, err, ErrRoomClosed)

	rm = newRoom(reg, "apply", crdt.New("r2"))
	time.AfterFunc(20*time.Millisecond, func() { close(rm.done) })
	err = rm.Apply(ctx, "a", crdt.New("alice").Insert(0, "x"))
	assert.ErrorIs(t, err, ErrRoomClosed)
	assert.NoError(t, ctx.Err())
}

func TestResyncAfterRedisOutage(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store := newStore(t)
	connect := func(node string) *bridge.RedisBridge {
		br, err := bridge.NewRedisBridge(ctx, bridge.RedisOptions{
			Addr:           mr.Addr(),
			NodeID:         node,
			HealthInterval: 20 * time.Millisecond,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = br.Close() })
		return br
	}
	channel := bridge.Channel("doc")
	subscribed := func() bool { return mr.PubSubNumSub(channel)[channel] == 2 }

	br1, br2 := connect("p1"), connect("p2")
	reg1 := newRegistry(t, store, br1, time.Hour)
	reg2 := newRegistry(t, store, br2, time.Hour)
	a, b := newPeer("a"), newPeer("b")
	join(t, reg1, "doc", a)
	join(t, reg2, "doc", b)
	require.Eventually(t, subscribed, eventually, tick)

	alice := crdt.New("alice")
	require.NoError(t, reg1.Apply(ctx, "doc", alice.Insert(0, "hello"), "a"))
	require.Eventually(t, func() bool { return b.text() == "hello" }, eventually, tick)

	mr.Close()
	require.Eventually(t, func() bool { return !br1.Status().Connected }, eventually, tick)
	require.NoError(t, reg1.Apply(ctx, "doc", alice.Insert(5, " offline"), "a"))
	assert.Equal(t, 1, reg1.Stats().DegradedDocuments)

	require.NoError(t, mr.Restart())
	assert.Eventually(t, func() bool { return b.text() == "hello offline" }, 10*time.Second, tick)
	assert.Eventually(t, func() bool { return reg1.Stats().DegradedDocuments == 0 }, eventually, tick)
}
