package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"crdt-sync/pkg/bridge"
	"crdt-sync/pkg/crdt"
	"crdt-sync/pkg/metrics"
	"crdt-sync/pkg/presence"
	"crdt-sync/pkg/protocol"
)

// ErrReadOnly is returned for writes from read-only sessions.
var ErrReadOnly = errors.New("room: session is read-only")

const autosaveMessage = "autosave"

func newID() string {
	return uuid.NewString()
}

// Room owns one document on this process: its CRDT replica, the attached
// sessions and their awareness. Only the run goroutine touches those fields.
type Room struct {
	id       string
	registry *Registry
	logger   *slog.Logger

	inbox chan event
	done  chan struct{}

	holds    int // guarded by registry.mu
	sessions atomic.Int32
	degraded atomic.Bool

	// resyncDue is set when a bridge message was dropped on a full inbox.
	resyncDue atomic.Bool

	sub        bridge.Subscription
	doc        *crdt.Doc
	peers      map[string]Peer
	awareness  *presence.Awareness
	debounce   *time.Timer
	debounceC  <-chan time.Time
	dirty      uint64
	saved      uint64
	storing    bool
	again      bool
	pendingMsg string
	version    int64
	retry      *backoff.ExponentialBackOff
	stopped    bool
}

func newRoom(reg *Registry, id string, doc *crdt.Doc) *Room {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = reg.opts.Debounce
	retry.MaxInterval = time.Minute

	return &Room{
		id:        id,
		registry:  reg,
		logger:    reg.logger.With("doc", id),
		inbox:     make(chan event, reg.opts.InboxSize),
		done:      make(chan struct{}),
		doc:       doc,
		peers:     make(map[string]Peer),
		awareness: presence.New(),
		retry:     retry,
	}
}

// ID returns the document id.
func (rm *Room) ID() string { return rm.id }

// Degraded reports whether the last bridge operation for this document failed.
func (rm *Room) Degraded() bool { return rm.degraded.Load() }

func (rm *Room) post(ctx context.Context, ev event) error {
	select {
	case <-rm.done:
		return ErrRoomClosed
	default:
	}
	timer := time.NewTimer(rm.registry.opts.EnqueueTimeout)
	defer timer.Stop()
	select {
	case rm.inbox <- ev:
		return nil
	case <-rm.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		metrics.DeltasRejected.WithLabelValues("backpressure").Inc()
		return ErrBackpressure
	}
}

// postWait is for events that must not be dropped, such as a session
// leaving.
func (rm *Room) postWait(ev event) {
	select {
	case rm.inbox <- ev:
	case <-rm.done:
	}
}

// Receive hands an inbound client frame to the room. It blocks while the
// inbox is full, up to the enqueue timeout, then returns ErrBackpressure.
func (rm *Room) Receive(ctx context.Context, from Peer, frame protocol.Frame) error {
	switch frame.Type {
	case protocol.TypeSync:
		return rm.post(ctx, updateEvent{origin: from.ID(), delta: frame.Payload})
	case protocol.TypeAwareness:
		return rm.post(ctx, awarenessEvent{origin: from.ID(), payload: frame.Payload})
	case protocol.TypeStateless:
		env, err := protocol.ParseEnvelope(frame.Payload)
		if err != nil {
			return err
		}
		return rm.post(ctx, statelessEvent{origin: from, env: env})
	default:
		return protocol.ErrUnknownType
	}
}

// Leave detaches peer. It always runs the awareness cleanup for the peer.
func (rm *Room) Leave(peer Peer, reason string) {
	rm.postWait(leaveEvent{peer: peer, reason: reason})
}

func (rm *Room) release() {
	rm.postWait(releaseEvent{})
}

// Apply merges delta as a local update from origin and waits for the result.
func (rm *Room) Apply(ctx context.Context, origin string, delta []byte) error {
	ack := make(chan error, 1)
	if err := rm.post(ctx, updateEvent{origin: origin, delta: delta, ack: ack}); err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-rm.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the serialized CRDT state.
func (rm *Room) State(ctx context.Context) ([]byte, error) {
	reply := make(chan []byte, 1)
	if err := rm.post(ctx, stateEvent{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case state := <-reply:
		return state, nil
	case <-rm.done:
		return nil, ErrRoomClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Save requests an immediate store with a commit message.
func (rm *Room) Save(ctx context.Context, message string) error {
	return rm.post(ctx, saveEvent{message: message})
}

func (rm *Room) waitSaved(ctx context.Context) error {
	for {
		reply := make(chan bool, 1)
		if err := rm.post(ctx, cleanEvent{reply: reply}); err != nil {
			if errors.Is(err, ErrRoomClosed) {
				return nil
			}
			return err
		}
		select {
		case clean := <-reply:
			if clean {
				return nil
			}
		case <-rm.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case <-time.After(25 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (rm *Room) run() {
	rm.start()

	every := rm.registry.opts.AwarenessTTL / 2
	expiry := time.NewTicker(every)
	defer expiry.Stop()

	for !rm.stopped {
		select {
		case ev := <-rm.inbox:
			rm.handle(ev)
			rm.catchUp()
		case <-rm.debounceC:
			rm.debounceC = nil
			rm.safely(func() { rm.flush("") })
		case now := <-expiry.C:
			rm.safely(func() { rm.tickAwareness(now) })
			rm.catchUp()
		}
	}
}

// safely keeps a panic in one event from taking down the document.
func (rm *Room) safely(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			rm.logger.Error("panic in room", "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (rm *Room) start() {
	ctx, cancel := context.WithTimeout(context.Background(), rm.registry.opts.EnqueueTimeout)
	defer cancel()
	sub, err := rm.registry.bridge.Subscribe(ctx, rm.id, rm.onRemote)
	rm.sub = sub
	if err != nil {
		rm.markDegraded(err)
	}
	rm.publish(bridge.KindSyncRequest, "", nil)
}

func (rm *Room) handle(ev event) {
	rm.safely(func() {
		switch e := ev.(type) {
		case joinEvent:
			rm.onJoin(e)
		case leaveEvent:
			rm.onLeave(e)
		case releaseEvent:
			rm.registry.dropHold(rm)
			rm.maybeEvict()
		case updateEvent:
			err := rm.applyLocal(e.origin, e.delta)
			if e.ack != nil {
				e.ack <- err
			}
		case awarenessEvent:
			rm.onAwareness(e)
		case statelessEvent:
			rm.onStateless(e.origin, e.env)
		case remoteEvent:
			rm.onRemoteEvent(e.msg)
		case broadcastEvent:
			rm.broadcast(e.frame, e.exclude)
		case storeResult:
			rm.onStored(e)
		case revertEvent:
			rm.onRevert(e)
		case saveEvent:
			rm.flush(e.message)
		case resyncEvent:
			rm.resync()
		case stateEvent:
			e.reply <- rm.doc.Encode()
		case evictEvent:
			e.reply <- rm.maybeEvict()
		case cleanEvent:
			e.reply <- !rm.storing && rm.dirty == rm.saved && rm.pendingMsg == ""
		default:
			rm.logger.Error("unknown room event", "type", fmt.Sprintf("%T", ev))
		}
	})
}

func (rm *Room) onJoin(e joinEvent) {
	p := e.peer
	defer close(e.done)

	rm.peers[p.ID()] = p
	rm.sessions.Add(1)
	metrics.SessionsActive.Inc()

	p.Send(protocol.Encode(protocol.TypeSync, rm.doc.Encode()))
	if rm.awareness.Len() > 0 {
		p.Send(protocol.EncodeAwareness(rm.awareness.Snapshot()))
	}
	p.Send(protocol.Stateless(protocol.MsgSessionReady, map[string]any{
		"sessionId": p.ID(),
		"readOnly":  p.Identity().ReadOnly,
		"version":   rm.version,
	}))
	rm.logger.Info("session joined", "session", p.ID(), "user", p.Identity().UserID, "sessions", len(rm.peers))
}

func (rm *Room) onLeave(e leaveEvent) {
	id := e.peer.ID()
	if _, ok := rm.peers[id]; ok {
		delete(rm.peers, id)
		rm.sessions.Add(-1)
		metrics.SessionsActive.Dec()
	}
	rm.registry.dropHold(rm)

	if rm.awareness.Clear(id) {
		rm.broadcastAwareness("")
		rm.publish(bridge.KindAwareness, id, []byte("null"))
	}
	rm.logger.Info("session left", "session", id, "reason", e.reason, "sessions", len(rm.peers))
	rm.maybeEvict()
}

func (rm *Room) applyLocal(origin string, delta []byte) error {
	if p, ok := rm.peers[origin]; ok && p.Identity().ReadOnly {
		metrics.DeltasRejected.WithLabelValues("read_only").Inc()
		p.Send(protocol.Stateless(protocol.MsgReadOnly, nil))
		return ErrReadOnly
	}
	changed, err := rm.doc.Apply(delta)
	if err != nil {
		metrics.DeltasRejected.WithLabelValues("malformed").Inc()
		rm.logger.Warn("dropping malformed update", "session", origin, "error", err)
		return err
	}
	if !changed {
		return nil
	}
	rm.localChange(origin, delta)
	rm.armDebounce(rm.registry.opts.Debounce)
	return nil
}

// localChange fans an applied update out: local sessions first, then other
// processes. Persistence happens later and never gates either.
func (rm *Room) localChange(origin string, delta []byte) {
	metrics.DeltasApplied.Inc()
	rm.dirty++
	rm.broadcast(protocol.Encode(protocol.TypeSync, delta), origin)
	rm.publish(bridge.KindUpdate, origin, delta)
}

func (rm *Room) onAwareness(e awarenessEvent) {
	if err := rm.awareness.Set(e.origin, e.payload); err != nil {
		rm.logger.Warn("dropping awareness update", "session", e.origin, "error", err)
		return
	}
	rm.broadcastAwareness(e.origin)
	state := rm.awareness.State(e.origin)
	if state == nil {
		state = []byte("null")
	}
	rm.publish(bridge.KindAwareness, e.origin, state)
}

func (rm *Room) onRemoteEvent(msg bridge.Message) {
	switch msg.Kind {
	case bridge.KindUpdate:
		changed, err := rm.doc.Apply(msg.Payload)
		if err != nil {
			metrics.DeltasRejected.WithLabelValues("malformed").Inc()
			rm.logger.Warn("dropping malformed remote update", "from", msg.Node, "error", err)
			return
		}
		if changed {
			metrics.DeltasApplied.Inc()
			rm.broadcast(protocol.Encode(protocol.TypeSync, msg.Payload), "")
		}
	case bridge.KindAwareness:
		if err := rm.awareness.SetRemote(msg.Session, msg.Payload, time.Now()); err != nil {
			rm.logger.Warn("dropping remote awareness", "from", msg.Node, "error", err)
			return
		}
		rm.broadcastAwareness("")
	case bridge.KindStateless:
		rm.broadcast(protocol.Encode(protocol.TypeStateless, msg.Payload), "")
	case bridge.KindSyncRequest:
		rm.publish(bridge.KindUpdate, "", rm.doc.Encode())
		rm.publishLocalAwareness()
	}
}

// onRemote is called on the bridge's shared receive goroutine and never waits
// for the inbox. A dropped message is recovered by a resync once the inbox
// drains.
func (rm *Room) onRemote(msg bridge.Message) {
	select {
	case <-rm.done:
		return
	case rm.inbox <- remoteEvent{msg: msg}:
	default:
		metrics.BridgeDropped.Inc()
		if !rm.resyncDue.Swap(true) {
			rm.logger.Warn("inbox full, dropping bridge message until resync", "kind", msg.Kind, "from", msg.Node)
		}
	}
}

func (rm *Room) catchUp() {
	if rm.stopped || !rm.resyncDue.Load() || len(rm.inbox) > cap(rm.inbox)/2 {
		return
	}
	rm.resyncDue.Store(false)
	rm.logger.Info("resyncing after dropped bridge messages")
	rm.safely(rm.resync)
}

func (rm *Room) resync() {
	ok := rm.publish(bridge.KindSyncRequest, "", nil)
	ok = rm.publish(bridge.KindUpdate, "", rm.doc.Encode()) && ok
	rm.publishLocalAwareness()
	if ok {
		rm.degraded.Store(false)
	}
}

func (rm *Room) publishLocalAwareness() {
	for id := range rm.peers {
		if state := rm.awareness.State(id); state != nil {
			rm.publish(bridge.KindAwareness, id, state)
		}
	}
}

func (rm *Room) publish(kind bridge.Kind, session string, payload []byte) bool {
	err := rm.registry.bridge.Publish(context.Background(), bridge.Message{
		Doc:     rm.id,
		Kind:    kind,
		Session: session,
		Payload: payload,
	})
	if err != nil {
		rm.markDegraded(err)
		return false
	}
	if rm.degraded.Load() && rm.registry.bridge.Status().Connected {
		rm.degraded.Store(false)
		rm.logger.Info("bridge recovered for document")
	}
	return true
}

func (rm *Room) markDegraded(err error) {
	if !rm.degraded.Swap(true) {
		rm.logger.Warn("bridge degraded, continuing with local broadcast only", "error", err)
	}
}

func (rm *Room) broadcast(frame []byte, exclude string) {
	for id, p := range rm.peers {
		if id == exclude {
			continue
		}
		if !p.Send(frame) {
			metrics.SlowConsumers.Inc()
			rm.logger.Warn("slow consumer, closing session", "session", id)
			p.Close(protocol.CloseTryAgainLater, "slow consumer")
		}
	}
}

func (rm *Room) broadcastAwareness(exclude string) {
	rm.broadcast(protocol.EncodeAwareness(rm.awareness.Snapshot()), exclude)
}

func (rm *Room) tickAwareness(now time.Time) {
	if gone := rm.awareness.ExpireRemote(now, rm.registry.opts.AwarenessTTL); len(gone) > 0 {
		rm.logger.Debug("expired remote awareness", "sessions", gone)
		rm.broadcastAwareness("")
	}
	rm.publishLocalAwareness()
}

func (rm *Room) armDebounce(d time.Duration) {
	if rm.debounce == nil {
		rm.debounce = time.NewTimer(d)
	} else {
		if !rm.debounce.Stop() {
			select {
			case <-rm.debounce.C:
			default:
			}
		}
		rm.debounce.Reset(d)
	}
	rm.debounceC = rm.debounce.C
}

func (rm *Room) stopDebounce() {
	if rm.debounce != nil && !rm.debounce.Stop() {
		select {
		case <-rm.debounce.C:
		default:
		}
	}
	rm.debounceC = nil
}

// flush dispatches a store of the current state. An empty message means an
// autosave, which is skipped when nothing changed since the last store. Only
// one store per document is in flight; a flush during a store runs once it
// completes.
func (rm *Room) flush(message string) {
	rm.stopDebounce()
	if message == "" {
		message = rm.pendingMsg
	}
	if rm.storing {
		rm.again = true
		if message != "" {
			rm.pendingMsg = message
		}
		return
	}
	if message == "" {
		if rm.dirty == rm.saved {
			return
		}
		message = autosaveMessage
	}
	rm.pendingMsg = ""
	rm.storing = true
	go rm.store(rm.dirty, rm.doc.Encode(), message)
}

func (rm *Room) store(seq uint64, snapshot []byte, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), rm.registry.opts.StoreTimeout)
	defer cancel()

	start := time.Now()
	entry, err := rm.registry.gateway.Store(ctx, rm.id, snapshot, message)
	metrics.StoreDuration.Observe(time.Since(start).Seconds())

	if err != nil && message != autosaveMessage {
		err = &storeError{message: message, err: err}
	}
	// a storing room is never released, so the inbox is still being read
	rm.inbox <- storeResult{seq: seq, entry: entry, err: err}
}

type storeError struct {
	message string
	err     error
}

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func (rm *Room) onStored(res storeResult) {
	rm.storing = false
	if res.err != nil {
		metrics.Stores.WithLabelValues("error").Inc()
		var se *storeError
		if errors.As(res.err, &se) && rm.pendingMsg == "" {
			rm.pendingMsg = se.message
		}
		wait := rm.retry.NextBackOff()
		rm.logger.Warn("store failed, will retry", "error", res.err, "retry_in", wait)
		rm.again = false
		rm.armDebounce(wait)
		return
	}

	metrics.Stores.WithLabelValues("ok").Inc()
	rm.retry.Reset()
	if res.seq > rm.saved {
		rm.saved = res.seq
	}
	if res.entry.Version > rm.version {
		rm.version = res.entry.Version
	}
	rm.broadcast(protocol.Stateless(protocol.MsgDocumentSaved, map[string]any{
		"version":   res.entry.Version,
		"message":   res.entry.Message,
		"createdAt": res.entry.CreatedAt,
	}), "")
	rm.logger.Debug("document stored", "version", res.entry.Version, "bytes", res.entry.Size)

	if rm.again {
		rm.again = false
		rm.flush("")
		return
	}
	rm.maybeEvict()
}

// maybeEvict releases the document once no session is attached and every
// local update is stored. Unsaved updates are flushed first.
func (rm *Room) maybeEvict() bool {
	if len(rm.peers) > 0 || rm.storing {
		return false
	}
	if rm.dirty != rm.saved || rm.pendingMsg != "" {
		rm.flush("")
		return false
	}
	if !rm.registry.release(rm) {
		return false
	}
	rm.stop()
	return true
}

func (rm *Room) stop() {
	rm.stopped = true
	rm.stopDebounce()

	ctx, cancel := context.WithTimeout(context.Background(), rm.registry.opts.EnqueueTimeout)
	defer cancel()
	if err := rm.registry.bridge.Unsubscribe(ctx, rm.sub); err != nil {
		rm.logger.Warn("bridge unsubscribe failed", "error", err)
	}
	metrics.DocumentsActive.Dec()
	close(rm.done)
	rm.logger.Info("document evicted", "version", rm.version)
}

func (rm *Room) onRevert(e revertEvent) {
	text, err := crdt.TextOf(e.entry.Snapshot)
	if err != nil {
		e.requester.Send(historyError(protocol.MsgHistoryRevert, err))
		return
	}
	delta := rm.doc.Replace(text)
	rm.localChange("", delta)
	rm.flush(fmt.Sprintf("revert to v%d", e.entry.Version))
}

