// Package room is the per-process document session registry. Each document
// held in memory is owned by one Room goroutine; every mutation of its CRDT
// state, every broadcast and every persistence trigger for that document is
// sequenced through the Room's inbox. Different documents run in parallel.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"crdt-sync/pkg/auth"
	"crdt-sync/pkg/bridge"
	"crdt-sync/pkg/crdt"
	"crdt-sync/pkg/metrics"
	"crdt-sync/pkg/persistence"
)

var (
	// ErrRoomClosed is returned when a Room stopped before accepting an event.
	ErrRoomClosed = errors.New("room: closed")
	// ErrBackpressure is returned when a Room inbox stayed full past the
	// enqueue timeout.
	ErrBackpressure = errors.New("room: inbox full")
	// ErrNoRoom is returned by operations that need a loaded document.
	ErrNoRoom = errors.New("room: document not loaded")
)

// Peer is the registry's view of a connection session.
type Peer interface {
	ID() string
	Identity() auth.Identity
	// Send queues a frame without blocking; false means the peer cannot
	// keep up.
	Send(frame []byte) bool
	// Close terminates the connection. The peer is expected to Leave.
	Close(code int, reason string)
}

// Options configures the registry and its rooms.
type Options struct {
	// Debounce is the quiet period after the last local update before a
	// snapshot is stored.
	Debounce time.Duration
	// InboxSize bounds each room's event queue.
	InboxSize int
	// EnqueueTimeout is how long a producer waits on a full inbox.
	EnqueueTimeout time.Duration
	// AwarenessTTL expires presence learned from other processes.
	AwarenessTTL time.Duration
	// StoreTimeout bounds one persistence call.
	StoreTimeout time.Duration
	// Seed returns the initial update for a document that was never stored.
	Seed   func(documentID string) []byte
	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = 500 * time.Millisecond
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = 5 * time.Second
	}
	if o.AwarenessTTL <= 0 {
		o.AwarenessTTL = 30 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are the counters read by the health endpoint.
type Stats struct {
	ActiveSessions    int           `json:"sessions"`
	ActiveDocuments   int           `json:"documents"`
	DegradedDocuments int           `json:"degraded_documents"`
	Broker            bridge.Status `json:"broker"`
}

// Registry maps document ids to live Rooms.
type Registry struct {
	opts    Options
	gateway persistence.Gateway
	bridge  bridge.Bridge
	logger  *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
	loads singleflight.Group
}

// NewRegistry creates a registry. Rooms re-synchronize with other processes
// whenever the bridge reports a broker reconnect.
func NewRegistry(gateway persistence.Gateway, br bridge.Bridge, opts Options) *Registry {
	opts.setDefaults()
	r := &Registry{
		opts:    opts,
		gateway: gateway,
		bridge:  br,
		logger:  opts.Logger.With("component", "registry", "node", br.NodeID()),
		rooms:   make(map[string]*Room),
	}
	br.OnReconnect(r.resyncAll)
	return r
}

// acquire returns the Room for documentID, loading it on first use, and
// takes a hold that keeps it from being evicted. Concurrent cold starts of
// the same document share one load.
func (r *Registry) acquire(ctx context.Context, documentID string) (*Room, error) {
	for {
		r.mu.Lock()
		if rm, ok := r.rooms[documentID]; ok {
			rm.holds++
			r.mu.Unlock()
			return rm, nil
		}
		r.mu.Unlock()

		_, err, _ := r.loads.Do(documentID, func() (any, error) {
			return nil, r.create(ctx, documentID)
		})
		if err != nil {
			return nil, err
		}
	}
}

func (r *Registry) create(ctx context.Context, documentID string) error {
	r.mu.Lock()
	_, exists := r.rooms[documentID]
	r.mu.Unlock()
	if exists {
		return nil
	}

	loadCtx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()

	replica := "srv-" + r.bridge.NodeID() + "-" + newID()
	var doc *crdt.Doc
	snapshot, err := r.gateway.Load(loadCtx, documentID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		doc = crdt.New(replica)
		if r.opts.Seed != nil {
			if seed := r.opts.Seed(documentID); len(seed) > 0 {
				if _, err := doc.Apply(seed); err != nil {
					return fmt.Errorf("seed %s: %w", documentID, err)
				}
			}
		}
	case err != nil:
		return fmt.Errorf("load %s: %w", documentID, err)
	default:
		doc, err = crdt.Load(replica, snapshot)
		if err != nil {
			return fmt.Errorf("decode snapshot %s: %w", documentID, err)
		}
	}

	rm := newRoom(r, documentID, doc)
	if len(snapshot) > 0 {
		if versions, err := r.gateway.ListVersions(loadCtx, documentID); err == nil && len(versions) > 0 {
			rm.version = versions[len(versions)-1].Version
		}
	}
	r.mu.Lock()
	r.rooms[documentID] = rm
	r.mu.Unlock()
	metrics.DocumentsActive.Inc()
	r.logger.Info("document loaded", "doc", documentID, "bytes", len(snapshot))

	go rm.run()
	return nil
}

// release removes rm from the map if nothing holds it. Called by the Room
// goroutine only.
func (r *Registry) release(rm *Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm.holds > 0 || r.rooms[rm.id] != rm {
		return false
	}
	delete(r.rooms, rm.id)
	return true
}

func (r *Registry) dropHold(rm *Room) {
	r.mu.Lock()
	rm.holds--
	r.mu.Unlock()
}

func (r *Registry) lookup(documentID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[documentID]
}

// Join attaches peer to documentID. When Join returns, the peer has been
// sent the full document state, the awareness set and a session:ready
// notice.
func (r *Registry) Join(ctx context.Context, documentID string, peer Peer) (*Room, error) {
	rm, err := r.acquire(ctx, documentID)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	if err := rm.post(ctx, joinEvent{peer: peer, done: done}); err != nil {
		r.dropHold(rm)
		return nil, err
	}
	select {
	case <-done:
		return rm, nil
	case <-ctx.Done():
		// the join is queued; the caller's Leave will undo it
		return rm, ctx.Err()
	}
}

// GetOrCreate returns the in-memory Room for documentID, loading it if
// needed. Without a session attached the Room may be evicted again.
func (r *Registry) GetOrCreate(ctx context.Context, documentID string) (*Room, error) {
	rm, err := r.acquire(ctx, documentID)
	if err != nil {
		return nil, err
	}
	defer rm.release()
	return rm, nil
}

// Apply merges delta into documentID as if it came from originSessionID:
// local sessions except the origin receive it, it is published to other
// processes and a debounced store is scheduled.
func (r *Registry) Apply(ctx context.Context, documentID string, delta []byte, originSessionID string) error {
	rm, err := r.acquire(ctx, documentID)
	if err != nil {
		return err
	}
	defer rm.release()
	return rm.Apply(ctx, originSessionID, delta)
}

// Broadcast sends frame to every local session of documentID except
// excludeSessionID.
func (r *Registry) Broadcast(ctx context.Context, documentID string, frame []byte, excludeSessionID string) error {
	rm := r.lookup(documentID)
	if rm == nil {
		return ErrNoRoom
	}
	return rm.post(ctx, broadcastEvent{frame: frame, exclude: excludeSessionID})
}

// EvictIfIdle drops documentID from memory if it has no sessions and no
// unsaved updates. It reports whether the document is no longer held.
func (r *Registry) EvictIfIdle(ctx context.Context, documentID string) (bool, error) {
	rm := r.lookup(documentID)
	if rm == nil {
		return true, nil
	}
	reply := make(chan bool, 1)
	if err := rm.post(ctx, evictEvent{reply: reply}); err != nil {
		if errors.Is(err, ErrRoomClosed) {
			return true, nil
		}
		return false, err
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-rm.done:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// State returns the serialized state of a loaded document.
func (r *Registry) State(ctx context.Context, documentID string) ([]byte, error) {
	rm := r.lookup(documentID)
	if rm == nil {
		return nil, ErrNoRoom
	}
	return rm.State(ctx)
}

// Loaded reports whether documentID is held in memory.
func (r *Registry) Loaded(documentID string) bool {
	return r.lookup(documentID) != nil
}

// Stats returns the current counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	s := Stats{ActiveDocuments: len(r.rooms)}
	for _, rm := range r.rooms {
		s.ActiveSessions += int(rm.sessions.Load())
		if rm.degraded.Load() {
			s.DegradedDocuments++
		}
	}
	r.mu.Unlock()
	s.Broker = r.bridge.Status()
	return s
}

// History exposes the history store for read-only callers.
func (r *Registry) History() persistence.Gateway {
	return r.gateway
}

func (r *Registry) resyncAll() {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	r.logger.Info("broker reconnected, resyncing documents", "documents", len(rooms))
	for _, rm := range rooms {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.EnqueueTimeout)
		if err := rm.post(ctx, resyncEvent{}); err != nil && !errors.Is(err, ErrRoomClosed) {
			r.logger.Warn("resync not queued", "doc", rm.id, "error", err)
		}
		cancel()
	}
}

// Shutdown flushes every document and waits for pending stores.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	var errs []error
	for _, rm := range rooms {
		if err := rm.post(ctx, saveEvent{}); err != nil && !errors.Is(err, ErrRoomClosed) {
			errs = append(errs, fmt.Errorf("flush %s: %w", rm.id, err))
		}
	}
	for _, rm := range rooms {
		if err := rm.waitSaved(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", rm.id, err))
		}
	}
	return errors.Join(errs...)
}
