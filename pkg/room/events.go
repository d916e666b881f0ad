package room

import (
	"crdt-sync/pkg/bridge"
	"crdt-sync/pkg/persistence"
	"crdt-sync/pkg/protocol"
)

// Everything that mutates a Room arrives as one of these on its inbox and is
// handled in order by the Room goroutine.
type event interface{}

type joinEvent struct {
	peer Peer
	done chan struct{}
}

type leaveEvent struct {
	peer   Peer
	reason string
}

// releaseEvent drops a hold taken by Registry.acquire without a peer.
type releaseEvent struct{}

type updateEvent struct {
	origin string
	delta  []byte
	ack    chan error
}

type awarenessEvent struct {
	origin  string
	payload []byte
}

type statelessEvent struct {
	origin Peer
	env    protocol.Envelope
}

type remoteEvent struct {
	msg bridge.Message
}

type broadcastEvent struct {
	frame   []byte
	exclude string
}

type storeResult struct {
	seq   uint64
	entry *persistence.HistoryEntry
	err   error
}

type revertEvent struct {
	requester Peer
	entry     *persistence.HistoryEntry
}

type saveEvent struct {
	message string
}

type resyncEvent struct{}

type stateEvent struct {
	reply chan []byte
}

type evictEvent struct {
	reply chan bool
}

type cleanEvent struct {
	reply chan bool
}
