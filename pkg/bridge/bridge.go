// Package bridge relays document traffic between server processes over a
// shared publish/subscribe broker, one topic per document.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var (
	// ErrUnavailable is returned while the broker cannot be reached.
	ErrUnavailable = errors.New("bridge: broker unavailable")
	// ErrQueueFull is returned when the outbound queue is saturated.
	ErrQueueFull = errors.New("bridge: publish queue full")
	ErrClosed    = errors.New("bridge: closed")
)

// Kind identifies what a bridge message carries.
type Kind string

const (
	KindUpdate      Kind = "update"
	KindAwareness   Kind = "awareness"
	KindStateless   Kind = "stateless"
	KindSyncRequest Kind = "sync-request"
)

// Message is what travels between processes.
type Message struct {
	Node      string    `json:"node"`
	Doc       string    `json:"doc"`
	Kind      Kind      `json:"kind"`
	Session   string    `json:"session,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives messages for a subscribed document. Handlers are called
// from the bridge's receive goroutine, shared by every document, and must
// not block.
type Handler func(Message)

// Subscription identifies one Subscribe call. Unsubscribing a stale
// Subscription leaves a newer registration for the same document in place.
type Subscription struct {
	Doc string
	id  uint64
}

var subSeq atomic.Uint64

func newSubscription(docID string) Subscription {
	return Subscription{Doc: docID, id: subSeq.Add(1)}
}

type subscriber struct {
	id uint64
	h  Handler
}

// Status reports broker connectivity.
type Status struct {
	Connected bool      `json:"connected"`
	Since     time.Time `json:"since"`
	LastError string    `json:"last_error,omitempty"`
}

// Bridge is the cross-process broadcast relay.
type Bridge interface {
	// NodeID identifies this process; messages it published are not
	// delivered back to it.
	NodeID() string
	// Publish queues msg for delivery to other processes. It never waits for
	// the broker.
	Publish(ctx context.Context, msg Message) error
	// Subscribe routes messages for docID to h, replacing any earlier
	// handler. The returned Subscription is valid even when err is non-nil.
	Subscribe(ctx context.Context, docID string, h Handler) (Subscription, error)
	// Unsubscribe removes sub if it is still the current registration.
	Unsubscribe(ctx context.Context, sub Subscription) error
	Status() Status
	// OnReconnect registers a callback run after the broker comes back.
	OnReconnect(fn func())
	Close() error
}

// Channel returns the broker topic for a document.
func Channel(docID string) string {
	return fmt.Sprintf("doc:%s", docID)
}

func encode(msg Message) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return json.Marshal(msg)
}

func decode(data []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(data, &msg)
	return msg, err
}
