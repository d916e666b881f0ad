// Package protocol defines the binary frames exchanged with clients and the
// JSON envelope carried on the stateless control channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the one-byte discriminator at the start of every frame.
type MessageType byte

const (
	// TypeSync carries a CRDT update or a full state.
	TypeSync MessageType = 0
	// TypeAwareness carries presence data.
	TypeAwareness MessageType = 1
	// TypeStateless carries a JSON Envelope.
	TypeStateless MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case TypeSync:
		return "sync"
	case TypeAwareness:
		return "awareness"
	case TypeStateless:
		return "stateless"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Websocket close codes sent by the server.
const (
	CloseUnauthorized   = 4401
	CloseForbidden      = 4403
	CloseIdleTimeout    = 4408
	CloseTryAgainLater  = 1013
	CloseNormalShutdown = 1001
)

var (
	ErrShortFrame  = errors.New("protocol: empty frame")
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Frame is a decoded client or server message.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Encode prefixes payload with the discriminator.
func Encode(t MessageType, payload []byte) []byte {
	out := make([]byte, len(payload)+1)
	out[0] = byte(t)
	copy(out[1:], payload)
	return out
}

// Decode splits a raw frame. The payload aliases data.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrShortFrame
	}
	t := MessageType(data[0])
	switch t {
	case TypeSync, TypeAwareness, TypeStateless:
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownType, data[0])
	}
	return Frame{Type: t, Payload: data[1:]}, nil
}

// AwarenessStates is the server's view of every session's presence in a
// document.
type AwarenessStates struct {
	States map[string]json.RawMessage `json:"states"`
}

// EncodeAwareness builds an awareness frame for the full state set.
func EncodeAwareness(states map[string]json.RawMessage) []byte {
	if states == nil {
		states = map[string]json.RawMessage{}
	}
	data, _ := json.Marshal(AwarenessStates{States: states})
	return Encode(TypeAwareness, data)
}
