// Package presence keeps the ephemeral awareness state (cursors, display
// info, status) of every session attached to a document.
package presence

import (
	"encoding/json"
	"fmt"
	"time"
)

type entry struct {
	fields  map[string]json.RawMessage
	remote  bool
	updated time.Time
}

// Awareness holds per-session state for one document. Fields are merged
// last-write-wins per key. It is owned by a single Room goroutine and is not
// safe for concurrent use.
type Awareness struct {
	states map[string]*entry
}

func New() *Awareness {
	return &Awareness{states: make(map[string]*entry)}
}

// Set merges a partial update for a local session. A JSON null for a key
// removes that key; a top-level null clears the session.
func (a *Awareness) Set(sessionID string, partial []byte) error {
	return a.set(sessionID, partial, false, time.Time{})
}

// SetRemote replaces the state of a session hosted on another process.
func (a *Awareness) SetRemote(sessionID string, state []byte, now time.Time) error {
	if isNull(state) {
		a.Clear(sessionID)
		return nil
	}
	delete(a.states, sessionID)
	return a.set(sessionID, state, true, now)
}

func (a *Awareness) set(sessionID string, partial []byte, remote bool, now time.Time) error {
	if isNull(partial) {
		a.Clear(sessionID)
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(partial, &fields); err != nil {
		return fmt.Errorf("presence: decode awareness for %s: %w", sessionID, err)
	}
	e, ok := a.states[sessionID]
	if !ok {
		e = &entry{fields: make(map[string]json.RawMessage)}
		a.states[sessionID] = e
	}
	e.remote = remote
	e.updated = now
	for k, v := range fields {
		if isNull(v) {
			delete(e.fields, k)
			continue
		}
		e.fields[k] = v
	}
	return nil
}

// Clear removes a session and reports whether it was present.
func (a *Awareness) Clear(sessionID string) bool {
	if _, ok := a.states[sessionID]; !ok {
		return false
	}
	delete(a.states, sessionID)
	return true
}

// State returns the encoded state of one session, or nil.
func (a *Awareness) State(sessionID string) json.RawMessage {
	e, ok := a.states[sessionID]
	if !ok {
		return nil
	}
	data, _ := json.Marshal(e.fields)
	return data
}

// Snapshot returns the encoded state of every session.
func (a *Awareness) Snapshot() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(a.states))
	for id, e := range a.states {
		data, _ := json.Marshal(e.fields)
		out[id] = data
	}
	return out
}

// ExpireRemote drops remote sessions not refreshed within ttl and returns
// their ids.
func (a *Awareness) ExpireRemote(now time.Time, ttl time.Duration) []string {
	var gone []string
	for id, e := range a.states {
		if e.remote && now.Sub(e.updated) > ttl {
			delete(a.states, id)
			gone = append(gone, id)
		}
	}
	return gone
}

// Len returns the number of sessions with state.
func (a *Awareness) Len() int {
	return len(a.states)
}

func isNull(data []byte) bool {
	return len(data) == 0 || string(data) == "null"
}
