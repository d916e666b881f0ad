package session

import (
	"sync"

	"crdt-sync/pkg/protocol"
)

// Set tracks live sessions so the process can close them on shutdown.
type Set struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func NewSet() *Set {
	return &Set{sessions: make(map[*Session]struct{})}
}

func (t *Set) Add(s *Session) {
	t.mu.Lock()
	t.sessions[s] = struct{}{}
	t.mu.Unlock()
}

func (t *Set) Remove(s *Session) {
	t.mu.Lock()
	delete(t.sessions, s)
	t.mu.Unlock()
}

func (t *Set) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// CloseAll sends every session a going-away close frame.
func (t *Set) CloseAll(reason string) int {
	t.mu.Lock()
	all := make([]*Session, 0, len(t.sessions))
	for s := range t.sessions {
		all = append(all, s)
	}
	t.mu.Unlock()

	for _, s := range all {
		s.Close(protocol.CloseNormalShutdown, reason)
	}
	return len(all)
}
