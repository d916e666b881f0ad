// Package persistence stores durable document snapshots and the versioned
// history derived from them.
//
// Every successful Store appends a HistoryEntry whose version is one more
// than the latest version of that document. Implementations enforce this at
// the storage tier (transactions, unique indexes) because several processes
// may store the same document concurrently.
package persistence

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the document has never been stored.
	ErrNotFound = errors.New("persistence: document not found")
	// ErrNoVersion means the requested version does not exist.
	ErrNoVersion = errors.New("persistence: version not found")
	// ErrConflict is returned when a store lost a version race too many times.
	ErrConflict = errors.New("persistence: version conflict")
)

// HistoryEntry is one immutable stored version of a document.
type HistoryEntry struct {
	DocumentID string    `json:"document_id" bson:"document_id"`
	Version    int64     `json:"version" bson:"version"`
	Snapshot   []byte    `json:"snapshot,omitempty" bson:"snapshot"`
	Message    string    `json:"message" bson:"message"`
	Size       int       `json:"size" bson:"size"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
}

// Meta returns the entry without its snapshot bytes.
func (e HistoryEntry) Meta() HistoryEntry {
	e.Snapshot = nil
	return e
}

// Gateway is the durable store consumed by the document registry.
type Gateway interface {
	// Load returns the latest snapshot or ErrNotFound.
	Load(ctx context.Context, documentID string) ([]byte, error)
	// Store appends a new version holding snapshot.
	Store(ctx context.Context, documentID string, snapshot []byte, message string) (*HistoryEntry, error)
	// ListVersions returns entry metadata ordered by ascending version.
	ListVersions(ctx context.Context, documentID string) ([]HistoryEntry, error)
	GetVersion(ctx context.Context, documentID string, version int64) (*HistoryEntry, error)
	// PrevVersion returns the entry before current, or ErrNoVersion.
	PrevVersion(ctx context.Context, documentID string, current int64) (*HistoryEntry, error)
	// NextVersion returns the entry after current, or ErrNoVersion.
	NextVersion(ctx context.Context, documentID string, current int64) (*HistoryEntry, error)
	Ping(ctx context.Context) error
	Close() error
}

// maxStoreAttempts bounds optimistic retries when concurrent writers race
// for the same version number.
const maxStoreAttempts = 16

func newEntry(documentID string, version int64, snapshot []byte, message string) HistoryEntry {
	return HistoryEntry{
		DocumentID: documentID,
		Version:    version,
		Snapshot:   append([]byte(nil), snapshot...),
		Message:    message,
		Size:       len(snapshot),
		CreatedAt:  time.Now().UTC(),
	}
}
