package persistence

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// gcDiscardRatio is the share of stale data a value log file needs before
// it is rewritten.
const gcDiscardRatio = 0.5

// BadgerConfig configures the embedded history store.
type BadgerConfig struct {
	// Path is the data directory, created on open.
	Path string
	// InMemory keeps everything in RAM; history is lost on close.
	InMemory bool
	// SyncWrites fsyncs every stored version before Store returns.
	SyncWrites bool
	// GCInterval spaces value log compactions; zero turns them off.
	GCInterval time.Duration
	Logger     *slog.Logger
}

// DefaultBadgerConfig is the on-disk setup used by the serve command.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
	}
}

// InMemoryBadgerConfig is a throwaway store.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// storeLog feeds badger's printf-style output into slog. Badger's info
// lines are recorded at debug.
type storeLog struct {
	l *slog.Logger
}

func (s storeLog) emit(level slog.Level, format string, args []any) {
	ctx := context.Background()
	if !s.l.Enabled(ctx, level) {
		return
	}
	s.l.Log(ctx, level, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (s storeLog) Errorf(format string, args ...any)   { s.emit(slog.LevelError, format, args) }
func (s storeLog) Warningf(format string, args ...any) { s.emit(slog.LevelWarn, format, args) }
func (s storeLog) Infof(format string, args ...any)    { s.emit(slog.LevelDebug, format, args) }
func (s storeLog) Debugf(format string, args ...any)   { s.emit(slog.LevelDebug, format, args) }

// BadgerStore is the embedded Gateway. Versions are allocated inside a
// serializable transaction that reads and bumps the document head, so two
// concurrent writers conflict and one retries with the next number.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

// OpenBadger opens the store.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: a data path is required unless in-memory")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(storeLog{l: cfg.Logger.With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(gcDiscardRatio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("value log compaction failed", "error", err)
			}
		}
	}
}

func headKey(documentID string) []byte {
	return []byte("head/" + url.PathEscape(documentID))
}

func historyPrefix(documentID string) []byte {
	return []byte("hist/" + url.PathEscape(documentID) + "/")
}

func historyKey(documentID string, version int64) []byte {
	return append(historyPrefix(documentID), []byte(fmt.Sprintf("%020d", version))...)
}

func readHead(txn *badger.Txn, documentID string) (int64, error) {
	item, err := txn.Get(headKey(documentID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var head int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("badger: corrupt head for %s", documentID)
		}
		head = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return head, err
}

func readEntry(txn *badger.Txn, documentID string, version int64) (*HistoryEntry, error) {
	item, err := txn.Get(historyKey(documentID, version))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNoVersion
	}
	if err != nil {
		return nil, err
	}
	var entry HistoryEntry
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entry)
	})
	if err != nil {
		return nil, fmt.Errorf("decode history entry %s@%d: %w", documentID, version, err)
	}
	return &entry, nil
}

func (s *BadgerStore) Load(_ context.Context, documentID string) ([]byte, error) {
	var snapshot []byte
	err := s.db.View(func(txn *badger.Txn) error {
		head, err := readHead(txn, documentID)
		if err != nil {
			return err
		}
		if head == 0 {
			return ErrNotFound
		}
		entry, err := readEntry(txn, documentID, head)
		if err != nil {
			return err
		}
		snapshot = entry.Snapshot
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *BadgerStore) Store(ctx context.Context, documentID string, snapshot []byte, message string) (*HistoryEntry, error) {
	for attempt := 0; attempt < maxStoreAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var entry HistoryEntry
		err := s.db.Update(func(txn *badger.Txn) error {
			head, err := readHead(txn, documentID)
			if err != nil {
				return err
			}
			entry = newEntry(documentID, head+1, snapshot, message)
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(entry.Version))
			if err := txn.Set(headKey(documentID), buf[:]); err != nil {
				return err
			}
			return txn.Set(historyKey(documentID, entry.Version), data)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", documentID, err)
		}
		return &entry, nil
	}
	return nil, fmt.Errorf("store %s: %w", documentID, ErrConflict)
}

func (s *BadgerStore) ListVersions(_ context.Context, documentID string) ([]HistoryEntry, error) {
	var out []HistoryEntry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := historyPrefix(documentID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry HistoryEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			out = append(out, entry.Meta())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list versions %s: %w", documentID, err)
	}
	return out, nil
}

func (s *BadgerStore) GetVersion(_ context.Context, documentID string, version int64) (*HistoryEntry, error) {
	var entry *HistoryEntry
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		entry, err = readEntry(txn, documentID, version)
		return err
	})
	return entry, err
}

func (s *BadgerStore) PrevVersion(ctx context.Context, documentID string, current int64) (*HistoryEntry, error) {
	if current <= 1 {
		return nil, ErrNoVersion
	}
	return s.GetVersion(ctx, documentID, current-1)
}

func (s *BadgerStore) NextVersion(ctx context.Context, documentID string, current int64) (*HistoryEntry, error) {
	return s.GetVersion(ctx, documentID, current+1)
}

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	return s.db.Close()
}

var _ Gateway = (*BadgerStore)(nil)
