// Package app wires configuration, storage, the broker and the HTTP surface
// into a runnable sync process or routing process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"crdt-sync/pkg/admission"
	"crdt-sync/pkg/auth"
	"crdt-sync/pkg/bridge"
	"crdt-sync/pkg/config"
	"crdt-sync/pkg/crdt"
	"crdt-sync/pkg/handlers"
	"crdt-sync/pkg/persistence"
	"crdt-sync/pkg/room"
	"crdt-sync/pkg/session"
)

// Server is one sync process.
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     persistence.Gateway
	bridge    bridge.Bridge
	registry  *room.Registry
	admission *admission.Controller
	sessions  *session.Set
	handlers  *handlers.Handlers
	http      *http.Server
}

// NewLogger builds the process logger from the log settings.
func NewLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

// openStore connects the configured persistence driver and pings it.
func openStore(ctx context.Context, cfg config.PersistenceConfig, logger *slog.Logger) (persistence.Gateway, error) {
	var (
		store persistence.Gateway
		err   error
	)
	switch cfg.Driver {
	case "badger":
		bc := persistence.DefaultBadgerConfig(cfg.Badger.Path)
		if cfg.Badger.InMemory {
			bc = persistence.InMemoryBadgerConfig()
		}
		bc.SyncWrites = cfg.Badger.SyncWrites
		if cfg.Badger.GCInterval > 0 {
			bc.GCInterval = cfg.Badger.GCInterval
		}
		bc.Logger = logger
		store, err = persistence.OpenBadger(bc)
	case "mongo":
		store, err = persistence.OpenMongo(ctx, cfg.Mongo.URI, cfg.Mongo.Database, logger)
	case "postgres":
		store, err = persistence.OpenPostgres(ctx, cfg.Postgres.DSN, logger)
	default:
		return nil, fmt.Errorf("%w: persistence driver %q", config.ErrInvalid, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to ping %s store: %w", cfg.Driver, err)
	}
	return store, nil
}

// openBridge connects the configured broker. The memory driver gives a
// single-process relay with no peers.
func openBridge(ctx context.Context, cfg config.BrokerConfig, nodeID string, logger *slog.Logger) (bridge.Bridge, error) {
	switch cfg.Driver {
	case "memory":
		return bridge.NewBroker().Connect(nodeID, logger), nil
	case "redis":
		br, err := bridge.NewRedisBridge(ctx, bridge.RedisOptions{
			Addr:           cfg.Redis.Addr,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			NodeID:         nodeID,
			QueueSize:      cfg.QueueSize,
			HealthInterval: cfg.HealthInterval,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return br, nil
	default:
		return nil, fmt.Errorf("%w: broker driver %q", config.ErrInvalid, cfg.Driver)
	}
}

// seedFunc returns the initial content for documents that were never
// stored. Every process builds the same update for the same text, so seeds
// from several processes merge to one copy.
func seedFunc(text string) func(string) []byte {
	if text == "" {
		return nil
	}
	update := crdt.New("seed").Insert(0, text)
	return func(string) []byte { return update }
}

// NewServer validates cfg, connects persistence and the broker, and builds
// the HTTP surface. It fails fast when a dependency is unreachable.
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	nodeID := cfg.Server.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	logger = logger.With("node", nodeID)

	store, err := openStore(ctx, cfg.Persistence, logger)
	if err != nil {
		return nil, err
	}
	br, err := openBridge(ctx, cfg.Broker, nodeID, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := room.NewRegistry(store, br, room.Options{
		Debounce:       cfg.Sync.Debounce,
		InboxSize:      cfg.Sync.InboxSize,
		EnqueueTimeout: cfg.Sync.EnqueueTimeout,
		AwarenessTTL:   cfg.Sync.AwarenessTTL,
		StoreTimeout:   cfg.Sync.StoreTimeout,
		Seed:           seedFunc(cfg.Sync.SeedText),
		Logger:         logger,
	})

	ctrl := admission.NewController(admission.Policy{
		MaxAttempts: cfg.Admission.MaxAttempts,
		Window:      cfg.Admission.Window,
		Ban:         cfg.Admission.Ban,
		GlobalRate:  cfg.Admission.GlobalRate,
		GlobalBurst: cfg.Admission.GlobalBurst,
	}, logger)

	var verifier auth.Verifier
	if cfg.Auth.Secret != "" {
		verifier = auth.NewHMACVerifier(cfg.Auth.Secret, cfg.Auth.Leeway)
	} else {
		logger.Warn("auth.secret is empty, every session is writable")
	}

	sessions := session.NewSet()
	h := handlers.New(handlers.Options{
		Registry:  registry,
		Admission: ctrl,
		Verifier:  verifier,
		Policy:    auth.PrefixPolicy{Prefixes: cfg.Auth.PublicPrefixes},
		Session: session.Config{
			SendBuffer:     cfg.Sync.SendBuffer,
			IdleTimeout:    cfg.Sync.IdleTimeout,
			MaxMessageSize: cfg.Sync.MaxMessageSize,
		},
		Sessions:       sessions,
		TrustProxy:     cfg.Server.TrustProxy,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	return &Server{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		bridge:    br,
		registry:  registry,
		admission: ctrl,
		sessions:  sessions,
		handlers:  h,
		http: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           h.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Handler returns the HTTP surface.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully: sessions
// are closed with 1001, dirty documents are flushed, and connections to the
// broker and store are released.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("sync server listening", "addr", ln.Addr().String())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.admission.Run(gctx, s.cfg.Admission.SweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down", "sessions", s.sessions.Len())
	var errs []error
	// Hijacked websocket connections are not tracked by http.Server, so
	// sessions are closed explicitly.
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if n := s.sessions.CloseAll("server shutting down"); n > 0 {
		s.logger.Info("closed sessions", "count", n)
	}
	if err := s.registry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush documents: %w", err))
	}
	if err := s.bridge.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bridge: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
