// Package router is the sticky routing layer in front of sync processes. A
// client keeps landing on the process named in its routing cookie; new
// clients are balanced across processes. Routing is only an optimization:
// any process can serve any document.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"crdt-sync/pkg/metrics"
)

// Balancing methods.
const (
	RoundRobin       = "round_robin"
	LeastConnections = "least_connections"
)

const DefaultCookieName = "crdt_route"

var ErrNoBackends = errors.New("router: no backends configured")

// BackendConfig names one sync process.
type BackendConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

type Config struct {
	Backends   []BackendConfig
	Method     string
	CookieName string
	CookieTTL  time.Duration
	// Cooldown is how long a backend that failed to answer is skipped.
	Cooldown time.Duration
	Logger   *slog.Logger
}

type backend struct {
	id           string
	target       *url.URL
	proxy        *httputil.ReverseProxy
	active       atomic.Int64
	benchedUntil atomic.Int64
}

func (b *backend) available(now time.Time) bool {
	return now.UnixNano() >= b.benchedUntil.Load()
}

// BackendStatus is reported by the router status endpoint.
type BackendStatus struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Active int64  `json:"active"`
	Up     bool   `json:"up"`
}

// Router proxies HTTP and websocket traffic to the configured backends.
type Router struct {
	cfg      Config
	backends []*backend
	byID     map[string]*backend
	next     atomic.Uint64
	logger   *slog.Logger
}

func New(cfg Config) (*Router, error) {
	if len(cfg.Backends) == 0 {
		return nil, ErrNoBackends
	}
	switch cfg.Method {
	case "":
		cfg.Method = RoundRobin
	case RoundRobin, LeastConnections:
	default:
		return nil, fmt.Errorf("router: unknown balancing method %q", cfg.Method)
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.CookieTTL <= 0 {
		cfg.CookieTTL = 24 * time.Hour
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	rt := &Router{
		cfg:    cfg,
		byID:   make(map[string]*backend, len(cfg.Backends)),
		logger: cfg.Logger.With("component", "router"),
	}
	for _, bc := range cfg.Backends {
		target, err := url.Parse(bc.URL)
		if err != nil || target.Host == "" {
			return nil, fmt.Errorf("router: invalid url for backend %q: %s", bc.ID, bc.URL)
		}
		if bc.ID == "" {
			return nil, fmt.Errorf("router: backend %s has no id", bc.URL)
		}
		if _, dup := rt.byID[bc.ID]; dup {
			return nil, fmt.Errorf("router: duplicate backend id %q", bc.ID)
		}
		b := &backend{id: bc.ID, target: target}
		b.proxy = &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(target)
				pr.SetXForwarded()
			},
			ErrorHandler: rt.errorHandler(b),
		}
		rt.backends = append(rt.backends, b)
		rt.byID[b.id] = b
	}
	return rt, nil
}

func (rt *Router) errorHandler(b *backend) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		b.benchedUntil.Store(time.Now().Add(rt.cfg.Cooldown).UnixNano())
		rt.logger.Warn("backend failed, benching", "backend", b.id, "error", err, "cooldown", rt.cfg.Cooldown)
		http.Error(w, "backend unavailable", http.StatusBadGateway)
	}
}

// pick returns the cookie's backend when it is usable, otherwise balances
// across available backends. If every backend is benched it balances across
// all of them.
func (rt *Router) pick(r *http.Request) *backend {
	now := time.Now()
	if c, err := r.Cookie(rt.cfg.CookieName); err == nil {
		if b, ok := rt.byID[c.Value]; ok && b.available(now) {
			return b
		}
	}

	candidates := make([]*backend, 0, len(rt.backends))
	for _, b := range rt.backends {
		if b.available(now) {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		candidates = rt.backends
	}

	if rt.cfg.Method == LeastConnections {
		best := candidates[0]
		for _, b := range candidates[1:] {
			if b.active.Load() < best.active.Load() {
				best = b
			}
		}
		return best
	}
	n := rt.next.Add(1) - 1
	return candidates[n%uint64(len(candidates))]
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b := rt.pick(r)
	if c, err := r.Cookie(rt.cfg.CookieName); err != nil || c.Value != b.id {
		http.SetCookie(w, &http.Cookie{
			Name:     rt.cfg.CookieName,
			Value:    b.id,
			Path:     "/",
			MaxAge:   int(rt.cfg.CookieTTL.Seconds()),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	b.active.Add(1)
	defer b.active.Add(-1)
	metrics.RouterRequests.WithLabelValues(b.id).Inc()
	b.proxy.ServeHTTP(w, r)
}

// Status lists the backends with their live connection counts.
func (rt *Router) Status() []BackendStatus {
	now := time.Now()
	out := make([]BackendStatus, 0, len(rt.backends))
	for _, b := range rt.backends {
		out = append(out, BackendStatus{
			ID:     b.id,
			URL:    b.target.String(),
			Active: b.active.Load(),
			Up:     b.available(now),
		})
	}
	return out
}

// Handler serves the proxy plus a status endpoint at statusPath.
func (rt *Router) Handler(statusPath string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(statusPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"method":   rt.cfg.Method,
			"backends": rt.Status(),
		})
	}).Methods("GET")
	r.PathPrefix("/").Handler(rt)
	return r
}
