// Package handlers is the HTTP surface of a sync process: the websocket
// endpoint, health, metrics and read-only history queries.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crdt-sync/pkg/admission"
	"crdt-sync/pkg/auth"
	"crdt-sync/pkg/crdt"
	"crdt-sync/pkg/metrics"
	"crdt-sync/pkg/persistence"
	"crdt-sync/pkg/protocol"
	"crdt-sync/pkg/room"
	"crdt-sync/pkg/session"
)

// Options wires the handlers to the rest of the process.
type Options struct {
	Registry  *room.Registry
	Admission *admission.Controller
	// Verifier checks handshake tokens. Nil disables authentication and
	// every session is writable.
	Verifier auth.Verifier
	Policy   auth.Policy
	Session  session.Config
	Sessions *session.Set
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool
	// AllowedOrigins limits websocket origins. Empty allows all.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Handlers contains all HTTP and WebSocket handlers.
type Handlers struct {
	registry   *room.Registry
	admission  *admission.Controller
	verifier   auth.Verifier
	policy     auth.Policy
	sessionCfg session.Config
	sessions   *session.Set
	trustProxy bool
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

func New(opts Options) *Handlers {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == nil {
		opts.Policy = auth.PrefixPolicy{}
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewSet()
	}
	if opts.Admission == nil {
		opts.Admission = admission.NewController(admission.DefaultPolicy(), opts.Logger)
	}
	opts.Session.Logger = opts.Logger

	h := &Handlers{
		registry:   opts.Registry,
		admission:  opts.Admission,
		verifier:   opts.Verifier,
		policy:     opts.Policy,
		sessionCfg: opts.Session,
		sessions:   opts.Sessions,
		trustProxy: opts.TrustProxy,
		logger:     opts.Logger.With("component", "http"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Router builds the mux router with every route registered.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{documentId}", h.HandleWebSocket)
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/documents/{documentId}").Subrouter()
	api.HandleFunc("/text", h.GetText).Methods("GET")
	api.HandleFunc("/versions", h.ListVersions).Methods("GET")
	api.HandleFunc("/versions/{version:[0-9]+}", h.GetVersion).Methods("GET")

	r.Use(corsMiddleware)
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr is the source address used for admission control.
func (h *Handlers) clientAddr(r *http.Request) string {
	if h.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authFailure describes why a request could not be given an identity.
type authFailure struct {
	closeCode int
	status    int
	err       error
}

// identify resolves the handshake identity. Requests without a valid token
// become anonymous read-only observers when the document allows public read.
func (h *Handlers) identify(r *http.Request, documentID string) (auth.Identity, *authFailure) {
	if h.verifier == nil {
		return auth.Identity{UserID: "guest", Name: r.URL.Query().Get("name")}, nil
	}
	token := auth.TokenFromRequest(r)
	err := auth.ErrMissingToken
	if token != "" {
		var ident auth.Identity
		ident, err = h.verifier.Verify(token)
		if err == nil {
			return ident, nil
		}
	}
	if h.policy.PublicRead(documentID) {
		return auth.Anonymous(), nil
	}
	if errors.Is(err, auth.ErrMissingToken) {
		return auth.Identity{}, &authFailure{closeCode: protocol.CloseForbidden, status: http.StatusForbidden, err: err}
	}
	return auth.Identity{}, &authFailure{closeCode: protocol.CloseUnauthorized, status: http.StatusUnauthorized, err: err}
}

// HandleWebSocket admits, authenticates and upgrades a connection, then runs
// its session until it ends.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	addr := h.clientAddr(r)
	if d := h.admission.CheckAndRecord(addr); !d.Allowed {
		metrics.AdmissionRejections.WithLabelValues(d.Reason).Inc()
		h.logger.Info("connection rejected", "addr", addr, "reason", d.Reason, "retry_after", d.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		http.Error(w, d.Reason, http.StatusTooManyRequests)
		return
	}

	documentID := mux.Vars(r)["documentId"]
	ident, failure := h.identify(r, documentID)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "addr", addr, "error", err)
		return
	}
	if failure != nil {
		h.logger.Info("handshake refused", "addr", addr, "doc", documentID, "error", failure.err)
		msg := websocket.FormatCloseMessage(failure.closeCode, failure.err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	s := session.New(conn, documentID, ident, h.sessionCfg)
	h.sessions.Add(s)
	defer h.sessions.Remove(s)
	h.logger.Debug("session started", "addr", addr, "doc", documentID, "session", s.ID(), "user", ident.UserID, "read_only", ident.ReadOnly)

	s.Serve(r.Context(), h.registry)
}

type healthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Persistence bool      `json:"persistence"`
	room.Stats
}

// Health reports counters and dependency status. It answers 503 when the
// broker or the persistence store is unreachable.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	pingErr := h.registry.History().Ping(ctx)
	resp := healthResponse{
		Status:      "ok",
		Timestamp:   time.Now(),
		Persistence: pingErr == nil,
		Stats:       h.registry.Stats(),
	}
	code := http.StatusOK
	if pingErr != nil || !resp.Broker.Connected {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// GetText returns the visible text of a document, from memory when it is
// loaded and from the latest snapshot otherwise.
func (h *Handlers) GetText(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]
	if !h.authorizeREST(w, r, documentID) {
		return
	}

	state, err := h.registry.State(r.Context(), documentID)
	if errors.Is(err, room.ErrNoRoom) || errors.Is(err, room.ErrRoomClosed) {
		state, err = h.registry.History().Load(r.Context(), documentID)
	}
	if errors.Is(err, persistence.ErrNotFound) {
		http.Error(w, "Document not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("load text failed", "doc", documentID, "error", err)
		http.Error(w, "Failed to load document", http.StatusInternalServerError)
		return
	}
	text, err := crdt.TextOf(state)
	if err != nil {
		http.Error(w, "Corrupt document state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"document_id": documentID, "text": text})
}

// ListVersions returns the history metadata of a document.
func (h *Handlers) ListVersions(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]
	if !h.authorizeREST(w, r, documentID) {
		return
	}
	versions, err := h.registry.History().ListVersions(r.Context(), documentID)
	if err != nil {
		h.logger.Error("list versions failed", "doc", documentID, "error", err)
		http.Error(w, "Failed to list versions", http.StatusInternalServerError)
		return
	}
	if versions == nil {
		versions = []persistence.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": documentID,
		"versions":    versions,
		"count":       len(versions),
	})
}

// GetVersion returns one stored version including its text.
func (h *Handlers) GetVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	documentID := vars["documentId"]
	if !h.authorizeREST(w, r, documentID) {
		return
	}
	version, err := strconv.ParseInt(vars["version"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid version", http.StatusBadRequest)
		return
	}

	entry, err := h.registry.History().GetVersion(r.Context(), documentID, version)
	if errors.Is(err, persistence.ErrNoVersion) {
		http.Error(w, "Version not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("get version failed", "doc", documentID, "version", version, "error", err)
		http.Error(w, "Failed to load version", http.StatusInternalServerError)
		return
	}
	text, _ := crdt.TextOf(entry.Snapshot)
	writeJSON(w, http.StatusOK, struct {
		persistence.HistoryEntry
		Text string `json:"text"`
	}{HistoryEntry: entry.Meta(), Text: text})
}

func (h *Handlers) authorizeREST(w http.ResponseWriter, r *http.Request, documentID string) bool {
	if _, failure := h.identify(r, documentID); failure != nil {
		http.Error(w, failure.err.Error(), failure.status)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
