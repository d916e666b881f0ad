// Package session runs one websocket connection attached to one document.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"crdt-sync/pkg/auth"
	"crdt-sync/pkg/metrics"
	"crdt-sync/pkg/protocol"
	"crdt-sync/pkg/room"
)

// Config holds connection timing and buffer limits.
type Config struct {
	// SendBuffer is the number of outbound frames queued before the session
	// counts as a slow consumer.
	SendBuffer int
	// IdleTimeout closes a session with no inbound messages for this long.
	IdleTimeout time.Duration
	PingPeriod  time.Duration
	PongWait    time.Duration
	WriteWait   time.Duration
	// MaxMessageSize is the read limit for a single client frame.
	MaxMessageSize int64
	Logger         *slog.Logger
}

func (c *Config) setDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type closeRequest struct {
	code   int
	reason string
}

// Session is the server side of one client connection.
type Session struct {
	id    string
	doc   string
	ident auth.Identity
	conn  *websocket.Conn
	cfg   Config

	logger *slog.Logger

	send         chan []byte
	closing      chan closeRequest
	done         chan struct{}
	writerDone   chan struct{}
	closeOnce    sync.Once
	lastActivity atomic.Int64
}

// New wraps an upgraded connection. Nothing is read or written until Serve.
func New(conn *websocket.Conn, documentID string, ident auth.Identity, cfg Config) *Session {
	cfg.setDefaults()
	id := uuid.NewString()
	s := &Session{
		id:         id,
		doc:        documentID,
		ident:      ident,
		conn:       conn,
		cfg:        cfg,
		logger:     cfg.Logger.With("session", id, "doc", documentID),
		send:       make(chan []byte, cfg.SendBuffer),
		closing:    make(chan closeRequest, 1),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *Session) ID() string              { return s.id }
func (s *Session) DocumentID() string      { return s.doc }
func (s *Session) Identity() auth.Identity { return s.ident }

// LastActivity is the time of the last inbound client message.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Send queues a frame for the writer. It never blocks; false means the send
// buffer is full.
func (s *Session) Send(frame []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// SendStateless queues a stateless control message for this session only.
func (s *Session) SendStateless(msg string, fields map[string]any) bool {
	return s.Send(protocol.Stateless(msg, fields))
}

// Close asks the writer to send a close frame with code and drop the
// connection. It does not block.
func (s *Session) Close(code int, reason string) {
	select {
	case s.closing <- closeRequest{code: code, reason: reason}:
	default:
	}
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Serve attaches the session to its document and pumps frames until the
// connection ends. Once attached, the room is always told the session left,
// however the connection ended.
func (s *Session) Serve(ctx context.Context, reg *room.Registry) {
	go s.writePump()
	defer func() {
		s.shutdown()
		<-s.writerDone
	}()

	rm, err := reg.Join(ctx, s.doc, s)
	if rm == nil {
		s.logger.Warn("join failed", "error", err)
		s.Close(protocol.CloseTryAgainLater, "document unavailable")
		<-s.writerDone
		return
	}

	reason := "closed"
	defer func() { rm.Leave(s, reason) }()
	if err != nil {
		reason = "join cancelled"
		return
	}
	reason = s.readPump(ctx, rm)
}

func (s *Session) readPump(ctx context.Context, rm *room.Room) string {
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Info("connection lost", "error", err)
				return "connection lost"
			}
			return "closed"
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		s.touch()

		frame, err := protocol.Decode(data)
		if err != nil {
			metrics.DeltasRejected.WithLabelValues("malformed").Inc()
			s.logger.Debug("dropping frame", "error", err)
			continue
		}
		err = rm.Receive(ctx, s, frame)
		switch {
		case err == nil:
		case errors.Is(err, room.ErrBackpressure):
			s.logger.Warn("document inbox full, closing session")
			s.Close(protocol.CloseTryAgainLater, "document busy")
			return "backpressure"
		case errors.Is(err, room.ErrRoomClosed):
			return "document closed"
		case ctx.Err() != nil:
			s.Close(protocol.CloseNormalShutdown, "server shutting down")
			return "shutdown"
		default:
			s.logger.Debug("dropping message", "type", frame.Type, "error", err)
		}
	}
}

func (s *Session) idleCheckInterval() time.Duration {
	every := s.cfg.IdleTimeout / 4
	if every > s.cfg.PingPeriod {
		every = s.cfg.PingPeriod
	}
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	return every
}

func (s *Session) writePump() {
	ping := time.NewTicker(s.cfg.PingPeriod)
	idle := time.NewTicker(s.idleCheckInterval())
	defer func() {
		ping.Stop()
		idle.Stop()
		_ = s.conn.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.logger.Debug("write failed", "error", err)
				s.shutdown()
				return
			}

		case req := <-s.closing:
			s.writeClose(req)
			s.shutdown()
			return

		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.shutdown()
				return
			}

		case now := <-idle.C:
			if now.Sub(s.LastActivity()) > s.cfg.IdleTimeout {
				s.logger.Info("closing idle session", "idle", now.Sub(s.LastActivity()).Round(time.Second))
				s.writeClose(closeRequest{code: protocol.CloseIdleTimeout, reason: "idle timeout"})
				s.shutdown()
				return
			}

		case <-s.done:
			select {
			case req := <-s.closing:
				s.writeClose(req)
			default:
			}
			return
		}
	}
}

func (s *Session) writeClose(req closeRequest) {
	msg := websocket.FormatCloseMessage(req.code, req.reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait)); err != nil {
		s.logger.Debug("close frame not sent", "error", err)
	}
}

var _ room.Peer = (*Session)(nil)
