package loadtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"crdt-sync/pkg/crdt"
	"crdt-sync/pkg/protocol"
)

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 .,!?\n"

// Client is one simulated editor holding its own replica of the document.
type Client struct {
	UserID string
	doc    string

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	replica   *crdt.Doc
	latencies []time.Duration

	sent   atomic.Int64
	recv   atomic.Int64
	errors atomic.Int64

	connected atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

func NewClient(userID, documentID string) *Client {
	return &Client{
		UserID:  userID,
		doc:     documentID,
		replica: crdt.New(fmt.Sprintf("lt-%s-%d", userID, time.Now().UnixNano())),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// wsURL turns an http(s) base URL into the document's websocket URL.
func wsURL(base, documentID, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + documentID
	if token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return u.String(), nil
}

// Connect dials the server and starts reading. It returns once the session
// is attached and the initial state has arrived.
func (c *Client) Connect(ctx context.Context, serverURL, token string) error {
	target, err := wsURL(serverURL, c.doc, token)
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("connect %s: rejected by admission (retry after %ss)", c.UserID, resp.Header.Get("Retry-After"))
		}
		return fmt.Errorf("connect %s: %w", c.UserID, err)
	}
	c.conn = conn
	c.connected.Store(true)
	go c.readPump()

	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return fmt.Errorf("connect %s: closed before ready", c.UserID)
	case <-ctx.Done():
		c.Disconnect()
		return ctx.Err()
	}
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Disconnect() {
	c.stopOnce.Do(func() {
		c.connected.Store(false)
		if c.conn == nil {
			return
		}
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer func() {
		c.connected.Store(false)
		close(c.done)
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			c.errors.Add(1)
			continue
		}
		switch frame.Type {
		case protocol.TypeSync:
			c.mu.Lock()
			_, err := c.replica.Apply(frame.Payload)
			c.mu.Unlock()
			if err != nil {
				c.errors.Add(1)
				continue
			}
			c.recv.Add(1)
		case protocol.TypeStateless:
			env, err := protocol.ParseEnvelope(frame.Payload)
			if err == nil && env.Msg == protocol.MsgSessionReady {
				c.readyOnce.Do(func() { close(c.ready) })
			}
		}
	}
}

func (c *Client) send(t protocol.MessageType, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(t, payload))
}

// edit applies one random operation to the local replica and returns the
// update to send.
func (c *Client) edit(rng *rand.Rand, scenario Scenario) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.replica.Len()
	if n == 0 || rng.Float64() < scenario.InsertProbability {
		ch := string(alphabet[rng.Intn(len(alphabet))])
		return c.replica.Insert(rng.Intn(n+1), ch)
	}
	return c.replica.Delete(rng.Intn(n), 1)
}

// Simulate edits until duration elapses, ctx is done or the connection
// drops.
func (c *Client) Simulate(ctx context.Context, scenario Scenario, duration time.Duration, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	end := time.Now().Add(duration)
	cursor, _ := json.Marshal(map[string]any{"user": c.UserID})

	for time.Now().Before(end) {
		if !c.IsConnected() || ctx.Err() != nil {
			return
		}
		ops := 1
		if rng.Float64() < scenario.BurstProbability {
			ops = scenario.BurstSize
		}
		for i := 0; i < ops; i++ {
			start := time.Now()
			if err := c.send(protocol.TypeSync, c.edit(rng, scenario)); err != nil {
				c.errors.Add(1)
				if !c.IsConnected() {
					return
				}
				continue
			}
			c.sent.Add(1)
			c.mu.Lock()
			c.latencies = append(c.latencies, time.Since(start))
			c.mu.Unlock()
			if i < ops-1 {
				time.Sleep(10 * time.Millisecond)
			}
		}
		if err := c.send(protocol.TypeAwareness, cursor); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			c.errors.Add(1)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(scenario.ThinkTime):
		}
	}
}

// Text returns the replica's visible content.
func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.Text()
}
