// Package admission rate-limits and temporarily bans source addresses before
// any session or document state is allocated for them.
package admission

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy configures the controller.
type Policy struct {
	// MaxAttempts is the number of attempts allowed per Window per address.
	MaxAttempts int
	Window      time.Duration
	// Ban is how long an address is rejected after exceeding MaxAttempts.
	Ban time.Duration
	// GlobalRate caps new connections per second across all addresses.
	// Zero disables the cap.
	GlobalRate  float64
	GlobalBurst int
}

// DefaultPolicy is 15 attempts per minute and a five minute ban.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 15,
		Window:      time.Minute,
		Ban:         5 * time.Minute,
	}
}

// Decision is the outcome of a check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string
}

// Record is the state kept per source address.
type Record struct {
	Address     string
	attempts    []time.Time
	WindowStart time.Time
	BannedUntil time.Time
}

// AttemptCount returns the attempts in the current window.
func (r *Record) AttemptCount() int {
	return len(r.attempts)
}

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	records map[string]*Record
}

// Controller implements the admission check. Records are sharded by address
// so unrelated addresses never contend on the same lock.
type Controller struct {
	policy Policy
	global *rate.Limiter
	shards [shardCount]*shard
	now    func() time.Time
	logger *slog.Logger
}

// NewController creates a controller with the given policy.
func NewController(policy Policy, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.Window <= 0 {
		policy.Window = def.Window
	}
	if policy.Ban < 0 {
		policy.Ban = 0
	}
	c := &Controller{
		policy: policy,
		now:    time.Now,
		logger: logger,
	}
	if policy.GlobalRate > 0 {
		burst := policy.GlobalBurst
		if burst <= 0 {
			burst = int(policy.GlobalRate) + 1
		}
		c.global = rate.NewLimiter(rate.Limit(policy.GlobalRate), burst)
	}
	for i := range c.shards {
		c.shards[i] = &shard{records: make(map[string]*Record)}
	}
	return c
}

func (c *Controller) shardFor(addr string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(addr))
	return c.shards[h.Sum32()%shardCount]
}

// CheckAndRecord checks addr at the current time.
func (c *Controller) CheckAndRecord(addr string) Decision {
	return c.Check(addr, c.now())
}

// Check records an attempt from addr at now and decides whether to admit it.
// Attempts made while banned are rejected without being counted.
func (c *Controller) Check(addr string, now time.Time) Decision {
	s := c.shardFor(addr)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[addr]
	if !ok {
		rec = &Record{Address: addr, WindowStart: now}
		s.records[addr] = rec
	}

	if now.Before(rec.BannedUntil) {
		return Decision{RetryAfter: rec.BannedUntil.Sub(now), Reason: "banned"}
	}
	if !rec.BannedUntil.IsZero() {
		// ban served, start a fresh window
		rec.BannedUntil = time.Time{}
		rec.attempts = rec.attempts[:0]
		rec.WindowStart = now
	}

	rec.prune(now, c.policy.Window)
	if len(rec.attempts) >= c.policy.MaxAttempts {
		rec.BannedUntil = now.Add(c.policy.Ban)
		rec.attempts = rec.attempts[:0]
		c.logger.Warn("admission ban", "addr", addr, "until", rec.BannedUntil)
		retry := c.policy.Ban
		if retry == 0 {
			retry = c.policy.Window
		}
		return Decision{RetryAfter: retry, Reason: "too many attempts"}
	}

	if c.global != nil {
		res := c.global.ReserveN(now, 1)
		if !res.OK() {
			return Decision{RetryAfter: time.Second, Reason: "server busy"}
		}
		if d := res.DelayFrom(now); d > 0 {
			res.CancelAt(now)
			return Decision{RetryAfter: d, Reason: "server busy"}
		}
	}

	rec.attempts = append(rec.attempts, now)
	return Decision{Allowed: true}
}

func (r *Record) prune(now time.Time, window time.Duration) {
	cut := 0
	for cut < len(r.attempts) && now.Sub(r.attempts[cut]) >= window {
		cut++
	}
	if cut > 0 {
		r.attempts = append(r.attempts[:0], r.attempts[cut:]...)
	}
	if len(r.attempts) > 0 {
		r.WindowStart = r.attempts[0]
	} else {
		r.WindowStart = now
	}
}

// Sweep drops records whose window and ban have both expired.
func (c *Controller) Sweep(now time.Time) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for addr, rec := range s.records {
			if now.Before(rec.BannedUntil) {
				continue
			}
			rec.prune(now, c.policy.Window)
			if len(rec.attempts) == 0 {
				delete(s.records, addr)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked addresses.
func (c *Controller) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}

// Run sweeps expired records every interval until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.policy.Window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(c.now()); n > 0 {
				c.logger.Debug("admission records swept", "removed", n)
			}
		}
	}
}
