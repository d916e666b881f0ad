// Package loadtest simulates many editors on one document against a running
// sync server and checks that every replica converges with the server.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Scenario defines an editing pattern.
type Scenario struct {
	Name              string
	InsertProbability float64
	BurstProbability  float64
	ThinkTime         time.Duration
	BurstSize         int
}

var Scenarios = map[string]Scenario{
	"normal": {
		Name:              "Normal Typing",
		InsertProbability: 0.8,
		BurstProbability:  0.1,
		ThinkTime:         100 * time.Millisecond,
		BurstSize:         5,
	},
	"aggressive": {
		Name:              "Aggressive Editing",
		InsertProbability: 0.7,
		BurstProbability:  0.3,
		ThinkTime:         50 * time.Millisecond,
		BurstSize:         10,
	},
	"code": {
		Name:              "Code Writing",
		InsertProbability: 0.9,
		BurstProbability:  0.4,
		ThinkTime:         200 * time.Millisecond,
		BurstSize:         20,
	},
	"review": {
		Name:              "Document Review",
		InsertProbability: 0.3,
		BurstProbability:  0.1,
		ThinkTime:         500 * time.Millisecond,
		BurstSize:         3,
	},
}

// Plan is a named preset of users, duration and scenario.
type Plan struct {
	Name     string
	Users    int
	Duration time.Duration
	Scenario string
	RampUp   time.Duration
}

var Plans = map[string]Plan{
	"light":  {Name: "Light Load", Users: 5, Duration: time.Minute, Scenario: "normal", RampUp: 5 * time.Second},
	"medium": {Name: "Medium Load", Users: 25, Duration: 2 * time.Minute, Scenario: "aggressive", RampUp: 15 * time.Second},
	"heavy":  {Name: "Heavy Load", Users: 50, Duration: 3 * time.Minute, Scenario: "code", RampUp: 30 * time.Second},
	"stress": {Name: "Stress Test", Users: 100, Duration: 5 * time.Minute, Scenario: "aggressive", RampUp: time.Minute},
}

type Config struct {
	ServerURL string
	Document  string
	Users     int
	Duration  time.Duration
	Scenario  string
	RampUp    time.Duration
	// Token returns the credential for a user; nil connects anonymously.
	Token           func(userID string) (string, error)
	MetricsInterval time.Duration
	// Settle bounds the wait for replicas to converge after editing stops.
	Settle time.Duration
	Logger *slog.Logger
}

// Report summarizes a run.
type Report struct {
	Document      string            `json:"document"`
	Duration      time.Duration     `json:"duration"`
	Connected     int               `json:"connected"`
	ConnectErrors int               `json:"connect_errors"`
	Sent          int64             `json:"sent"`
	Received      int64             `json:"received"`
	Errors        int64             `json:"errors"`
	AvgLatency    time.Duration     `json:"avg_latency"`
	OpsPerSecond  float64           `json:"ops_per_second"`
	ServerText    string            `json:"-"`
	Consistent    bool              `json:"consistent"`
	Divergent     map[string]string `json:"divergent,omitempty"`
}

// Print writes a human readable summary.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintln(w, "=== SIMULATION REPORT ===")
	fmt.Fprintf(w, "Document: %s\n", r.Document)
	fmt.Fprintf(w, "Duration: %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Connected: %d (failed %d)\n", r.Connected, r.ConnectErrors)
	fmt.Fprintf(w, "Updates sent: %d, received: %d, errors: %d\n", r.Sent, r.Received, r.Errors)
	fmt.Fprintf(w, "Average send latency: %v\n", r.AvgLatency)
	fmt.Fprintf(w, "Updates per second: %.2f\n", r.OpsPerSecond)
	fmt.Fprintf(w, "Consistent: %t (%d characters)\n", r.Consistent, len([]rune(r.ServerText)))
	for user := range r.Divergent {
		fmt.Fprintf(w, "  divergent replica: %s\n", user)
	}
}

func (cfg *Config) setDefaults() error {
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:8080"
	}
	if cfg.Document == "" {
		cfg.Document = fmt.Sprintf("loadtest-%d", time.Now().UnixNano())
	}
	if cfg.Users <= 0 {
		cfg.Users = 10
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 2 * time.Minute
	}
	if cfg.Scenario == "" {
		cfg.Scenario = "normal"
	}
	if _, ok := Scenarios[cfg.Scenario]; !ok {
		return fmt.Errorf("loadtest: unknown scenario %q", cfg.Scenario)
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 5 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return nil
}

// Run ramps up cfg.Users clients, lets them edit for cfg.Duration, then
// waits for every replica to match the server's text.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	scenario := Scenarios[cfg.Scenario]
	logger := cfg.Logger.With("doc", cfg.Document, "scenario", scenario.Name)
	logger.Info("starting simulation", "users", cfg.Users, "duration", cfg.Duration)

	start := time.Now()
	clients := make([]*Client, 0, cfg.Users)
	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		connectErr int
	)

	stopReport := make(chan struct{})
	go reportProgress(logger, cfg.MetricsInterval, start, &mu, &clients, stopReport)

	var gap time.Duration
	if cfg.Users > 1 {
		gap = cfg.RampUp / time.Duration(cfg.Users)
	}
	for i := 0; i < cfg.Users; i++ {
		if ctx.Err() != nil {
			break
		}
		userID := fmt.Sprintf("user-%d", i)
		wg.Add(1)
		go func(userID string, seed int64) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("client panicked", "user", userID, "panic", r)
				}
			}()
			token := ""
			if cfg.Token != nil {
				t, err := cfg.Token(userID)
				if err != nil {
					logger.Error("sign token failed", "user", userID, "error", err)
					mu.Lock()
					connectErr++
					mu.Unlock()
					return
				}
				token = t
			}
			var (
				c   *Client
				err error
			)
			for attempt := 0; attempt < 3; attempt++ {
				c = NewClient(userID, cfg.Document)
				connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				err = c.Connect(connectCtx, cfg.ServerURL, token)
				cancel()
				if err == nil {
					break
				}
				c.Disconnect()
				logger.Warn("connect attempt failed", "user", userID, "attempt", attempt+1, "error", err)
				time.Sleep(time.Second)
			}
			mu.Lock()
			if err != nil {
				connectErr++
				mu.Unlock()
				return
			}
			clients = append(clients, c)
			mu.Unlock()
			c.Simulate(ctx, scenario, cfg.Duration, seed)
		}(userID, start.UnixNano()+int64(i))

		if gap > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(gap):
			}
		}
	}
	wg.Wait()
	close(stopReport)

	report := &Report{
		Document:      cfg.Document,
		Connected:     len(clients),
		ConnectErrors: connectErr,
	}
	token := ""
	if cfg.Token != nil {
		token, _ = cfg.Token("loadtest-checker")
	}
	report.Consistent, report.ServerText, report.Divergent = waitConsistent(ctx, cfg, token, clients)
	report.Duration = time.Since(start)

	var total time.Duration
	var count int
	for _, c := range clients {
		report.Sent += c.sent.Load()
		report.Received += c.recv.Load()
		report.Errors += c.errors.Load()
		c.mu.Lock()
		for _, l := range c.latencies {
			total += l
			count++
		}
		c.mu.Unlock()
		c.Disconnect()
	}
	if count > 0 {
		report.AvgLatency = total / time.Duration(count)
	}
	if secs := report.Duration.Seconds(); secs > 0 {
		report.OpsPerSecond = float64(report.Sent) / secs
	}
	if len(clients) == 0 {
		return report, fmt.Errorf("loadtest: no client connected (%d failed)", connectErr)
	}
	return report, nil
}

func reportProgress(logger *slog.Logger, interval time.Duration, start time.Time, mu *sync.Mutex, clients *[]*Client, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			mu.Lock()
			var sent, recv, errs int64
			connected := 0
			for _, c := range *clients {
				sent += c.sent.Load()
				recv += c.recv.Load()
				errs += c.errors.Load()
				if c.IsConnected() {
					connected++
				}
			}
			mu.Unlock()
			elapsed := time.Since(start)
			logger.Info("progress",
				"elapsed", elapsed.Round(time.Second),
				"connected", connected,
				"sent", sent,
				"received", recv,
				"errors", errs,
				"ops_per_sec", float64(sent)/elapsed.Seconds())
		}
	}
}

// ServerText fetches the document's current text over the REST API.
func ServerText(ctx context.Context, serverURL, documentID, token string) (string, error) {
	endpoint := strings.TrimSuffix(serverURL, "/") + "/api/documents/" + url.PathEscape(documentID) + "/text"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get text: %s", resp.Status)
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Text, nil
}

// waitConsistent polls until every connected replica matches the server
// or cfg.Settle elapses.
func waitConsistent(ctx context.Context, cfg Config, token string, clients []*Client) (bool, string, map[string]string) {
	deadline := time.Now().Add(cfg.Settle)
	for {
		server, err := ServerText(ctx, cfg.ServerURL, cfg.Document, token)
		divergent := make(map[string]string)
		if err != nil {
			cfg.Logger.Warn("fetch server text failed", "error", err)
		} else {
			for _, c := range clients {
				if !c.IsConnected() {
					continue
				}
				if text := c.Text(); text != server {
					divergent[c.UserID] = text
				}
			}
			if len(divergent) == 0 {
				return true, server, nil
			}
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false, server, divergent
		}
		time.Sleep(100 * time.Millisecond)
	}
}
