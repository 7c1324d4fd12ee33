// Package remote polls an external configuration endpoint for flag
// definitions and publishes snapshots on a channel. The flag manager
// subscribes and swaps its flag map when a new snapshot arrives.
package remote

import (
	"context"
	"crypto/md5" //nolint:gosec // payload dedupe only
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flipgate/flipgate/internal/core"
)

const (
	// DefaultPollInterval is used when no interval is configured.
	DefaultPollInterval = 30 * time.Second

	requestTimeout = 10 * time.Second
	maxPayloadSize = 4 << 20 // 4MB
)

// Snapshot is one remote payload of flag definitions, keyed by flag name.
type Snapshot map[string]core.Flag

// envelope is the remote payload shape: {"flags": {...}}.
type envelope struct {
	Flags map[string]core.Flag `json:"flags"`
}

// Recorder counts poll outcomes. Satisfied by metrics.Metrics.
type Recorder interface {
	RecordRemotePoll(outcome string)
}

// Client polls a remote endpoint on an interval and emits deduplicated
// snapshots. Create with New, start with Start, stop with Stop.
type Client struct {
	url      string
	interval time.Duration
	client   *http.Client
	log      *slog.Logger
	recorder Recorder

	updates  chan Snapshot
	lastHash [md5.Size]byte
	hasHash  bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
	started bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithHTTPClient overrides the HTTP client, for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

// WithRecorder attaches a poll outcome recorder.
func WithRecorder(recorder Recorder) Option {
	return func(c *Client) { c.recorder = recorder }
}

// New creates a Client polling url every interval. Pass interval <= 0 to use
// DefaultPollInterval.
func New(url string, interval time.Duration, opts ...Option) *Client {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	c := &Client{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: requestTimeout},
		log:      slog.Default(),
		recorder: noopRecorder{},
		updates:  make(chan Snapshot, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Updates returns the snapshot channel. It is closed when the client stops.
func (c *Client) Updates() <-chan Snapshot {
	return c.updates
}

// Start begins polling in a background goroutine. An initial poll runs
// immediately so subscribers do not wait a full interval for the first
// snapshot. The client is single-use: Start is a no-op if the client is
// already running or has been stopped, since Stop closes the updates
// channel.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})

	go c.run(ctx)
}

// Stop cancels polling and closes the updates channel. It blocks until the
// polling goroutine has exited.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	stopped := c.stopped
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (c *Client) run(ctx context.Context) {
	defer close(c.stopped)
	defer close(c.updates)

	c.poll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

func (c *Client) poll(ctx context.Context) {
	snapshot, changed, err := c.fetch(ctx)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		c.recorder.RecordRemotePoll("error")
		c.log.Warn("remote config poll failed", "url", c.url, "error", err)
	case !changed:
		c.recorder.RecordRemotePoll("unchanged")
	default:
		c.recorder.RecordRemotePoll("applied")
		select {
		case c.updates <- snapshot:
		case <-ctx.Done():
		}
	}
}

// fetch retrieves the remote payload and reports whether it differs from the
// previously applied one. Identical payloads are deduplicated by MD5 so a
// quiet remote does not churn the manager's cache.
func (c *Client) fetch(ctx context.Context) (Snapshot, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch remote config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("remote config returned status %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadSize))
	if err != nil {
		return nil, false, fmt.Errorf("read remote config: %w", err)
	}

	hash := md5.Sum(payload) //nolint:gosec
	if c.hasHash && hash == c.lastHash {
		return nil, false, nil
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, false, fmt.Errorf("decode remote config: %w", err)
	}

	c.lastHash = hash
	c.hasHash = true

	snapshot := make(Snapshot, len(env.Flags))
	for name, flag := range env.Flags {
		flag.Name = name
		snapshot[name] = flag
	}

	c.log.Info("remote config snapshot fetched", "flags", len(snapshot))
	return snapshot, true, nil
}

type noopRecorder struct{}

func (noopRecorder) RecordRemotePoll(string) {}
