package tsdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/device-monitor/internal/infrastructure/config"
)

var (
	// ErrDisabled is returned by Connect when tsdb.enabled is false.
	ErrDisabled = errors.New("tsdb: disabled in configuration")

	// ErrConnectionFailed wraps the health check failure during Connect.
	ErrConnectionFailed = errors.New("tsdb: connection failed")

	// ErrNotConnected is returned by queries after Close.
	ErrNotConnected = errors.New("tsdb: not connected")

	// ErrWriteFailed wraps batch write failures passed to the error callback.
	ErrWriteFailed = errors.New("tsdb: write failed")
)

const (
	defaultBatchSize     = 1000
	defaultFlushInterval = time.Second
	connectTimeout       = 10 * time.Second
	requestTimeout       = 5 * time.Second

	// pendingBatches bounds the buffer to this many batches while the
	// server is unreachable. Newer lines are dropped beyond it.
	pendingBatches = 10
)

// Client writes line protocol to VictoriaMetrics' /write endpoint and runs
// PromQL queries against its Prometheus-compatible API.
//
// Lines are buffered and sent when a batch fills or the flush interval
// elapses. A failed batch is dropped and counted; the monitor never retries
// telemetry.
type Client struct {
	url        string
	httpClient *http.Client
	batchSize  int
	maxPending int

	connected atomic.Bool

	bufMu sync.Mutex
	buf   []string

	// flushMu serialises POSTs so batches arrive in order.
	flushMu sync.Mutex

	lines   atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	cbMu    sync.RWMutex
	onError func(err error)

	done chan struct{}
	wg   sync.WaitGroup
}

// Connect checks /health and starts the periodic flusher.
//
// Parameters:
//   - ctx: Bounds the initial health check
//   - cfg: TSDB section of the monitor configuration
//
// Returns:
//   - *Client: Connected client ready for writes and queries
//   - error: ErrDisabled, or ErrConnectionFailed wrapping the health error
func Connect(ctx context.Context, cfg config.TSDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batch := defaultBatchSize
	if cfg.BatchSize > 0 {
		batch = cfg.BatchSize
	}
	interval := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		interval = time.Duration(cfg.FlushInterval) * time.Second
	}

	c := newClient(strings.TrimRight(cfg.URL, "/"), &http.Client{Timeout: requestTimeout}, batch)

	healthCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := c.HealthCheck(healthCtx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.wg.Add(1)
	go c.flushLoop(interval)
	return c, nil
}

// newClient builds a connected client without a flush loop.
func newClient(url string, httpClient *http.Client, batchSize int) *Client {
	c := &Client{
		url:        url,
		httpClient: httpClient,
		batchSize:  batchSize,
		maxPending: batchSize * pendingBatches,
		buf:        make([]string, 0, batchSize),
		done:       make(chan struct{}),
	}
	c.connected.Store(true)
	return c
}

func (c *Client) flushLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Flush()
		case <-c.done:
			return
		}
	}
}

// SetOnError sets the callback for failed batch writes.
func (c *Client) SetOnError(callback func(err error)) {
	c.cbMu.Lock()
	c.onError = callback
	c.cbMu.Unlock()
}

func (c *Client) reportError(err error) {
	c.failed.Add(1)

	c.cbMu.RLock()
	callback := c.onError
	c.cbMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// IsConnected reports whether the client is open. It does not contact the
// server.
func (c *Client) IsConnected() bool {
	return c != nil && c.connected.Load()
}

// Stats returns lines accepted, lines dropped on a full buffer or failed
// batch, and failed batch writes since Connect.
func (c *Client) Stats() (lines, dropped, failedBatches uint64) {
	return c.lines.Load(), c.dropped.Load(), c.failed.Load()
}

// HealthCheck calls GET /health.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/health", nil)
	if err != nil {
		return fmt.Errorf("tsdb health check: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tsdb health check: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tsdb health check: status %d", resp.StatusCode)
	}
	return nil
}

// addLine buffers one encoded line and flushes when the batch is full.
func (c *Client) addLine(line string) {
	if !c.IsConnected() {
		return
	}

	c.bufMu.Lock()
	if len(c.buf) >= c.maxPending {
		c.bufMu.Unlock()
		c.dropped.Add(1)
		return
	}
	c.buf = append(c.buf, line)
	full := len(c.buf) >= c.batchSize
	c.bufMu.Unlock()
	c.lines.Add(1)

	if full {
		c.Flush()
	}
}

// Flush sends buffered lines in batches of at most batchSize. It returns
// after the first failed batch; lines of a failed batch are dropped.
func (c *Client) Flush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	for {
		c.bufMu.Lock()
		n := min(len(c.buf), c.batchSize)
		if n == 0 {
			c.bufMu.Unlock()
			return
		}
		batch := make([]string, n)
		copy(batch, c.buf[:n])
		c.buf = append(c.buf[:0], c.buf[n:]...)
		c.bufMu.Unlock()

		if err := c.post(batch); err != nil {
			c.dropped.Add(uint64(len(batch)))
			c.reportError(err)
			return
		}
	}
}

func (c *Client) post(lines []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	body := strings.NewReader(strings.Join(lines, "\n"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/write", body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d", ErrWriteFailed, resp.StatusCode)
	}
	return nil
}

// Close stops the flusher and sends whatever is still buffered. Later
// writes are dropped silently.
func (c *Client) Close() error {
	if c == nil || !c.connected.CompareAndSwap(true, false) {
		return nil
	}
	close(c.done)
	c.wg.Wait()
	c.Flush()
	return nil
}
