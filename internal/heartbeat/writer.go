package heartbeat

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/device-monitor/internal/device"
)

// Defaults applied by NewWriter.
const (
	DefaultBatchSize     = 50
	DefaultFlushInterval = 2 * time.Second
	stopFlushTimeout     = 10 * time.Second
)

// Logger defines the logging interface used by the Writer.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Store persists a heartbeat batch in one transaction.
type Store interface {
	WriteHeartbeats(ctx context.Context, records []device.Record) (int, error)
}

// Options configures a Writer.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
}

// Writer queues the latest heartbeat per device and flushes batches.
type Writer struct {
	store     Store
	batchSize int
	interval  time.Duration

	mu    sync.Mutex
	queue map[string]device.Record

	// flushMu serializes flushes so batches commit in queue order.
	flushMu sync.Mutex

	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool
	stopped atomic.Bool

	written atomic.Uint64
	dropped atomic.Uint64

	logger Logger
}

// NewWriter creates a writer. Call Start to begin periodic flushing.
func NewWriter(store Store, opts Options) *Writer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	return &Writer{
		store:     store,
		batchSize: opts.BatchSize,
		interval:  opts.FlushInterval,
		queue:     make(map[string]device.Record),
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the writer.
func (w *Writer) SetLogger(logger Logger) {
	w.logger = logger
}

// Start launches the flush loop. Calling Start more than once has no effect.
func (w *Writer) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.loop()
	w.logger.Info("heartbeat writer started", "flush_interval", w.interval.String())
}

func (w *Writer) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		case <-w.kick:
		}
		w.Flush(context.Background())
	}
}

// Queue records rec as the latest heartbeat for its device. A full batch
// wakes the flush loop without waiting for the interval.
func (w *Writer) Queue(rec device.Record) {
	key := QueueKey(rec)
	if key == "" || w.stopped.Load() {
		return
	}

	w.mu.Lock()
	w.queue[key] = rec
	full := len(w.queue) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

// Flush writes the queued batch now. It returns the number of records in the
// batch; a failed batch is logged and dropped.
func (w *Writer) Flush(ctx context.Context) int {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return 0
	}
	batch := make([]device.Record, 0, len(w.queue))
	for _, rec := range w.queue {
		batch = append(batch, rec)
	}
	w.queue = make(map[string]device.Record)
	w.mu.Unlock()

	updated, err := w.store.WriteHeartbeats(ctx, batch)
	if err != nil {
		w.dropped.Add(1)
		w.logger.Error("failed to write heartbeat batch",
			"count", len(batch),
			"error", err,
		)
		return len(batch)
	}

	w.written.Add(1)
	w.logger.Debug("flushed heartbeats to database",
		"count", len(batch),
		"controllers_updated", updated,
	)
	return len(batch)
}

// Pending returns the number of queued records.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Stats returns the number of batches written and dropped.
func (w *Writer) Stats() (written, dropped uint64) {
	return w.written.Load(), w.dropped.Load()
}

// Stop halts the flush loop and writes whatever is still queued. Heartbeats
// queued after Stop are ignored.
func (w *Writer) Stop() {
	if !w.stopped.CompareAndSwap(false, true) {
		return
	}
	if w.started.Load() {
		close(w.stop)
		<-w.done
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopFlushTimeout)
	defer cancel()
	w.Flush(ctx)
	w.logger.Info("heartbeat writer stopped")
}

// QueueKey is the lower-cased uniqueId, canonicalId or id of rec, in that
// order of preference.
func QueueKey(rec device.Record) string {
	for _, id := range []string{rec.UniqueID, rec.CanonicalID, rec.ID} {
		if id != "" {
			return strings.ToLower(id)
		}
	}
	return ""
}
