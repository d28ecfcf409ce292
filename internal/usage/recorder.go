// Package usage records authorization attempts off the request path and
// aggregates them for analytics and alerting.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/faucetdb/valve/internal/metrics"
	"github.com/faucetdb/valve/internal/model"
)

// EventWriter persists batches of usage events.
type EventWriter interface {
	InsertUsageEvents(ctx context.Context, events []model.UsageEvent) error
}

// RecorderConfig tunes the recorder's buffering.
type RecorderConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	RetryDelay    time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

const writeTimeout = 10 * time.Second

// Recorder queues usage events and persists them in batches from a single
// writer goroutine. Record never blocks: when the queue is full the event is
// dropped and counted.
type Recorder struct {
	w       EventWriter
	cfg     RecorderConfig
	events  chan model.UsageEvent
	flushes chan chan struct{}

	mu      sync.RWMutex
	closed  bool
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder creates a Recorder writing to w. Call Start before recording.
func NewRecorder(w EventWriter, cfg RecorderConfig) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{
		w:       w,
		cfg:     cfg,
		events:  make(chan model.UsageEvent, cfg.BufferSize),
		flushes: make(chan chan struct{}),
	}
}

// Start launches the writer goroutine. Non-blocking.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Record enqueues ev and returns immediately. It reports false when the
// event was dropped because the queue is full or the recorder is closed.
func (r *Recorder) Record(ev model.UsageEvent) bool {
	if ev.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			ev.ID = id.String()
		} else {
			ev.ID = uuid.NewString()
		}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.cfg.Metrics.RecordUsageEvents("dropped", 1)
		return false
	}

	select {
	case r.events <- ev:
		return true
	default:
		r.cfg.Metrics.RecordUsageEvents("dropped", 1)
		r.cfg.Logger.Warn("usage queue full, dropping event", "key_id", ev.KeyID)
		return false
	}
}

// Flush blocks until every event queued before the call has been handed to
// the writer, or ctx is done.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.RLock()
	running := r.started && !r.closed
	r.mu.RUnlock()
	if !running {
		return nil
	}

	done := make(chan struct{})
	select {
	case r.flushes <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting events, writes everything still queued and waits
// for the writer goroutine to exit.
func (r *Recorder) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	started := r.started
	r.mu.Unlock()

	if !started {
		return
	}
	r.cancel()
	r.wg.Wait()
}

func (r *Recorder) run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]model.UsageEvent, 0, r.cfg.BatchSize)
	write := func() {
		if len(batch) == 0 {
			return
		}
		r.write(batch)
		batch = batch[:0]
		r.cfg.Metrics.SetUsageQueueDepth(len(r.events))
	}
	drain := func() {
		for {
			select {
			case ev := <-r.events:
				batch = append(batch, ev)
				if len(batch) >= r.cfg.BatchSize {
					write()
				}
			default:
				write()
				return
			}
		}
	}

	for {
		select {
		case ev := <-r.events:
			batch = append(batch, ev)
			if len(batch) >= r.cfg.BatchSize {
				write()
			}
		case <-ticker.C:
			write()
		case done := <-r.flushes:
			drain()
			close(done)
		case <-ctx.Done():
			// Record holds the read lock while sending, and closed is set
			// under the write lock before cancel, so no sender is left.
			drain()
			return
		}
	}
}

// write persists a batch, retrying once. Failures are logged and the batch
// is dropped; they never reach the request that produced the events.
func (r *Recorder) write(batch []model.UsageEvent) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(r.cfg.RetryDelay)
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err = r.w.InsertUsageEvents(ctx, batch)
		cancel()
		if err == nil {
			r.cfg.Metrics.RecordUsageEvents("persisted", len(batch))
			return
		}
	}
	r.cfg.Metrics.RecordUsageEvents("failed", len(batch))
	r.cfg.Logger.Error("failed to persist usage events", "count", len(batch), "error", err)
}
