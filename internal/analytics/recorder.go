package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultBufferSize    = 4096
	DefaultBatchSize     = 1000
	DefaultFlushInterval = 2 * time.Second

	persistTimeout = 5 * time.Second
)

// Sink persists batches of outcomes. The repository implements it.
type Sink interface {
	InsertEvaluations(ctx context.Context, outcomes []Outcome) error
}

type RecorderConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger

	// OnDrop is called with the number of outcomes discarded because the
	// buffer was full.
	OnDrop func(n int)
	// OnPersist is called after each batch write attempt.
	OnPersist func(n int, err error)
}

// Recorder accepts outcomes without ever blocking the caller. A single worker
// feeds them to the Aggregator and writes them to the Sink in batches.
// Delivery is best effort: outcomes are dropped when the buffer is full or a
// batch write fails.
type Recorder struct {
	aggregator *Aggregator
	sink       Sink
	cfg        RecorderConfig
	logger     *slog.Logger

	events chan Outcome
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewRecorder creates a recorder. sink may be nil, in which case outcomes only
// reach the aggregator. Call Run to start the worker.
func NewRecorder(aggregator *Aggregator, sink Sink, cfg RecorderConfig) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Recorder{
		aggregator: aggregator,
		sink:       sink,
		cfg:        cfg,
		logger:     logger,
		events:     make(chan Outcome, cfg.BufferSize),
		done:       make(chan struct{}),
	}
}

// Record enqueues outcomes and returns how many were accepted.
func (r *Recorder) Record(outcomes ...Outcome) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(len(outcomes))
		return 0
	}

	accepted := 0
	for _, outcome := range outcomes {
		select {
		case r.events <- outcome:
			accepted++
		default:
		}
	}
	if dropped := len(outcomes) - accepted; dropped > 0 {
		r.drop(dropped)
	}

	return accepted
}

// Run processes outcomes until ctx is cancelled or Close is called, then
// drains the buffer and flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Outcome, 0, r.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			r.stop()
			batch = r.drain(batch)
			r.flush(context.WithoutCancel(ctx), batch)
			return
		case outcome, ok := <-r.events:
			if !ok {
				r.flush(context.WithoutCancel(ctx), batch)
				return
			}
			batch = r.accept(ctx, batch, outcome)
		case <-ticker.C:
			r.flush(ctx, batch)
			batch = batch[:0]
		}
	}
}

// Close stops accepting outcomes and waits for Run to flush, or for ctx.
func (r *Recorder) Close(ctx context.Context) error {
	r.stop()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) stop() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.events)
		r.mu.Unlock()
	})
}

func (r *Recorder) drain(batch []Outcome) []Outcome {
	for outcome := range r.events {
		if err := r.aggregator.Add(outcome); err != nil {
			r.logger.Debug("analytics event rejected", "flag_id", outcome.FlagID, "error", err)
		}
		batch = append(batch, outcome)
	}
	return batch
}

func (r *Recorder) accept(ctx context.Context, batch []Outcome, outcome Outcome) []Outcome {
	if err := r.aggregator.Add(outcome); err != nil {
		r.logger.Debug("analytics event rejected", "flag_id", outcome.FlagID, "error", err)
	}

	batch = append(batch, outcome)
	if len(batch) >= r.cfg.BatchSize {
		r.flush(ctx, batch)
		batch = batch[:0]
	}
	return batch
}

func (r *Recorder) flush(ctx context.Context, batch []Outcome) {
	if len(batch) == 0 || r.sink == nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	err := r.sink.InsertEvaluations(writeCtx, batch)
	if err != nil {
		r.logger.Warn("persist evaluations failed", "count", len(batch), "error", err)
	}
	if r.cfg.OnPersist != nil {
		r.cfg.OnPersist(len(batch), err)
	}
}

func (r *Recorder) drop(n int) {
	if n > 0 && r.cfg.OnDrop != nil {
		r.cfg.OnDrop(n)
	}
}
