package analytics

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultEvaluationRetentionDays = 30
	janitorInterval                = time.Hour
	janitorTimeout                 = time.Minute
)

// Pruner deletes persisted evaluations older than a cutoff.
type Pruner interface {
	DeleteEvaluationsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Janitor periodically enforces retention on the evaluation log and evicts
// stale buckets from the aggregator.
type Janitor struct {
	pruner     Pruner
	aggregator *Aggregator
	keep       time.Duration
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewJanitor keeps retentionDays of persisted evaluations. pruner may be nil
// when there is no evaluation log.
func NewJanitor(pruner Pruner, aggregator *Aggregator, retentionDays int, logger *slog.Logger) *Janitor {
	if retentionDays <= 0 {
		retentionDays = DefaultEvaluationRetentionDays
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Janitor{
		pruner:     pruner,
		aggregator: aggregator,
		keep:       time.Duration(retentionDays) * 24 * time.Hour,
		interval:   janitorInterval,
		logger:     logger,
		now:        time.Now,
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs a single retention pass.
func (j *Janitor) Sweep(ctx context.Context) {
	now := j.now()

	if j.aggregator != nil {
		if evicted := j.aggregator.Evict(now); evicted > 0 {
			j.logger.Debug("evicted analytics buckets", "count", evicted)
		}
	}

	if j.pruner == nil {
		return
	}

	sweepCtx, cancel := context.WithTimeout(ctx, janitorTimeout)
	defer cancel()

	cutoff := now.Add(-j.keep)
	deleted, err := j.pruner.DeleteEvaluationsBefore(sweepCtx, cutoff)
	if err != nil {
		j.logger.Warn("prune evaluations failed", "before", cutoff, "error", err)
		return
	}
	if deleted > 0 {
		j.logger.Info("pruned evaluations", "count", deleted, "before", cutoff)
	}
}
