package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matt-riley/togglr/internal/core"
)

type fakePruner struct {
	before time.Time
	err    error
	calls  int
}

func (p *fakePruner) DeleteEvaluationsBefore(_ context.Context, before time.Time) (int64, error) {
	p.calls++
	p.before = before
	return 3, p.err
}

func TestJanitor_Sweep(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	agg := NewAggregator(WithClock(fixedClock(now.Add(-3*time.Hour))), WithRetention(time.Hour))
	require.NoError(t, agg.Add(outcome("f1", true, core.ReasonRuleMatch, now.Add(-3*time.Hour))))

	pruner := &fakePruner{}
	janitor := NewJanitor(pruner, agg, 7, nil)
	janitor.now = fixedClock(now)

	janitor.Sweep(context.Background())

	require.Equal(t, 1, pruner.calls)
	require.Equal(t, now.Add(-7*24*time.Hour), pruner.before)

	agg.mu.RLock()
	require.Empty(t, agg.flags)
	agg.mu.RUnlock()
}

func TestJanitor_SweepToleratesErrors(t *testing.T) {
	pruner := &fakePruner{err: errors.New("boom")}
	janitor := NewJanitor(pruner, nil, 0, nil)

	janitor.Sweep(context.Background())

	require.Equal(t, 1, pruner.calls)
	require.Equal(t, DefaultEvaluationRetentionDays*24*time.Hour, janitor.keep)
}
