// Package analytics turns the stream of evaluation outcomes into per-flag,
// time-bucketed counters and persists the raw outcomes in batches.
package analytics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/matt-riley/togglr/internal/core"
)

const (
	// DefaultRetention is how long minute buckets are kept in memory.
	DefaultRetention = 7 * 24 * time.Hour
	// DefaultMaxLateness bounds how far in the future an event timestamp may
	// be before it is treated as clock skew and rejected.
	DefaultMaxLateness = 5 * time.Minute

	pointsPerWindow = 24
	minBucketWidth  = time.Minute
)

var (
	ErrEventTooOld   = errors.New("evaluation event older than retention")
	ErrEventInFuture = errors.New("evaluation event too far in the future")
	ErrInvalidWindow = errors.New("invalid analytics window")
)

// Outcome is a single evaluation result as it flows from the evaluator into
// analytics and the evaluation log.
type Outcome struct {
	FlagID        string      `json:"flagId"`
	UserID        string      `json:"userId"`
	Result        bool        `json:"result"`
	Reason        core.Reason `json:"reason"`
	MatchedRuleID string      `json:"matchedRuleId,omitempty"`
	EvaluatedAt   time.Time   `json:"evaluatedAt"`
}

// NewOutcome builds an Outcome from an evaluation detail.
func NewOutcome(flagID, userID string, detail core.EvaluationDetail, at time.Time) Outcome {
	return Outcome{
		FlagID:        flagID,
		UserID:        userID,
		Result:        detail.Result,
		Reason:        detail.Reason,
		MatchedRuleID: detail.MatchedRuleID,
		EvaluatedAt:   at,
	}
}

// Point is one bucket of the evaluation time series.
type Point struct {
	Timestamp     time.Time `json:"timestamp"`
	EnabledCount  int64     `json:"enabledCount"`
	DisabledCount int64     `json:"disabledCount"`
	TotalCount    int64     `json:"totalCount"`
}

// Report summarises the evaluations of one flag over a window.
type Report struct {
	FlagID              string                `json:"flagId"`
	From                time.Time             `json:"from"`
	To                  time.Time             `json:"to"`
	BucketWidth         time.Duration         `json:"-"`
	TotalEvaluations    int64                 `json:"totalEvaluations"`
	EnabledCount        int64                 `json:"enabledCount"`
	DisabledCount       int64                 `json:"disabledCount"`
	EnabledPercentage   float64               `json:"enabledPercentage"`
	EvaluationsOverTime []Point               `json:"evaluationsOverTime"`
	EvaluationsByReason map[core.Reason]int64 `json:"evaluationsByReason"`
}

type counters struct {
	enabled  int64
	disabled int64
	reasons  map[core.Reason]int64
}

func (c *counters) add(result bool, reason core.Reason, n int64) {
	if result {
		c.enabled += n
	} else {
		c.disabled += n
	}
	if c.reasons == nil {
		c.reasons = make(map[core.Reason]int64, 2)
	}
	c.reasons[reason] += n
}

// Aggregator keeps minute-granularity counters per flag. Events are bucketed
// by their own timestamp, so late arrivals land where they belong.
type Aggregator struct {
	retention   time.Duration
	maxLateness time.Duration
	now         func() time.Time

	mu    sync.RWMutex
	flags map[string]map[int64]*counters
}

type Option func(*Aggregator)

func WithRetention(retention time.Duration) Option {
	return func(a *Aggregator) {
		if retention > 0 {
			a.retention = retention
		}
	}
}

func WithMaxLateness(lateness time.Duration) Option {
	return func(a *Aggregator) {
		if lateness >= 0 {
			a.maxLateness = lateness
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		retention:   DefaultRetention,
		maxLateness: DefaultMaxLateness,
		now:         time.Now,
		flags:       make(map[string]map[int64]*counters),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) Retention() time.Duration {
	return a.retention
}

// Add records one outcome. A zero EvaluatedAt is stamped with the current
// time.
func (a *Aggregator) Add(outcome Outcome) error {
	return a.add(outcome.FlagID, outcome.EvaluatedAt, outcome.Result, outcome.Reason, 1)
}

// MinuteCount is a pre-aggregated count of identical outcomes within one
// minute, as read back from the evaluation log.
type MinuteCount struct {
	FlagID string
	Minute time.Time
	Result bool
	Reason core.Reason
	Count  int64
}

// Warm replays persisted counts, typically at start-up. It returns how many
// rows were accepted; rows outside retention are skipped.
func (a *Aggregator) Warm(counts []MinuteCount) int {
	accepted := 0
	for _, count := range counts {
		if count.Count <= 0 || count.Minute.IsZero() {
			continue
		}
		if err := a.add(count.FlagID, count.Minute, count.Result, count.Reason, count.Count); err == nil {
			accepted++
		}
	}
	return accepted
}

func (a *Aggregator) add(flagID string, at time.Time, result bool, reason core.Reason, n int64) error {
	now := a.now()
	if at.IsZero() {
		at = now
	}

	if at.Before(now.Add(-a.retention)) {
		return fmt.Errorf("%w: %s", ErrEventTooOld, at.Format(time.RFC3339))
	}
	if at.After(now.Add(a.maxLateness)) {
		return fmt.Errorf("%w: %s", ErrEventInFuture, at.Format(time.RFC3339))
	}

	minute := at.Truncate(time.Minute).Unix()

	a.mu.Lock()
	defer a.mu.Unlock()

	buckets, ok := a.flags[flagID]
	if !ok {
		buckets = make(map[int64]*counters)
		a.flags[flagID] = buckets
	}
	bucket, ok := buckets[minute]
	if !ok {
		bucket = &counters{}
		buckets[minute] = bucket
	}
	bucket.add(result, reason, n)

	return nil
}

// Query summarises flagID over the window ending now. The series bucket width
// is window/24 rounded down to a whole minute, never less than one minute, so
// a 24 hour window yields hourly points. Only non-empty buckets are returned.
func (a *Aggregator) Query(flagID string, window time.Duration) (Report, error) {
	if window < minBucketWidth || window > a.retention {
		return Report{}, fmt.Errorf("%w: %s must be between %s and %s", ErrInvalidWindow, window, minBucketWidth, a.retention)
	}

	now := a.now()
	from := now.Add(-window)
	width := BucketWidth(window)
	report := Report{
		FlagID:              flagID,
		From:                from,
		To:                  now,
		BucketWidth:         width,
		EvaluationsOverTime: []Point{},
		EvaluationsByReason: make(map[core.Reason]int64),
	}

	fromMinute := from.Truncate(time.Minute).Unix()
	points := make(map[int64]*Point)

	a.mu.RLock()
	for minute, bucket := range a.flags[flagID] {
		if minute < fromMinute {
			continue
		}

		start := time.Unix(minute, 0).UTC().Truncate(width)
		point, ok := points[start.Unix()]
		if !ok {
			point = &Point{Timestamp: start}
			points[start.Unix()] = point
		}
		point.EnabledCount += bucket.enabled
		point.DisabledCount += bucket.disabled
		point.TotalCount += bucket.enabled + bucket.disabled

		report.EnabledCount += bucket.enabled
		report.DisabledCount += bucket.disabled
		for reason, count := range bucket.reasons {
			report.EvaluationsByReason[reason] += count
		}
	}
	a.mu.RUnlock()

	for _, point := range points {
		report.EvaluationsOverTime = append(report.EvaluationsOverTime, *point)
	}
	sort.Slice(report.EvaluationsOverTime, func(i, j int) bool {
		return report.EvaluationsOverTime[i].Timestamp.Before(report.EvaluationsOverTime[j].Timestamp)
	})

	report.TotalEvaluations = report.EnabledCount + report.DisabledCount
	report.EnabledPercentage = percentage(report.EnabledCount, report.TotalEvaluations)

	return report, nil
}

// Evict drops buckets that fell out of retention and returns how many were
// removed.
func (a *Aggregator) Evict(now time.Time) int {
	cutoff := now.Add(-a.retention).Truncate(time.Minute).Unix()
	removed := 0

	a.mu.Lock()
	defer a.mu.Unlock()

	for flagID, buckets := range a.flags {
		for minute := range buckets {
			if minute < cutoff {
				delete(buckets, minute)
				removed++
			}
		}
		if len(buckets) == 0 {
			delete(a.flags, flagID)
		}
	}

	return removed
}

// Forget drops every bucket for flagID, used when a flag is deleted.
func (a *Aggregator) Forget(flagID string) {
	a.mu.Lock()
	delete(a.flags, flagID)
	a.mu.Unlock()
}

// BucketWidth returns the series bucket width used for window.
func BucketWidth(window time.Duration) time.Duration {
	width := (window / pointsPerWindow).Truncate(time.Minute)
	if width < minBucketWidth {
		return minBucketWidth
	}
	return width
}

func percentage(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)*10000/float64(total)) / 100
}
