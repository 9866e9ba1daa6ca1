// Package service holds the current flag snapshot and implements evaluation,
// flag management and analytics on top of the repository.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/matt-riley/togglr/internal/analytics"
	"github.com/matt-riley/togglr/internal/core"
	"github.com/matt-riley/togglr/internal/repository"
)

const (
	bestEffortTimeout     = 2 * time.Second
	snapshotReloadTimeout = 5 * time.Second

	DefaultResyncInterval = time.Minute
	DefaultMaxStaleness   = 2 * time.Minute

	snapshotSourceDatabase = "database"
	snapshotSourceCache    = "cache"
)

var (
	ErrFlagNotFound           = errors.New("flag not found")
	ErrRuleNotFound           = errors.New("rule not found")
	ErrInvalidFlag            = errors.New("invalid flag")
	ErrInvalidRule            = errors.New("invalid rule")
	ErrDuplicateFlag          = errors.New("flag already exists")
	ErrDuplicateRule          = errors.New("rule already exists")
	ErrInvalidAnalyticsWindow = errors.New("invalid analytics window")
	// ErrAnalyticsUnavailable means the service runs without an aggregator.
	ErrAnalyticsUnavailable = errors.New("analytics unavailable")
	// ErrSnapshotUnavailable means no sufficiently fresh snapshot could be
	// obtained. It must never be reported to clients as a disabled flag.
	ErrSnapshotUnavailable = errors.New("flag store unavailable")
)

var tracer = otel.Tracer("github.com/matt-riley/togglr/internal/service")

type Repository interface {
	LoadSnapshot(ctx context.Context) (repository.SnapshotData, error)
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	GetFlag(ctx context.Context, id string) (repository.Flag, error)
	GetFlagByName(ctx context.Context, name string) (repository.Flag, error)
	ListFlags(ctx context.Context) ([]repository.Flag, error)
	UpdateFlag(ctx context.Context, id string, update repository.FlagUpdate) (repository.Flag, error)
	ToggleFlag(ctx context.Context, id string) (repository.Flag, error)
	DeleteFlag(ctx context.Context, id string) error
	AddRule(ctx context.Context, flagID string, rule repository.Rule) (repository.Rule, error)
	ListRules(ctx context.Context, flagID string) ([]repository.Rule, error)
	ToggleRule(ctx context.Context, ruleID string) (repository.Rule, error)
	DeleteRule(ctx context.Context, ruleID string) error
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.FlagEvent, error)
	ListEventsSinceForFlag(ctx context.Context, eventID int64, name string) ([]repository.FlagEvent, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// SnapshotCache is a shared cache of the latest snapshot, such as Redis.
type SnapshotCache interface {
	GetSnapshot(ctx context.Context) (*core.Snapshot, error)
	SetSnapshot(ctx context.Context, snapshot *core.Snapshot) error
	InvalidateSnapshot(ctx context.Context) error
}

// OutcomeRecorder receives evaluation outcomes. Record must not block.
type OutcomeRecorder interface {
	Record(outcomes ...analytics.Outcome) int
}

// AnalyticsSource answers per-flag analytics queries.
type AnalyticsSource interface {
	Query(flagID string, window time.Duration) (analytics.Report, error)
	Retention() time.Duration
	Forget(flagID string)
}

type Service struct {
	repo         Repository
	cache        SnapshotCache
	recorder     OutcomeRecorder
	analytics    AnalyticsSource
	orchestrator core.Orchestrator
	logger       *slog.Logger
	now          func() time.Time

	resyncInterval time.Duration
	maxStaleness   time.Duration

	snapshot atomic.Pointer[core.Snapshot]
	reloadMu sync.Mutex

	onSnapshotLoad    func(source string)
	onSnapshotFailure func()
	onInvalidation    func()
	onSnapshotUpdate  func(size int, version int64)
	onEvaluation      func(reason core.Reason, result bool)
}

type Option func(*Service)

// WithSnapshotCache loads and stores snapshots through cache before hitting
// the repository.
func WithSnapshotCache(cache SnapshotCache) Option {
	return func(s *Service) { s.cache = cache }
}

// WithAnalytics wires the outcome recorder and the aggregator used to answer
// analytics queries.
func WithAnalytics(recorder OutcomeRecorder, source AnalyticsSource) Option {
	return func(s *Service) {
		s.recorder = recorder
		s.analytics = source
	}
}

func WithOrchestrator(orchestrator core.Orchestrator) Option {
	return func(s *Service) { s.orchestrator = orchestrator }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSnapshotPolicy sets how often the snapshot is resynced and how old it may
// get before evaluations refuse to use it.
func WithSnapshotPolicy(resyncInterval, maxStaleness time.Duration) Option {
	return func(s *Service) {
		if resyncInterval > 0 {
			s.resyncInterval = resyncInterval
		}
		if maxStaleness > 0 {
			s.maxStaleness = maxStaleness
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSnapshotMetrics registers callbacks invoked on snapshot lifecycle
// events. Any callback may be nil.
func WithSnapshotMetrics(onLoad func(source string), onFailure func(), onInvalidation func(), onUpdate func(size int, version int64)) Option {
	return func(s *Service) {
		s.onSnapshotLoad = onLoad
		s.onSnapshotFailure = onFailure
		s.onInvalidation = onInvalidation
		s.onSnapshotUpdate = onUpdate
	}
}

// WithEvaluationMetrics registers a callback invoked once per flag evaluated.
func WithEvaluationMetrics(onEvaluation func(reason core.Reason, result bool)) Option {
	return func(s *Service) { s.onEvaluation = onEvaluation }
}

// New loads the initial snapshot and, while ctx is alive, keeps it fresh from
// repository notifications and a periodic resync.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:           repo,
		logger:         slog.Default(),
		now:            time.Now,
		resyncInterval: DefaultResyncInterval,
		maxStaleness:   DefaultMaxStaleness,
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.reload(ctx, true); err != nil {
		return nil, fmt.Errorf("load initial snapshot: %w", err)
	}

	subscriber, _ := repo.(cacheInvalidationSubscriber)
	if err := svc.startSnapshotRefresher(ctx, subscriber); err != nil {
		return nil, err
	}

	return svc, nil
}

// Snapshot returns the current snapshot. When it is older than the staleness
// bound it is reloaded synchronously; if that fails ErrSnapshotUnavailable is
// returned rather than a stale view.
func (s *Service) Snapshot(ctx context.Context) (*core.Snapshot, error) {
	if current := s.snapshot.Load(); current != nil && s.fresh(current) {
		return current, nil
	}

	reloadCtx, cancel := context.WithTimeout(ctx, snapshotReloadTimeout)
	defer cancel()

	if err := s.reload(reloadCtx, true); err != nil {
		s.logger.Error("flag snapshot unavailable", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}

	current := s.snapshot.Load()
	if current == nil || !s.fresh(current) {
		return nil, ErrSnapshotUnavailable
	}
	return current, nil
}

// Reload replaces the snapshot with a fresh read from the repository.
func (s *Service) Reload(ctx context.Context) error {
	return s.reload(ctx, false)
}

func (s *Service) fresh(snapshot *core.Snapshot) bool {
	return s.now().Sub(snapshot.LoadedAt()) <= s.maxStaleness
}

func (s *Service) reload(ctx context.Context, allowCache bool) error {
	ctx, span := tracer.Start(ctx, "service.reloadSnapshot")
	defer span.End()

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	current := s.snapshot.Load()

	next, source, err := s.loadSnapshot(ctx, current, allowCache)
	if err != nil {
		span.RecordError(err)
		if s.onSnapshotFailure != nil {
			s.onSnapshotFailure()
		}
		return err
	}
	span.SetAttributes(
		attribute.String("snapshot.source", source),
		attribute.Int64("snapshot.version", next.Version()),
		attribute.Int("snapshot.flags", next.Len()),
	)

	s.snapshot.Store(next)
	if s.onSnapshotLoad != nil {
		s.onSnapshotLoad(source)
	}
	if s.onSnapshotUpdate != nil {
		s.onSnapshotUpdate(next.Len(), next.Version())
	}

	if current == nil || current.Version() != next.Version() {
		s.logRuleIssues(next)
	}

	return nil
}

func (s *Service) loadSnapshot(ctx context.Context, current *core.Snapshot, allowCache bool) (*core.Snapshot, string, error) {
	if allowCache && s.cache != nil {
		cached, err := s.cache.GetSnapshot(ctx)
		if err == nil && s.fresh(cached) && cached.Version() >= current.Version() {
			return cached, snapshotSourceCache, nil
		}
	}

	data, err := s.repo.LoadSnapshot(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("load snapshot: %w", err)
	}

	flags := make([]core.Flag, 0, len(data.Flags))
	for _, flag := range data.Flags {
		flags = append(flags, toCoreFlag(flag))
	}
	next := core.NewSnapshot(data.Version, s.now(), flags)

	if s.cache != nil {
		if err := s.cache.SetSnapshot(ctx, next); err != nil {
			s.logger.Warn("store snapshot in cache failed", "error", err)
		}
	}

	return next, snapshotSourceDatabase, nil
}

func (s *Service) logRuleIssues(snapshot *core.Snapshot) {
	for _, issue := range snapshot.Issues() {
		s.logger.Warn("rule can never match",
			"flag", issue.FlagName,
			"rule_id", issue.RuleID,
			"error", issue.Err,
		)
	}
}

func (s *Service) startSnapshotRefresher(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	var invalidations <-chan struct{}
	if subscriber != nil {
		var err error
		invalidations, err = subscriber.SubscribeFlagInvalidation(ctx)
		if err != nil {
			return fmt.Errorf("subscribe snapshot invalidation: %w", err)
		}
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if subscriber != nil && invalidations == nil {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadBestEffort(ctx, true)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onInvalidation != nil {
					s.onInvalidation()
				}
				s.reloadBestEffort(ctx, false)
			}
		}
	}()

	return nil
}

func (s *Service) reloadBestEffort(ctx context.Context, allowCache bool) {
	reloadCtx, cancel := context.WithTimeout(ctx, snapshotReloadTimeout)
	defer cancel()

	if err := s.reload(reloadCtx, allowCache); err != nil {
		s.logger.Warn("snapshot reload failed", "error", err)
	}
}

// refreshAfterMutation drops the shared cache entry and reloads so that the
// next read on this instance sees the committed write. Mutations have already
// committed, so failures are only logged.
func (s *Service) refreshAfterMutation(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	if s.cache != nil {
		if err := s.cache.InvalidateSnapshot(refreshCtx); err != nil {
			s.logger.Warn("invalidate cached snapshot failed", "error", err)
		}
	}

	if err := s.reload(refreshCtx, false); err != nil {
		s.logger.Warn("snapshot reload after mutation failed", "error", err)
	}
}

func toCoreFlag(flag repository.Flag) core.Flag {
	rules := make([]core.Rule, 0, len(flag.Rules))
	for _, rule := range flag.Rules {
		rules = append(rules, toCoreRule(rule))
	}

	return core.Flag{
		ID:                flag.ID,
		Name:              flag.Name,
		Enabled:           flag.Enabled,
		RolloutPercentage: flag.RolloutPercentage,
		Rules:             rules,
		UpdatedAt:         flag.UpdatedAt,
	}
}

func toCoreRule(rule repository.Rule) core.Rule {
	return core.Rule{
		ID:       rule.ID,
		Type:     core.RuleType(rule.Type),
		Value:    rule.Value,
		Enabled:  rule.Enabled,
		Priority: rule.Priority,
	}
}
