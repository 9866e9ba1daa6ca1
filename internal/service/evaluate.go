package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/matt-riley/togglr/internal/analytics"
	"github.com/matt-riley/togglr/internal/core"
)

// EvaluateAll evaluates every flag for user against one snapshot.
func (s *Service) EvaluateAll(ctx context.Context, user core.UserContext) (core.Evaluation, error) {
	ctx, span := tracer.Start(ctx, "service.EvaluateAll")
	defer span.End()

	if err := user.Validate(); err != nil {
		return core.Evaluation{}, err
	}

	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		span.RecordError(err)
		return core.Evaluation{}, err
	}

	result := s.orchestrator.EvaluateAll(snapshot, user)
	span.SetAttributes(
		attribute.Int64("snapshot.version", snapshot.Version()),
		attribute.Int("flags.evaluated", len(result.Details)),
	)

	outcomes := make([]analytics.Outcome, 0, len(result.Details))
	now := s.now()
	for name, detail := range result.Details {
		s.observeEvaluation(detail)
		if id, ok := snapshot.FlagID(name); ok {
			outcomes = append(outcomes, analytics.NewOutcome(id, user.UserID, detail, now))
		}
	}
	s.recordOutcomes(outcomes...)

	return result, nil
}

// EvaluateFlag evaluates a single named flag. The boolean is false when the
// flag does not exist, which is not an error.
func (s *Service) EvaluateFlag(ctx context.Context, name string, user core.UserContext) (core.EvaluationDetail, bool, error) {
	ctx, span := tracer.Start(ctx, "service.EvaluateFlag")
	defer span.End()
	span.SetAttributes(attribute.String("flag.name", name))

	if err := user.Validate(); err != nil {
		return core.EvaluationDetail{}, false, err
	}

	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		span.RecordError(err)
		return core.EvaluationDetail{}, false, err
	}

	detail, ok := core.EvaluateNamed(snapshot, name, user)
	if !ok {
		return core.EvaluationDetail{}, false, nil
	}

	s.observeEvaluation(detail)
	if id, found := snapshot.FlagID(name); found {
		s.recordOutcomes(analytics.NewOutcome(id, user.UserID, detail, s.now()))
	}

	return detail, true, nil
}

func (s *Service) observeEvaluation(detail core.EvaluationDetail) {
	if s.onEvaluation != nil {
		s.onEvaluation(detail.Reason, detail.Result)
	}
}

func (s *Service) recordOutcomes(outcomes ...analytics.Outcome) {
	if s.recorder == nil || len(outcomes) == 0 {
		return
	}
	s.recorder.Record(outcomes...)
}
