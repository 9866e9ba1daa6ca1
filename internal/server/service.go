package server

import (
	"context"

	"github.com/matt-riley/togglr/internal/core"
	"github.com/matt-riley/togglr/internal/repository"
	"github.com/matt-riley/togglr/internal/service"
)

// Service is the subset of *service.Service the transports depend on.
type Service interface {
	EvaluateAll(ctx context.Context, user core.UserContext) (core.Evaluation, error)
	EvaluateFlag(ctx context.Context, name string, user core.UserContext) (core.EvaluationDetail, bool, error)

	CreateFlag(ctx context.Context, req service.CreateFlagRequest) (repository.Flag, error)
	GetFlag(ctx context.Context, id string) (repository.Flag, error)
	GetFlagByName(ctx context.Context, name string) (repository.Flag, error)
	ListFlags(ctx context.Context) ([]repository.Flag, error)
	UpdateFlag(ctx context.Context, id string, update repository.FlagUpdate) (repository.Flag, error)
	ToggleFlag(ctx context.Context, id string) (repository.Flag, error)
	DeleteFlag(ctx context.Context, id string) error

	AddRule(ctx context.Context, flagID string, req service.AddRuleRequest) (repository.Rule, error)
	ListRules(ctx context.Context, flagID string) ([]repository.Rule, error)
	ToggleRule(ctx context.Context, ruleID string) (repository.Rule, error)
	DeleteRule(ctx context.Context, ruleID string) error

	Analytics(ctx context.Context, flagID string, hours int) (service.FlagAnalytics, error)
	Health(ctx context.Context) service.Health

	ListEventsSince(ctx context.Context, eventID int64) ([]repository.FlagEvent, error)
	ListEventsSinceForFlag(ctx context.Context, eventID int64, name string) ([]repository.FlagEvent, error)
}

var _ Service = (*service.Service)(nil)

// Observer receives transport-level measurements. *metrics.Metrics satisfies it.
type Observer interface {
	StreamOpened(transport string)
	StreamClosed(transport string)
}

type nopObserver struct{}

func (nopObserver) StreamOpened(string) {}
func (nopObserver) StreamClosed(string) {}
