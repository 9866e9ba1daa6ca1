package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/matt-riley/togglr/internal/core"
	"github.com/matt-riley/togglr/internal/repository"
)

const (
	minFlagNameLength    = 2
	maxFlagNameLength    = 100
	maxDescriptionLength = 500
	maxRuleValueLength   = 255

	uniqueViolationCode = "23505"
)

var flagNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// CreateFlagRequest describes a new flag. Rules are added separately.
type CreateFlagRequest struct {
	Name              string
	Description       string
	Enabled           bool
	RolloutPercentage int
	CreatedBy         string
}

// AddRuleRequest describes a new targeting rule.
type AddRuleRequest struct {
	Type     string
	Value    string
	Enabled  bool
	Priority int
}

func (s *Service) CreateFlag(ctx context.Context, req CreateFlagRequest) (repository.Flag, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)

	if err := validateFlagName(req.Name); err != nil {
		return repository.Flag{}, err
	}
	if err := validateDescription(req.Description); err != nil {
		return repository.Flag{}, err
	}
	if err := validateRollout(req.RolloutPercentage); err != nil {
		return repository.Flag{}, err
	}

	created, err := s.repo.CreateFlag(ctx, repository.Flag{
		Name:              req.Name,
		Description:       req.Description,
		Enabled:           req.Enabled,
		RolloutPercentage: req.RolloutPercentage,
		CreatedBy:         strings.TrimSpace(req.CreatedBy),
	})
	if err != nil {
		if isUniqueViolation(err) {
			return repository.Flag{}, fmt.Errorf("%w: %s", ErrDuplicateFlag, req.Name)
		}
		return repository.Flag{}, fmt.Errorf("create flag: %w", err)
	}

	s.refreshAfterMutation(ctx)
	return created, nil
}

func (s *Service) GetFlag(ctx context.Context, id string) (repository.Flag, error) {
	if !isUUID(id) {
		return repository.Flag{}, ErrFlagNotFound
	}

	flag, err := s.repo.GetFlag(ctx, id)
	if err != nil {
		return repository.Flag{}, flagError("get flag", err)
	}
	return flag, nil
}

func (s *Service) GetFlagByName(ctx context.Context, name string) (repository.Flag, error) {
	if strings.TrimSpace(name) == "" {
		return repository.Flag{}, ErrFlagNotFound
	}

	flag, err := s.repo.GetFlagByName(ctx, name)
	if err != nil {
		return repository.Flag{}, flagError("get flag by name", err)
	}
	return flag, nil
}

func (s *Service) ListFlags(ctx context.Context) ([]repository.Flag, error) {
	flags, err := s.repo.ListFlags(ctx)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	return flags, nil
}

// UpdateFlag applies a partial update. The flag name is immutable.
func (s *Service) UpdateFlag(ctx context.Context, id string, update repository.FlagUpdate) (repository.Flag, error) {
	if !isUUID(id) {
		return repository.Flag{}, ErrFlagNotFound
	}
	if update.Description != nil {
		trimmed := strings.TrimSpace(*update.Description)
		if err := validateDescription(trimmed); err != nil {
			return repository.Flag{}, err
		}
		update.Description = &trimmed
	}
	if update.RolloutPercentage != nil {
		if err := validateRollout(*update.RolloutPercentage); err != nil {
			return repository.Flag{}, err
		}
	}

	updated, err := s.repo.UpdateFlag(ctx, id, update)
	if err != nil {
		return repository.Flag{}, flagError("update flag", err)
	}

	s.refreshAfterMutation(ctx)
	return updated, nil
}

func (s *Service) ToggleFlag(ctx context.Context, id string) (repository.Flag, error) {
	if !isUUID(id) {
		return repository.Flag{}, ErrFlagNotFound
	}

	toggled, err := s.repo.ToggleFlag(ctx, id)
	if err != nil {
		return repository.Flag{}, flagError("toggle flag", err)
	}

	s.refreshAfterMutation(ctx)
	return toggled, nil
}

func (s *Service) DeleteFlag(ctx context.Context, id string) error {
	if !isUUID(id) {
		return ErrFlagNotFound
	}

	if err := s.repo.DeleteFlag(ctx, id); err != nil {
		return flagError("delete flag", err)
	}

	if s.analytics != nil {
		s.analytics.Forget(id)
	}
	s.refreshAfterMutation(ctx)
	return nil
}

func (s *Service) AddRule(ctx context.Context, flagID string, req AddRuleRequest) (repository.Rule, error) {
	if !isUUID(flagID) {
		return repository.Rule{}, ErrFlagNotFound
	}

	rule := repository.Rule{
		Type:     strings.ToUpper(strings.TrimSpace(req.Type)),
		Value:    strings.TrimSpace(req.Value),
		Enabled:  req.Enabled,
		Priority: req.Priority,
	}
	if err := validateRule(rule); err != nil {
		return repository.Rule{}, err
	}

	created, err := s.repo.AddRule(ctx, flagID, rule)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.Rule{}, fmt.Errorf("%w: %s = %s", ErrDuplicateRule, rule.Type, rule.Value)
		}
		return repository.Rule{}, flagError("add rule", err)
	}

	s.refreshAfterMutation(ctx)
	return created, nil
}

func (s *Service) ListRules(ctx context.Context, flagID string) ([]repository.Rule, error) {
	if !isUUID(flagID) {
		return nil, ErrFlagNotFound
	}

	rules, err := s.repo.ListRules(ctx, flagID)
	if err != nil {
		return nil, flagError("list rules", err)
	}
	return rules, nil
}

func (s *Service) ToggleRule(ctx context.Context, ruleID string) (repository.Rule, error) {
	if !isUUID(ruleID) {
		return repository.Rule{}, ErrRuleNotFound
	}

	toggled, err := s.repo.ToggleRule(ctx, ruleID)
	if err != nil {
		return repository.Rule{}, ruleError("toggle rule", err)
	}

	s.refreshAfterMutation(ctx)
	return toggled, nil
}

func (s *Service) DeleteRule(ctx context.Context, ruleID string) error {
	if !isUUID(ruleID) {
		return ErrRuleNotFound
	}

	if err := s.repo.DeleteRule(ctx, ruleID); err != nil {
		return ruleError("delete rule", err)
	}

	s.refreshAfterMutation(ctx)
	return nil
}

func (s *Service) ListEventsSince(ctx context.Context, eventID int64) ([]repository.FlagEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

func (s *Service) ListEventsSinceForFlag(ctx context.Context, eventID int64, name string) ([]repository.FlagEvent, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: flag name is required", ErrInvalidFlag)
	}

	events, err := s.repo.ListEventsSinceForFlag(ctx, eventID, name)
	if err != nil {
		return nil, fmt.Errorf("list events since %d for flag %q: %w", eventID, name, err)
	}

	return events, nil
}

func validateFlagName(name string) error {
	if len(name) < minFlagNameLength || len(name) > maxFlagNameLength {
		return fmt.Errorf("%w: name must be %d-%d characters", ErrInvalidFlag, minFlagNameLength, maxFlagNameLength)
	}
	if !flagNamePattern.MatchString(name) {
		return fmt.Errorf("%w: name must start with a lowercase letter and contain only lowercase letters, digits and underscores", ErrInvalidFlag)
	}
	return nil
}

func validateDescription(description string) error {
	if len(description) > maxDescriptionLength {
		return fmt.Errorf("%w: description must be at most %d characters", ErrInvalidFlag, maxDescriptionLength)
	}
	return nil
}

func validateRollout(percentage int) error {
	if percentage < 0 || percentage > 100 {
		return fmt.Errorf("%w: rolloutPercentage must be between 0 and 100", ErrInvalidFlag)
	}
	return nil
}

func validateRule(rule repository.Rule) error {
	if len(rule.Value) > maxRuleValueLength {
		return fmt.Errorf("%w: ruleValue must be at most %d characters", ErrInvalidRule, maxRuleValueLength)
	}
	if err := core.CheckRule(toCoreRule(rule)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

func flagError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrFlagNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func ruleError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRuleNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
