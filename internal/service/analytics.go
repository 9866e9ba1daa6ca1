package service

import (
	"context"
	"fmt"
	"time"

	"github.com/matt-riley/togglr/internal/analytics"
)

// FlagAnalytics is an analytics report decorated with the flag it describes.
type FlagAnalytics struct {
	FlagName                    string `json:"flagName"`
	ConfiguredRolloutPercentage int    `json:"configuredRolloutPercentage"`
	Hours                       int    `json:"hours"`
	analytics.Report
}

// Analytics summarises the evaluations of a flag over the last hours hours.
func (s *Service) Analytics(ctx context.Context, flagID string, hours int) (FlagAnalytics, error) {
	if s.analytics == nil {
		return FlagAnalytics{}, ErrAnalyticsUnavailable
	}

	maxHours := int(s.analytics.Retention() / time.Hour)
	if hours < 1 || hours > maxHours {
		return FlagAnalytics{}, fmt.Errorf("%w: hours must be between 1 and %d", ErrInvalidAnalyticsWindow, maxHours)
	}

	flag, err := s.GetFlag(ctx, flagID)
	if err != nil {
		return FlagAnalytics{}, err
	}

	report, err := s.analytics.Query(flag.ID, time.Duration(hours)*time.Hour)
	if err != nil {
		return FlagAnalytics{}, fmt.Errorf("%w: %v", ErrInvalidAnalyticsWindow, err)
	}

	return FlagAnalytics{
		FlagName:                    flag.Name,
		ConfiguredRolloutPercentage: flag.RolloutPercentage,
		Hours:                       hours,
		Report:                      report,
	}, nil
}
