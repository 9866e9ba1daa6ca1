package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/matt-riley/togglr/internal/analytics"
	"github.com/matt-riley/togglr/internal/core"
)

var evaluationColumns = []string{"flag_id", "user_id", "result", "matched_rule_id", "reason", "evaluated_at"}

// InsertEvaluations appends outcomes to the evaluation log using COPY.
// Outcomes whose flag id is not a UUID are skipped.
func (r *PostgresRepository) InsertEvaluations(ctx context.Context, outcomes []analytics.Outcome) error {
	rows := evaluationRows(outcomes)
	if len(rows) == 0 {
		return nil
	}

	if _, err := r.pool.CopyFrom(ctx, pgx.Identifier{"flag_evaluations"}, evaluationColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy evaluations: %w", err)
	}

	return nil
}

// CountEvaluationsSince returns per-minute evaluation counts recorded at or
// after since, grouped by flag, result and reason.
func (r *PostgresRepository) CountEvaluationsSince(ctx context.Context, since time.Time) ([]analytics.MinuteCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT flag_id::text,
		       date_trunc('minute', evaluated_at) AS minute,
		       result,
		       reason,
		       COUNT(*)
		FROM flag_evaluations
		WHERE evaluated_at >= $1
		GROUP BY flag_id, minute, result, reason
		ORDER BY minute
	`, since)
	if err != nil {
		return nil, fmt.Errorf("count evaluations since: %w", err)
	}
	defer rows.Close()

	counts := make([]analytics.MinuteCount, 0)
	for rows.Next() {
		var (
			count  analytics.MinuteCount
			reason string
		)
		if err := rows.Scan(&count.FlagID, &count.Minute, &count.Result, &reason, &count.Count); err != nil {
			return nil, fmt.Errorf("scan evaluation count: %w", err)
		}

		parsed, err := core.ParseReason(reason)
		if err != nil {
			continue
		}
		count.Reason = parsed
		counts = append(counts, count)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count evaluations rows: %w", err)
	}

	return counts, nil
}

// DeleteEvaluationsBefore prunes the evaluation log and returns the number of
// rows removed.
func (r *PostgresRepository) DeleteEvaluationsBefore(ctx context.Context, before time.Time) (int64, error) {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM flag_evaluations WHERE evaluated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete evaluations: %w", err)
	}

	return commandTag.RowsAffected(), nil
}

func evaluationRows(outcomes []analytics.Outcome) [][]any {
	rows := make([][]any, 0, len(outcomes))
	for _, outcome := range outcomes {
		flagID, err := uuid.Parse(outcome.FlagID)
		if err != nil {
			continue
		}

		matched := pgtype.UUID{}
		if ruleID, err := uuid.Parse(outcome.MatchedRuleID); err == nil {
			matched = pgtype.UUID{Bytes: ruleID, Valid: true}
		}

		evaluatedAt := outcome.EvaluatedAt
		if evaluatedAt.IsZero() {
			evaluatedAt = time.Now()
		}

		rows = append(rows, []any{
			pgtype.UUID{Bytes: flagID, Valid: true},
			outcome.UserID,
			outcome.Result,
			matched,
			outcome.Reason.String(),
			evaluatedAt,
		})
	}
	return rows
}
