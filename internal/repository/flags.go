package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	flagColumns = `id::text, name, description, enabled, rollout_percentage, created_by, created_at, updated_at`
	ruleColumns = `id::text, flag_id::text, rule_type, rule_value, enabled, priority, created_at, updated_at`
)

// SnapshotData is a consistent read of every flag and its rules. Version is
// the id of the last flag event visible to the read.
type SnapshotData struct {
	Version int64
	Flags   []Flag
}

// LoadSnapshot reads every flag with its rules inside one REPEATABLE READ,
// READ ONLY transaction so the result reflects a single committed state.
func (r *PostgresRepository) LoadSnapshot(ctx context.Context) (SnapshotData, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return SnapshotData{}, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var data SnapshotData
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(event_id), 0) FROM flag_events`).Scan(&data.Version); err != nil {
		return SnapshotData{}, fmt.Errorf("read snapshot version: %w", err)
	}

	data.Flags, err = queryFlags(ctx, tx, "")
	if err != nil {
		return SnapshotData{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return SnapshotData{}, fmt.Errorf("commit snapshot tx: %w", err)
	}

	return data, nil
}

// CreateFlag inserts a flag without rules and records a flag_created event.
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	var created Flag
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO flags (id, name, description, enabled, rollout_percentage, created_by)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+flagColumns,
			uuid.NewString(),
			flag.Name,
			flag.Description,
			flag.Enabled,
			flag.RolloutPercentage,
			flag.CreatedBy,
		)
		var err error
		if created, err = scanFlag(row); err != nil {
			return fmt.Errorf("create flag: %w", err)
		}
		created.Rules = []Rule{}

		return r.recordFlagEvent(ctx, tx, EventTypeFlagCreated, created)
	})
	if err != nil {
		return Flag{}, err
	}

	return created, nil
}

// GetFlag retrieves a flag and its rules by id. Returns pgx.ErrNoRows
// (wrapped) if not found.
func (r *PostgresRepository) GetFlag(ctx context.Context, id string) (Flag, error) {
	return getFlag(ctx, r.pool, `WHERE id = $1`, id)
}

// GetFlagByName retrieves a flag and its rules by name.
func (r *PostgresRepository) GetFlagByName(ctx context.Context, name string) (Flag, error) {
	return getFlag(ctx, r.pool, `WHERE name = $1`, name)
}

// ListFlags returns all flags with their rules ordered by name.
func (r *PostgresRepository) ListFlags(ctx context.Context) ([]Flag, error) {
	return queryFlags(ctx, r.pool, "")
}

// UpdateFlag applies a partial update. Returns pgx.ErrNoRows (wrapped) if the
// flag does not exist.
func (r *PostgresRepository) UpdateFlag(ctx context.Context, id string, update FlagUpdate) (Flag, error) {
	return r.mutateFlag(ctx, "update flag", `
		UPDATE flags
		SET description = COALESCE($2, description),
		    enabled = COALESCE($3, enabled),
		    rollout_percentage = COALESCE($4, rollout_percentage),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+flagColumns,
		id, update.Description, update.Enabled, update.RolloutPercentage,
	)
}

// ToggleFlag flips the enabled state of a flag.
func (r *PostgresRepository) ToggleFlag(ctx context.Context, id string) (Flag, error) {
	return r.mutateFlag(ctx, "toggle flag", `
		UPDATE flags
		SET enabled = NOT enabled,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+flagColumns,
		id,
	)
}

func (r *PostgresRepository) mutateFlag(ctx context.Context, op, sql string, args ...any) (Flag, error) {
	var updated Flag
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		if updated, err = scanFlag(tx.QueryRow(ctx, sql, args...)); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if updated.Rules, err = queryRules(ctx, tx, updated.ID); err != nil {
			return err
		}

		return r.recordFlagEvent(ctx, tx, EventTypeFlagUpdated, updated)
	})
	if err != nil {
		return Flag{}, err
	}

	return updated, nil
}

// DeleteFlag removes a flag, its rules and its evaluation log. Returns
// pgx.ErrNoRows (wrapped) if the flag does not exist.
func (r *PostgresRepository) DeleteFlag(ctx context.Context, id string) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		deleted, err := getFlag(ctx, tx, `WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			return err
		}

		commandTag, err := tx.Exec(ctx, `DELETE FROM flags WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete flag: %w", err)
		}
		if err := noRowsIfUnaffected("delete flag", commandTag); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM flag_evaluations WHERE flag_id = $1`, id); err != nil {
			return fmt.Errorf("delete flag evaluations: %w", err)
		}

		return r.recordFlagEvent(ctx, tx, EventTypeFlagDeleted, deleted)
	})
}

// AddRule appends a rule to a flag. Returns pgx.ErrNoRows (wrapped) if the
// flag does not exist.
func (r *PostgresRepository) AddRule(ctx context.Context, flagID string, rule Rule) (Rule, error) {
	var created Rule
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		var flagName string
		if err := tx.QueryRow(ctx, `SELECT name FROM flags WHERE id = $1 FOR UPDATE`, flagID).Scan(&flagName); err != nil {
			return fmt.Errorf("lock flag for rule: %w", err)
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO flag_rules (id, flag_id, rule_type, rule_value, enabled, priority)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+ruleColumns,
			uuid.NewString(),
			flagID,
			rule.Type,
			rule.Value,
			rule.Enabled,
			rule.Priority,
		)
		var err error
		if created, err = scanRule(row); err != nil {
			return fmt.Errorf("add rule: %w", err)
		}

		return r.recordRuleEvent(ctx, tx, EventTypeRuleAdded, flagName, created)
	})
	if err != nil {
		return Rule{}, err
	}

	return created, nil
}

// ListRules returns the rules of a flag in creation order. Returns
// pgx.ErrNoRows (wrapped) if the flag does not exist.
func (r *PostgresRepository) ListRules(ctx context.Context, flagID string) ([]Rule, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM flags WHERE id = $1)`, flagID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check flag: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("list rules: %w", pgx.ErrNoRows)
	}

	return queryRules(ctx, r.pool, flagID)
}

// ToggleRule flips the enabled state of a rule.
func (r *PostgresRepository) ToggleRule(ctx context.Context, ruleID string) (Rule, error) {
	var updated Rule
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE flag_rules
			SET enabled = NOT enabled,
			    updated_at = NOW()
			WHERE id = $1
			RETURNING `+ruleColumns,
			ruleID,
		)
		var err error
		if updated, err = scanRule(row); err != nil {
			return fmt.Errorf("toggle rule: %w", err)
		}

		flagName, err := touchFlag(ctx, tx, updated.FlagID)
		if err != nil {
			return err
		}

		return r.recordRuleEvent(ctx, tx, EventTypeRuleUpdated, flagName, updated)
	})
	if err != nil {
		return Rule{}, err
	}

	return updated, nil
}

// DeleteRule removes a rule. Returns pgx.ErrNoRows (wrapped) if it does not
// exist.
func (r *PostgresRepository) DeleteRule(ctx context.Context, ruleID string) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		deleted, err := scanRule(tx.QueryRow(ctx, `
			DELETE FROM flag_rules
			WHERE id = $1
			RETURNING `+ruleColumns,
			ruleID,
		))
		if err != nil {
			return fmt.Errorf("delete rule: %w", err)
		}

		flagName, err := touchFlag(ctx, tx, deleted.FlagID)
		if err != nil {
			return err
		}

		return r.recordRuleEvent(ctx, tx, EventTypeRuleDeleted, flagName, deleted)
	})
}

// touchFlag bumps the owning flag's updated_at and returns its name.
func touchFlag(ctx context.Context, tx pgx.Tx, flagID string) (string, error) {
	var name string
	if err := tx.QueryRow(ctx, `
		UPDATE flags SET updated_at = NOW() WHERE id = $1 RETURNING name
	`, flagID).Scan(&name); err != nil {
		return "", fmt.Errorf("touch flag: %w", err)
	}
	return name, nil
}

func (r *PostgresRepository) recordFlagEvent(ctx context.Context, tx pgx.Tx, eventType string, flag Flag) error {
	payload, err := json.Marshal(flag)
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	return r.appendFlagEvent(ctx, tx, FlagEvent{
		FlagID:    flag.ID,
		FlagName:  flag.Name,
		EventType: eventType,
		Payload:   payload,
	})
}

func (r *PostgresRepository) recordRuleEvent(ctx context.Context, tx pgx.Tx, eventType, flagName string, rule Rule) error {
	payload, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	return r.appendFlagEvent(ctx, tx, FlagEvent{
		FlagID:    rule.FlagID,
		FlagName:  flagName,
		EventType: eventType,
		Payload:   payload,
	})
}

func getFlag(ctx context.Context, q querier, filter string, arg any) (Flag, error) {
	flag, err := scanFlag(q.QueryRow(ctx, `SELECT `+flagColumns+` FROM flags `+filter, arg))
	if err != nil {
		return Flag{}, fmt.Errorf("get flag: %w", err)
	}

	if flag.Rules, err = queryRules(ctx, q, flag.ID); err != nil {
		return Flag{}, err
	}

	return flag, nil
}

// queryFlags loads flags matching filter with all of their rules attached.
func queryFlags(ctx context.Context, q querier, filter string, args ...any) ([]Flag, error) {
	rows, err := q.Query(ctx, `SELECT `+flagColumns+` FROM flags `+filter+` ORDER BY name`, args...)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}

	flags := make([]Flag, 0)
	index := make(map[string]int)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		flag.Rules = []Rule{}
		index[flag.ID] = len(flags)
		flags = append(flags, flag)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	rules, err := queryRules(ctx, q, "")
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if idx, ok := index[rule.FlagID]; ok {
			flags[idx].Rules = append(flags[idx].Rules, rule)
		}
	}

	return flags, nil
}

// queryRules returns rules in creation order, for one flag or, when flagID is
// empty, for every flag.
func queryRules(ctx context.Context, q querier, flagID string) ([]Rule, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if flagID == "" {
		rows, err = q.Query(ctx, `SELECT `+ruleColumns+` FROM flag_rules ORDER BY seq`)
	} else {
		rows, err = q.Query(ctx, `SELECT `+ruleColumns+` FROM flag_rules WHERE flag_id = $1 ORDER BY seq`, flagID)
	}
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules rows: %w", err)
	}

	return rules, nil
}

func scanFlag(row pgx.Row) (Flag, error) {
	var flag Flag
	err := row.Scan(
		&flag.ID,
		&flag.Name,
		&flag.Description,
		&flag.Enabled,
		&flag.RolloutPercentage,
		&flag.CreatedBy,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	)
	return flag, err
}

func scanRule(row pgx.Row) (Rule, error) {
	var rule Rule
	err := row.Scan(
		&rule.ID,
		&rule.FlagID,
		&rule.Type,
		&rule.Value,
		&rule.Enabled,
		&rule.Priority,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	return rule, err
}
