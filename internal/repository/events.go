package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const flagEventColumns = `event_id, flag_id, flag_name, event_type, payload, created_at`

// appendFlagEvent writes event to the change log and queues a NOTIFY for it.
// Listeners only hear about the event once tx commits.
func (r *PostgresRepository) appendFlagEvent(ctx context.Context, tx pgx.Tx, event FlagEvent) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO flag_events (flag_id, flag_name, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING event_id, created_at`,
		event.FlagID, event.FlagName, event.EventType, ensureJSON(event.Payload, "{}"),
	).Scan(&event.EventID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("append %s event: %w", event.EventType, err)
	}

	notification, err := marshalNotifyPayload(event)
	if err != nil {
		return fmt.Errorf("encode %s notification: %w", event.EventType, err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notification); err != nil {
		return fmt.Errorf("notify %s event: %w", event.EventType, err)
	}
	return nil
}

// ListEventsSince returns the next page of change events after eventID in
// event id order.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]FlagEvent, error) {
	return r.listEvents(ctx, "list events since", `event_id > $1`, eventID)
}

// ListEventsSinceForFlag is ListEventsSince restricted to one flag name.
func (r *PostgresRepository) ListEventsSinceForFlag(ctx context.Context, eventID int64, name string) ([]FlagEvent, error) {
	return r.listEvents(ctx, "list events since for flag", `event_id > $1 AND flag_name = $2`, eventID, name)
}

func (r *PostgresRepository) listEvents(ctx context.Context, op, filter string, args ...any) ([]FlagEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM flag_events WHERE %s ORDER BY event_id LIMIT %d`,
		flagEventColumns, filter, maxEventBatchSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	events, err := pgx.CollectRows(rows, scanFlagEvent)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return events, nil
}

func scanFlagEvent(row pgx.CollectableRow) (FlagEvent, error) {
	var event FlagEvent
	err := row.Scan(
		&event.EventID,
		&event.FlagID,
		&event.FlagName,
		&event.EventType,
		&event.Payload,
		&event.CreatedAt,
	)
	return event, err
}

// marshalNotifyPayload encodes the NOTIFY body. It carries identifiers only;
// listeners reload what they need.
func marshalNotifyPayload(event FlagEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		EventID   int64  `json:"event_id"`
		FlagName  string `json:"flag_name"`
		EventType string `json:"event_type"`
	}{
		EventID:   event.EventID,
		FlagName:  event.FlagName,
		EventType: event.EventType,
	})
	if err != nil {
		return "", err
	}
	return string(serialized), nil
}
