// Package repository provides PostgreSQL-backed persistence for flags, rules,
// flag events, the evaluation log and API keys. It also handles
// LISTEN/NOTIFY-based snapshot invalidation.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel = "flag_events"
	maxEventBatchSize    = 1000
	listenRetryDelay     = time.Second
)

// Flag is a flags row together with its rules in creation order.
type Flag struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	Enabled           bool      `json:"enabled"`
	RolloutPercentage int       `json:"rolloutPercentage"`
	CreatedBy         string    `json:"createdBy,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	Rules             []Rule    `json:"rules"`
}

// FlagUpdate carries a partial update. Nil fields are left unchanged.
type FlagUpdate struct {
	Description       *string
	Enabled           *bool
	RolloutPercentage *int
}

type Rule struct {
	ID        string    `json:"id"`
	FlagID    string    `json:"flagId"`
	Type      string    `json:"ruleType"`
	Value     string    `json:"ruleValue"`
	Enabled   bool      `json:"enabled"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FlagEvent is a change event stored in flag_events. Event ids are monotonic
// and double as the snapshot version.
type FlagEvent struct {
	EventID   int64           `json:"eventId"`
	FlagID    string          `json:"flagId"`
	FlagName  string          `json:"flagName"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

const (
	EventTypeFlagCreated = "flag_created"
	EventTypeFlagUpdated = "flag_updated"
	EventTypeFlagDeleted = "flag_deleted"
	EventTypeRuleAdded   = "rule_added"
	EventTypeRuleUpdated = "rule_updated"
	EventTypeRuleDeleted = "rule_deleted"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements persistence on a pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "flag_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name for flag event notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// withTx runs fn in a read-write transaction and commits when it returns nil.
func (r *PostgresRepository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// SubscribeFlagInvalidation starts a LISTEN loop on the notification channel
// and signals the returned channel for every flag event. Signals coalesce; a
// reader that falls behind sees one pending signal. The channel closes when
// ctx is done.
func (r *PostgresRepository) SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error) {
	signals := make(chan struct{}, 1)
	go r.listenUntilDone(ctx, signals)
	return signals, nil
}

func (r *PostgresRepository) listenUntilDone(ctx context.Context, signals chan<- struct{}) {
	defer close(signals)

	for ctx.Err() == nil {
		if err := r.listen(ctx, signals); err == nil {
			return
		}

		// Notifications sent while the connection was down are lost, so
		// readers reload unconditionally after a reconnect.
		signal(signals)

		select {
		case <-ctx.Done():
			return
		case <-time.After(listenRetryDelay):
		}
	}
}

func (r *PostgresRepository) listen(ctx context.Context, signals chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		signal(signals)
	}
}

func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func noRowsIfUnaffected(op string, commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}
