//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/matt-riley/togglr/internal/analytics"
	"github.com/matt-riley/togglr/internal/cache"
	"github.com/matt-riley/togglr/internal/core"
	"github.com/matt-riley/togglr/internal/middleware"
	"github.com/matt-riley/togglr/internal/repository"
	"github.com/matt-riley/togglr/internal/service"
)

var (
	testPool *pgxpool.Pool
	redisURL string
)

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "togglr_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/togglr_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}

	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	connStr := fmt.Sprintf(
		"postgresql://test:test@%s:%s/togglr_test?sslmode=disable",
		host, mappedPort.Port(),
	)

	migrationsDir, err := findMigrationsDir()
	if err != nil {
		log.Printf("find migrations: %v", err)
		return 1
	}
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Printf("open db for migrations: %v", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("close db after migrations: %v", err)
		}
	}()
	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Printf("start redis container (redis tests will be skipped): %v", err)
	} else {
		defer func() { _ = redisContainer.Terminate(ctx) }()
		redisHost, hostErr := redisContainer.Host(ctx)
		redisPort, portErr := redisContainer.MappedPort(ctx, "6379/tcp")
		if hostErr == nil && portErr == nil {
			redisURL = fmt.Sprintf("redis://%s:%s/0", redisHost, redisPort.Port())
		}
	}

	return m.Run()
}

// findMigrationsDir walks up from the working directory until it finds a
// migrations/ directory (the repository root contains it).
func findMigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("migrations directory not found")
		}
		dir = parent
	}
}

func newRepo() *repository.PostgresRepository {
	return repository.NewPostgresRepository(testPool)
}

func newService(t *testing.T, opts ...service.Option) *service.Service {
	t.Helper()
	svc, err := service.New(t.Context(), newRepo(), opts...)
	if err != nil {
		t.Fatalf("service.New() error = %v", err)
	}
	return svc
}

func randID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

func flagName(prefix string) string {
	return fmt.Sprintf("it_%s_%s", prefix, randID())
}

// ---------------------------------------------------------------------------
// Flag management
// ---------------------------------------------------------------------------

func TestFlagLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	name := flagName("lifecycle")

	created, err := svc.CreateFlag(ctx, service.CreateFlagRequest{
		Name:              name,
		Description:       "integration flag",
		RolloutPercentage: 25,
		CreatedBy:         "key-1",
	})
	if err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}
	if created.ID == "" || created.Name != name || created.CreatedBy != "key-1" {
		t.Fatalf("CreateFlag() = %#v", created)
	}

	if _, err := svc.CreateFlag(ctx, service.CreateFlagRequest{Name: name}); !errors.Is(err, service.ErrDuplicateFlag) {
		t.Fatalf("CreateFlag(duplicate) error = %v, want %v", err, service.ErrDuplicateFlag)
	}

	byName, err := svc.GetFlagByName(ctx, name)
	if err != nil || byName.ID != created.ID {
		t.Fatalf("GetFlagByName() = (%#v, %v), want id %q", byName, err, created.ID)
	}

	rule, err := svc.AddRule(ctx, created.ID, service.AddRuleRequest{
		Type:    string(core.RuleTypeCountry),
		Value:   "NZ",
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}
	if _, err := svc.AddRule(ctx, created.ID, service.AddRuleRequest{Type: string(core.RuleTypeCountry), Value: "NZ", Enabled: true}); !errors.Is(err, service.ErrDuplicateRule) {
		t.Fatalf("AddRule(duplicate) error = %v, want %v", err, service.ErrDuplicateRule)
	}

	toggled, err := svc.ToggleRule(ctx, rule.ID)
	if err != nil || toggled.Enabled {
		t.Fatalf("ToggleRule() = (%#v, %v), want disabled", toggled, err)
	}

	enabled := true
	updated, err := svc.UpdateFlag(ctx, created.ID, repository.FlagUpdate{Enabled: &enabled})
	if err != nil {
		t.Fatalf("UpdateFlag() error = %v", err)
	}
	if !updated.Enabled || updated.RolloutPercentage != 25 || updated.Description != "integration flag" {
		t.Fatalf("UpdateFlag() = %#v, want only enabled changed", updated)
	}

	rules, err := svc.ListRules(ctx, created.ID)
	if err != nil || len(rules) != 1 {
		t.Fatalf("ListRules() = (%d rules, %v), want 1", len(rules), err)
	}

	if err := svc.DeleteRule(ctx, rule.ID); err != nil {
		t.Fatalf("DeleteRule() error = %v", err)
	}
	if err := svc.DeleteFlag(ctx, created.ID); err != nil {
		t.Fatalf("DeleteFlag() error = %v", err)
	}
	if _, err := svc.GetFlag(ctx, created.ID); !errors.Is(err, service.ErrFlagNotFound) {
		t.Fatalf("GetFlag(deleted) error = %v, want %v", err, service.ErrFlagNotFound)
	}

	events, err := svc.ListEventsSinceForFlag(ctx, 0, name)
	if err != nil {
		t.Fatalf("ListEventsSinceForFlag() error = %v", err)
	}
	wantTypes := []string{
		repository.EventTypeFlagCreated,
		repository.EventTypeRuleAdded,
		repository.EventTypeRuleUpdated,
		repository.EventTypeFlagUpdated,
		repository.EventTypeRuleDeleted,
		repository.EventTypeFlagDeleted,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("events = %d, want %d: %#v", len(events), len(wantTypes), events)
	}
	for i, event := range events {
		if event.EventType != wantTypes[i] {
			t.Errorf("events[%d].EventType = %q, want %q", i, event.EventType, wantTypes[i])
		}
		if i > 0 && event.EventID <= events[i-1].EventID {
			t.Errorf("events[%d].EventID = %d, not after %d", i, event.EventID, events[i-1].EventID)
		}
	}
}

// ---------------------------------------------------------------------------
// Evaluation and analytics
// ---------------------------------------------------------------------------

func TestEvaluationRecordsAnalytics(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()
	aggregator := analytics.NewAggregator()
	recorder := analytics.NewRecorder(aggregator, repo, analytics.RecorderConfig{FlushInterval: 50 * time.Millisecond})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go recorder.Run(runCtx)

	svc := newService(t, service.WithAnalytics(recorder, aggregator))
	flag, err := svc.CreateFlag(ctx, service.CreateFlagRequest{Name: flagName("eval"), Enabled: true})
	if err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}
	if _, err := svc.AddRule(ctx, flag.ID, service.AddRuleRequest{
		Type:    string(core.RuleTypeEmailDomain),
		Value:   "example.com",
		Enabled: true,
	}); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	matched, found, err := svc.EvaluateFlag(ctx, flag.Name, core.UserContext{UserID: "u1", UserEmail: "a@example.com"})
	if err != nil || !found {
		t.Fatalf("EvaluateFlag(match) = (%v, %v)", found, err)
	}
	if !matched.Result || matched.Reason != core.ReasonRuleMatch {
		t.Fatalf("EvaluateFlag(match) = %#v, want RULE_MATCH", matched)
	}

	fallback, _, err := svc.EvaluateFlag(ctx, flag.Name, core.UserContext{UserID: "u2", UserEmail: "b@other.org"})
	if err != nil {
		t.Fatalf("EvaluateFlag(fallback) error = %v", err)
	}
	if fallback.Result || fallback.Reason != core.ReasonNoRulesDefault {
		t.Fatalf("EvaluateFlag(fallback) = %#v, want NO_RULES_DEFAULT false", fallback)
	}

	closeCtx, cancelClose := context.WithTimeout(ctx, 5*time.Second)
	defer cancelClose()
	if err := recorder.Close(closeCtx); err != nil {
		t.Fatalf("recorder.Close() error = %v", err)
	}

	report, err := svc.Analytics(ctx, flag.ID, 1)
	if err != nil {
		t.Fatalf("Analytics() error = %v", err)
	}
	if report.TotalEvaluations != 2 || report.EnabledCount != 1 || report.EnabledPercentage != 50 {
		t.Fatalf("Analytics() = %#v, want 2 evaluations at 50%%", report.Report)
	}

	counts, err := repo.CountEvaluationsSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountEvaluationsSince() error = %v", err)
	}
	var persisted int64
	for _, count := range counts {
		if count.FlagID == flag.ID {
			persisted += count.Count
		}
	}
	if persisted != 2 {
		t.Fatalf("persisted evaluations = %d, want 2", persisted)
	}

	warmed := analytics.NewAggregator()
	warmed.Warm(counts)
	warmedReport, err := warmed.Query(flag.ID, time.Hour)
	if err != nil || warmedReport.TotalEvaluations != 2 {
		t.Fatalf("warmed Query() = (%d, %v), want 2", warmedReport.TotalEvaluations, err)
	}
}

func TestDeleteEvaluationsBefore(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()
	flagID := "6f1c2a8e-0d4b-4c1e-9a7f-3b2d1e0f9a8b"
	old := time.Now().Add(-40 * 24 * time.Hour)

	err := repo.InsertEvaluations(ctx, []analytics.Outcome{
		{FlagID: flagID, UserID: "u1", Result: true, Reason: core.ReasonRolloutIncluded, EvaluatedAt: old},
		{FlagID: flagID, UserID: "u2", Result: false, Reason: core.ReasonRolloutExcluded, EvaluatedAt: time.Now()},
		{FlagID: "not-a-uuid", UserID: "u3", Reason: core.ReasonFlagDisabled},
	})
	if err != nil {
		t.Fatalf("InsertEvaluations() error = %v", err)
	}

	deleted, err := repo.DeleteEvaluationsBefore(ctx, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteEvaluationsBefore() error = %v", err)
	}
	if deleted < 1 {
		t.Fatalf("DeleteEvaluationsBefore() = %d, want at least 1", deleted)
	}

	counts, err := repo.CountEvaluationsSince(ctx, old.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountEvaluationsSince() error = %v", err)
	}
	var remaining int64
	for _, count := range counts {
		if count.FlagID == flagID {
			remaining += count.Count
		}
	}
	if remaining != 1 {
		t.Fatalf("remaining evaluations = %d, want 1", remaining)
	}
}

// ---------------------------------------------------------------------------
// Snapshot propagation
// ---------------------------------------------------------------------------

func TestSnapshotInvalidationAcrossInstances(t *testing.T) {
	ctx := context.Background()
	writer := newService(t)
	reader := newService(t, service.WithSnapshotPolicy(time.Hour, 2*time.Hour))
	name := flagName("notify")

	if _, found, err := reader.EvaluateFlag(ctx, name, core.UserContext{UserID: "u1"}); err != nil || found {
		t.Fatalf("EvaluateFlag(before create) = (%v, %v), want not found", found, err)
	}

	if _, err := writer.CreateFlag(ctx, service.CreateFlagRequest{Name: name, Enabled: true, RolloutPercentage: 100}); err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		detail, found, err := reader.EvaluateFlag(ctx, name, core.UserContext{UserID: "u1"})
		if err != nil {
			t.Fatalf("EvaluateFlag() error = %v", err)
		}
		if found {
			if !detail.Result || detail.Reason != core.ReasonRolloutIncluded {
				t.Fatalf("EvaluateFlag() = %#v, want ROLLOUT_INCLUDED", detail)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("reader never observed the new flag")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestRedisSnapshotCache(t *testing.T) {
	if redisURL == "" {
		t.Skip("redis container unavailable")
	}

	ctx := context.Background()
	snapshotCache, err := cache.New(ctx, redisURL, time.Minute)
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	t.Cleanup(func() { _ = snapshotCache.Close() })

	svc := newService(t, service.WithSnapshotCache(snapshotCache))
	name := flagName("cache")
	if _, err := svc.CreateFlag(ctx, service.CreateFlagRequest{Name: name, Enabled: true}); err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}

	cached, err := snapshotCache.GetSnapshot(ctx)
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if _, ok := cached.Flag(name); !ok {
		t.Fatalf("cached snapshot is missing %q", name)
	}

	if err := snapshotCache.InvalidateSnapshot(ctx); err != nil {
		t.Fatalf("InvalidateSnapshot() error = %v", err)
	}
	if _, err := snapshotCache.GetSnapshot(ctx); !errors.Is(err, cache.ErrCacheMiss) {
		t.Fatalf("GetSnapshot() after invalidate error = %v, want %v", err, cache.ErrCacheMiss)
	}

	health := svc.Health(ctx)
	if health.Status != "ok" || health.Cache != "ok" {
		t.Fatalf("Health() = %#v, want ok with cache", health)
	}
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

func TestAPIKeyValidation(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()
	validator := middleware.NewAPIKeyValidator(repo, middleware.WithAPIKeyCacheTTL(0))

	id, secret, err := repo.CreateAPIKey(ctx, "integration")
	if err != nil {
		t.Fatalf("CreateAPIKey() error = %v", err)
	}

	gotID, err := validator.ValidateToken(ctx, middleware.FormatAPIKey(id, secret))
	if err != nil || gotID != id {
		t.Fatalf("ValidateToken() = (%q, %v), want (%q, nil)", gotID, err, id)
	}

	if _, err := validator.ValidateToken(ctx, middleware.FormatAPIKey(id, "wrong")); err == nil {
		t.Fatal("ValidateToken(wrong secret) error = nil, want non-nil")
	}

	keys, err := repo.ListAPIKeys(ctx)
	if err != nil {
		t.Fatalf("ListAPIKeys() error = %v", err)
	}
	if !containsKey(keys, id) {
		t.Fatalf("ListAPIKeys() is missing %q", id)
	}

	if err := repo.RevokeAPIKey(ctx, id); err != nil {
		t.Fatalf("RevokeAPIKey() error = %v", err)
	}
	if _, err := validator.ValidateToken(ctx, middleware.FormatAPIKey(id, secret)); err == nil {
		t.Fatal("ValidateToken(revoked) error = nil, want non-nil")
	}
	if err := repo.RevokeAPIKey(ctx, id); err == nil {
		t.Fatal("RevokeAPIKey(already revoked) error = nil, want non-nil")
	}

	keys, err = repo.ListAPIKeys(ctx)
	if err != nil {
		t.Fatalf("ListAPIKeys() error = %v", err)
	}
	if containsKey(keys, id) {
		t.Fatalf("ListAPIKeys() still lists revoked key %q", id)
	}
}

func containsKey(keys []repository.APIKey, id string) bool {
	for _, key := range keys {
		if key.ID == id {
			return true
		}
	}
	return false
}
