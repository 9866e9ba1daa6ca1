package cache

import (
	"testing"
	"time"

	"github.com/matt-riley/togglr/internal/core"
)

func TestSnapshotEncoding(t *testing.T) {
	loadedAt := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	original := core.NewSnapshot(42, loadedAt, []core.Flag{
		{
			ID:                "f1",
			Name:              "new_checkout",
			Enabled:           true,
			RolloutPercentage: 25,
			Rules: []core.Rule{
				{ID: "r1", Type: core.RuleTypeEmailDomain, Value: "acme.com", Enabled: true, Priority: 1},
			},
		},
		{ID: "f2", Name: "dark_mode"},
	})

	data, err := EncodeSnapshot(original)
	if err != nil {
		t.Fatalf("EncodeSnapshot() error = %v", err)
	}

	decoded, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot() error = %v", err)
	}

	if decoded.Version() != 42 {
		t.Fatalf("Version() = %d, want 42", decoded.Version())
	}
	if !decoded.LoadedAt().Equal(loadedAt) {
		t.Fatalf("LoadedAt() = %v, want %v", decoded.LoadedAt(), loadedAt)
	}

	user := core.UserContext{UserID: "x", UserEmail: "x@acme.com"}
	want := core.EvaluateAll(original, user)
	got := core.EvaluateAll(decoded, user)
	for name, detail := range want.Details {
		if got.Details[name] != detail {
			t.Fatalf("decoded snapshot evaluates %q to %+v, want %+v", name, got.Details[name], detail)
		}
	}
}

func TestDecodeSnapshotRejectsGarbage(t *testing.T) {
	if _, err := DecodeSnapshot([]byte("not json")); err == nil {
		t.Fatal("DecodeSnapshot(garbage) error = nil")
	}
}

func TestEncodeSnapshotNil(t *testing.T) {
	if _, err := EncodeSnapshot(nil); err == nil {
		t.Fatal("EncodeSnapshot(nil) error = nil")
	}
}

func TestNewWithClientDefaultsTTL(t *testing.T) {
	c := NewWithClient(nil, 0)
	if c.ttl != DefaultSnapshotTTL {
		t.Fatalf("ttl = %v, want %v", c.ttl, DefaultSnapshotTTL)
	}
}
