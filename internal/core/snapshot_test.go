package core

import (
	"errors"
	"testing"
	"time"
)

func TestNewSnapshotCopiesInput(t *testing.T) {
	flags := []Flag{
		{Name: "zeta", Enabled: true, Rules: []Rule{{ID: "r1", Type: RuleTypeUserID, Value: "alice", Enabled: true}}},
		{Name: "alpha", Enabled: true},
	}

	snapshot := NewSnapshot(7, time.Unix(100, 0), flags)
	flags[0].Rules[0].Value = "mallory"
	flags[0].Enabled = false

	if snapshot.Version() != 7 {
		t.Fatalf("Version() = %d, want 7", snapshot.Version())
	}
	got, ok := snapshot.Flag("zeta")
	if !ok {
		t.Fatal("Flag(zeta) not found")
	}
	if !got.Enabled || got.Rules[0].Value != "alice" {
		t.Fatalf("Flag(zeta) = %+v, snapshot was mutated through its input", got)
	}

	listed := snapshot.Flags()
	if len(listed) != 2 || listed[0].Name != "alpha" || listed[1].Name != "zeta" {
		t.Fatalf("Flags() = %+v, want alpha then zeta", listed)
	}
}

func TestNewSnapshotLastDuplicateWins(t *testing.T) {
	snapshot := NewSnapshot(1, time.Time{}, []Flag{
		{ID: "old", Name: "dup"},
		{ID: "new", Name: "dup"},
	})

	if snapshot.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", snapshot.Len())
	}
	if got, _ := snapshot.Flag("dup"); got.ID != "new" {
		t.Fatalf("Flag(dup).ID = %q, want new", got.ID)
	}
}

func TestNilSnapshot(t *testing.T) {
	var snapshot *Snapshot
	if snapshot.Len() != 0 || snapshot.Version() != 0 || snapshot.Flags() != nil || snapshot.Issues() != nil {
		t.Fatal("nil snapshot should behave as empty")
	}
	if _, ok := snapshot.Flag("x"); ok {
		t.Fatal("nil snapshot Flag() found a flag")
	}
}

func TestSnapshotIssues(t *testing.T) {
	snapshot := NewSnapshot(1, time.Time{}, []Flag{{
		Name: "beta",
		Rules: []Rule{
			{ID: "bad", Type: RuleTypePercentageGroup, Value: "abc", Enabled: true},
			{ID: "off", Type: RuleTypePercentageGroup, Value: "abc", Enabled: false},
			{ID: "ok", Type: RuleTypeCountry, Value: "GB", Enabled: true},
		},
	}})

	issues := snapshot.Issues()
	if len(issues) != 1 {
		t.Fatalf("Issues() = %+v, want one issue", issues)
	}
	if issues[0].RuleID != "bad" || issues[0].FlagName != "beta" || !errors.Is(issues[0].Err, ErrMalformedRule) {
		t.Fatalf("Issues()[0] = %+v", issues[0])
	}
}

func TestSnapshotFlagID(t *testing.T) {
	snapshot := NewSnapshot(1, time.Time{}, []Flag{{ID: "id-1", Name: "beta"}})

	if id, ok := snapshot.FlagID("beta"); !ok || id != "id-1" {
		t.Fatalf("FlagID(beta) = %q, %v", id, ok)
	}
	if _, ok := snapshot.FlagID("missing"); ok {
		t.Fatal("FlagID(missing) found a flag")
	}
}
