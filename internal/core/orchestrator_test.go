package core

import (
	"fmt"
	"reflect"
	"testing"
	"time"
)

func testSnapshot(n int) *Snapshot {
	flags := make([]Flag, 0, n)
	for i := range n {
		flags = append(flags, Flag{
			ID:                fmt.Sprintf("id-%d", i),
			Name:              fmt.Sprintf("flag_%03d", i),
			Enabled:           i%5 != 0,
			RolloutPercentage: i % 101,
			Rules: []Rule{
				{ID: fmt.Sprintf("r-%d", i), Type: RuleTypeCountry, Value: "GB", Enabled: i%2 == 0},
			},
		})
	}
	return NewSnapshot(int64(n), time.Now(), flags)
}

func TestEvaluateAllMatchesEvaluateFlag(t *testing.T) {
	snapshot := testSnapshot(10)
	user := UserContext{UserID: "alice", Country: "GB"}

	got := EvaluateAll(snapshot, user)
	if len(got.Flags) != 10 || len(got.Details) != 10 {
		t.Fatalf("EvaluateAll() returned %d flags, %d details, want 10", len(got.Flags), len(got.Details))
	}

	for _, flag := range snapshot.Flags() {
		want := EvaluateFlag(flag, user)
		if got.Details[flag.Name] != want {
			t.Fatalf("Details[%q] = %+v, want %+v", flag.Name, got.Details[flag.Name], want)
		}
		if got.Flags[flag.Name] != want.Result {
			t.Fatalf("Flags[%q] = %v, want %v", flag.Name, got.Flags[flag.Name], want.Result)
		}
	}
}

func TestEvaluateAllParallelMatchesSequential(t *testing.T) {
	snapshot := testSnapshot(300)
	user := UserContext{UserID: "bob", Country: "gb"}

	sequential := Orchestrator{ParallelThreshold: -1}.EvaluateAll(snapshot, user)
	parallel := Orchestrator{ParallelThreshold: 1, Workers: 4}.EvaluateAll(snapshot, user)

	if !reflect.DeepEqual(sequential, parallel) {
		t.Fatal("parallel EvaluateAll() differs from sequential")
	}
}

func TestEvaluateAllEmptySnapshot(t *testing.T) {
	got := EvaluateAll(nil, UserContext{UserID: "alice"})
	if got.Flags == nil || got.Details == nil || len(got.Flags) != 0 {
		t.Fatalf("EvaluateAll(nil) = %+v, want empty non-nil maps", got)
	}
}

func TestEvaluateNamed(t *testing.T) {
	snapshot := NewSnapshot(1, time.Now(), []Flag{{
		Name:    "beta",
		Enabled: true,
		Rules:   []Rule{{ID: "r1", Type: RuleTypeUserID, Value: "alice", Enabled: true}},
	}})

	detail, ok := EvaluateNamed(snapshot, "beta", UserContext{UserID: "alice"})
	if !ok || !detail.Result || detail.MatchedRuleID != "r1" {
		t.Fatalf("EvaluateNamed(beta) = %+v, %v", detail, ok)
	}

	if _, ok := EvaluateNamed(snapshot, "missing", UserContext{UserID: "alice"}); ok {
		t.Fatal("EvaluateNamed(missing) found a flag")
	}
	if _, ok := EvaluateNamed(nil, "beta", UserContext{UserID: "alice"}); ok {
		t.Fatal("EvaluateNamed(nil snapshot) found a flag")
	}
}
