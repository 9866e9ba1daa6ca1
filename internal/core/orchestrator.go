package core

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// DefaultParallelThreshold is the snapshot size from which EvaluateAll fans
// evaluation out across goroutines.
const DefaultParallelThreshold = 64

// Orchestrator evaluates a whole snapshot for one user. The zero value is
// ready to use.
type Orchestrator struct {
	// ParallelThreshold is the minimum number of flags evaluated in parallel.
	// Zero selects DefaultParallelThreshold; a negative value disables
	// parallel evaluation.
	ParallelThreshold int
	// Workers bounds the number of goroutines. Zero selects GOMAXPROCS.
	Workers int
}

// EvaluateAll evaluates every flag in snapshot using the default orchestrator.
func EvaluateAll(snapshot *Snapshot, user UserContext) Evaluation {
	return Orchestrator{}.EvaluateAll(snapshot, user)
}

// EvaluateAll evaluates every flag in snapshot independently. Flags missing
// from the snapshot are simply absent from the result.
func (o Orchestrator) EvaluateAll(snapshot *Snapshot, user UserContext) Evaluation {
	n := snapshot.Len()
	details := make([]EvaluationDetail, n)

	if o.parallel(n) {
		chunk := (n + o.workers() - 1) / o.workers()
		var g errgroup.Group
		g.SetLimit(o.workers())
		for start := 0; start < n; start += chunk {
			end := min(start+chunk, n)
			g.Go(func() error {
				for idx := start; idx < end; idx++ {
					entry := snapshot.flags[idx]
					details[idx] = evaluate(entry.flag, entry.ordered, user)
				}
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for idx := 0; idx < n; idx++ {
			entry := snapshot.flags[idx]
			details[idx] = evaluate(entry.flag, entry.ordered, user)
		}
	}

	result := Evaluation{
		Flags:   make(map[string]bool, n),
		Details: make(map[string]EvaluationDetail, n),
	}
	for idx := 0; idx < n; idx++ {
		name := snapshot.flags[idx].flag.Name
		result.Flags[name] = details[idx].Result
		result.Details[name] = details[idx]
	}

	return result
}

// EvaluateNamed evaluates a single flag from snapshot. The boolean is false
// when the snapshot has no flag with that name.
func EvaluateNamed(snapshot *Snapshot, name string, user UserContext) (EvaluationDetail, bool) {
	if snapshot == nil {
		return EvaluationDetail{}, false
	}

	idx, ok := snapshot.byName[name]
	if !ok {
		return EvaluationDetail{}, false
	}

	entry := snapshot.flags[idx]
	return evaluate(entry.flag, entry.ordered, user), true
}

func (o Orchestrator) parallel(n int) bool {
	threshold := o.ParallelThreshold
	if threshold == 0 {
		threshold = DefaultParallelThreshold
	}
	return threshold > 0 && n >= threshold && o.workers() > 1
}

func (o Orchestrator) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}
