package core

import (
	"slices"
	"sort"
	"time"
)

// Snapshot is an immutable, versioned view of every flag known to the store.
// Evaluation only ever reads a Snapshot, so a single EvaluateAll call can
// never observe a flag changing underneath it.
type Snapshot struct {
	version  int64
	loadedAt time.Time
	flags    []compiledFlag
	byName   map[string]int
}

type compiledFlag struct {
	flag    Flag
	ordered []Rule
}

// RuleIssue describes a rule that can never match.
type RuleIssue struct {
	FlagName string
	RuleID   string
	Err      error
}

// NewSnapshot copies flags into a new snapshot. Later mutation of the input
// does not affect the snapshot. Flags are kept sorted by name; when names
// repeat the last one wins.
func NewSnapshot(version int64, loadedAt time.Time, flags []Flag) *Snapshot {
	byName := make(map[string]int, len(flags))
	compiled := make([]compiledFlag, 0, len(flags))

	for _, flag := range flags {
		flag.Rules = slices.Clone(flag.Rules)
		entry := compiledFlag{flag: flag, ordered: orderRules(flag.Rules)}
		if idx, ok := byName[flag.Name]; ok {
			compiled[idx] = entry
			continue
		}
		byName[flag.Name] = len(compiled)
		compiled = append(compiled, entry)
	}

	sort.Slice(compiled, func(i, j int) bool {
		return compiled[i].flag.Name < compiled[j].flag.Name
	})
	for idx, entry := range compiled {
		byName[entry.flag.Name] = idx
	}

	return &Snapshot{
		version:  version,
		loadedAt: loadedAt,
		flags:    compiled,
		byName:   byName,
	}
}

func (s *Snapshot) Version() int64 {
	if s == nil {
		return 0
	}
	return s.version
}

func (s *Snapshot) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.flags)
}

// Flags returns a copy of the snapshot's flags sorted by name.
func (s *Snapshot) Flags() []Flag {
	if s == nil {
		return nil
	}

	flags := make([]Flag, 0, len(s.flags))
	for _, entry := range s.flags {
		flag := entry.flag
		flag.Rules = slices.Clone(flag.Rules)
		flags = append(flags, flag)
	}
	return flags
}

// Flag looks a flag up by name.
func (s *Snapshot) Flag(name string) (Flag, bool) {
	if s == nil {
		return Flag{}, false
	}

	idx, ok := s.byName[name]
	if !ok {
		return Flag{}, false
	}

	flag := s.flags[idx].flag
	flag.Rules = slices.Clone(flag.Rules)
	return flag, true
}

// Issues lists enabled rules that can never match because their value or type
// is malformed.
func (s *Snapshot) Issues() []RuleIssue {
	if s == nil {
		return nil
	}

	var issues []RuleIssue
	for _, entry := range s.flags {
		for _, rule := range entry.ordered {
			if err := CheckRule(rule); err != nil {
				issues = append(issues, RuleIssue{FlagName: entry.flag.Name, RuleID: rule.ID, Err: err})
			}
		}
	}
	return issues
}

// FlagID returns the id of the named flag without copying its rules.
func (s *Snapshot) FlagID(name string) (string, bool) {
	if s == nil {
		return "", false
	}

	idx, ok := s.byName[name]
	if !ok {
		return "", false
	}
	return s.flags[idx].flag.ID, true
}
