package core

import "fmt"

// Reason explains why a flag resolved the way it did. The set is closed; every
// value must have an entry in reasonCodes and reasonLabels.
type Reason uint8

const (
	ReasonFlagDisabled Reason = iota
	ReasonRuleMatch
	ReasonRolloutIncluded
	ReasonRolloutExcluded
	ReasonNoRulesDefault

	reasonCount
)

var reasonCodes = [...]string{
	ReasonFlagDisabled:    "FLAG_DISABLED",
	ReasonRuleMatch:       "RULE_MATCH",
	ReasonRolloutIncluded: "ROLLOUT_INCLUDED",
	ReasonRolloutExcluded: "ROLLOUT_EXCLUDED",
	ReasonNoRulesDefault:  "NO_RULES_DEFAULT",
}

var reasonLabels = [...]string{
	ReasonFlagDisabled:    "Flag is disabled",
	ReasonRuleMatch:       "Matched targeting rule",
	ReasonRolloutIncluded: "Included in rollout percentage",
	ReasonRolloutExcluded: "Excluded from rollout percentage",
	ReasonNoRulesDefault:  "No rules matched, using default",
}

// Both tables must cover every Reason; a missing entry is a compile error.
var (
	_ = [1]struct{}{}[len(reasonCodes)-int(reasonCount)]
	_ = [1]struct{}{}[len(reasonLabels)-int(reasonCount)]
)

// Reasons returns every reason code in declaration order.
func Reasons() []Reason {
	reasons := make([]Reason, 0, reasonCount)
	for r := Reason(0); r < reasonCount; r++ {
		reasons = append(reasons, r)
	}
	return reasons
}

func (r Reason) Valid() bool {
	return r < reasonCount
}

func (r Reason) String() string {
	if !r.Valid() {
		return fmt.Sprintf("Reason(%d)", uint8(r))
	}
	return reasonCodes[r]
}

// Label returns display text suitable for tester UIs.
func (r Reason) Label() string {
	if !r.Valid() {
		return "Unknown reason"
	}
	return reasonLabels[r]
}

// ParseReason converts a wire code such as "RULE_MATCH" back to a Reason.
func ParseReason(code string) (Reason, error) {
	for r := Reason(0); r < reasonCount; r++ {
		if reasonCodes[r] == code {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown evaluation reason %q", code)
}

func (r Reason) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid evaluation reason %d", uint8(r))
	}
	return []byte(reasonCodes[r]), nil
}

func (r *Reason) UnmarshalText(text []byte) error {
	parsed, err := ParseReason(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
