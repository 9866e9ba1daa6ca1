package core

import (
	"cmp"
	"fmt"
	"slices"
)

// EvaluateFlag decides whether flag is on for user. It never fails: rules that
// cannot be interpreted are treated as non-matching and evaluation moves on.
func EvaluateFlag(flag Flag, user UserContext) EvaluationDetail {
	return evaluate(flag, orderRules(flag.Rules), user)
}

func evaluate(flag Flag, ordered []Rule, user UserContext) EvaluationDetail {
	if !flag.Enabled {
		return EvaluationDetail{
			Result:      false,
			Reason:      ReasonFlagDisabled,
			Explanation: "Flag is globally disabled",
		}
	}

	for _, rule := range ordered {
		if !MatchRule(flag.Name, rule, user) {
			continue
		}

		return EvaluationDetail{
			Result:        true,
			Reason:        ReasonRuleMatch,
			MatchedRuleID: rule.ID,
			Explanation:   fmt.Sprintf("Matched rule %s: %s = %s", rule.ID, rule.Type, rule.Value),
		}
	}

	bucket := Bucket(RolloutKey(flag.Name, user.UserID))
	included := InRollout(RolloutKey(flag.Name, user.UserID), flag.RolloutPercentage)
	verb := "excluded from"
	if included {
		verb = "included in"
	}

	if len(flag.Rules) == 0 {
		reason := ReasonRolloutExcluded
		if included {
			reason = ReasonRolloutIncluded
		}
		return EvaluationDetail{
			Result:      included,
			Reason:      reason,
			Explanation: fmt.Sprintf("No targeting rules; user %s %d%% rollout (bucket %d)", verb, flag.RolloutPercentage, bucket),
		}
	}

	return EvaluationDetail{
		Result:      included,
		Reason:      ReasonNoRulesDefault,
		Explanation: fmt.Sprintf("No targeting rule applied; user %s %d%% default rollout (bucket %d)", verb, flag.RolloutPercentage, bucket),
	}
}

// orderRules returns the enabled rules sorted by priority ascending. The sort
// is stable, so rules with equal priority keep their creation order.
func orderRules(rules []Rule) []Rule {
	ordered := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.Enabled {
			ordered = append(ordered, rule)
		}
	}

	slices.SortStableFunc(ordered, func(a, b Rule) int {
		return cmp.Compare(a.Priority, b.Priority)
	})

	return ordered
}
