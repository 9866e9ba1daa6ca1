package core

import "testing"

func FuzzEvaluateFlag(f *testing.F) {
	f.Add("checkout", "alice", "a@acme.com", "GB", "USER_ID", "alice", 50, true)
	f.Add("checkout", "bob", "", "", "PERCENTAGE_GROUP", "abc", 0, true)
	f.Add("x", "", "@", "zz", "EMAIL_DOMAIN", "@", 100, false)

	f.Fuzz(func(t *testing.T, name, userID, email, country, ruleType, ruleValue string, rollout int, enabled bool) {
		flag := Flag{
			Name:              name,
			Enabled:           enabled,
			RolloutPercentage: rollout,
			Rules:             []Rule{{ID: "r", Type: RuleType(ruleType), Value: ruleValue, Enabled: true}},
		}

		got := EvaluateFlag(flag, UserContext{UserID: userID, UserEmail: email, Country: country})
		if !got.Reason.Valid() {
			t.Fatalf("EvaluateFlag() reason %d is not valid", got.Reason)
		}
		if !enabled && (got.Result || got.Reason != ReasonFlagDisabled) {
			t.Fatalf("disabled flag evaluated to %+v", got)
		}
		if got.Reason == ReasonRuleMatch && got.MatchedRuleID != "r" {
			t.Fatalf("rule match without rule id: %+v", got)
		}
	})
}

func FuzzBucket(f *testing.F) {
	f.Add("checkout:alice")
	f.Add("")
	f.Add("flag:group:user")

	f.Fuzz(func(t *testing.T, key string) {
		bucket := Bucket(key)
		if bucket < 0 || bucket >= BucketCount {
			t.Fatalf("Bucket(%q) = %d out of range", key, bucket)
		}
	})
}
