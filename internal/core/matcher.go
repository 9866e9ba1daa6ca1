package core

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMalformedRule marks a rule whose value cannot be interpreted for its
	// type. Such rules never match.
	ErrMalformedRule = errors.New("malformed rule")
	// ErrUnknownRuleType marks a rule whose type is not in RuleTypes.
	ErrUnknownRuleType = errors.New("unknown rule type")
)

// MatchRule reports whether rule includes user. It does not look at
// rule.Enabled; callers skip disabled rules before matching. Missing optional
// context fields and malformed rule values never match.
func MatchRule(flagName string, rule Rule, user UserContext) bool {
	switch rule.Type {
	case RuleTypeUserID:
		return rule.Value == user.UserID
	case RuleTypeEmailDomain:
		return matchEmailDomain(rule.Value, user.UserEmail)
	case RuleTypeEmailExact:
		email := strings.TrimSpace(user.UserEmail)
		return email != "" && strings.EqualFold(strings.TrimSpace(rule.Value), email)
	case RuleTypeCountry:
		country := strings.TrimSpace(user.Country)
		return country != "" && strings.EqualFold(strings.TrimSpace(rule.Value), country)
	case RuleTypePercentageGroup:
		percentage, err := parsePercentage(rule.Value)
		if err != nil {
			return false
		}
		return InRollout(GroupKey(flagName, user.UserID), percentage)
	default:
		return false
	}
}

// CheckRule reports why a rule can never match, or nil when its value is
// well-formed for its type. It is used to surface degraded rules to operators.
func CheckRule(rule Rule) error {
	if !rule.Type.Valid() {
		return fmt.Errorf("%w %q", ErrUnknownRuleType, rule.Type)
	}

	switch rule.Type {
	case RuleTypePercentageGroup:
		if _, err := parsePercentage(rule.Value); err != nil {
			return err
		}
	case RuleTypeEmailDomain:
		if emailDomainRuleValue(rule.Value) == "" {
			return fmt.Errorf("%w: empty email domain", ErrMalformedRule)
		}
	default:
		if strings.TrimSpace(rule.Value) == "" {
			return fmt.Errorf("%w: empty %s value", ErrMalformedRule, rule.Type)
		}
	}

	return nil
}

func matchEmailDomain(ruleValue, email string) bool {
	domain := emailDomainRuleValue(ruleValue)
	if domain == "" {
		return false
	}

	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return false
	}

	return strings.EqualFold(strings.TrimSpace(email[at+1:]), domain)
}

func emailDomainRuleValue(ruleValue string) string {
	return strings.TrimPrefix(strings.TrimSpace(ruleValue), "@")
}

func parsePercentage(value string) (int, error) {
	percentage, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: percentage group %q is not an integer", ErrMalformedRule, value)
	}
	if percentage < 0 || percentage > 100 {
		return 0, fmt.Errorf("%w: percentage group %d out of range 0-100", ErrMalformedRule, percentage)
	}
	return percentage, nil
}
