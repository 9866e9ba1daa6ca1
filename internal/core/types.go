package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidUserContext is returned when a user context cannot be evaluated.
var ErrInvalidUserContext = errors.New("invalid user context")

type RuleType string

const (
	RuleTypeUserID          RuleType = "USER_ID"
	RuleTypeEmailDomain     RuleType = "EMAIL_DOMAIN"
	RuleTypeEmailExact      RuleType = "EMAIL_EXACT"
	RuleTypeCountry         RuleType = "COUNTRY"
	RuleTypePercentageGroup RuleType = "PERCENTAGE_GROUP"
)

// RuleTypes lists every supported rule type in display order.
var RuleTypes = []RuleType{
	RuleTypeUserID,
	RuleTypeEmailDomain,
	RuleTypeEmailExact,
	RuleTypeCountry,
	RuleTypePercentageGroup,
}

func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeUserID, RuleTypeEmailDomain, RuleTypeEmailExact, RuleTypeCountry, RuleTypePercentageGroup:
		return true
	default:
		return false
	}
}

// Label returns the operator-facing name of the rule type.
func (t RuleType) Label() string {
	switch t {
	case RuleTypeUserID:
		return "User ID"
	case RuleTypeEmailDomain:
		return "Email Domain"
	case RuleTypeEmailExact:
		return "Email (Exact)"
	case RuleTypeCountry:
		return "Country"
	case RuleTypePercentageGroup:
		return "Percentage Group"
	default:
		return string(t)
	}
}

// Rule is a single targeting condition. Rules are owned by exactly one flag.
type Rule struct {
	ID       string   `json:"id"`
	Type     RuleType `json:"ruleType"`
	Value    string   `json:"ruleValue"`
	Enabled  bool     `json:"enabled"`
	Priority int      `json:"priority"`
}

// Flag is the read model the evaluator consumes. Rules must be in creation
// order; the evaluator applies the priority ordering itself.
type Flag struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Enabled           bool      `json:"enabled"`
	RolloutPercentage int       `json:"rolloutPercentage"`
	Rules             []Rule    `json:"rules,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt,omitempty"`
}

type UserContext struct {
	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail,omitempty"`
	Country   string `json:"country,omitempty"`
}

// Validate rejects contexts that cannot be evaluated. Optional fields are
// allowed to be empty.
func (u UserContext) Validate() error {
	if strings.TrimSpace(u.UserID) == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidUserContext)
	}

	if country := strings.TrimSpace(u.Country); country != "" && !isCountryCode(country) {
		return fmt.Errorf("%w: country must be a 2-letter code", ErrInvalidUserContext)
	}

	return nil
}

func isCountryCode(value string) bool {
	if len(value) != 2 {
		return false
	}

	for i := 0; i < len(value); i++ {
		c := value[i] | 0x20
		if c < 'a' || c > 'z' {
			return false
		}
	}

	return true
}

type EvaluationDetail struct {
	Result        bool   `json:"result"`
	Reason        Reason `json:"reason"`
	MatchedRuleID string `json:"matchedRuleId,omitempty"`
	Explanation   string `json:"explanation"`
}

// Evaluation is the result of evaluating a whole snapshot for one user.
type Evaluation struct {
	Flags   map[string]bool             `json:"flags"`
	Details map[string]EvaluationDetail `json:"details"`
}
