// Package togglr provides client interfaces and domain types for the togglr
// feature flag service.
//
// Use the sub-packages to create transport-specific clients:
//
//	import togglrhttp "github.com/matt-riley/togglr/clients/go/http"
//	import togglrgrpc "github.com/matt-riley/togglr/clients/go/grpc"
package togglr

import (
	"context"
	"encoding/json"
	"time"
)

// Evaluator evaluates flags for a user.
type Evaluator interface {
	EvaluateAll(ctx context.Context, user UserContext) (Evaluation, error)
	// EvaluateFlag reports found=false when the flag does not exist.
	EvaluateFlag(ctx context.Context, name string, user UserContext) (detail EvaluationDetail, found bool, err error)
}

// FlagManager covers CRUD operations on flags and their rules.
type FlagManager interface {
	CreateFlag(ctx context.Context, flag Flag) (Flag, error)
	GetFlag(ctx context.Context, id string) (Flag, error)
	GetFlagByName(ctx context.Context, name string) (Flag, error)
	ListFlags(ctx context.Context) ([]Flag, error)
	UpdateFlag(ctx context.Context, id string, update FlagUpdate) (Flag, error)
	ToggleFlag(ctx context.Context, id string) (Flag, error)
	DeleteFlag(ctx context.Context, id string) error
	AddRule(ctx context.Context, flagID string, rule Rule) (Rule, error)
	ListRules(ctx context.Context, flagID string) ([]Rule, error)
	ToggleRule(ctx context.Context, id string) (Rule, error)
	DeleteRule(ctx context.Context, id string) error
}

// AnalyticsReader reads per-flag evaluation analytics.
type AnalyticsReader interface {
	Analytics(ctx context.Context, flagID string, hours int) (Analytics, error)
}

// Streamer delivers flag change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, opts StreamOptions) (<-chan FlagEvent, error)
}

// Rule types understood by the server.
const (
	RuleTypeUserList        = "USER_LIST"
	RuleTypeEmailDomain     = "EMAIL_DOMAIN"
	RuleTypePercentageGroup = "PERCENTAGE_GROUP"
	RuleTypeCountry         = "COUNTRY"
)

// Flag event types.
const (
	EventFlagCreated = "flag_created"
	EventFlagUpdated = "flag_updated"
	EventFlagDeleted = "flag_deleted"
	EventRuleAdded   = "rule_added"
	EventRuleUpdated = "rule_updated"
	EventRuleDeleted = "rule_deleted"
	// EventError is emitted by the SSE stream before it closes on a server error.
	EventError = "error"
)

// Flag is a feature flag with its targeting rules.
type Flag struct {
	ID                string    `json:"id,omitempty"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	Enabled           bool      `json:"enabled"`
	RolloutPercentage int       `json:"rolloutPercentage"`
	CreatedBy         string    `json:"createdBy,omitempty"`
	CreatedAt         time.Time `json:"createdAt,omitzero"`
	UpdatedAt         time.Time `json:"updatedAt,omitzero"`
	Rules             []Rule    `json:"rules,omitempty"`
}

// FlagUpdate is a partial update; nil fields are left unchanged.
type FlagUpdate struct {
	Description       *string `json:"description,omitempty"`
	Enabled           *bool   `json:"enabled,omitempty"`
	RolloutPercentage *int    `json:"rolloutPercentage,omitempty"`
}

// Rule is a targeting rule attached to a flag.
type Rule struct {
	ID        string    `json:"id,omitempty"`
	FlagID    string    `json:"flagId,omitempty"`
	Type      string    `json:"ruleType"`
	Value     string    `json:"ruleValue"`
	Enabled   bool      `json:"enabled"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// UserContext identifies the user a flag is evaluated for.
type UserContext struct {
	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail,omitempty"`
	Country   string `json:"country,omitempty"`
}

// EvaluationDetail explains a single flag result.
type EvaluationDetail struct {
	Result        bool   `json:"result"`
	Reason        string `json:"reason"`
	MatchedRuleID string `json:"matchedRuleId,omitempty"`
	Explanation   string `json:"explanation"`
}

// Evaluation is the result of evaluating flags for one user, keyed by flag name.
type Evaluation struct {
	Flags   map[string]bool             `json:"flags"`
	Details map[string]EvaluationDetail `json:"details"`
}

// Enabled returns the result for name, or fallback when the flag was not evaluated.
func (e Evaluation) Enabled(name string, fallback bool) bool {
	if v, ok := e.Flags[name]; ok {
		return v
	}
	return fallback
}

// AnalyticsPoint is one time bucket of an analytics report.
type AnalyticsPoint struct {
	Timestamp     time.Time `json:"timestamp"`
	EnabledCount  int64     `json:"enabledCount"`
	DisabledCount int64     `json:"disabledCount"`
	TotalCount    int64     `json:"totalCount"`
}

// Analytics summarises evaluations of a flag over a window.
type Analytics struct {
	FlagID                      string           `json:"flagId"`
	FlagName                    string           `json:"flagName"`
	ConfiguredRolloutPercentage int              `json:"configuredRolloutPercentage"`
	Hours                       int              `json:"hours"`
	From                        time.Time        `json:"from"`
	To                          time.Time        `json:"to"`
	TotalEvaluations            int64            `json:"totalEvaluations"`
	EnabledCount                int64            `json:"enabledCount"`
	DisabledCount               int64            `json:"disabledCount"`
	EnabledPercentage           float64          `json:"enabledPercentage"`
	EvaluationsOverTime         []AnalyticsPoint `json:"evaluationsOverTime"`
	EvaluationsByReason         map[string]int64 `json:"evaluationsByReason"`
}

// StreamOptions selects where a stream resumes and which flag it follows.
type StreamOptions struct {
	// LastEventID resumes after this event; zero replays all retained events.
	LastEventID int64
	// FlagName restricts the stream to one flag when set.
	FlagName string
}

// FlagEvent is a change notification for a flag or one of its rules.
type FlagEvent struct {
	EventID   int64           `json:"eventId"`
	FlagID    string          `json:"flagId,omitempty"`
	FlagName  string          `json:"flagName,omitempty"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt,omitzero"`
}
