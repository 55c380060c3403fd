package contracts

import "time"

// PolicyStatus is the lifecycle state of a policy.
type PolicyStatus string

const (
	PolicyDraft      PolicyStatus = "draft"
	PolicyPublished  PolicyStatus = "published"
	PolicyDeprecated PolicyStatus = "deprecated"
	PolicyArchived   PolicyStatus = "archived"
)

// ConditionType tags the condition union.
type ConditionType string

const (
	ConditionField    ConditionType = "field"
	ConditionCompound ConditionType = "compound"
	ConditionTrust    ConditionType = "trust"
	ConditionTime     ConditionType = "time"
)

// Field operators.
const (
	OpEquals             = "equals"
	OpNotEquals          = "not_equals"
	OpGreaterThan        = "greater_than"
	OpLessThan           = "less_than"
	OpGreaterThanOrEqual = "greater_than_or_equal"
	OpLessThanOrEqual    = "less_than_or_equal"
	OpIn                 = "in"
	OpNotIn              = "not_in"
	OpContains           = "contains"
	OpNotContains        = "not_contains"
	OpStartsWith         = "starts_with"
	OpEndsWith           = "ends_with"
	OpMatches            = "matches"
	OpExists             = "exists"
	OpNotExists          = "not_exists"
)

// Condition is the tagged union over the four condition shapes. The Type
// field selects the variant; the remaining fields are variant-specific:
//
//	field:    Field, Operator, Value
//	compound: Operator (and|or|not), Conditions
//	trust:    Band, Operator
//	time:     Field (hour|dayOfWeek|date), Operator, Value, Timezone
type Condition struct {
	Type       ConditionType `json:"type"`
	Field      string        `json:"field,omitempty"`
	Operator   string        `json:"operator,omitempty"`
	Value      interface{}   `json:"value,omitempty"`
	Conditions []Condition   `json:"conditions,omitempty"`
	Band       string        `json:"band,omitempty"`
	Timezone   string        `json:"timezone,omitempty"`
}

// EscalationSpec configures the escalation a rule's action requests.
type EscalationSpec struct {
	To                   string `json:"to"`
	Timeout              string `json:"timeout"` // duration string, e.g. "5m"
	RequireJustification bool   `json:"require_justification,omitempty"`
	AutoDenyOnTimeout    bool   `json:"auto_deny_on_timeout,omitempty"`
}

// PolicyAction is the consequence of a matched rule.
type PolicyAction struct {
	Action      Action                 `json:"action"`
	Reason      string                 `json:"reason,omitempty"`
	Escalation  *EscalationSpec        `json:"escalation,omitempty"`
	Constraints map[string]interface{} `json:"constraints,omitempty"`
}

// PolicyRule is one prioritized rule inside a definition.
type PolicyRule struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Priority int          `json:"priority"`
	Enabled  bool         `json:"enabled"`
	When     Condition    `json:"when"`
	Then     PolicyAction `json:"then"`
}

// PolicyTarget scopes a policy to intents, entities, bands, or namespaces.
// Absent lists match everything; "*" is an explicit wildcard.
type PolicyTarget struct {
	IntentTypes []string `json:"intent_types,omitempty"`
	EntityTypes []string `json:"entity_types,omitempty"`
	TrustBands  []string `json:"trust_bands,omitempty"`
	Namespaces  []string `json:"namespaces,omitempty"`
}

// PolicyDefinition is the versioned rule document.
type PolicyDefinition struct {
	Version       string                 `json:"version"`
	Target        *PolicyTarget          `json:"target,omitempty"`
	Rules         []PolicyRule           `json:"rules"`
	DefaultAction Action                 `json:"default_action"`
	DefaultReason string                 `json:"default_reason,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Policy is the stored policy row. Definition is immutable per version;
// editing creates version+1 and archives the prior definition.
type Policy struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	Name        string           `json:"name"`
	Namespace   string           `json:"namespace"`
	Description string           `json:"description,omitempty"`
	Version     int              `json:"version"`
	Status      PolicyStatus     `json:"status"`
	Definition  PolicyDefinition `json:"definition"`
	Checksum    string           `json:"checksum"`
	CreatedBy   string           `json:"created_by,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	PublishedAt *time.Time       `json:"published_at,omitempty"`
}

// PolicyVersion is an archived prior definition of a policy.
type PolicyVersion struct {
	ID            string           `json:"id"`
	PolicyID      string           `json:"policy_id"`
	Version       int              `json:"version"`
	Definition    PolicyDefinition `json:"definition"`
	Checksum      string           `json:"checksum"`
	ChangeSummary string           `json:"change_summary,omitempty"`
	CreatedBy     string           `json:"created_by,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// ValidationError is one structural problem in a policy definition.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult aggregates definition validation problems.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}
