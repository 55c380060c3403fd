package contracts

import "time"

// EscalationStatus tracks the lifecycle of an escalation.
// Only pending is mutable; the rest are terminal.
type EscalationStatus string

const (
	EscalationPending   EscalationStatus = "pending"
	EscalationApproved  EscalationStatus = "approved"
	EscalationRejected  EscalationStatus = "rejected"
	EscalationTimeout   EscalationStatus = "timeout"
	EscalationCancelled EscalationStatus = "cancelled"
)

// Terminal reports whether the status is immutable.
func (s EscalationStatus) Terminal() bool {
	return s != EscalationPending
}

// EscalationPriority orders pending escalations for reviewers.
type EscalationPriority string

const (
	PriorityLow      EscalationPriority = "low"
	PriorityMedium   EscalationPriority = "medium"
	PriorityHigh     EscalationPriority = "high"
	PriorityCritical EscalationPriority = "critical"
)

// Escalation is a pending decision awaiting resolution by a named authority.
type Escalation struct {
	ID              string                 `json:"id"`
	TenantID        string                 `json:"tenant_id"`
	IntentID        string                 `json:"intent_id"`
	EntityID        string                 `json:"entity_id"`
	Reason          string                 `json:"reason"`
	Priority        EscalationPriority     `json:"priority"`
	Status          EscalationStatus       `json:"status"`
	EscalatedTo     string                 `json:"escalated_to"`
	EscalatedBy     string                 `json:"escalated_by,omitempty"`
	Context         map[string]interface{} `json:"context,omitempty"`
	RequestedAction Action                 `json:"requested_action"`
	AutoDeny        bool                   `json:"auto_deny_on_timeout"`
	ResolvedBy      string                 `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time             `json:"resolved_at,omitempty"`
	Resolution      string                 `json:"resolution,omitempty"`
	ResolutionNotes string                 `json:"resolution_notes,omitempty"`
	TimeoutAt       time.Time              `json:"timeout_at"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// EscalationAudit is one append-only audit entry on an escalation.
type EscalationAudit struct {
	ID             string    `json:"id"`
	EscalationID   string    `json:"escalation_id"`
	TenantID       string    `json:"tenant_id"`
	Action         string    `json:"action"` // created, approved, rejected, cancelled, timeout
	ActorID        string    `json:"actor_id,omitempty"`
	ActorType      string    `json:"actor_type"` // user | system
	PreviousStatus string    `json:"previous_status,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// EscalationReceipt is the immutable, content-hashed record of an outcome.
type EscalationReceipt struct {
	ReceiptID   string           `json:"receipt_id"`
	IntentID    string           `json:"intent_id"`
	Outcome     EscalationStatus `json:"outcome"`
	ResolvedBy  string           `json:"resolved_by,omitempty"`
	ResolvedAt  time.Time        `json:"resolved_at"`
	DurationMs  int64            `json:"duration_ms"`
	ContentHash string           `json:"content_hash"`
}
