package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-labs/covenant/pkg/canonicalize"
	"github.com/covenant-labs/covenant/pkg/contracts"
)

// DefaultTimeoutMinutes applies when a create request carries no timeout.
const DefaultTimeoutMinutes = 30

// CreateRequest is the input to Manager.Create.
type CreateRequest struct {
	TenantID        string                       `json:"tenant_id"`
	IntentID        string                       `json:"intent_id"`
	EntityID        string                       `json:"entity_id"`
	Reason          string                       `json:"reason"`
	Priority        contracts.EscalationPriority `json:"priority,omitempty"`
	EscalatedTo     string                       `json:"escalated_to"`
	EscalatedBy     string                       `json:"escalated_by,omitempty"`
	Context         map[string]interface{}       `json:"context,omitempty"`
	RequestedAction contracts.Action             `json:"requested_action"`
	AutoDeny        bool                         `json:"auto_deny_on_timeout"`
	TimeoutMinutes  int                          `json:"timeout_minutes,omitempty"`
}

// TimeoutHandler is notified for each escalation that times out; the
// decision coordinator uses it to resume suspended intents.
type TimeoutHandler func(ctx context.Context, esc *contracts.Escalation)

// Manager handles the escalation lifecycle against a Store.
type Manager struct {
	store          Store
	logger         *slog.Logger
	clock          func() time.Time
	onTimeout      TimeoutHandler
	defaultTimeout int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock overrides the clock for deterministic testing.
func WithManagerClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

// WithTimeoutHandler registers a callback fired for each timed-out
// escalation during ProcessTimeouts.
func WithTimeoutHandler(h TimeoutHandler) ManagerOption {
	return func(m *Manager) { m.onTimeout = h }
}

// WithDefaultTimeout overrides DefaultTimeoutMinutes for create requests
// that carry no timeout of their own.
func WithDefaultTimeout(minutes int) ManagerOption {
	return func(m *Manager) {
		if minutes > 0 {
			m.defaultTimeout = minutes
		}
	}
}

// NewManager creates an escalation manager.
func NewManager(store Store, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:          store,
		logger:         logger,
		clock:          time.Now,
		defaultTimeout: DefaultTimeoutMinutes,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create opens a new pending escalation with a timeout deadline and writes
// the "created" audit entry.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*contracts.Escalation, error) {
	if req.TenantID == "" || req.IntentID == "" || req.EntityID == "" {
		return nil, contracts.NewError(contracts.CodeValidation, "tenant_id, intent_id, and entity_id are required")
	}
	if req.EscalatedTo == "" {
		return nil, contracts.NewError(contracts.CodeValidation, "escalated_to is required")
	}

	timeout := req.TimeoutMinutes
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	priority := req.Priority
	if priority == "" {
		priority = contracts.PriorityMedium
	}

	now := m.clock()
	esc := &contracts.Escalation{
		ID:              uuid.New().String(),
		TenantID:        req.TenantID,
		IntentID:        req.IntentID,
		EntityID:        req.EntityID,
		Reason:          req.Reason,
		Priority:        priority,
		Status:          contracts.EscalationPending,
		EscalatedTo:     req.EscalatedTo,
		EscalatedBy:     req.EscalatedBy,
		Context:         req.Context,
		RequestedAction: req.RequestedAction,
		AutoDeny:        req.AutoDeny,
		TimeoutAt:       now.Add(time.Duration(timeout) * time.Minute),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := m.store.Create(ctx, esc); err != nil {
		return nil, contracts.Errorf(contracts.CodeInternal, "create escalation: %v", err)
	}
	m.audit(ctx, esc, "created", req.EscalatedBy, "system", "", req.Reason)

	m.logger.Info("escalation created",
		"escalation_id", esc.ID,
		"tenant_id", esc.TenantID,
		"intent_id", esc.IntentID,
		"priority", esc.Priority,
		"timeout_at", esc.TimeoutAt)
	return esc, nil
}

// Resolve records an approved or rejected outcome. Resolving a terminal
// escalation with the same outcome is idempotent; a different outcome is a
// conflict.
func (m *Manager) Resolve(ctx context.Context, tenantID, id, resolution, resolvedBy, notes string) (*contracts.Escalation, error) {
	var status contracts.EscalationStatus
	switch resolution {
	case "approved":
		status = contracts.EscalationApproved
	case "rejected":
		status = contracts.EscalationRejected
	default:
		return nil, contracts.Errorf(contracts.CodeValidation, "resolution must be approved or rejected, got %q", resolution)
	}
	return m.transition(ctx, tenantID, id, status, resolvedBy, "user", notes)
}

// Cancel withdraws a pending escalation, usually because the originating
// intent was abandoned.
func (m *Manager) Cancel(ctx context.Context, tenantID, id, cancelledBy, notes string) (*contracts.Escalation, error) {
	return m.transition(ctx, tenantID, id, contracts.EscalationCancelled, cancelledBy, "user", notes)
}

func (m *Manager) transition(ctx context.Context, tenantID, id string, target contracts.EscalationStatus, actorID, actorType, notes string) (*contracts.Escalation, error) {
	esc, err := m.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeInternal, "load escalation: %v", err)
	}
	if esc == nil {
		return nil, contracts.Errorf(contracts.CodeNotFound, "escalation %s not found", id)
	}

	if esc.Status.Terminal() {
		if esc.Status == target {
			return esc, nil
		}
		return nil, contracts.Errorf(contracts.CodeConflict,
			"escalation %s is already %s", id, esc.Status)
	}

	now := m.clock()
	if !esc.TimeoutAt.After(now) {
		// The deadline passed before the resolution arrived; the timeout
		// wins and the late resolution is a conflict.
		m.markTimedOut(ctx, esc, now)
		return nil, contracts.Errorf(contracts.CodeConflict, "escalation %s timed out at %s", id, esc.TimeoutAt.Format(time.RFC3339))
	}

	previous := esc.Status
	esc.Status = target
	esc.ResolvedBy = actorID
	esc.ResolvedAt = &now
	esc.Resolution = string(target)
	esc.ResolutionNotes = notes
	esc.UpdatedAt = now

	if err := m.store.Update(ctx, esc); err != nil {
		return nil, contracts.Errorf(contracts.CodeInternal, "update escalation: %v", err)
	}
	m.audit(ctx, esc, string(target), actorID, actorType, string(previous), notes)

	m.logger.Info("escalation resolved",
		"escalation_id", esc.ID,
		"tenant_id", esc.TenantID,
		"outcome", esc.Status,
		"resolved_by", actorID)
	return esc, nil
}

// ProcessTimeouts transitions every pending escalation past its deadline to
// the timeout status and returns how many were processed. Safe to run
// concurrently or repeatedly; already-terminal rows are skipped.
func (m *Manager) ProcessTimeouts(ctx context.Context) (int, error) {
	now := m.clock()
	due, err := m.store.ListDue(ctx, now)
	if err != nil {
		return 0, contracts.Errorf(contracts.CodeInternal, "scan due escalations: %v", err)
	}

	count := 0
	for _, esc := range due {
		if esc.Status.Terminal() {
			continue
		}
		if err := m.markTimedOut(ctx, esc, now); err != nil {
			m.logger.Warn("timeout transition failed", "escalation_id", esc.ID, "error", err)
			continue
		}
		count++
		if m.onTimeout != nil {
			m.onTimeout(ctx, esc)
		}
	}
	return count, nil
}

func (m *Manager) markTimedOut(ctx context.Context, esc *contracts.Escalation, now time.Time) error {
	previous := esc.Status
	esc.Status = contracts.EscalationTimeout
	esc.Resolution = string(contracts.EscalationTimeout)
	esc.ResolvedAt = &now
	esc.UpdatedAt = now

	if err := m.store.Update(ctx, esc); err != nil {
		return fmt.Errorf("update escalation: %w", err)
	}
	m.audit(ctx, esc, "timeout", "", "system", string(previous), "deadline passed without resolution")

	m.logger.Info("escalation timed out",
		"escalation_id", esc.ID,
		"tenant_id", esc.TenantID,
		"auto_deny", esc.AutoDeny)
	return nil
}

// Get returns an escalation by id, or a NOT_FOUND error.
func (m *Manager) Get(ctx context.Context, tenantID, id string) (*contracts.Escalation, error) {
	esc, err := m.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeInternal, "load escalation: %v", err)
	}
	if esc == nil {
		return nil, contracts.Errorf(contracts.CodeNotFound, "escalation %s not found", id)
	}
	return esc, nil
}

// Query lists escalations matching the filter, newest first.
func (m *Manager) Query(ctx context.Context, tenantID string, q Query) ([]*contracts.Escalation, error) {
	return m.store.List(ctx, tenantID, q)
}

// AuditTrail returns the append-only audit entries for an escalation.
func (m *Manager) AuditTrail(ctx context.Context, tenantID, id string) ([]*contracts.EscalationAudit, error) {
	return m.store.AuditTrail(ctx, tenantID, id)
}

// PendingCount returns the number of open escalations for a tenant.
func (m *Manager) PendingCount(ctx context.Context, tenantID string) (int, error) {
	return m.store.PendingCount(ctx, tenantID)
}

// Receipt builds the immutable outcome record for a resolved escalation.
func (m *Manager) Receipt(esc *contracts.Escalation) (*contracts.EscalationReceipt, error) {
	if !esc.Status.Terminal() {
		return nil, contracts.Errorf(contracts.CodeConflict, "escalation %s is still pending", esc.ID)
	}
	resolvedAt := esc.UpdatedAt
	if esc.ResolvedAt != nil {
		resolvedAt = *esc.ResolvedAt
	}

	receipt := &contracts.EscalationReceipt{
		ReceiptID:  uuid.New().String(),
		IntentID:   esc.IntentID,
		Outcome:    esc.Status,
		ResolvedBy: esc.ResolvedBy,
		ResolvedAt: resolvedAt,
		DurationMs: resolvedAt.Sub(esc.CreatedAt).Milliseconds(),
	}

	hash, err := canonicalize.CanonicalHash(struct {
		EscalationID string                     `json:"escalation_id"`
		IntentID     string                     `json:"intent_id"`
		Outcome      contracts.EscalationStatus `json:"outcome"`
		ResolvedBy   string                     `json:"resolved_by,omitempty"`
		ResolvedAt   time.Time                  `json:"resolved_at"`
	}{esc.ID, esc.IntentID, esc.Status, esc.ResolvedBy, resolvedAt})
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeInternal, "hash receipt: %v", err)
	}
	receipt.ContentHash = "sha256:" + hash
	return receipt, nil
}

func (m *Manager) audit(ctx context.Context, esc *contracts.Escalation, action, actorID, actorType, previous, notes string) {
	entry := &contracts.EscalationAudit{
		ID:             uuid.New().String(),
		EscalationID:   esc.ID,
		TenantID:       esc.TenantID,
		Action:         action,
		ActorID:        actorID,
		ActorType:      actorType,
		PreviousStatus: previous,
		Notes:          notes,
		CreatedAt:      m.clock(),
	}
	if err := m.store.AppendAudit(ctx, entry); err != nil {
		// The audit trail is best effort relative to the state change.
		m.logger.Warn("audit append failed", "escalation_id", esc.ID, "action", action, "error", err)
	}
}
