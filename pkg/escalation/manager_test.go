package escalation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

var escNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func testCreateRequest() CreateRequest {
	return CreateRequest{
		TenantID:    "tenant-1",
		IntentID:    "intent-1",
		EntityID:    "agent-1",
		Reason:      "transfer exceeds unattended limit",
		Priority:    contracts.PriorityHigh,
		EscalatedTo: "finance-admin",
		RequestedAction: contracts.ActionAllow,
		AutoDeny:        true,
		TimeoutMinutes:  6,
	}
}

func newTestManager(t *testing.T, at *time.Time) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	mgr := NewManager(store, nil, WithManagerClock(func() time.Time { return *at }))
	return mgr, store
}

func codeOf(t *testing.T, err error) contracts.ErrorCode {
	t.Helper()
	var boundary *contracts.Error
	require.True(t, errors.As(err, &boundary), "want boundary error, got %v", err)
	return boundary.Code
}

func TestCreatePendingWithDeadline(t *testing.T) {
	now := escNow
	mgr, _ := newTestManager(t, &now)

	esc, err := mgr.Create(context.Background(), testCreateRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, esc.ID)
	assert.Equal(t, contracts.EscalationPending, esc.Status)
	assert.Equal(t, escNow.Add(6*time.Minute), esc.TimeoutAt)

	trail, err := mgr.AuditTrail(context.Background(), "tenant-1", esc.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "created", trail[0].Action)

	count, err := mgr.PendingCount(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCreateValidation(t *testing.T) {
	now := escNow
	mgr, _ := newTestManager(t, &now)

	req := testCreateRequest()
	req.EscalatedTo = ""
	_, err := mgr.Create(context.Background(), req)
	assert.Equal(t, contracts.CodeValidation, codeOf(t, err))

	req = testCreateRequest()
	req.IntentID = ""
	_, err = mgr.Create(context.Background(), req)
	assert.Equal(t, contracts.CodeValidation, codeOf(t, err))
}

func TestResolveApproved(t *testing.T) {
	now := escNow
	mgr, _ := newTestManager(t, &now)
	esc, err := mgr.Create(context.Background(), testCreateRequest())
	require.NoError(t, err)

	now = escNow.Add(2 * time.Minute)
	resolved, err := mgr.Resolve(context.Background(), "tenant-1", esc.ID, "approved", "admin-1", "verified with vendor")
	require.NoError(t, err)

	assert.Equal(t, contracts.EscalationApproved, resolved.Status)
	assert.Equal(t, "admin-1", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, now, *resolved.ResolvedAt)

	trail, err := mgr.AuditTrail(context.Background(), "tenant-1", esc.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "approved", trail[1].Action)
	assert.Equal(t, "pending", trail[1].PreviousStatus)

	receipt, err := mgr.Receipt(resolved)
	require.NoError(t, err)
	assert.Equal(t, contracts.EscalationApproved, receipt.Outcome)
	assert.Equal(t, int64(2*60*1000), receipt.DurationMs)
	assert.Contains(t, receipt.ContentHash, "sha256:")
}

func TestResolveIdempotentAndConflicting(t *testing.T) {
	now := escNow
	mgr, _ := newTestManager(t, &now)
	esc, err := mgr.Create(context.Background(), testCreateRequest())
	require.NoError(t, err)

	now = escNow.Add(time.Minute)
	_, err = mgr.Resolve(context.Background(), "tenant-1", esc.ID, "approved", "admin-1", "")
	require.NoError(t, err)

	// Same outcome again is a no-op.
	again, err := mgr.Resolve(context.Background(), "tenant-1", esc.ID, "approved", "admin-2", "")
	require.NoError(t, err)
	assert.Equal(t, "admin-1", again.ResolvedBy, "first resolution stands")

	// A different outcome conflicts.
	_, err = mgr.Resolve(context.Background(), "tenant-1", esc.ID, "rejected", "admin-2", "")
	assert.Equal(t, contracts.CodeConflict, codeOf(t, err))
}

func TestResolveUnknownResolution(t *testing.T) {
	now := escNow
	mgr, _ := newTestManager(t, &now)
	esc, err := mgr.Create(context.Background(), testCreateRequest())
	require.NoError(t, err)

	_, err = mgr.Resolve(context.Background(), "tenant-1", esc.ID, "maybe", "admin-1", "")
	assert.Equal(t, contracts.CodeValidation, codeOf(t, err))
}

func TestCancelPending(t *testing.T) {
	now := escNow
	mgr, _ := newTestManager(t, &now)
	esc, err := mgr.Create(context.Background(), testCreateRequest())
	require.NoError(t, err)

	cancelled, err := mgr.Cancel(context.Background(), "tenant-1", esc.ID, "agent-1", "intent withdrawn")
	require.NoError(t, err)
	assert.Equal(t, contracts.EscalationCancelled, cancelled.Status)

	count, err := mgr.PendingCount(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestTimeoutAutoDeny(t *testing.T) {
	now := escNow
	store := NewMemoryStore()

	var timedOut []*contracts.Escalation
	mgr := NewManager(store, nil,
		WithManagerClock(func() time.Time { return now }),
		WithTimeoutHandler(func(ctx context.Context, esc *contracts.Escalation) {
			timedOut = append(timedOut, esc)
		}))

	esc, err := mgr.Create(context.Background(), testCreateRequest())
	require.NoError(t, err)

	// One minute before the deadline nothing happens.
	now = escNow.Add(5 * time.Minute)
	count, err := mgr.ProcessTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Exactly at the deadline the escalation times out.
	now = escNow.Add(6 * time.Minute)
	count, err = mgr.ProcessTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	updated, err := mgr.Get(context.Background(), "tenant-1", esc.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.EscalationTimeout, updated.Status)
	assert.True(t, updated.AutoDeny)

	require.Len(t, timedOut, 1)
	assert.Equal(t, esc.ID, timedOut[0].ID)

	trail, err := mgr.AuditTrail(context.Background(), "tenant-1", esc.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "created", trail[0].Action)
	assert.Equal(t, "timeout", trail[1].Action)
	assert.Equal(t, "system", trail[1].ActorType)

	// Reprocessing is a no-op.
	count, err = mgr.ProcessTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestLateResolutionLosesToTimeout(t *testing.T) {
	now := escNow
	mgr, _ := newTestManager(t, &now)
	esc, err := mgr.Create(context.Background(), testCreateRequest())
	require.NoError(t, err)

	now = escNow.Add(10 * time.Minute)
	_, err = mgr.Resolve(context.Background(), "tenant-1", esc.ID, "approved", "admin-1", "too late")
	assert.Equal(t, contracts.CodeConflict, codeOf(t, err))

	updated, err := mgr.Get(context.Background(), "tenant-1", esc.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.EscalationTimeout, updated.Status)
}

func TestQueryFilters(t *testing.T) {
	now := escNow
	mgr, _ := newTestManager(t, &now)

	first, err := mgr.Create(context.Background(), testCreateRequest())
	require.NoError(t, err)

	now = escNow.Add(time.Minute)
	second := testCreateRequest()
	second.IntentID = "intent-2"
	second.EscalatedTo = "security-admin"
	other, err := mgr.Create(context.Background(), second)
	require.NoError(t, err)

	all, err := mgr.Query(context.Background(), "tenant-1", Query{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, other.ID, all[0].ID, "newest first")

	byAssignee, err := mgr.Query(context.Background(), "tenant-1", Query{EscalatedTo: "finance-admin"})
	require.NoError(t, err)
	require.Len(t, byAssignee, 1)
	assert.Equal(t, first.ID, byAssignee[0].ID)

	byIntent, err := mgr.Query(context.Background(), "tenant-1", Query{IntentID: "intent-2"})
	require.NoError(t, err)
	require.Len(t, byIntent, 1)

	pending, err := mgr.Query(context.Background(), "tenant-1", Query{Status: contracts.EscalationPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestTenantIsolation(t *testing.T) {
	now := escNow
	mgr, _ := newTestManager(t, &now)
	esc, err := mgr.Create(context.Background(), testCreateRequest())
	require.NoError(t, err)

	_, err = mgr.Get(context.Background(), "tenant-2", esc.ID)
	assert.Equal(t, contracts.CodeNotFound, codeOf(t, err))

	_, err = mgr.Resolve(context.Background(), "tenant-2", esc.ID, "approved", "outsider", "")
	assert.Equal(t, contracts.CodeNotFound, codeOf(t, err))

	other, err := mgr.Query(context.Background(), "tenant-2", Query{})
	require.NoError(t, err)
	assert.Empty(t, other)
}
