package tenants

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

var tenantNow = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func TestMemoryRegistryLifecycle(t *testing.T) {
	reg := NewMemoryRegistry().WithClock(func() time.Time { return tenantNow })
	ctx := context.Background()

	tenant, rawKey, err := reg.Create(ctx, CreateRequest{Name: "acme"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, tenant.Status)
	assert.True(t, strings.HasPrefix(rawKey, "cov_"))

	authed, err := reg.Authenticate(ctx, rawKey)
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, authed.ID)

	require.NoError(t, reg.Suspend(ctx, tenant.ID))
	_, err = reg.Authenticate(ctx, rawKey)
	var boundary *contracts.Error
	require.True(t, errors.As(err, &boundary))
	assert.Equal(t, contracts.CodeUnauthorized, boundary.Code)

	require.NoError(t, reg.Resume(ctx, tenant.ID))
	_, err = reg.Authenticate(ctx, rawKey)
	assert.NoError(t, err)
}

func TestAuthenticateUnknownKey(t *testing.T) {
	reg := NewMemoryRegistry()

	_, err := reg.Authenticate(context.Background(), "cov_deadbeef")
	var boundary *contracts.Error
	require.True(t, errors.As(err, &boundary))
	assert.Equal(t, contracts.CodeUnauthorized, boundary.Code)
}

func TestCreateRequiresName(t *testing.T) {
	reg := NewMemoryRegistry()

	_, _, err := reg.Create(context.Background(), CreateRequest{})
	var boundary *contracts.Error
	require.True(t, errors.As(err, &boundary))
	assert.Equal(t, contracts.CodeValidation, boundary.Code)
}

func TestAPIKeyHashDeterministic(t *testing.T) {
	raw, hash := GenerateAPIKey()
	assert.Equal(t, hash, HashAPIKey(raw))

	other, _ := GenerateAPIKey()
	assert.NotEqual(t, raw, other)
}

func TestIsolationCheckerPasses(t *testing.T) {
	c := NewIsolationChecker().WithClock(func() time.Time { return tenantNow })
	c.RegisterResource("tenant-1", "policy-1")
	c.RegisterResource("tenant-1", "agent-1")

	receipt := c.CheckAccess("tenant-1", []string{"policy-1", "agent-1"})
	assert.True(t, receipt.Isolated)
	assert.Equal(t, 2, receipt.ChecksPassed)
	assert.Zero(t, receipt.ChecksFailed)
	assert.Contains(t, receipt.ContentHash, "sha256:")
}

func TestIsolationCheckerDetectsCrossTenantAccess(t *testing.T) {
	c := NewIsolationChecker().WithClock(func() time.Time { return tenantNow })
	c.RegisterResource("tenant-1", "policy-1")

	receipt := c.CheckAccess("tenant-2", []string{"policy-1"})
	assert.False(t, receipt.Isolated)
	assert.Equal(t, 1, receipt.ChecksFailed)
	require.Len(t, receipt.Violations, 1)
	assert.Contains(t, receipt.Violations[0], "tenant-2")
}

func TestIsolationCheckerUnregisteredResourceAllowed(t *testing.T) {
	c := NewIsolationChecker()

	receipt := c.CheckAccess("tenant-1", []string{"unclaimed"})
	assert.True(t, receipt.Isolated)
}

func TestAuditReportsDoubleClaims(t *testing.T) {
	c := NewIsolationChecker()
	c.RegisterResource("tenant-1", "shared")
	c.RegisterResource("tenant-2", "shared")

	ok, violations := c.Audit()
	assert.False(t, ok)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "shared")
}
