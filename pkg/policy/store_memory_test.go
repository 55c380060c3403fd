package policy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

func newTestStore() *MemoryStore {
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewMemoryStore().WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})
}

func TestCreateAndFind(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	p, err := s.Create(ctx, CreateInput{
		TenantID: "tenant-1", Name: "prod-guard", Namespace: "default",
		Definition: validDefinition(), CreatedBy: "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, contracts.PolicyDraft, p.Status)
	assert.NotEmpty(t, p.Checksum)

	got, err := s.FindByID(ctx, p.ID, "tenant-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.ID, got.ID)

	byName, err := s.FindByName(ctx, "tenant-1", "prod-guard", "default")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, p.ID, byName.ID)
}

func TestCreateIsIdempotentOnSameDefinition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	in := CreateInput{TenantID: "tenant-1", Name: "p", Namespace: "default", Definition: validDefinition()}

	first, err := s.Create(ctx, in)
	require.NoError(t, err)
	second, err := s.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	changed := in
	changed.Definition.DefaultAction = contracts.ActionMonitor
	_, err = s.Create(ctx, changed)
	assert.ErrorIs(t, err, ErrChecksumConflict)
}

func TestCreateRejectsInvalidDefinition(t *testing.T) {
	s := newTestStore()
	def := validDefinition()
	def.Version = ""

	_, err := s.Create(context.Background(), CreateInput{
		TenantID: "tenant-1", Name: "p", Namespace: "default", Definition: def,
	})
	var vf *ValidationFailure
	require.True(t, errors.As(err, &vf))
	assert.NotEmpty(t, vf.Errors)
}

func TestCrossTenantLookupsReturnNil(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	p, err := s.Create(ctx, CreateInput{TenantID: "tenant-1", Name: "p", Namespace: "default", Definition: validDefinition()})
	require.NoError(t, err)

	got, err := s.FindByID(ctx, p.ID, "tenant-2")
	require.NoError(t, err)
	assert.Nil(t, got)

	updated, err := s.Update(ctx, p.ID, "tenant-2", UpdateInput{UpdatedBy: "x"})
	require.NoError(t, err)
	assert.Nil(t, updated)

	history, err := s.GetVersionHistory(ctx, p.ID, "tenant-2")
	require.NoError(t, err)
	assert.Nil(t, history)
}

func TestUpdateBumpsVersionAndArchivesPrior(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	p, err := s.Create(ctx, CreateInput{TenantID: "tenant-1", Name: "p", Namespace: "default", Definition: validDefinition()})
	require.NoError(t, err)
	originalChecksum := p.Checksum

	newDef := validDefinition()
	newDef.DefaultAction = contracts.ActionMonitor
	updated, err := s.Update(ctx, p.ID, "tenant-1", UpdateInput{
		Definition: &newDef, UpdatedBy: "ops", ChangeSummary: "monitor by default",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.NotEqual(t, originalChecksum, updated.Checksum)

	history, err := s.GetVersionHistory(ctx, p.ID, "tenant-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Version)
	assert.Equal(t, originalChecksum, history[0].Checksum)
	assert.Equal(t, "monitor by default", history[0].ChangeSummary)
}

func TestUpdateWithSameDefinitionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	p, err := s.Create(ctx, CreateInput{TenantID: "tenant-1", Name: "p", Namespace: "default", Definition: validDefinition()})
	require.NoError(t, err)

	def := validDefinition()
	same, err := s.Update(ctx, p.ID, "tenant-1", UpdateInput{Definition: &def})
	require.NoError(t, err)
	assert.Equal(t, 1, same.Version)

	history, err := s.GetVersionHistory(ctx, p.ID, "tenant-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	p, err := s.Create(ctx, CreateInput{TenantID: "tenant-1", Name: "p", Namespace: "default", Definition: validDefinition()})
	require.NoError(t, err)

	published, err := s.Publish(ctx, p.ID, "tenant-1", "ops")
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyPublished, published.Status)
	require.NotNil(t, published.PublishedAt)

	live, err := s.GetPublishedPolicies(ctx, "tenant-1", "default")
	require.NoError(t, err)
	assert.Len(t, live, 1)

	archived, err := s.Archive(ctx, p.ID, "tenant-1", "ops")
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyArchived, archived.Status)

	live, err = s.GetPublishedPolicies(ctx, "tenant-1", "default")
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestListFilterAndPagination(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		_, err := s.Create(ctx, CreateInput{TenantID: "tenant-1", Name: name, Namespace: "default", Definition: validDefinition()})
		require.NoError(t, err)
	}
	_, err := s.Create(ctx, CreateInput{TenantID: "tenant-2", Name: "other", Namespace: "default", Definition: validDefinition()})
	require.NoError(t, err)

	all, err := s.List(ctx, ListFilter{TenantID: "tenant-1"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	page, err := s.List(ctx, ListFilter{TenantID: "tenant-1", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "gamma", page[0].Name)

	byName, err := s.List(ctx, ListFilter{TenantID: "tenant-1", Name: "bet"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "beta", byName[0].Name)
}

func TestGetPublishedPoliciesIsNotPaged(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	const total = DefaultListLimit + 10
	for i := 0; i < total; i++ {
		p, err := s.Create(ctx, CreateInput{
			TenantID: "tenant-1", Name: fmt.Sprintf("rule-%03d", i),
			Namespace: "default", Definition: validDefinition(),
		})
		require.NoError(t, err)
		_, err = s.Publish(ctx, p.ID, "tenant-1", "ops")
		require.NoError(t, err)
	}

	live, err := s.GetPublishedPolicies(ctx, "tenant-1", "default")
	require.NoError(t, err)
	assert.Len(t, live, total)
}

func TestMutationHookFires(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	p, err := s.Create(ctx, CreateInput{TenantID: "tenant-1", Name: "p", Namespace: "default", Definition: validDefinition()})
	require.NoError(t, err)

	var gotTenant, gotNS string
	s.OnMutation(func(tenantID, namespace string) {
		gotTenant, gotNS = tenantID, namespace
	})

	_, err = s.Publish(ctx, p.ID, "tenant-1", "ops")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", gotTenant)
	assert.Equal(t, "default", gotNS)
}
