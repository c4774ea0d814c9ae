// Package storetest runs the same behavioural checks against every
// tenant.Store driver.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/filehaven/filehaven/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a freshly opened, empty store.
func Run(t *testing.T, open func(t *testing.T) tenant.Store) {
	t.Run("plans", func(t *testing.T) { testPlans(t, open(t)) })
	t.Run("tenants", func(t *testing.T) { testTenants(t, open(t)) })
	t.Run("used bytes", func(t *testing.T) { testUsedBytes(t, open(t)) })
	t.Run("set plan", func(t *testing.T) { testSetPlan(t, open(t)) })
}

func testPlans(t *testing.T, s tenant.Store) {
	ctx := context.Background()
	require.NoError(t, tenant.EnsurePlans(ctx, s, nil))

	plans, err := s.ListPlans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, tenant.PlanFree, plans[0].Name)
	assert.Equal(t, tenant.PlanPremium, plans[1].Name)
	require.NotNil(t, plans[1].LimitBytes)
	assert.Equal(t, int64(100<<30), *plans[1].LimitBytes)

	p, err := s.Plan(ctx, "free")
	require.NoError(t, err)
	assert.Equal(t, tenant.PlanFree, p.Name)

	_, err = s.Plan(ctx, "GOLD")
	assert.ErrorIs(t, err, tenant.ErrPlanNotFound)

	// Upsert replaces fields, and a nil limit survives the round trip.
	require.NoError(t, s.SavePlan(ctx, tenant.Plan{Name: "free", Description: "changed", Price: 5}))
	p, err = s.Plan(ctx, tenant.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, "changed", p.Description)
	assert.Equal(t, 5, p.Price)
	assert.Nil(t, p.LimitBytes)
}

func testTenants(t *testing.T, s tenant.Store) {
	ctx := context.Background()
	require.NoError(t, tenant.EnsurePlans(ctx, s, nil))

	a, err := s.CreateTenant(ctx, "alice", tenant.PlanFree)
	require.NoError(t, err)
	b, err := s.CreateTenant(ctx, "bob", "premium")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Positive(t, a.ID)
	assert.Equal(t, tenant.PlanPremium, b.Plan.Name)

	_, err = s.CreateTenant(ctx, "carol", "GOLD")
	assert.ErrorIs(t, err, tenant.ErrPlanNotFound)

	got, err := s.Tenant(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Name)
	assert.Equal(t, tenant.PlanFree, got.Plan.Name)
	assert.Equal(t, int64(0), got.UsedBytes)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.Tenant(ctx, 9999)
	assert.True(t, errors.Is(err, tenant.ErrTenantNotFound))

	all, err := s.ListTenants(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)
	assert.Equal(t, b.ID, all[1].ID)
}

func testUsedBytes(t *testing.T, s tenant.Store) {
	ctx := context.Background()
	require.NoError(t, tenant.EnsurePlans(ctx, s, nil))

	a, err := s.CreateTenant(ctx, "alice", tenant.PlanFree)
	require.NoError(t, err)

	require.NoError(t, s.UpdateUsedBytes(ctx, a.ID, 4096))
	got, err := s.Tenant(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), got.UsedBytes)

	assert.ErrorIs(t, s.UpdateUsedBytes(ctx, 9999, 1), tenant.ErrTenantNotFound)
}

func testSetPlan(t *testing.T, s tenant.Store) {
	ctx := context.Background()
	require.NoError(t, tenant.EnsurePlans(ctx, s, nil))

	a, err := s.CreateTenant(ctx, "alice", tenant.PlanFree)
	require.NoError(t, err)

	require.NoError(t, s.SetPlan(ctx, a.ID, "premium"))
	got, err := s.Tenant(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.PlanPremium, got.Plan.Name)

	assert.ErrorIs(t, s.SetPlan(ctx, a.ID, "GOLD"), tenant.ErrPlanNotFound)
	assert.ErrorIs(t, s.SetPlan(ctx, 9999, tenant.PlanFree), tenant.ErrTenantNotFound)
}
