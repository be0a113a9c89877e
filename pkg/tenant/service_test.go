package tenant

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilothouse-ai/pilothouse/pkg/auth"
	"github.com/pilothouse-ai/pilothouse/pkg/clock"
	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
	"github.com/pilothouse-ai/pilothouse/pkg/store"
)

type tenantFixture struct {
	svc   *Service
	store *store.Memory
	clk   *clock.Fake
	actor uuid.UUID
}

func newTenantFixture(t *testing.T) *tenantFixture {
	t.Helper()
	st := store.NewMemory()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := observability.NewNoopLogger()
	auditor := auth.NewAuditor(st, clk, clk, logger)
	return &tenantFixture{
		svc:   NewService(st, clk, clk, logger, auditor),
		store: st,
		clk:   clk,
		actor: uuid.New(),
	}
}

func TestCreateTenantRoundTrip(t *testing.T) {
	f := newTenantFixture(t)
	ctx := context.Background()

	branding := models.JSONMap{
		"logo_url": "https://cdn.example.com/logo.png",
		"palette":  map[string]interface{}{"primary": "#1d4ed8"},
		"custom":   map[string]interface{}{"unknown_field": "preserved"},
	}
	created, err := f.svc.Create(ctx, f.actor, CreateParams{
		DisplayName:   "Acme",
		PrimaryDomain: "Acme.Example.COM",
		Tier:          models.TierProfessional,
		Branding:      branding,
	})
	require.NoError(t, err)
	assert.Equal(t, "acme.example.com", created.PrimaryDomain, "domain normalised")

	got, err := f.svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.DisplayName, got.DisplayName)
	assert.Equal(t, branding, got.Branding, "branding returned verbatim, unknown fields intact")
	assert.Equal(t, models.TierProfessional, got.Tier)
	assert.Equal(t, 8, got.Quotas().ConcurrentPerAgent)
}

func TestCreateTenantDomainUniqueness(t *testing.T) {
	f := newTenantFixture(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, f.actor, CreateParams{DisplayName: "A", PrimaryDomain: "a.example.com"})
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, f.actor, CreateParams{DisplayName: "B", PrimaryDomain: "a.example.com"})
	assert.True(t, errors.IsConflict(err))

	t.Run("suspended tenants release the domain", func(t *testing.T) {
		require.NoError(t, f.svc.Suspend(ctx, f.actor, first.ID))
		_, err := f.svc.Create(ctx, f.actor, CreateParams{DisplayName: "B", PrimaryDomain: "a.example.com"})
		assert.NoError(t, err)
	})
}

func TestCreateTenantValidation(t *testing.T) {
	f := newTenantFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, f.actor, CreateParams{PrimaryDomain: "x.example.com"})
	assert.True(t, errors.IsValidation(err))

	_, err = f.svc.Create(ctx, f.actor, CreateParams{DisplayName: "X"})
	assert.True(t, errors.IsValidation(err))

	_, err = f.svc.Create(ctx, f.actor, CreateParams{DisplayName: "X", PrimaryDomain: "x.example.com", Tier: "platinum"})
	assert.True(t, errors.IsValidation(err))
}

func TestGetByDomain(t *testing.T) {
	f := newTenantFixture(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, f.actor, CreateParams{DisplayName: "A", PrimaryDomain: "a.example.com"})
	require.NoError(t, err)

	got, err := f.svc.GetByDomain(ctx, "A.example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = f.svc.GetByDomain(ctx, "missing.example.com")
	assert.True(t, errors.IsNotFound(err))
}

func TestUpdateTenant(t *testing.T) {
	f := newTenantFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, f.actor, CreateParams{DisplayName: "A", PrimaryDomain: "a.example.com"})
	require.NoError(t, err)

	tier := models.TierEnterprise
	updated, err := f.svc.Update(ctx, f.actor, created.ID, UpdateParams{Tier: &tier})
	require.NoError(t, err)
	assert.Equal(t, models.TierEnterprise, updated.Tier)
	assert.Equal(t, models.Unlimited, updated.Quotas().MaxAgents)

	t.Run("suspended tenants rejected by RequireActive", func(t *testing.T) {
		require.NoError(t, f.svc.Suspend(ctx, f.actor, created.ID))
		_, err := f.svc.RequireActive(ctx, created.ID)
		assert.True(t, errors.IsForbidden(err))
	})
}

func TestListTenants(t *testing.T) {
	f := newTenantFixture(t)
	ctx := context.Background()
	a, err := f.svc.Create(ctx, f.actor, CreateParams{DisplayName: "A", PrimaryDomain: "a.example.com"})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, f.actor, CreateParams{DisplayName: "B", PrimaryDomain: "b.example.com"})
	require.NoError(t, err)
	require.NoError(t, f.svc.Suspend(ctx, f.actor, a.ID))

	all, err := f.svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := f.svc.List(ctx, models.TenantActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "B", active[0].DisplayName)
}

func TestCreateReseller(t *testing.T) {
	f := newTenantFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateReseller(ctx, f.actor, "gold", CreateParams{
		DisplayName:   "Partner Co",
		PrimaryDomain: "partner.example.com",
		Tier:          models.TierEnterprise,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.APIKey)
	assert.NotContains(t, res.Package.APIKeyHint, res.APIKey[8:], "full key never persisted")

	tenant, err := f.svc.Get(ctx, res.Tenant.ID)
	require.NoError(t, err)
	assert.True(t, tenant.IsFeatureEnabled("white_label"))
	assert.True(t, tenant.IsFeatureEnabled("api_access"))

	var pkg models.ResellerPackage
	require.NoError(t, f.store.Get(ctx, store.ColResellers, res.Package.ID.String(), &pkg))
	assert.Equal(t, res.Tenant.ID, pkg.TenantID)
}

func TestConsumeDailyTaskQuota(t *testing.T) {
	f := newTenantFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, f.actor, CreateParams{DisplayName: "A", PrimaryDomain: "a.example.com"})
	require.NoError(t, err)

	// Shrink the window by pretending the tier allows 3/day
	tenant := *created
	tenant.Tier = models.TierStarter
	quota := tenant.Quotas().TasksPerDay

	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.ConsumeDailyTask(ctx, &tenant))
	}
	n, err := f.svc.TasksToday(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	t.Run("boundary: exactly at quota succeeds, next fails", func(t *testing.T) {
		for i := 3; i < quota; i++ {
			require.NoError(t, f.svc.ConsumeDailyTask(ctx, &tenant))
		}
		err := f.svc.ConsumeDailyTask(ctx, &tenant)
		assert.True(t, errors.IsQuotaExceeded(err))
		assert.Equal(t, "tasks_per_day", errors.FieldsOf(err)["dimension"])
		assert.Greater(t, errors.RetryAfterOf(err), time.Duration(0))
	})

	t.Run("window resets at utc midnight", func(t *testing.T) {
		f.clk.Advance(13 * time.Hour)
		assert.NoError(t, f.svc.ConsumeDailyTask(ctx, &tenant))
	})
}

func TestConsumeDailyTaskConcurrent(t *testing.T) {
	f := newTenantFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, f.actor, CreateParams{DisplayName: "A", PrimaryDomain: "a.example.com"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.svc.ConsumeDailyTask(ctx, created))
		}()
	}
	wg.Wait()

	n, err := f.svc.TasksToday(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 16, n, "no lost updates under contention")
}
