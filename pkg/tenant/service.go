// Package tenant manages tenant records: provisioning with unique-domain
// enforcement, tier and quota resolution, suspension, reseller packages,
// and the daily task usage window the queue consults on submit.
package tenant

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pilothouse-ai/pilothouse/pkg/auth"
	"github.com/pilothouse-ai/pilothouse/pkg/clock"
	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
	"github.com/pilothouse-ai/pilothouse/pkg/store"
)

// Service owns tenant lifecycle and quota accounting
type Service struct {
	store   store.Store
	clk     clock.Clock
	ids     clock.IDSource
	logger  observability.Logger
	auditor *auth.Auditor
}

// NewService creates the tenant service
func NewService(st store.Store, clk clock.Clock, ids clock.IDSource, logger observability.Logger, auditor *auth.Auditor) *Service {
	return &Service{store: st, clk: clk, ids: ids, logger: logger.WithPrefix("tenant"), auditor: auditor}
}

// CreateParams carries the admin-supplied tenant attributes
type CreateParams struct {
	DisplayName   string
	PrimaryDomain string
	Tier          models.SubscriptionTier
	Branding      models.JSONMap
	FeatureFlags  map[string]bool
}

// Create provisions a tenant. The primary domain must be unique across
// active tenants; partial records are compensated away on failure.
func (s *Service) Create(ctx context.Context, actorID uuid.UUID, p CreateParams) (*models.Tenant, error) {
	p.PrimaryDomain = strings.ToLower(strings.TrimSpace(p.PrimaryDomain))
	if p.DisplayName == "" {
		return nil, errors.New(errors.KindValidation, "display name is required").WithField("display_name", "required")
	}
	if p.PrimaryDomain == "" {
		return nil, errors.New(errors.KindValidation, "primary domain is required").WithField("primary_domain", "required")
	}
	if p.Tier == "" {
		p.Tier = models.TierStarter
	}
	if !p.Tier.IsValid() {
		return nil, errors.Newf(errors.KindValidation, "unknown subscription tier %q", p.Tier).WithField("subscription_tier", "invalid")
	}

	if existing, err := s.byDomain(ctx, p.PrimaryDomain); err != nil && !errors.IsNotFound(err) {
		return nil, err
	} else if existing != nil {
		return nil, errors.Newf(errors.KindConflict, "domain %s already belongs to an active tenant", p.PrimaryDomain)
	}

	now := s.clk.Now()
	tenant := &models.Tenant{
		ID:            s.ids.NewID(),
		DisplayName:   p.DisplayName,
		PrimaryDomain: p.PrimaryDomain,
		Tier:          p.Tier,
		Status:        models.TenantActive,
		Branding:      p.Branding,
		FeatureFlags:  p.FeatureFlags,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Put(ctx, store.ColTenants, tenant.ID.String(), tenant); err != nil {
		return nil, err
	}
	if err := s.auditor.Record(ctx, tenant.ID, actorID, "tenant.create", "tenant/"+tenant.ID.String(),
		models.AuditSuccess, models.JSONMap{"domain": p.PrimaryDomain, "tier": string(p.Tier)}); err != nil {
		// Compensate: a tenant row without its audit trail must not linger
		if derr := s.store.Delete(ctx, store.ColTenants, tenant.ID.String()); derr != nil {
			s.logger.Error("compensating delete failed", map[string]interface{}{
				"tenant_id": tenant.ID.String(), "error": derr.Error(),
			})
		}
		return nil, err
	}
	return tenant, nil
}

// Get loads a tenant by id
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var tenant models.Tenant
	if err := s.store.Get(ctx, store.ColTenants, id.String(), &tenant); err != nil {
		return nil, err
	}
	return &tenant, nil
}

// GetByDomain loads an active tenant by its primary domain
func (s *Service) GetByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	tenant, err := s.byDomain(ctx, strings.ToLower(strings.TrimSpace(domain)))
	if err != nil {
		return nil, err
	}
	return tenant, nil
}

// UpdateParams carries mutable tenant attributes; nil fields keep the
// stored value.
type UpdateParams struct {
	DisplayName  *string
	Tier         *models.SubscriptionTier
	Status       *models.TenantStatus
	Branding     models.JSONMap
	FeatureFlags map[string]bool
}

// Update mutates a tenant. Tier changes take effect on the next task
// dispatch; nothing already queued is re-evaluated.
func (s *Service) Update(ctx context.Context, actorID, id uuid.UUID, p UpdateParams) (*models.Tenant, error) {
	tenant, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.DisplayName != nil {
		if *p.DisplayName == "" {
			return nil, errors.New(errors.KindValidation, "display name must not be empty").WithField("display_name", "required")
		}
		tenant.DisplayName = *p.DisplayName
	}
	if p.Tier != nil {
		if !p.Tier.IsValid() {
			return nil, errors.Newf(errors.KindValidation, "unknown subscription tier %q", *p.Tier).WithField("subscription_tier", "invalid")
		}
		tenant.Tier = *p.Tier
	}
	if p.Status != nil {
		if !p.Status.IsValid() {
			return nil, errors.Newf(errors.KindValidation, "unknown tenant status %q", *p.Status).WithField("status", "invalid")
		}
		tenant.Status = *p.Status
	}
	if p.Branding != nil {
		tenant.Branding = p.Branding
	}
	if p.FeatureFlags != nil {
		tenant.FeatureFlags = p.FeatureFlags
	}
	tenant.UpdatedAt = s.clk.Now()

	if err := s.store.Update(ctx, store.ColTenants, id.String(), tenant.Version, tenant); err != nil {
		return nil, err
	}
	if err := s.auditor.Record(ctx, id, actorID, "tenant.update", "tenant/"+id.String(),
		models.AuditSuccess, nil); err != nil {
		return nil, err
	}
	return tenant, nil
}

// Suspend marks a tenant suspended. Tenants are never deleted while
// referenced; suspension is the terminal lever.
func (s *Service) Suspend(ctx context.Context, actorID, id uuid.UUID) error {
	status := models.TenantSuspended
	_, err := s.Update(ctx, actorID, id, UpdateParams{Status: &status})
	return err
}

// List returns tenants, optionally filtered by status
func (s *Service) List(ctx context.Context, status models.TenantStatus) ([]models.Tenant, error) {
	q := store.Query{OrderBy: "created_at"}
	if status != "" {
		q.Filters = []store.Filter{store.Eq("status", status)}
	}
	var tenants []models.Tenant
	if err := s.store.Query(ctx, store.ColTenants, q, &tenants); err != nil {
		return nil, err
	}
	return tenants, nil
}

// RequireActive loads a tenant and rejects suspended ones
func (s *Service) RequireActive(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	tenant, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenant.Status != models.TenantActive {
		return nil, errors.Newf(errors.KindForbidden, "tenant %s is suspended", id)
	}
	return tenant, nil
}

// resellerFeatures is the fixed bundle a reseller package enables
var resellerFeatures = []string{"white_label", "custom_domain", "priority_support", "api_access"}

// ResellerResult pairs the created package with the one-time credential
type ResellerResult struct {
	Package *models.ResellerPackage
	Tenant  *models.Tenant
	// APIKey is shown exactly once; only its hint is persisted
	APIKey string
}

// CreateReseller provisions a tenant under a reseller package with the
// fixed feature bundle and generated API credential material.
func (s *Service) CreateReseller(ctx context.Context, actorID uuid.UUID, name string, p CreateParams) (*ResellerResult, error) {
	if name == "" {
		return nil, errors.New(errors.KindValidation, "package name is required").WithField("name", "required")
	}
	if p.FeatureFlags == nil {
		p.FeatureFlags = make(map[string]bool, len(resellerFeatures))
	}
	for _, f := range resellerFeatures {
		p.FeatureFlags[f] = true
	}
	tenant, err := s.Create(ctx, actorID, p)
	if err != nil {
		return nil, err
	}

	apiKey := "phk_" + uuid.NewString()
	pkg := &models.ResellerPackage{
		ID:         s.ids.NewID(),
		Name:       name,
		TenantID:   tenant.ID,
		Tier:       tenant.Tier,
		Features:   resellerFeatures,
		APIKeyHint: apiKey[:8] + "...",
		CreatedAt:  s.clk.Now(),
	}
	if err := s.store.Put(ctx, store.ColResellers, pkg.ID.String(), pkg); err != nil {
		// Compensate the tenant created above
		if derr := s.store.Delete(ctx, store.ColTenants, tenant.ID.String()); derr != nil {
			s.logger.Error("compensating delete failed", map[string]interface{}{
				"tenant_id": tenant.ID.String(), "error": derr.Error(),
			})
		}
		return nil, err
	}
	if err := s.auditor.Record(ctx, tenant.ID, actorID, "tenant.create_reseller", "reseller/"+pkg.ID.String(),
		models.AuditSuccess, models.JSONMap{"name": name}); err != nil {
		return nil, err
	}
	return &ResellerResult{Package: pkg, Tenant: tenant, APIKey: apiKey}, nil
}

// ConsumeDailyTask counts one task against the tenant's daily window,
// failing with QuotaExceeded once the tier's budget is spent. The window
// resets at UTC midnight; the error's retry hint points there.
func (s *Service) ConsumeDailyTask(ctx context.Context, tenant *models.Tenant) error {
	quota := tenant.Quotas().TasksPerDay
	now := s.clk.Now().UTC()
	day := now.Format("2006-01-02")
	id := tenant.ID.String() + ":" + day

	// Optimistic loop: concurrent submitters may race on the counter
	for attempt := 0; attempt < 32; attempt++ {
		var usage models.TenantUsage
		err := s.store.Get(ctx, store.ColUsage, id, &usage)
		switch {
		case errors.IsNotFound(err):
			usage = models.TenantUsage{
				ID: id, TenantID: tenant.ID, Day: day, TasksToday: 1, UpdatedAt: now,
			}
			if perr := s.store.Put(ctx, store.ColUsage, id, &usage); perr != nil {
				if errors.IsConflict(perr) {
					continue
				}
				return perr
			}
			return nil
		case err != nil:
			return err
		}

		if quota != models.Unlimited && usage.TasksToday >= quota {
			midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
			return errors.Newf(errors.KindQuotaExceeded, "daily task quota of %d reached", quota).
				WithField("dimension", "tasks_per_day").
				WithRetryAfter(midnight.Sub(now))
		}
		usage.TasksToday++
		usage.UpdatedAt = now
		if uerr := s.store.Update(ctx, store.ColUsage, id, usage.Version, &usage); uerr != nil {
			if errors.IsConflict(uerr) {
				continue
			}
			return uerr
		}
		return nil
	}
	return errors.New(errors.KindUnavailable, "usage counter contention, try again")
}

// TasksToday reports the tenant's consumption in the current UTC window
func (s *Service) TasksToday(ctx context.Context, tenantID uuid.UUID) (int, error) {
	day := s.clk.Now().UTC().Format("2006-01-02")
	var usage models.TenantUsage
	err := s.store.Get(ctx, store.ColUsage, tenantID.String()+":"+day, &usage)
	if errors.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return usage.TasksToday, nil
}

func (s *Service) byDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	var tenants []models.Tenant
	q := store.Query{Filters: []store.Filter{
		store.Eq("primary_domain", domain),
		store.Eq("status", models.TenantActive),
	}, Limit: 1}
	if err := s.store.Query(ctx, store.ColTenants, q, &tenants); err != nil {
		return nil, err
	}
	if len(tenants) == 0 {
		return nil, store.ErrNotFound(store.ColTenants, domain)
	}
	return &tenants[0], nil
}
