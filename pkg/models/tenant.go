package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Tenant is an isolated customer of the control plane. All other records
// hang off a tenant; tenants are suspended rather than deleted while
// anything still references them.
type Tenant struct {
	ID            uuid.UUID        `json:"id" db:"id"`
	DisplayName   string           `json:"display_name" db:"display_name"`
	PrimaryDomain string           `json:"primary_domain" db:"primary_domain"`
	Tier          SubscriptionTier `json:"subscription_tier" db:"subscription_tier"`
	Status        TenantStatus     `json:"status" db:"status"`

	// Branding is opaque to the core; stored and returned verbatim so
	// white-label fields survive round trips unchanged.
	Branding JSONMap `json:"branding,omitempty" db:"branding"`

	// FeatureFlags toggle optional behaviour per tenant
	FeatureFlags map[string]bool `json:"feature_flags,omitempty" db:"feature_flags"`

	// Reseller linkage, set when the tenant was provisioned through a package
	ResellerPackage string `json:"reseller_package,omitempty" db:"reseller_package"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	Version   int64     `json:"version" db:"version"`
}

// TenantStatus represents the lifecycle state of a tenant
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
)

// IsValid returns true for a known tenant status
func (s TenantStatus) IsValid() bool {
	return s == TenantActive || s == TenantSuspended
}

// SubscriptionTier selects a fixed quota bundle
type SubscriptionTier string

const (
	TierStarter      SubscriptionTier = "starter"
	TierProfessional SubscriptionTier = "professional"
	TierEnterprise   SubscriptionTier = "enterprise"
)

// IsValid returns true for a known tier
func (t SubscriptionTier) IsValid() bool {
	switch t {
	case TierStarter, TierProfessional, TierEnterprise:
		return true
	default:
		return false
	}
}

// Unlimited marks a quota dimension with no ceiling
const Unlimited = -1

// QuotaBundle is the set of limits a subscription tier grants
type QuotaBundle struct {
	MaxAgents          int `json:"max_agents"`
	MaxUsers           int `json:"max_users"`
	TasksPerDay        int `json:"tasks_per_day"`
	CacheEntries       int `json:"cache_entries"`
	ConcurrentPerAgent int `json:"concurrent_per_agent"`
}

// Allows reports whether a usage level fits under a quota dimension
func (q QuotaBundle) Allows(limit, current int) bool {
	return limit == Unlimited || current < limit
}

// tierCatalogue is the authoritative tier → quota mapping
var tierCatalogue = map[SubscriptionTier]QuotaBundle{
	TierStarter: {
		MaxAgents:          3,
		MaxUsers:           10,
		TasksPerDay:        5000,
		CacheEntries:       1000,
		ConcurrentPerAgent: 2,
	},
	TierProfessional: {
		MaxAgents:          10,
		MaxUsers:           50,
		TasksPerDay:        25000,
		CacheEntries:       10000,
		ConcurrentPerAgent: 8,
	},
	TierEnterprise: {
		MaxAgents:          Unlimited,
		MaxUsers:           Unlimited,
		TasksPerDay:        100000,
		CacheEntries:       100000,
		ConcurrentPerAgent: 32,
	},
}

// Quotas resolves the quota bundle for a tier. Unknown tiers resolve to
// the starter bundle so a corrupt record degrades instead of unbounding.
func (t SubscriptionTier) Quotas() QuotaBundle {
	if q, ok := tierCatalogue[t]; ok {
		return q
	}
	return tierCatalogue[TierStarter]
}

// Quotas returns the tenant's effective quota bundle
func (t *Tenant) Quotas() QuotaBundle {
	return t.Tier.Quotas()
}

// IsFeatureEnabled checks a tenant feature flag
func (t *Tenant) IsFeatureEnabled(name string) bool {
	if t.FeatureFlags == nil {
		return false
	}
	return t.FeatureFlags[name]
}

// TenantUsage tracks consumption against the daily and concurrent quotas.
// One record per tenant per UTC day, updated with optimistic concurrency.
type TenantUsage struct {
	ID          string    `json:"id" db:"id"` // "<tenant_id>:<yyyy-mm-dd>"
	TenantID    uuid.UUID `json:"tenant_id" db:"tenant_id"`
	Day         string    `json:"day" db:"day"`
	TasksToday  int       `json:"tasks_today" db:"tasks_today"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
	Version     int64     `json:"version" db:"version"`
}

// ResellerPackage bundles tenant provisioning with fixed features and
// generated API credential material.
type ResellerPackage struct {
	ID          uuid.UUID        `json:"id" db:"id"`
	Name        string           `json:"name" db:"name"`
	TenantID    uuid.UUID        `json:"tenant_id" db:"tenant_id"`
	Tier        SubscriptionTier `json:"tier" db:"tier"`
	Features    []string         `json:"features" db:"features"`
	APIKeyHint  string           `json:"api_key_hint" db:"api_key_hint"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
}

// FeatureFlagsValue lets map[string]bool cross the sql boundary
type FeatureFlagsValue map[string]bool

// Value implements driver.Valuer
func (f FeatureFlagsValue) Value() (driver.Value, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(f)
}

// Scan implements sql.Scanner
func (f *FeatureFlagsValue) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, f)
	case string:
		return json.Unmarshal([]byte(v), f)
	default:
		return json.Unmarshal([]byte(v.(string)), f)
	}
}
