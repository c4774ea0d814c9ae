// Package tenant defines tenants and plans and the persistence interface
// that holds them. Storage drivers live in subpackages.
package tenant

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Built-in plan names.
const (
	PlanFree    = "FREE"
	PlanPremium = "PREMIUM"
)

// Tenant errors.
var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrPlanNotFound   = errors.New("plan not found")
)

// Plan is a storage tier. LimitBytes is nil for rows written before limits
// were recorded; callers apply a default by name.
type Plan struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       int    `json:"price"` // cents
	LimitBytes  *int64 `json:"limit_bytes,omitempty"`
}

// Tenant is a storage account that owns one directory tree.
type Tenant struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name,omitempty"`
	Plan      Plan      `json:"plan"`
	UsedBytes int64     `json:"used_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// RootName is the tenant's directory name under the storage root.
func (t Tenant) RootName() string {
	return strconv.FormatInt(t.ID, 10)
}

// Store persists tenants and plans. UpdateUsedBytes is the callback the
// quota ledger uses after every change.
type Store interface {
	CreateTenant(ctx context.Context, name, plan string) (*Tenant, error)
	Tenant(ctx context.Context, id int64) (*Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)
	SetPlan(ctx context.Context, id int64, plan string) error
	UpdateUsedBytes(ctx context.Context, id int64, used int64) error

	SavePlan(ctx context.Context, p Plan) error
	Plan(ctx context.Context, name string) (*Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)

	Close() error
}

// DefaultPlans are seeded when configuration defines none.
func DefaultPlans() []Plan {
	free := 5 * int64(1<<30)
	premium := 100 * int64(1<<30)
	return []Plan{
		{Name: PlanFree, Description: "Free plan with 5GB storage", Price: 0, LimitBytes: &free},
		{Name: PlanPremium, Description: "Premium plan with 100GB storage", Price: 1000, LimitBytes: &premium},
	}
}

// EnsurePlans upserts plans into the store.
func EnsurePlans(ctx context.Context, s Store, plans []Plan) error {
	if len(plans) == 0 {
		plans = DefaultPlans()
	}
	for _, p := range plans {
		p.Name = NormalizePlanName(p.Name)
		if err := s.SavePlan(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// NormalizePlanName upper-cases and trims a plan name.
func NormalizePlanName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
