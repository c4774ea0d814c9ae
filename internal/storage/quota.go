package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/filehaven/filehaven/internal/tenant"
	"github.com/filehaven/filehaven/pkg/bytesize"
	"github.com/rs/zerolog/log"
)

// Default limits for plans whose row predates the storage limit column.
const (
	DefaultFreeLimit    = 5 * bytesize.GB
	DefaultPremiumLimit = 100 * bytesize.GB
)

// PlanLimit returns the byte limit for a plan. Plans without a recorded
// limit fall back by name; unknown plans get 0, which blocks uploads.
func PlanLimit(p tenant.Plan) int64 {
	if p.LimitBytes != nil {
		if *p.LimitBytes < 0 {
			return 0
		}
		return *p.LimitBytes
	}
	switch strings.ToUpper(p.Name) {
	case tenant.PlanFree:
		return DefaultFreeLimit
	case tenant.PlanPremium:
		return DefaultPremiumLimit
	default:
		return 0
	}
}

// UsageRecorder is the system of record for a tenant's used-bytes counter.
// The ledger writes the absolute value after every change and reads it back
// before every change, so edits made by another process (reconcile) are
// picked up by a running server.
type UsageRecorder interface {
	Tenant(ctx context.Context, id int64) (*tenant.Tenant, error)
	UpdateUsedBytes(ctx context.Context, tenantID int64, used int64) error
}

// Ledger tracks used bytes against plan limits per tenant.
// Check-and-increment is atomic per tenant, so concurrent uploads for the
// same tenant cannot overrun the limit.
type Ledger struct {
	recorder UsageRecorder

	mu       sync.Mutex
	accounts map[int64]*account
}

type account struct {
	mu        sync.Mutex
	committed int64 // bytes on disk, mirrors the persisted counter
	held      int64 // bytes reserved by uploads still writing
}

// NewLedger creates a ledger. recorder may be nil, in which case usage is
// only tracked in memory.
func NewLedger(recorder UsageRecorder) *Ledger {
	return &Ledger{
		recorder: recorder,
		accounts: make(map[int64]*account),
	}
}

// account returns the tenant's counter, seeding it from the identity the
// first time the tenant is seen.
func (l *Ledger) account(t tenant.Tenant) *account {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[t.ID]
	if !ok {
		a = &account{committed: max(t.UsedBytes, 0)}
		l.accounts[t.ID] = a
	}
	return a
}

// refresh reloads the committed counter from the recorder. The caller must
// hold a.mu. Held bytes are never persisted, so they are unaffected. If the
// recorder cannot be read the cached value is kept.
func (l *Ledger) refresh(ctx context.Context, tenantID int64, a *account) {
	if l.recorder == nil {
		return
	}
	t, err := l.recorder.Tenant(ctx, tenantID)
	if err != nil {
		log.Debug().Err(err).Int64("tenant", tenantID).Msg("reload used bytes, keeping cached counter")
		return
	}
	if used := max(t.UsedBytes, 0); used != a.committed {
		log.Debug().Int64("tenant", tenantID).Int64("cached", a.committed).Int64("stored", used).
			Msg("used bytes changed outside this process")
		a.committed = used
	}
}

// Usage returns the committed bytes for a tenant.
func (l *Ledger) Usage(ctx context.Context, t tenant.Tenant) int64 {
	a := l.account(t)
	a.mu.Lock()
	defer a.mu.Unlock()

	l.refresh(ctx, t.ID, a)
	return a.committed
}

// Reserve holds n bytes for an upload. It fails with *QuotaExceededError,
// and changes nothing, when committed plus held bytes plus n would exceed
// the plan limit.
func (l *Ledger) Reserve(ctx context.Context, t tenant.Tenant, n int64) (*Reservation, error) {
	if n < 0 {
		return nil, fmt.Errorf("reserve negative size %d", n)
	}
	a := l.account(t)
	a.mu.Lock()
	defer a.mu.Unlock()

	l.refresh(ctx, t.ID, a)
	limit := PlanLimit(t.Plan)
	used := a.committed + a.held
	if used+n > limit {
		return nil, &QuotaExceededError{TenantID: t.ID, Attempted: n, Used: used, Limit: limit}
	}
	a.held += n
	return &Reservation{ledger: l, acct: a, tenantID: t.ID, bytes: n}, nil
}

// Release subtracts n bytes after a delete and persists the result.
// The counter never goes below zero.
func (l *Ledger) Release(ctx context.Context, t tenant.Tenant, n int64) error {
	if n <= 0 {
		return nil
	}
	a := l.account(t)
	a.mu.Lock()
	defer a.mu.Unlock()

	l.refresh(ctx, t.ID, a)
	a.committed -= n
	if a.committed < 0 {
		a.committed = 0
	}
	return l.persist(ctx, t.ID, a.committed)
}

// Set replaces the committed counter, used after measuring the tree on
// disk. Outstanding reservations are unaffected.
func (l *Ledger) Set(ctx context.Context, t tenant.Tenant, used int64) error {
	if used < 0 {
		used = 0
	}
	a := l.account(t)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.committed = used
	return l.persist(ctx, t.ID, used)
}

// persist writes the counter through the recorder (caller must hold the
// account lock so writes reach the recorder in order).
func (l *Ledger) persist(ctx context.Context, tenantID, used int64) error {
	if l.recorder == nil {
		return nil
	}
	if err := l.recorder.UpdateUsedBytes(ctx, tenantID, used); err != nil {
		log.Warn().Err(err).Int64("tenant", tenantID).Int64("used_bytes", used).
			Msg("failed to persist used bytes")
		return fmt.Errorf("persist used bytes: %w", err)
	}
	return nil
}

// Reservation is an outstanding hold on quota bytes. Exactly one of Commit
// or Cancel takes effect; later calls are no-ops.
type Reservation struct {
	ledger   *Ledger
	acct     *account
	tenantID int64
	bytes    int64
	settled  bool
}

// Bytes returns the reserved size.
func (r *Reservation) Bytes() int64 { return r.bytes }

// Commit converts the hold into used bytes and persists the new total.
// If persisting fails the in-memory counter still reflects the file that
// was written; the error is returned for the caller to report.
func (r *Reservation) Commit(ctx context.Context) error {
	r.acct.mu.Lock()
	defer r.acct.mu.Unlock()

	if r.settled {
		return errReservationEnd
	}
	r.settled = true
	r.acct.held -= r.bytes
	r.acct.committed += r.bytes
	return r.ledger.persist(ctx, r.tenantID, r.acct.committed)
}

// Cancel returns the held bytes without touching the persisted counter.
func (r *Reservation) Cancel() {
	r.acct.mu.Lock()
	defer r.acct.mu.Unlock()

	if r.settled {
		return
	}
	r.settled = true
	r.acct.held -= r.bytes
}
