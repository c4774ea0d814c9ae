package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/filehaven/filehaven/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorderStub struct {
	mu   sync.Mutex
	last map[int64]int64
	err  error
}

func (r *recorderStub) UpdateUsedBytes(_ context.Context, id, used int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.last == nil {
		r.last = make(map[int64]int64)
	}
	r.last[id] = used
	return nil
}

func (r *recorderStub) Tenant(_ context.Context, id int64) (*tenant.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	used, ok := r.last[id]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	return &tenant.Tenant{ID: id, UsedBytes: used}, nil
}

func (r *recorderStub) set(id, used int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		r.last = make(map[int64]int64)
	}
	r.last[id] = used
}

func (r *recorderStub) get(id int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[id]
}

func limitedTenant(id, limit, used int64) tenant.Tenant {
	return tenant.Tenant{
		ID:        id,
		Plan:      tenant.Plan{Name: "TEST", LimitBytes: &limit},
		UsedBytes: used,
	}
}

func TestPlanLimit(t *testing.T) {
	limit := int64(42)
	negative := int64(-5)

	assert.Equal(t, int64(42), PlanLimit(tenant.Plan{Name: "X", LimitBytes: &limit}))
	assert.Equal(t, int64(0), PlanLimit(tenant.Plan{Name: "X", LimitBytes: &negative}))
	assert.Equal(t, DefaultFreeLimit, PlanLimit(tenant.Plan{Name: "FREE"}))
	assert.Equal(t, DefaultFreeLimit, PlanLimit(tenant.Plan{Name: "free"}))
	assert.Equal(t, DefaultPremiumLimit, PlanLimit(tenant.Plan{Name: "PREMIUM"}))
	assert.Equal(t, int64(0), PlanLimit(tenant.Plan{Name: "GOLD"}))
}

func TestLedgerReserveExceedsLimit(t *testing.T) {
	rec := &recorderStub{}
	l := NewLedger(rec)
	tn := limitedTenant(1, 1000, 900)

	_, err := l.Reserve(context.Background(), tn, 150)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	var qe *QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, int64(150), qe.Attempted)
	assert.Equal(t, int64(900), qe.Used)
	assert.Equal(t, int64(1000), qe.Limit)
	assert.Equal(t, int64(100), qe.Available())

	// Nothing changed.
	assert.Equal(t, int64(900), l.Usage(context.Background(), tn))
	assert.Zero(t, rec.get(1))
}

func TestLedgerReserveCommit(t *testing.T) {
	rec := &recorderStub{}
	l := NewLedger(rec)
	tn := limitedTenant(1, 1000, 900)

	res, err := l.Reserve(context.Background(), tn, 80)
	require.NoError(t, err)
	assert.Equal(t, int64(80), res.Bytes())
	assert.Equal(t, int64(900), l.Usage(context.Background(), tn), "held bytes are not committed yet")

	require.NoError(t, res.Commit(context.Background()))
	assert.Equal(t, int64(980), l.Usage(context.Background(), tn))
	assert.Equal(t, int64(980), rec.get(1))

	assert.ErrorIs(t, res.Commit(context.Background()), errReservationEnd)
	assert.Equal(t, int64(980), l.Usage(context.Background(), tn))
}

func TestLedgerReserveExactLimit(t *testing.T) {
	l := NewLedger(nil)
	tn := limitedTenant(1, 100, 0)

	res, err := l.Reserve(context.Background(), tn, 100)
	require.NoError(t, err)
	require.NoError(t, res.Commit(context.Background()))

	_, err = l.Reserve(context.Background(), tn, 1)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// Zero-byte uploads always fit.
	res, err = l.Reserve(context.Background(), tn, 0)
	require.NoError(t, err)
	res.Cancel()
}

func TestLedgerCancelReturnsHold(t *testing.T) {
	l := NewLedger(nil)
	tn := limitedTenant(1, 100, 0)

	res, err := l.Reserve(context.Background(), tn, 70)
	require.NoError(t, err)

	_, err = l.Reserve(context.Background(), tn, 40)
	assert.ErrorIs(t, err, ErrQuotaExceeded, "held bytes count against the limit")

	res.Cancel()
	res.Cancel()
	assert.Equal(t, int64(0), l.Usage(context.Background(), tn))

	_, err = l.Reserve(context.Background(), tn, 40)
	assert.NoError(t, err)
}

func TestLedgerReleaseFloorsAtZero(t *testing.T) {
	rec := &recorderStub{}
	l := NewLedger(rec)
	tn := limitedTenant(1, 1000, 50)

	require.NoError(t, l.Release(context.Background(), tn, 80))
	assert.Equal(t, int64(0), l.Usage(context.Background(), tn))
	assert.Equal(t, int64(0), rec.get(1))
}

func TestLedgerReleaseNonPositiveIsNoop(t *testing.T) {
	l := NewLedger(nil)
	tn := limitedTenant(1, 1000, 50)

	require.NoError(t, l.Release(context.Background(), tn, 0))
	require.NoError(t, l.Release(context.Background(), tn, -10))
	assert.Equal(t, int64(50), l.Usage(context.Background(), tn))
}

func TestLedgerRejectsNegativeReserve(t *testing.T) {
	_, err := NewLedger(nil).Reserve(context.Background(), limitedTenant(1, 10, 0), -1)
	assert.Error(t, err)
}

func TestLedgerSeedsNegativeUsageAsZero(t *testing.T) {
	l := NewLedger(nil)
	assert.Equal(t, int64(0), l.Usage(context.Background(), limitedTenant(1, 10, -20)))
}

func TestLedgerPersistFailure(t *testing.T) {
	rec := &recorderStub{err: errors.New("db down")}
	l := NewLedger(rec)
	tn := limitedTenant(1, 1000, 0)

	res, err := l.Reserve(context.Background(), tn, 10)
	require.NoError(t, err)

	err = res.Commit(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, int64(10), l.Usage(context.Background(), tn), "in-memory counter reflects the written file")
}

func TestLedgerSet(t *testing.T) {
	rec := &recorderStub{}
	l := NewLedger(rec)
	tn := limitedTenant(1, 1000, 500)

	require.NoError(t, l.Set(context.Background(), tn, 123))
	assert.Equal(t, int64(123), l.Usage(context.Background(), tn))
	assert.Equal(t, int64(123), rec.get(1))
}

func TestLedgerPicksUpStoredCounter(t *testing.T) {
	rec := &recorderStub{}
	l := NewLedger(rec)
	tn := limitedTenant(1, 100, 0)

	res, err := l.Reserve(context.Background(), tn, 90)
	require.NoError(t, err)
	require.NoError(t, res.Commit(context.Background()))

	// Another process reconciled the tenant down to 10 bytes.
	rec.set(1, 10)
	assert.Equal(t, int64(10), l.Usage(context.Background(), tn))

	res, err = l.Reserve(context.Background(), tn, 80)
	require.NoError(t, err)
	require.NoError(t, res.Commit(context.Background()))
	assert.Equal(t, int64(90), rec.get(1))

	rec.set(1, 50)
	require.NoError(t, l.Release(context.Background(), tn, 20))
	assert.Equal(t, int64(30), rec.get(1))
}

func TestLedgerKeepsHoldAcrossRefresh(t *testing.T) {
	rec := &recorderStub{}
	l := NewLedger(rec)
	tn := limitedTenant(1, 100, 0)

	res, err := l.Reserve(context.Background(), tn, 60)
	require.NoError(t, err)

	rec.set(1, 30)
	_, err = l.Reserve(context.Background(), tn, 20)
	assert.ErrorIs(t, err, ErrQuotaExceeded, "stored 30 plus held 60 leaves 10")

	require.NoError(t, res.Commit(context.Background()))
	assert.Equal(t, int64(90), rec.get(1))
}

func TestLedgerConcurrentReservations(t *testing.T) {
	l := NewLedger(&recorderStub{})
	tn := limitedTenant(1, 1000, 0)

	var wg sync.WaitGroup
	var accepted atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Reserve(context.Background(), tn, 100)
			if err != nil {
				return
			}
			accepted.Add(1)
			_ = res.Commit(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), accepted.Load())
	assert.Equal(t, int64(1000), l.Usage(context.Background(), tn))
}

func TestLedgerTenantsAreIndependent(t *testing.T) {
	l := NewLedger(nil)
	a := limitedTenant(1, 100, 100)
	b := limitedTenant(2, 100, 0)

	_, err := l.Reserve(context.Background(), a, 1)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	_, err = l.Reserve(context.Background(), b, 100)
	assert.NoError(t, err)
}
