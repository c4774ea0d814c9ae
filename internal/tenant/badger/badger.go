// Package badger stores tenants and plans in an embedded BadgerDB.
//
// Key layout:
//
//	p:<PLAN NAME>       JSON plan
//	t:<id, 20 digits>   JSON tenant record (plan by name)
//	s:tenant            id sequence
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/filehaven/filehaven/internal/tenant"
)

const (
	prefixPlan   = "p:"
	prefixTenant = "t:"
	keySequence  = "s:tenant"
)

func keyPlan(name string) []byte { return []byte(prefixPlan + tenant.NormalizePlanName(name)) }
func keyTenant(id int64) []byte  { return []byte(fmt.Sprintf("%s%020d", prefixTenant, id)) }

type tenantRecord struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Plan      string    `json:"plan"`
	UsedBytes int64     `json:"used_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Store implements tenant.Store on BadgerDB.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Open opens the database in dir. An empty dir opens an in-memory database.
func Open(dir string) (*Store, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte(keySequence), 16)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tenant sequence: %w", err)
	}
	return &Store{db: db, seq: seq}, nil
}

// Close releases the id sequence and closes the database.
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("release sequence: %w", err)
	}
	return s.db.Close()
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getPlan(txn *badger.Txn, name string) (*tenant.Plan, error) {
	var p tenant.Plan
	err := getJSON(txn, keyPlan(name), &p)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, tenant.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return &p, nil
}

func toTenant(txn *badger.Txn, rec tenantRecord) (*tenant.Tenant, error) {
	t := &tenant.Tenant{
		ID:        rec.ID,
		Name:      rec.Name,
		Plan:      tenant.Plan{Name: rec.Plan},
		UsedBytes: rec.UsedBytes,
		CreatedAt: rec.CreatedAt,
	}
	p, err := getPlan(txn, rec.Plan)
	switch {
	case err == nil:
		t.Plan = *p
	case !errors.Is(err, tenant.ErrPlanNotFound):
		return nil, err
	}
	return t, nil
}

func (s *Store) CreateTenant(ctx context.Context, name, plan string) (*tenant.Tenant, error) {
	next, err := s.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("next tenant id: %w", err)
	}
	rec := tenantRecord{
		ID:        int64(next) + 1,
		Name:      name,
		Plan:      tenant.NormalizePlanName(plan),
		CreatedAt: time.Now().UTC(),
	}

	var out *tenant.Tenant
	err = s.db.Update(func(txn *badger.Txn) error {
		p, err := getPlan(txn, plan)
		if err != nil {
			return fmt.Errorf("%w: %s", err, plan)
		}
		if err := setJSON(txn, keyTenant(rec.ID), rec); err != nil {
			return err
		}
		out = &tenant.Tenant{ID: rec.ID, Name: name, Plan: *p, CreatedAt: rec.CreatedAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Tenant(ctx context.Context, id int64) (*tenant.Tenant, error) {
	var out *tenant.Tenant
	err := s.db.View(func(txn *badger.Txn) error {
		var rec tenantRecord
		err := getJSON(txn, keyTenant(id), &rec)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return tenant.ErrTenantNotFound
		}
		if err != nil {
			return fmt.Errorf("get tenant: %w", err)
		}
		out, err = toTenant(txn, rec)
		return err
	})
	return out, err
}

func (s *Store) ListTenants(ctx context.Context) ([]tenant.Tenant, error) {
	var out []tenant.Tenant
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixTenant)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec tenantRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			t, err := toTenant(txn, rec)
			if err != nil {
				return err
			}
			out = append(out, *t)
		}
		return nil
	})
	return out, err
}

// updateTenant applies fn to a stored record inside one transaction.
func (s *Store) updateTenant(id int64, fn func(txn *badger.Txn, rec *tenantRecord) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var rec tenantRecord
		err := getJSON(txn, keyTenant(id), &rec)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return tenant.ErrTenantNotFound
		}
		if err != nil {
			return fmt.Errorf("get tenant: %w", err)
		}
		if err := fn(txn, &rec); err != nil {
			return err
		}
		return setJSON(txn, keyTenant(id), rec)
	})
}

func (s *Store) SetPlan(ctx context.Context, id int64, plan string) error {
	return s.updateTenant(id, func(txn *badger.Txn, rec *tenantRecord) error {
		p, err := getPlan(txn, plan)
		if err != nil {
			return fmt.Errorf("%w: %s", err, plan)
		}
		rec.Plan = p.Name
		return nil
	})
}

func (s *Store) UpdateUsedBytes(ctx context.Context, id int64, used int64) error {
	return s.updateTenant(id, func(_ *badger.Txn, rec *tenantRecord) error {
		rec.UsedBytes = used
		return nil
	})
}

func (s *Store) SavePlan(ctx context.Context, p tenant.Plan) error {
	p.Name = tenant.NormalizePlanName(p.Name)
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, keyPlan(p.Name), p)
	})
}

func (s *Store) Plan(ctx context.Context, name string) (*tenant.Plan, error) {
	var out *tenant.Plan
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getPlan(txn, name)
		return err
	})
	return out, err
}

func (s *Store) ListPlans(ctx context.Context) ([]tenant.Plan, error) {
	var out []tenant.Plan
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixPlan)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var p tenant.Plan
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

var _ tenant.Store = (*Store)(nil)
