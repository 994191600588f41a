// Package memory is an in-process implementation of the catalog, the credential
// pool and the order ledger. Every product pool has its own mutex, so allocations
// for unrelated products never contend.
//
// Lock order: product pool locks, sorted by product id, before s.mu. A pool lock is
// never acquired while s.mu is held.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/safar/go-fulfillment/internal/models"
	"github.com/safar/go-fulfillment/internal/store"
)

type Store struct {
	mu       sync.RWMutex
	stores   map[string]*models.Store
	products map[string]*models.Product
	pools    map[string]*pool
	orders   map[string]*models.Order
	numbers  map[string]string
	now      func() time.Time
}

type pool struct {
	mu    sync.Mutex
	units []*models.CredentialUnit
}

func New() *Store {
	return &Store{
		stores:   make(map[string]*models.Store),
		products: make(map[string]*models.Product),
		pools:    make(map[string]*pool),
		orders:   make(map[string]*models.Order),
		numbers:  make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) CreateStore(ctx context.Context, name, currency string) (*models.Store, error) {
	if strings.TrimSpace(name) == "" || len(currency) != 3 {
		return nil, models.Errorf(models.ErrValidation, "store needs a name and a 3-letter currency")
	}

	now := s.now()
	st := &models.Store{
		ID:        uuid.NewString(),
		Name:      name,
		Currency:  strings.ToUpper(currency),
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stores[st.ID] = st
	clone := *st
	return &clone, nil
}

func (s *Store) GetStore(ctx context.Context, id string) (*models.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stores[id]
	if !ok {
		return nil, models.Errorf(models.ErrNotFound, "store %s", id)
	}
	clone := *st
	return &clone, nil
}

// ListStores pages stores newest first.
func (s *Store) ListStores(ctx context.Context, page, pageSize int) (*store.OffsetPage, error) {
	page, pageSize, err := store.NormalizePage(page, pageSize)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	all := make([]models.Store, 0, len(s.stores))
	for _, st := range s.stores {
		all = append(all, *st)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return newerFirst(all[i].CreatedAt, all[i].ID, all[j].CreatedAt, all[j].ID)
	})
	return store.NewOffsetPage(pageOf(all, page, pageSize), int64(len(all)), page, pageSize), nil
}

func (s *Store) CreateProduct(ctx context.Context, req store.CreateProductRequest) (*models.Product, error) {
	if strings.TrimSpace(req.Name) == "" || req.Price.IsNegative() || !req.DeliveryMode.Valid() {
		return nil, models.Errorf(models.ErrValidation, "product needs a name, a non-negative price and a delivery mode")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stores[req.StoreID]; !ok {
		return nil, models.Errorf(models.ErrNotFound, "store %s", req.StoreID)
	}

	now := s.now()
	p := &models.Product{
		ID:           uuid.NewString(),
		StoreID:      req.StoreID,
		Name:         req.Name,
		Price:        req.Price,
		Currency:     strings.ToUpper(req.Currency),
		DeliveryMode: req.DeliveryMode,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.products[p.ID] = p
	s.pools[p.ID] = &pool{}

	clone := *p
	return &clone, nil
}

// GetProduct reports products of other stores and inactive products as not found.
func (s *Store) GetProduct(ctx context.Context, storeID, productID string) (*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[productID]
	if !ok || p.StoreID != storeID || !p.Active {
		return nil, models.Errorf(models.ErrNotFound, "product %s", productID)
	}
	clone := *p
	return &clone, nil
}

// ListProducts pages every product of a store, inactive ones included, newest
// first.
func (s *Store) ListProducts(ctx context.Context, storeID string, page, pageSize int) (*store.OffsetPage, error) {
	page, pageSize, err := store.NormalizePage(page, pageSize)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	var all []models.Product
	for _, p := range s.products {
		if p.StoreID == storeID {
			all = append(all, *p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return newerFirst(all[i].CreatedAt, all[i].ID, all[j].CreatedAt, all[j].ID)
	})
	return store.NewOffsetPage(pageOf(all, page, pageSize), int64(len(all)), page, pageSize), nil
}

func (s *Store) SetProductActive(ctx context.Context, productID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return models.Errorf(models.ErrNotFound, "product %s", productID)
	}
	p.Active = active
	p.UpdatedAt = s.now()
	return nil
}

func (s *Store) poolFor(productID string) (*pool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[productID]
	return p, ok
}

// lockPools locks the pools of the given products in sorted order. Unknown
// products are skipped.
func (s *Store) lockPools(productIDs []string) func() {
	ids := append([]string(nil), productIDs...)
	sort.Strings(ids)

	var locked []*pool
	var prev string
	for i, id := range ids {
		if i > 0 && id == prev {
			continue
		}
		prev = id
		if p, ok := s.poolFor(id); ok {
			p.mu.Lock()
			locked = append(locked, p)
		}
	}

	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}
}

func newerFirst(at time.Time, id string, otherAt time.Time, otherID string) bool {
	if !at.Equal(otherAt) {
		return at.After(otherAt)
	}
	return id > otherID
}

func pageOf[T any](all []T, page, pageSize int) []T {
	start := (page - 1) * pageSize
	if start >= len(all) {
		return []T{}
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

func cloneUnit(u *models.CredentialUnit) models.CredentialUnit {
	c := *u
	if u.ClaimedByOrder != nil {
		id := *u.ClaimedByOrder
		c.ClaimedByOrder = &id
	}
	if u.ClaimedAt != nil {
		at := *u.ClaimedAt
		c.ClaimedAt = &at
	}
	return c
}
