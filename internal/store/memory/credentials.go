package memory

import (
	"context"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/safar/go-fulfillment/internal/models"
	"github.com/safar/go-fulfillment/internal/store"
)

func (s *Store) AddCredentials(ctx context.Context, productID string, secrets []string) ([]models.CredentialUnit, error) {
	if len(secrets) == 0 {
		return nil, models.Errorf(models.ErrValidation, "no credentials given")
	}
	for _, secret := range secrets {
		if strings.TrimSpace(secret) == "" {
			return nil, models.Errorf(models.ErrValidation, "credential secret must not be empty")
		}
	}

	p, ok := s.poolFor(productID)
	if !ok {
		return nil, models.Errorf(models.ErrNotFound, "product %s", productID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.CredentialUnit, 0, len(secrets))
	for _, secret := range secrets {
		u := &models.CredentialUnit{
			ID:        uuid.NewString(),
			ProductID: productID,
			Secret:    secret,
			CreatedAt: s.now(),
		}
		p.units = append(p.units, u)
		out = append(out, cloneUnit(u))
	}
	return out, nil
}

// DeleteCredential removes a unit that was never handed out.
func (s *Store) DeleteCredential(ctx context.Context, unitID string) error {
	s.mu.RLock()
	pools := make([]*pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.RUnlock()

	for _, p := range pools {
		p.mu.Lock()
		idx := slices.IndexFunc(p.units, func(u *models.CredentialUnit) bool { return u.ID == unitID })
		if idx < 0 {
			p.mu.Unlock()
			continue
		}
		if p.units[idx].Claimed {
			p.mu.Unlock()
			return models.Errorf(models.ErrInvalidTransition, "credential %s is claimed", unitID)
		}
		p.units = slices.Delete(p.units, idx, idx+1)
		p.mu.Unlock()
		return nil
	}

	return models.Errorf(models.ErrNotFound, "credential %s", unitID)
}

func (s *Store) StockLevel(ctx context.Context, productID string) (*models.StockLevel, error) {
	p, ok := s.poolFor(productID)
	if !ok {
		return nil, models.Errorf(models.ErrNotFound, "product %s", productID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	level := &models.StockLevel{ProductID: productID, Total: len(p.units)}
	for _, u := range p.units {
		if u.Claimed {
			level.Claimed++
		}
	}
	level.Free = level.Total - level.Claimed
	return level, nil
}

func (s *Store) Allocate(ctx context.Context, orderID, productID string, quantity int) ([]models.CredentialUnit, error) {
	return s.AllocateBatch(ctx, orderID, []models.AllocationRequest{{ProductID: productID, Quantity: quantity}})
}

// AllocateBatch claims units for several products of one order while holding the
// pool locks of exactly those products. Nothing is mutated until every product is
// known to have enough free units.
func (s *Store) AllocateBatch(ctx context.Context, orderID string, reqs []models.AllocationRequest) ([]models.CredentialUnit, error) {
	reqs, err := store.NormalizeRequests(reqs)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	order, ok := s.orders[orderID]
	var lineItems map[string]int
	if ok {
		lineItems = make(map[string]int, len(order.Items))
		for _, item := range order.Items {
			lineItems[item.ProductID] += item.Quantity
		}
	}
	s.mu.RUnlock()

	if !ok {
		return nil, models.Errorf(models.ErrNotFound, "order %s", orderID)
	}

	productIDs := make([]string, 0, len(reqs))
	for _, req := range reqs {
		ordered, ok := lineItems[req.ProductID]
		if !ok {
			return nil, models.Errorf(models.ErrValidation, "order %s has no line item for product %s", orderID, req.ProductID)
		}
		if req.Quantity != ordered {
			return nil, models.Errorf(models.ErrValidation, "order %s has %d of product %s, %d requested",
				orderID, ordered, req.ProductID, req.Quantity)
		}
		productIDs = append(productIDs, req.ProductID)
	}

	unlock := s.lockPools(productIDs)
	defer unlock()

	// Cancellation takes the same pool locks, so the status read here holds until
	// unlock.
	s.mu.RLock()
	status := s.orders[orderID].Status
	s.mu.RUnlock()
	if status.Terminal() {
		return nil, models.Errorf(models.ErrInvalidTransition, "order %s is %s", orderID, status)
	}

	var units []models.CredentialUnit
	picks := make(map[string][]*models.CredentialUnit, len(reqs))
	for _, req := range reqs {
		p, ok := s.poolFor(req.ProductID)
		if !ok {
			return nil, &models.InsufficientError{ProductID: req.ProductID, Requested: req.Quantity}
		}

		var existing, free []*models.CredentialUnit
		for _, u := range p.units {
			switch {
			case u.Claimed && *u.ClaimedByOrder == orderID:
				existing = append(existing, u)
			case !u.Claimed:
				free = append(free, u)
			}
		}
		if len(existing) > 0 {
			for _, u := range existing {
				units = append(units, cloneUnit(u))
			}
			continue
		}
		if len(free) < req.Quantity {
			return nil, &models.InsufficientError{
				ProductID: req.ProductID,
				Requested: req.Quantity,
				Available: len(free),
			}
		}
		picks[req.ProductID] = free[:req.Quantity]
	}

	now := s.now()
	for _, req := range reqs {
		for _, u := range picks[req.ProductID] {
			id := orderID
			at := now
			u.Claimed = true
			u.ClaimedByOrder = &id
			u.ClaimedAt = &at
			units = append(units, cloneUnit(u))
		}
	}
	return units, nil
}

// Release frees the units orderID holds for productID and reports how many it freed.
func (s *Store) Release(ctx context.Context, orderID, productID string) (int, error) {
	p, ok := s.poolFor(productID)
	if !ok {
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return releaseUnits(p, orderID), nil
}

func (s *Store) ReleaseOrder(ctx context.Context, orderID string) (int, error) {
	productIDs := s.orderProducts(orderID)
	unlock := s.lockPools(productIDs)
	defer unlock()

	released := 0
	for _, id := range productIDs {
		if p, ok := s.poolFor(id); ok {
			released += releaseUnits(p, orderID)
		}
	}
	return released, nil
}

// releaseUnits must be called with p.mu held.
func releaseUnits(p *pool, orderID string) int {
	released := 0
	for _, u := range p.units {
		if u.Claimed && *u.ClaimedByOrder == orderID {
			u.Claimed = false
			u.ClaimedByOrder = nil
			u.ClaimedAt = nil
			released++
		}
	}
	return released
}

func (s *Store) Allocations(ctx context.Context, orderID string) ([]models.CredentialUnit, error) {
	productIDs := s.orderProducts(orderID)
	sort.Strings(productIDs)

	var units []models.CredentialUnit
	for _, id := range productIDs {
		p, ok := s.poolFor(id)
		if !ok {
			continue
		}
		p.mu.Lock()
		for _, u := range p.units {
			if u.Claimed && *u.ClaimedByOrder == orderID {
				units = append(units, cloneUnit(u))
			}
		}
		p.mu.Unlock()
	}
	return units, nil
}

func (s *Store) AllocationsFor(ctx context.Context, orderIDs []string) (map[string][]models.CredentialUnit, error) {
	out := make(map[string][]models.CredentialUnit, len(orderIDs))
	for _, id := range orderIDs {
		units, err := s.Allocations(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(units) > 0 {
			out[id] = units
		}
	}
	return out, nil
}

// orderProducts lists the distinct products an order has line items for. Units can
// only ever be claimed for those.
func (s *Store) orderProducts(orderID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		if !slices.Contains(ids, item.ProductID) {
			ids = append(ids, item.ProductID)
		}
	}
	return ids
}
