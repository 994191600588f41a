package memory

import (
	"context"
	"sort"

	"github.com/safar/go-fulfillment/internal/models"
	"github.com/safar/go-fulfillment/internal/store"
)

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	if len(order.Items) == 0 {
		return models.Errorf(models.ErrValidation, "order has no line items")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stores[order.StoreID]; !ok {
		return models.Errorf(models.ErrNotFound, "store %s", order.StoreID)
	}
	if _, exists := s.orders[order.ID]; exists {
		return models.Errorf(models.ErrConflictingUpdate, "order %s already exists", order.ID)
	}
	if _, exists := s.numbers[order.Number]; exists {
		return models.Errorf(models.ErrConflictingUpdate, "order number %s already exists", order.Number)
	}

	now := s.now()
	order.CreatedAt = now
	order.UpdatedAt = now
	order.Version = 1
	for i := range order.Notes {
		order.Notes[i].At = now
	}

	s.orders[order.ID] = order.Clone()
	s.numbers[order.Number] = order.ID
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, models.Errorf(models.ErrNotFound, "order %s", id)
	}
	return order.Clone(), nil
}

// ListOrders mirrors the Postgres keyset pagination: newest first, ties broken by id.
func (s *Store) ListOrders(ctx context.Context, filter models.OrderFilter) (*models.OrderPage, error) {
	cursor, err := store.DecodeCursor(filter.Cursor)
	if err != nil {
		return nil, err
	}
	limit := store.ClampLimit(filter.Limit)

	s.mu.RLock()
	var matched []*models.Order
	for _, o := range s.orders {
		if o.StoreID != filter.StoreID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.BuyerRef != "" && o.BuyerRef != filter.BuyerRef {
			continue
		}
		if filter.NeedsConfirmation != nil && o.NeedsConfirmation() != *filter.NeedsConfirmation {
			continue
		}
		if cursor != nil && !before(o, cursor) {
			continue
		}
		matched = append(matched, o.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	page := &models.OrderPage{Items: []models.Order{}}
	for i, o := range matched {
		if i == limit {
			page.HasMore = true
			break
		}
		page.Items = append(page.Items, *o)
	}
	if page.HasMore {
		last := page.Items[len(page.Items)-1]
		page.NextCursor = store.EncodeCursor(store.OrderCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

func before(o *models.Order, c *store.OrderCursor) bool {
	if o.CreatedAt.Equal(c.CreatedAt) {
		return o.ID < c.ID
	}
	return o.CreatedAt.Before(c.CreatedAt)
}

// UpdateOrder applies upd if the stored version still equals upd.ExpectedVersion.
// With ReleaseClaims set, the pools of the order's products stay locked across the
// status change and the release.
func (s *Store) UpdateOrder(ctx context.Context, upd models.OrderUpdate) (*models.Order, int, error) {
	if upd.ReleaseClaims {
		unlock := s.lockPools(s.orderProducts(upd.ID))
		defer unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[upd.ID]
	if !ok {
		return nil, 0, models.Errorf(models.ErrNotFound, "order %s", upd.ID)
	}
	if order.Version != upd.ExpectedVersion {
		return nil, 0, models.Errorf(models.ErrConflictingUpdate, "order %s changed since version %d", upd.ID, upd.ExpectedVersion)
	}

	now := s.now()
	next := order.Clone()
	if upd.Status != "" {
		next.Status = upd.Status
	}
	if upd.StockShortfall != nil {
		next.StockShortfall = *upd.StockShortfall
	}
	if upd.Note != nil {
		note := *upd.Note
		note.At = now
		next.Notes = append(next.Notes, note)
	}
	next.UpdatedAt = now
	next.Version++

	released := 0
	if upd.ReleaseClaims {
		for _, item := range next.Items {
			if p, ok := s.pools[item.ProductID]; ok {
				released += releaseUnits(p, upd.ID)
			}
		}
	}

	s.orders[upd.ID] = next
	return next.Clone(), released, nil
}

func (s *Store) AppendNote(ctx context.Context, orderID string, note models.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return models.Errorf(models.ErrNotFound, "order %s", orderID)
	}
	note.At = s.now()
	order.Notes = append(order.Notes, note)
	return nil
}
