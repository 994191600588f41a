package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/safar/go-fulfillment/internal/models"
	"github.com/safar/go-fulfillment/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seeded struct {
	s       *Store
	storeID string
}

func seed(t *testing.T) *seeded {
	t.Helper()
	s := New()
	st, err := s.CreateStore(context.Background(), "Shop", "USD")
	require.NoError(t, err)
	return &seeded{s: s, storeID: st.ID}
}

func (sd *seeded) product(t *testing.T, stock int) *models.Product {
	t.Helper()
	p, err := sd.s.CreateProduct(context.Background(), store.CreateProductRequest{
		StoreID:      sd.storeID,
		Name:         "product",
		Price:        decimal.NewFromInt(5),
		Currency:     "USD",
		DeliveryMode: models.DeliveryAuto,
	})
	require.NoError(t, err)

	if stock > 0 {
		secrets := make([]string, stock)
		for i := range secrets {
			secrets[i] = fmt.Sprintf("user%d:pass", i)
		}
		_, err = sd.s.AddCredentials(context.Background(), p.ID, secrets)
		require.NoError(t, err)
	}
	return p
}

func (sd *seeded) order(t *testing.T, items ...models.OrderLineItem) *models.Order {
	t.Helper()
	o := &models.Order{
		ID:       uuid.NewString(),
		StoreID:  sd.storeID,
		Number:   "ORD-" + uuid.NewString(),
		Status:   models.StatusNew,
		BuyerRef: "buyer",
		Items:    items,
	}
	require.NoError(t, sd.s.CreateOrder(context.Background(), o))
	return o
}

func line(productID string, qty int) models.OrderLineItem {
	return models.OrderLineItem{ProductID: productID, Quantity: qty, DeliveryMode: models.DeliveryAuto}
}

func TestAllocateNoDoubleClaim(t *testing.T) {
	sd := seed(t)
	p := sd.product(t, 10)
	ctx := context.Background()

	const orders = 25
	ids := make([]string, orders)
	for i := range ids {
		ids[i] = sd.order(t, line(p.ID, 1)).ID
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			units, err := sd.s.Allocate(ctx, id, p.ID, 1)
			if err != nil {
				assert.ErrorIs(t, err, models.ErrInsufficient)
				return
			}
			mu.Lock()
			won += len(units)
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 10, won)

	owners := map[string]string{}
	for _, id := range ids {
		units, err := sd.s.Allocations(ctx, id)
		require.NoError(t, err)
		for _, u := range units {
			prev, dup := owners[u.ID]
			assert.False(t, dup, "unit %s claimed by %s and %s", u.ID, prev, id)
			owners[u.ID] = id
		}
	}
	assert.Len(t, owners, 10)
}

func TestAllocateBatchIsAllOrNothing(t *testing.T) {
	sd := seed(t)
	a := sd.product(t, 3)
	b := sd.product(t, 1)
	o := sd.order(t, line(a.ID, 2), line(b.ID, 2))
	ctx := context.Background()

	_, err := sd.s.AllocateBatch(ctx, o.ID, []models.AllocationRequest{
		{ProductID: a.ID, Quantity: 2},
		{ProductID: b.ID, Quantity: 2},
	})
	require.ErrorIs(t, err, models.ErrInsufficient)

	for _, id := range []string{a.ID, b.ID} {
		level, err := sd.s.StockLevel(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, level.Claimed)
	}
}

func TestAllocateIsIdempotent(t *testing.T) {
	sd := seed(t)
	p := sd.product(t, 5)
	o := sd.order(t, line(p.ID, 2))
	ctx := context.Background()

	first, err := sd.s.Allocate(ctx, o.ID, p.ID, 2)
	require.NoError(t, err)
	second, err := sd.s.Allocate(ctx, o.ID, p.ID, 2)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	level, err := sd.s.StockLevel(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, level.Claimed)
}

func TestAllocateGuards(t *testing.T) {
	sd := seed(t)
	p := sd.product(t, 5)
	other := sd.product(t, 5)
	o := sd.order(t, line(p.ID, 1))
	ctx := context.Background()

	_, err := sd.s.Allocate(ctx, o.ID, p.ID, 0)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = sd.s.Allocate(ctx, "missing", p.ID, 1)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = sd.s.Allocate(ctx, o.ID, other.ID, 1)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = sd.s.Allocate(ctx, o.ID, p.ID, 5)
	assert.ErrorIs(t, err, models.ErrValidation)
	level, err := sd.s.StockLevel(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, level.Claimed)

	_, _, err = sd.s.UpdateOrder(ctx, models.OrderUpdate{ID: o.ID, ExpectedVersion: 1, Status: models.StatusCancelled})
	require.NoError(t, err)

	_, err = sd.s.Allocate(ctx, o.ID, p.ID, 1)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestRelease(t *testing.T) {
	sd := seed(t)
	p := sd.product(t, 4)
	keep := sd.order(t, line(p.ID, 1))
	drop := sd.order(t, line(p.ID, 2))
	ctx := context.Background()

	_, err := sd.s.Allocate(ctx, keep.ID, p.ID, 1)
	require.NoError(t, err)
	_, err = sd.s.Allocate(ctx, drop.ID, p.ID, 2)
	require.NoError(t, err)

	released, err := sd.s.Release(ctx, drop.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, released)

	released, err = sd.s.Release(ctx, drop.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, released)

	held, err := sd.s.Allocations(ctx, keep.ID)
	require.NoError(t, err)
	assert.Len(t, held, 1)

	level, err := sd.s.StockLevel(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StockLevel{ProductID: p.ID, Total: 4, Free: 3, Claimed: 1}, *level)
}

func TestUpdateOrderCompareAndSwap(t *testing.T) {
	sd := seed(t)
	p := sd.product(t, 2)
	o := sd.order(t, line(p.ID, 2))
	ctx := context.Background()

	_, err := sd.s.Allocate(ctx, o.ID, p.ID, 2)
	require.NoError(t, err)

	_, _, err = sd.s.UpdateOrder(ctx, models.OrderUpdate{ID: o.ID, ExpectedVersion: 7, Status: models.StatusProcessing})
	require.ErrorIs(t, err, models.ErrConflictingUpdate)

	_, _, err = sd.s.UpdateOrder(ctx, models.OrderUpdate{ID: "missing", ExpectedVersion: 1})
	require.ErrorIs(t, err, models.ErrNotFound)

	updated, released, err := sd.s.UpdateOrder(ctx, models.OrderUpdate{
		ID:              o.ID,
		ExpectedVersion: 1,
		Status:          models.StatusCancelled,
		Note:            &models.Note{Author: models.NoteSystem, Text: "cancelled: test"},
		ReleaseClaims:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, 2, released)
	assert.Equal(t, models.StatusCancelled, updated.Status)
	require.Len(t, updated.Notes, 1)
	assert.False(t, updated.Notes[0].At.IsZero())

	held, err := sd.s.Allocations(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestDeleteCredential(t *testing.T) {
	sd := seed(t)
	p := sd.product(t, 0)
	o := sd.order(t, line(p.ID, 1))
	ctx := context.Background()

	units, err := sd.s.AddCredentials(ctx, p.ID, []string{"a:1", "b:2"})
	require.NoError(t, err)

	claimed, err := sd.s.Allocate(ctx, o.ID, p.ID, 1)
	require.NoError(t, err)

	err = sd.s.DeleteCredential(ctx, claimed[0].ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	var free string
	for _, u := range units {
		if u.ID != claimed[0].ID {
			free = u.ID
		}
	}
	require.NoError(t, sd.s.DeleteCredential(ctx, free))
	assert.ErrorIs(t, sd.s.DeleteCredential(ctx, free), models.ErrNotFound)

	_, err = sd.s.AddCredentials(ctx, p.ID, []string{" "})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCreateOrderRejectsDuplicates(t *testing.T) {
	sd := seed(t)
	p := sd.product(t, 0)
	o := sd.order(t, line(p.ID, 1))
	ctx := context.Background()

	dup := o.Clone()
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, sd.s.CreateOrder(ctx, dup), models.ErrConflictingUpdate)

	empty := &models.Order{ID: uuid.NewString(), StoreID: sd.storeID, Number: "ORD-x"}
	assert.ErrorIs(t, sd.s.CreateOrder(ctx, empty), models.ErrValidation)

	unknownStore := o.Clone()
	unknownStore.ID = uuid.NewString()
	unknownStore.Number = "ORD-y"
	unknownStore.StoreID = "nowhere"
	assert.ErrorIs(t, sd.s.CreateOrder(ctx, unknownStore), models.ErrNotFound)
}

func TestListProductsNewestFirst(t *testing.T) {
	sd := seed(t)
	ctx := context.Background()

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sd.s.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	older := sd.product(t, 0)
	newer := sd.product(t, 0)
	require.NoError(t, sd.s.SetProductActive(ctx, older.ID, false))

	page, err := sd.s.ListProducts(ctx, sd.storeID, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	assert.Equal(t, 2, page.TotalPages)
	items := page.Items.([]models.Product)
	require.Len(t, items, 1)
	assert.Equal(t, newer.ID, items[0].ID)

	page, err = sd.s.ListProducts(ctx, sd.storeID, 2, 1)
	require.NoError(t, err)
	items = page.Items.([]models.Product)
	require.Len(t, items, 1)
	assert.Equal(t, older.ID, items[0].ID)
	assert.False(t, items[0].Active)

	page, err = sd.s.ListProducts(ctx, uuid.NewString(), 1, 10)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Items)

	_, err = sd.s.ListProducts(ctx, sd.storeID, 0, 10)
	assert.ErrorIs(t, err, models.ErrValidation)

	stores, err := sd.s.ListStores(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, store.DefaultPageSize, stores.PageSize)
	assert.Equal(t, int64(1), stores.Total)
}
