package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/safar/go-fulfillment/internal/models"
	"github.com/safar/go-fulfillment/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoresAndProducts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.pg.GetStore(ctx, f.storeID)
	require.NoError(t, err)
	assert.Equal(t, "USD", st.Currency)

	_, err = f.pg.CreateStore(ctx, "", "USD")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.pg.GetStore(ctx, uuid.NewString())
	assert.ErrorIs(t, err, models.ErrNotFound)

	p := f.product(t, models.DeliveryManual, 0)
	got, err := f.pg.GetProduct(ctx, f.storeID, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(p.Price))
	assert.True(t, got.Active)

	_, err = f.pg.GetProduct(ctx, uuid.NewString(), p.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, f.pg.SetProductActive(ctx, p.ID, false))
	_, err = f.pg.GetProduct(ctx, f.storeID, p.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.ErrorIs(t, f.pg.SetProductActive(ctx, "not-a-uuid", true), models.ErrNotFound)

	f.product(t, models.DeliveryAuto, 0)
	page, err := f.pg.ListProducts(ctx, f.storeID, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	assert.Equal(t, 2, page.TotalPages)

	stores, err := f.pg.ListStores(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stores.Total)
}

func TestPostgresAllocateNoDoubleClaim(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, models.DeliveryAuto, 5)
	ctx := context.Background()

	const buyers = 20
	orders := make([]*models.Order, buyers)
	for i := range orders {
		orders[i] = f.order(t, line(p, 1))
	}

	var wg sync.WaitGroup
	var won, short atomic.Int32
	for _, o := range orders {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			units, err := f.pg.Allocate(ctx, id, p.ID, 1)
			if err != nil {
				assert.ErrorIs(t, err, models.ErrInsufficient)
				short.Add(1)
				return
			}
			won.Add(int32(len(units)))
		}(o.ID)
	}
	wg.Wait()

	assert.Equal(t, int32(5), won.Load())
	assert.Equal(t, int32(buyers-5), short.Load())

	level, err := f.pg.StockLevel(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StockLevel{ProductID: p.ID, Total: 5, Free: 0, Claimed: 5}, *level)

	ids := make([]string, 0, buyers)
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	byOrder, err := f.pg.AllocationsFor(ctx, ids)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, units := range byOrder {
		for _, u := range units {
			assert.False(t, seen[u.ID], "unit %s claimed twice", u.ID)
			seen[u.ID] = true
		}
	}
	assert.Len(t, seen, 5)
}

func TestPostgresAllocateBatchIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	a := f.product(t, models.DeliveryAuto, 3)
	b := f.product(t, models.DeliveryAuto, 1)
	o := f.order(t, line(a, 2), line(b, 2))
	ctx := context.Background()

	_, err := f.pg.AllocateBatch(ctx, o.ID, []models.AllocationRequest{
		{ProductID: a.ID, Quantity: 2},
		{ProductID: b.ID, Quantity: 2},
	})
	var insufficient *models.InsufficientError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, b.ID, insufficient.ProductID)
	assert.Equal(t, 1, insufficient.Available)

	for _, id := range []string{a.ID, b.ID} {
		level, err := f.pg.StockLevel(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, level.Claimed)
	}
}

func TestPostgresAllocateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, models.DeliveryAuto, 4)
	o := f.order(t, line(p, 2))
	ctx := context.Background()

	first, err := f.pg.AllocateBatch(ctx, o.ID, []models.AllocationRequest{{ProductID: p.ID, Quantity: 2}})
	require.NoError(t, err)
	second, err := f.pg.AllocateBatch(ctx, o.ID, []models.AllocationRequest{{ProductID: p.ID, Quantity: 2}})
	require.NoError(t, err)

	assert.ElementsMatch(t, unitIDs(first), unitIDs(second))

	level, err := f.pg.StockLevel(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, level.Claimed)
}

func TestPostgresAllocateGuards(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, models.DeliveryAuto, 2)
	other := f.product(t, models.DeliveryAuto, 2)
	o := f.order(t, line(p, 1))
	ctx := context.Background()

	_, err := f.pg.Allocate(ctx, o.ID, p.ID, 0)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.pg.Allocate(ctx, uuid.NewString(), p.ID, 1)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.pg.Allocate(ctx, o.ID, other.ID, 1)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.pg.Allocate(ctx, o.ID, p.ID, 2)
	assert.ErrorIs(t, err, models.ErrValidation)
	level, err := f.pg.StockLevel(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, level.Claimed)

	_, _, err = f.pg.UpdateOrder(ctx, models.OrderUpdate{ID: o.ID, ExpectedVersion: 1, Status: models.StatusCancelled})
	require.NoError(t, err)

	_, err = f.pg.Allocate(ctx, o.ID, p.ID, 1)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestPostgresRelease(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, models.DeliveryAuto, 3)
	keep := f.order(t, line(p, 1))
	drop := f.order(t, line(p, 2))
	ctx := context.Background()

	_, err := f.pg.Allocate(ctx, keep.ID, p.ID, 1)
	require.NoError(t, err)
	_, err = f.pg.Allocate(ctx, drop.ID, p.ID, 2)
	require.NoError(t, err)

	n, err := f.pg.Release(ctx, drop.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.pg.ReleaseOrder(ctx, drop.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	held, err := f.pg.Allocations(ctx, keep.ID)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.NotEmpty(t, held[0].Secret)

	level, err := f.pg.StockLevel(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, level.Free)
}

func TestPostgresUpdateOrder(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, models.DeliveryAuto, 2)
	o := f.order(t, line(p, 2))
	ctx := context.Background()

	_, err := f.pg.Allocate(ctx, o.ID, p.ID, 2)
	require.NoError(t, err)

	_, _, err = f.pg.UpdateOrder(ctx, models.OrderUpdate{ID: o.ID, ExpectedVersion: 9, Status: models.StatusProcessing})
	assert.ErrorIs(t, err, models.ErrConflictingUpdate)

	_, _, err = f.pg.UpdateOrder(ctx, models.OrderUpdate{ID: uuid.NewString(), ExpectedVersion: 1})
	assert.ErrorIs(t, err, models.ErrNotFound)

	shortfall := true
	updated, released, err := f.pg.UpdateOrder(ctx, models.OrderUpdate{ID: o.ID, ExpectedVersion: 1, StockShortfall: &shortfall})
	require.NoError(t, err)
	assert.Equal(t, models.StatusNew, updated.Status)
	assert.True(t, updated.StockShortfall)
	assert.Equal(t, 2, updated.Version)
	assert.Zero(t, released)

	updated, released, err = f.pg.UpdateOrder(ctx, models.OrderUpdate{
		ID:              o.ID,
		ExpectedVersion: 2,
		Status:          models.StatusCancelled,
		Note:            &models.Note{Author: models.NoteSystem, Text: "cancelled: buyer request"},
		ReleaseClaims:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, updated.Status)
	assert.Equal(t, 3, updated.Version)
	assert.Equal(t, 2, released)
	require.Len(t, updated.Notes, 2)
	assert.Equal(t, "cancelled: buyer request", updated.Notes[1].Text)

	held, err := f.pg.Allocations(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, held)

	require.NoError(t, f.pg.AppendNote(ctx, o.ID, models.Note{Author: models.NoteOperator, Text: "refund sent"}))
	got, err := f.pg.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, got.Notes, 3)
	assert.Equal(t, 3, got.Version)
}

func TestPostgresOrderSnapshot(t *testing.T) {
	f := newFixture(t)
	a := f.product(t, models.DeliveryAuto, 0)
	b := f.product(t, models.DeliveryManual, 0)
	o := f.order(t, line(b, 1), line(a, 3))
	ctx := context.Background()

	got, err := f.pg.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.Equal(t, b.ID, got.Items[0].ProductID)
	assert.Equal(t, a.ID, got.Items[1].ProductID)
	assert.True(t, got.Total.Equal(o.Total))
	assert.True(t, got.NeedsConfirmation())

	dup := o.Clone()
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, f.pg.CreateOrder(ctx, dup), models.ErrConflictingUpdate)

	_, err = f.pg.GetOrder(ctx, "bogus")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPostgresListOrders(t *testing.T) {
	f := newFixture(t)
	auto := f.product(t, models.DeliveryAuto, 0)
	manual := f.product(t, models.DeliveryManual, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.order(t, line(auto, 1))
	}
	for i := 0; i < 2; i++ {
		f.order(t, line(manual, 1))
	}

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		page, err := f.pg.ListOrders(ctx, models.OrderFilter{StoreID: f.storeID, Cursor: cursor, Limit: 2})
		require.NoError(t, err)
		pages++
		for _, o := range page.Items {
			assert.False(t, seen[o.ID])
			seen[o.ID] = true
			assert.NotEmpty(t, o.Items)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 5)

	needs := true
	page, err := f.pg.ListOrders(ctx, models.OrderFilter{StoreID: f.storeID, NeedsConfirmation: &needs})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)

	page, err = f.pg.ListOrders(ctx, models.OrderFilter{StoreID: f.storeID, Status: models.StatusProcessing})
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	_, err = f.pg.ListOrders(ctx, models.OrderFilter{StoreID: f.storeID, Cursor: "%%%"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestPostgresDeleteCredential(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, models.DeliveryAuto, 0)
	o := f.order(t, line(p, 1))
	ctx := context.Background()

	units, err := f.pg.AddCredentials(ctx, p.ID, []string{"a:1", "b:2"})
	require.NoError(t, err)
	require.Len(t, units, 2)

	claimed, err := f.pg.Allocate(ctx, o.ID, p.ID, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, f.pg.DeleteCredential(ctx, claimed[0].ID), models.ErrInvalidTransition)

	for _, u := range units {
		if u.ID != claimed[0].ID {
			require.NoError(t, f.pg.DeleteCredential(ctx, u.ID))
			assert.ErrorIs(t, f.pg.DeleteCredential(ctx, u.ID), models.ErrNotFound)
		}
	}

	_, err = f.pg.AddCredentials(ctx, uuid.NewString(), []string{"x"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestNormalizeRequests(t *testing.T) {
	out, err := store.NormalizeRequests([]models.AllocationRequest{
		{ProductID: "b", Quantity: 1},
		{ProductID: "a", Quantity: 2},
		{ProductID: "b", Quantity: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, []models.AllocationRequest{{ProductID: "a", Quantity: 2}, {ProductID: "b", Quantity: 4}}, out)

	_, err = store.NormalizeRequests([]models.AllocationRequest{{ProductID: "a", Quantity: 0}})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func unitIDs(units []models.CredentialUnit) []string {
	ids := make([]string, 0, len(units))
	for _, u := range units {
		ids = append(ids, u.ID)
	}
	return ids
}
