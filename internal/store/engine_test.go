package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/safar/go-fulfillment/internal/fulfillment"
	"github.com/safar/go-fulfillment/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two engines share one database, as two service replicas would.
func TestEnginesOverPostgres(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := fulfillment.NewEngine(f.pg, f.pg, f.pg)
	b := fulfillment.NewEngine(f.pg, f.pg, f.pg)

	auto := f.product(t, models.DeliveryAuto, 3)
	manual := f.product(t, models.DeliveryManual, 1)

	t.Run("checkout across replicas never oversells", func(t *testing.T) {
		var wg sync.WaitGroup
		results := make(chan *models.OrderView, 6)
		for i := 0; i < 6; i++ {
			engine := a
			if i%2 == 1 {
				engine = b
			}
			wg.Add(1)
			go func(e *fulfillment.Engine) {
				defer wg.Done()
				view, err := e.CreateOrder(ctx, fulfillment.CreateOrderInput{
					StoreID:  f.storeID,
					Items:    []fulfillment.ItemInput{{ProductID: auto.ID, Quantity: 1}},
					BuyerRef: "tg:7",
				})
				if !assert.NoError(t, err) {
					return
				}
				results <- view
			}(engine)
		}
		wg.Wait()
		close(results)

		processing, short := 0, 0
		for view := range results {
			switch view.Status {
			case models.StatusProcessing:
				processing++
			case models.StatusNew:
				assert.True(t, view.StockShortfall)
				short++
			}
		}
		assert.Equal(t, 3, processing)
		assert.Equal(t, 3, short)
	})

	t.Run("confirm racing cancel leaves no claims behind", func(t *testing.T) {
		view, err := a.CreateOrder(ctx, fulfillment.CreateOrderInput{
			StoreID:  f.storeID,
			Items:    []fulfillment.ItemInput{{ProductID: manual.ID, Quantity: 1}},
			BuyerRef: "tg:8",
		})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = a.ConfirmOrder(ctx, view.ID) }()
		go func() { defer wg.Done(); _, _ = b.CancelOrder(ctx, view.ID, "buyer changed mind") }()
		wg.Wait()

		got, err := a.GetOrder(ctx, view.ID)
		require.NoError(t, err)

		level, err := f.pg.StockLevel(ctx, manual.ID)
		require.NoError(t, err)

		switch got.Status {
		case models.StatusCancelled:
			assert.Equal(t, 0, level.Claimed)
			assert.Empty(t, got.Allocations)
		case models.StatusProcessing:
			assert.Equal(t, 1, level.Claimed)
		default:
			t.Fatalf("unexpected status %s", got.Status)
		}
	})
}
