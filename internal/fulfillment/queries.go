package fulfillment

import (
	"context"
	"strings"

	"github.com/safar/go-fulfillment/internal/models"
	"go.opentelemetry.io/otel/attribute"
)

func (e *Engine) GetOrder(ctx context.Context, id string) (_ *models.OrderView, err error) {
	ctx, end := e.begin(ctx, "get_order", attribute.String("order.id", id))
	defer func() { end(err) }()

	order, err := e.ledger.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	units, err := e.pool.Allocations(ctx, id)
	if err != nil {
		return nil, err
	}

	view := models.NewOrderView(order, units)
	return &view, nil
}

func (e *Engine) ListOrders(ctx context.Context, filter models.OrderFilter) (_ *models.OrderViewPage, err error) {
	ctx, end := e.begin(ctx, "list_orders", attribute.String("store.id", filter.StoreID))
	defer func() { end(err) }()

	if strings.TrimSpace(filter.StoreID) == "" {
		return nil, models.Errorf(models.ErrValidation, "store id is required")
	}
	if filter.Status != "" {
		if _, ok := models.ParseStatus(string(filter.Status)); !ok {
			return nil, models.Errorf(models.ErrValidation, "unknown status %q", filter.Status)
		}
	}

	page, err := e.ledger.ListOrders(ctx, filter)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(page.Items))
	for _, o := range page.Items {
		ids = append(ids, o.ID)
	}
	allocations, err := e.pool.AllocationsFor(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := &models.OrderViewPage{
		Items:      make([]models.OrderView, 0, len(page.Items)),
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	}
	for i := range page.Items {
		o := &page.Items[i]
		out.Items = append(out.Items, models.NewOrderView(o, allocations[o.ID]))
	}
	return out, nil
}

// PendingConfirmation lists the store's orders still waiting in new: orders with a
// manual product and auto orders blocked by a stock shortfall.
func (e *Engine) PendingConfirmation(ctx context.Context, storeID, cursor string, limit int) (*models.OrderViewPage, error) {
	return e.ListOrders(ctx, models.OrderFilter{
		StoreID: storeID,
		Status:  models.StatusNew,
		Cursor:  cursor,
		Limit:   limit,
	})
}

// Credentials returns the units handed to the buyer. They are only available once
// the order has been allocated and moved past new.
func (e *Engine) Credentials(ctx context.Context, id string) (_ []models.CredentialUnit, err error) {
	ctx, end := e.begin(ctx, "order_credentials", attribute.String("order.id", id))
	defer func() { end(err) }()

	order, err := e.ledger.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.Status.Delivered() {
		return nil, models.Errorf(models.ErrInvalidTransition, "order %s is %s, credentials are not available", id, order.Status)
	}

	return e.pool.Allocations(ctx, id)
}
