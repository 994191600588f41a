package fulfillment

import (
	"context"
	"errors"
	"strings"

	"github.com/safar/go-fulfillment/internal/models"
	"github.com/safar/go-fulfillment/internal/notify"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

type ItemInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CreateOrderInput struct {
	StoreID  string
	Items    []ItemInput
	BuyerRef string
	Checkout models.CheckoutDetails
}

const maxNumberAttempts = 3

// CreateOrder turns a checkout into an order. Orders made only of auto-delivery
// products are allocated right away and move to processing; if any product is
// short, the order stays new with its shortfall flag set and nothing is claimed.
// Orders with a manual product wait in new for an operator.
func (e *Engine) CreateOrder(ctx context.Context, in CreateOrderInput) (_ *models.OrderView, err error) {
	ctx, end := e.begin(ctx, "create_order",
		attribute.String("store.id", in.StoreID),
		attribute.Int("order.lines", len(in.Items)),
	)
	defer func() { end(err) }()

	var outbox []notify.Notification
	defer func() { e.dispatch(ctx, outbox) }()

	order, err := e.buildOrder(ctx, in)
	if err != nil {
		return nil, err
	}

	// The order is visible to operators as soon as it is saved, so it is locked
	// before that.
	unlock := e.locks.Lock(order.ID)
	defer func() { unlock() }()

	for attempt := 1; ; attempt++ {
		err = e.ledger.CreateOrder(ctx, order)
		if err == nil || !errors.Is(err, models.ErrConflictingUpdate) || attempt == maxNumberAttempts {
			break
		}
		unlock()
		order.ID = e.newID()
		order.Number = e.newNumber(e.now())
		unlock = e.locks.Lock(order.ID)
	}
	if err != nil {
		return nil, err
	}

	if order.NeedsConfirmation() {
		outbox = append(outbox, notification(notify.KindConfirmationRequired, order, "order needs operator confirmation"))
		view := models.NewOrderView(order, nil)
		return &view, nil
	}

	units, err := e.pool.AllocateBatch(ctx, order.ID, allocationRequests(order))
	if errors.Is(err, models.ErrInsufficient) {
		e.metrics.Allocation("insufficient")
		flagged := e.flagShortfall(ctx, order, err)
		outbox = append(outbox, notification(notify.KindStockShortfall, flagged, err.Error()))
		view := models.NewOrderView(flagged, nil)
		return &view, nil
	}
	if err != nil {
		e.metrics.Allocation("error")
		return nil, err
	}
	e.metrics.Allocation("ok")
	e.metrics.UnitsAllocated("auto", len(units))

	updated, err := e.commitAllocation(ctx, order, models.Note{
		Author: models.NoteSystem,
		Text:   "credentials allocated automatically",
	})
	if err != nil {
		return nil, err
	}

	n := notification(notify.KindCredentialsDelivered, updated, "")
	n.Credentials = units
	outbox = append(outbox, n)

	view := models.NewOrderView(updated, units)
	return &view, nil
}

// buildOrder validates the checkout and snapshots every line from the catalog.
func (e *Engine) buildOrder(ctx context.Context, in CreateOrderInput) (*models.Order, error) {
	if strings.TrimSpace(in.StoreID) == "" {
		return nil, models.Errorf(models.ErrValidation, "store id is required")
	}
	buyer := strings.TrimSpace(in.BuyerRef)
	if buyer == "" {
		return nil, models.Errorf(models.ErrValidation, "buyer reference is required")
	}
	if len(in.Items) == 0 {
		return nil, models.Errorf(models.ErrValidation, "order must contain at least one item")
	}

	// Duplicate lines for one product are merged, keeping the first line's position.
	var merged []ItemInput
	index := make(map[string]int, len(in.Items))
	for _, item := range in.Items {
		if item.ProductID == "" {
			return nil, models.Errorf(models.ErrValidation, "product id is required")
		}
		if item.Quantity <= 0 {
			return nil, models.Errorf(models.ErrValidation, "quantity for product %s must be positive", item.ProductID)
		}
		if i, ok := index[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}

	items := make([]models.OrderLineItem, 0, len(merged))
	total := decimal.Zero
	var currency string

	for _, item := range merged {
		product, err := e.catalog.GetProduct(ctx, in.StoreID, item.ProductID)
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.Errorf(models.ErrValidation, "unknown product %s", item.ProductID)
		}
		if err != nil {
			return nil, err
		}
		if product.Price.IsNegative() {
			return nil, models.Errorf(models.ErrValidation, "product %s has a negative price", product.ID)
		}
		if currency == "" {
			currency = product.Currency
		} else if product.Currency != currency {
			return nil, models.Errorf(models.ErrValidation, "order mixes currencies %s and %s", currency, product.Currency)
		}

		line := models.OrderLineItem{
			ProductID:       product.ID,
			ProductName:     product.Name,
			UnitPrice:       product.Price,
			Currency:        product.Currency,
			Quantity:        item.Quantity,
			DeliveryMode:    product.DeliveryMode,
			SnapshotVersion: models.LineItemSnapshotVersion,
		}
		items = append(items, line)
		total = total.Add(line.Subtotal())
	}

	return &models.Order{
		ID:       e.newID(),
		StoreID:  in.StoreID,
		Number:   e.newNumber(e.now()),
		Status:   models.StatusNew,
		Total:    total,
		Currency: currency,
		BuyerRef: buyer,
		Checkout: in.Checkout,
		Items:    items,
	}, nil
}
