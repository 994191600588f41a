package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/safar/go-fulfillment/internal/models"
	"github.com/safar/go-fulfillment/internal/notify"
	"go.opentelemetry.io/otel/attribute"
)

// ConfirmOrder is the operator's approval of a new order. Every line is allocated
// in one step; on a shortfall nothing is claimed, the order stays new and the
// shortfall flag is set. Confirming an order that is no longer new fails with
// ErrInvalidTransition and claims nothing.
func (e *Engine) ConfirmOrder(ctx context.Context, id string) (_ *models.OrderView, err error) {
	ctx, end := e.begin(ctx, "confirm_order", attribute.String("order.id", id))
	defer func() { end(err) }()

	var outbox []notify.Notification
	defer func() { e.dispatch(ctx, outbox) }()

	unlock := e.locks.Lock(id)
	defer unlock()

	order, err := e.ledger.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status != models.StatusNew {
		return nil, models.Errorf(models.ErrInvalidTransition, "order %s is %s, only new orders can be confirmed", id, order.Status)
	}

	units, err := e.pool.AllocateBatch(ctx, order.ID, allocationRequests(order))
	if errors.Is(err, models.ErrInsufficient) {
		e.metrics.Allocation("insufficient")
		flagged := e.flagShortfall(ctx, order, err)
		outbox = append(outbox, notification(notify.KindStockShortfall, flagged, err.Error()))
		return nil, err
	}
	if err != nil {
		e.metrics.Allocation("error")
		return nil, err
	}
	e.metrics.Allocation("ok")
	e.metrics.UnitsAllocated("confirm", len(units))

	updated, err := e.commitAllocation(ctx, order, models.Note{
		Author: models.NoteOperator,
		Text:   "confirmed by operator",
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

// AdvanceOrder moves a confirmed order one step along
// processing -> delivering -> completed. to must be the immediate successor.
func (e *Engine) AdvanceOrder(ctx context.Context, id string, to models.Status) (_ *models.OrderView, err error) {
	ctx, end := e.begin(ctx, "advance_order",
		attribute.String("order.id", id),
		attribute.String("order.to", string(to)),
	)
	defer func() { end(err) }()

	if _, ok := models.ParseStatus(string(to)); !ok {
		return nil, models.Errorf(models.ErrValidation, "unknown status %q", to)
	}

	var outbox []notify.Notification
	defer func() { e.dispatch(ctx, outbox) }()

	unlock := e.locks.Lock(id)
	defer unlock()

	order, err := e.ledger.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	from := order.Status
	if from == models.StatusNew {
		return nil, models.Errorf(models.ErrInvalidTransition, "order %s is new and must be confirmed first", id)
	}
	next, ok := from.Next()
	if !ok || next != to {
		return nil, models.Errorf(models.ErrInvalidTransition, "order %s cannot move from %s to %s", id, from, to)
	}

	updated, _, err := e.ledger.UpdateOrder(ctx, models.OrderUpdate{
		ID:              id,
		ExpectedVersion: order.Version,
		Status:          to,
		Note:            &models.Note{Author: models.NoteSystem, Text: fmt.Sprintf("status changed from %s to %s", from, to)},
	})
	if err != nil {
		return nil, err
	}
	e.metrics.Transition(string(from), string(to))

	outbox = append(outbox, notification(notify.KindStatusChanged, updated, fmt.Sprintf("order is now %s", to)))

	units, err := e.pool.Allocations(ctx, id)
	if err != nil {
		return nil, err
	}
	view := models.NewOrderView(updated, units)
	return &view, nil
}

// CancelOrder cancels a new or processing order. The status change and the
// release of every unit the order holds are committed together.
func (e *Engine) CancelOrder(ctx context.Context, id, reason string) (_ *models.OrderView, err error) {
	ctx, end := e.begin(ctx, "cancel_order", attribute.String("order.id", id))
	defer func() { end(err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, models.Errorf(models.ErrValidation, "cancellation reason is required")
	}

	var outbox []notify.Notification
	defer func() { e.dispatch(ctx, outbox) }()

	unlock := e.locks.Lock(id)
	defer unlock()

	order, err := e.ledger.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanTransition(models.StatusCancelled) {
		return nil, models.Errorf(models.ErrInvalidTransition, "order %s is %s and cannot be cancelled", id, order.Status)
	}

	updated, released, err := e.ledger.UpdateOrder(ctx, models.OrderUpdate{
		ID:              id,
		ExpectedVersion: order.Version,
		Status:          models.StatusCancelled,
		Note:            &models.Note{Author: models.NoteSystem, Text: "cancelled: " + reason},
		ReleaseClaims:   true,
	})
	if err != nil {
		return nil, err
	}
	e.metrics.Transition(string(order.Status), string(models.StatusCancelled))
	e.metrics.UnitsReleased(released)

	outbox = append(outbox, notification(notify.KindOrderCancelled, updated, reason))

	view := models.NewOrderView(updated, nil)
	return &view, nil
}

// Annotate sends the buyer a message about a live order and keeps it in the
// order's notes. The status is left alone.
func (e *Engine) Annotate(ctx context.Context, id, text string) (err error) {
	ctx, end := e.begin(ctx, "annotate_order", attribute.String("order.id", id))
	defer func() { end(err) }()

	text = strings.TrimSpace(text)
	if text == "" {
		return models.Errorf(models.ErrValidation, "message text is required")
	}

	var outbox []notify.Notification
	defer func() { e.dispatch(ctx, outbox) }()

	unlock := e.locks.Lock(id)
	defer unlock()

	order, err := e.ledger.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		return models.Errorf(models.ErrInvalidTransition, "order %s is %s", id, order.Status)
	}

	updated, _, err := e.ledger.UpdateOrder(ctx, models.OrderUpdate{
		ID:              id,
		ExpectedVersion: order.Version,
		Note:            &models.Note{Author: models.NoteMessage, Text: text},
	})
	if err != nil {
		return err
	}

	outbox = append(outbox, notification(notify.KindOperatorMessage, updated, text))
	return nil
}

// UpdateNotes appends an operator note. Notes can be added in any state and are
// never rewritten.
func (e *Engine) UpdateNotes(ctx context.Context, id, text string) (err error) {
	ctx, end := e.begin(ctx, "update_notes", attribute.String("order.id", id))
	defer func() { end(err) }()

	text = strings.TrimSpace(text)
	if text == "" {
		return models.Errorf(models.ErrValidation, "note text is required")
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	return e.ledger.AppendNote(ctx, id, models.Note{Author: models.NoteOperator, Text: text})
}
