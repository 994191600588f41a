// Package fulfillment drives orders through their lifecycle: it classifies new
// orders, claims credential units for them and records every operator decision.
//
// Transitions of one order are serialised in-process by a mutex per order id and
// across processes by the ledger's version check. Notifications are sent only
// after every lock has been released.
package fulfillment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/safar/go-fulfillment/internal/logging"
	"github.com/safar/go-fulfillment/internal/metrics"
	"github.com/safar/go-fulfillment/internal/models"
	"github.com/safar/go-fulfillment/internal/notify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/safar/go-fulfillment/internal/fulfillment"

// Catalog looks up products at checkout.
type Catalog interface {
	GetProduct(ctx context.Context, storeID, productID string) (*models.Product, error)
}

type CredentialPool interface {
	AllocateBatch(ctx context.Context, orderID string, reqs []models.AllocationRequest) ([]models.CredentialUnit, error)
	ReleaseOrder(ctx context.Context, orderID string) (int, error)
	Allocations(ctx context.Context, orderID string) ([]models.CredentialUnit, error)
	AllocationsFor(ctx context.Context, orderIDs []string) (map[string][]models.CredentialUnit, error)
}

type Ledger interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, filter models.OrderFilter) (*models.OrderPage, error)
	// UpdateOrder also reports how many credential units ReleaseClaims freed.
	UpdateOrder(ctx context.Context, upd models.OrderUpdate) (*models.Order, int, error)
	AppendNote(ctx context.Context, orderID string, note models.Note) error
}

type Engine struct {
	catalog   Catalog
	pool      CredentialPool
	ledger    Ledger
	notifier  notify.Notifier
	log       *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
	newNumber func(time.Time) string
	locks     *keyLock
}

type Option func(*Engine)

func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithIDGenerator(f func() string) Option {
	return func(e *Engine) {
		if f != nil {
			e.newID = f
		}
	}
}

func WithNumberGenerator(f func(time.Time) string) Option {
	return func(e *Engine) {
		if f != nil {
			e.newNumber = f
		}
	}
}

func NewEngine(catalog Catalog, pool CredentialPool, ledger Ledger, opts ...Option) *Engine {
	e := &Engine{
		catalog:   catalog,
		pool:      pool,
		ledger:    ledger,
		notifier:  notify.Nop(),
		log:       zap.NewNop(),
		tracer:    otel.Tracer(tracerName),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		newNumber: NewOrderNumber,
		locks:     newKeyLock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(zap.String("component", "fulfillment"))
	return e
}

// begin starts a span for op. The returned func ends it and records latency and
// outcome; call it with the operation's final error.
func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := e.tracer.Start(ctx, "fulfillment."+op, trace.WithAttributes(attrs...))
	start := time.Now()

	return ctx, func(err error) {
		result := resultLabel(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
			logger := logging.FromContext(ctx, e.log).With(zap.String("operation", op), zap.Error(err))
			if models.Kind(err) == models.ErrStorage {
				logger.Error("operation_failed")
			} else {
				logger.Info("operation_rejected", zap.String("reason", result))
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		e.metrics.ObserveOperation(op, result, time.Since(start).Seconds())
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch models.Kind(err) {
	case models.ErrValidation:
		return "validation"
	case models.ErrNotFound:
		return "not_found"
	case models.ErrInvalidTransition:
		return "invalid_transition"
	case models.ErrInsufficient:
		return "insufficient"
	case models.ErrConflictingUpdate:
		return "conflict"
	}
	return "storage"
}

// dispatch hands committed outcomes to the notifier. Failures are logged and never
// undo the transition that produced them.
func (e *Engine) dispatch(ctx context.Context, outbox []notify.Notification) {
	if len(outbox) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, n := range outbox {
		if err := e.notifier.Notify(ctx, n); err != nil {
			e.metrics.Notification(string(n.Kind), "error")
			logging.FromContext(ctx, e.log).Warn("notification_failed",
				zap.String("kind", string(n.Kind)),
				zap.String("order_id", n.OrderID),
				zap.Error(err),
			)
			continue
		}
		e.metrics.Notification(string(n.Kind), "ok")
	}
}

func notification(kind notify.Kind, order *models.Order, text string) notify.Notification {
	return notify.Notification{
		Kind:        kind,
		OrderID:     order.ID,
		OrderNumber: order.Number,
		StoreID:     order.StoreID,
		BuyerRef:    order.BuyerRef,
		Status:      order.Status,
		Text:        text,
	}
}

// commitAllocation moves an order whose units were just claimed to processing. If
// the order changed underneath, the update is retried against the fresh version
// while it is still new; if it was cancelled meanwhile, the claims are released.
func (e *Engine) commitAllocation(ctx context.Context, order *models.Order, note models.Note) (*models.Order, error) {
	cleared := false
	current := order

	for attempt := 0; attempt < 3; attempt++ {
		updated, _, err := e.ledger.UpdateOrder(ctx, models.OrderUpdate{
			ID:              current.ID,
			ExpectedVersion: current.Version,
			Status:          models.StatusProcessing,
			StockShortfall:  &cleared,
			Note:            &note,
		})
		if err == nil {
			e.metrics.Transition(string(models.StatusNew), string(models.StatusProcessing))
			return updated, nil
		}
		if !errors.Is(err, models.ErrConflictingUpdate) {
			return nil, err
		}

		current, err = e.ledger.GetOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == models.StatusCancelled {
			released, rerr := e.pool.ReleaseOrder(ctx, order.ID)
			if rerr != nil {
				return nil, rerr
			}
			e.metrics.UnitsReleased(released)
			return nil, models.Errorf(models.ErrInvalidTransition, "order %s was cancelled during allocation", order.ID)
		}
		if current.Status.Delivered() {
			// Another replica allocated the same order; claims are per order, so
			// they are the units this call holds.
			return current, nil
		}
		if current.Status != models.StatusNew {
			return nil, models.Errorf(models.ErrInvalidTransition, "order %s is already %s", order.ID, current.Status)
		}
	}

	return nil, models.Errorf(models.ErrConflictingUpdate, "order %s keeps changing", order.ID)
}

// flagShortfall records a failed allocation on the order. It is best effort: the
// caller reports the shortfall whether or not the flag could be stored.
func (e *Engine) flagShortfall(ctx context.Context, order *models.Order, cause error) *models.Order {
	flagged := true
	updated, _, err := e.ledger.UpdateOrder(ctx, models.OrderUpdate{
		ID:              order.ID,
		ExpectedVersion: order.Version,
		StockShortfall:  &flagged,
		Note:            &models.Note{Author: models.NoteSystem, Text: "stock shortfall: " + cause.Error()},
	})
	if err != nil {
		logging.FromContext(ctx, e.log).Warn("shortfall_flag_failed",
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
		return order
	}
	return updated
}

func allocationRequests(order *models.Order) []models.AllocationRequest {
	reqs := make([]models.AllocationRequest, 0, len(order.Items))
	for _, item := range order.Items {
		reqs = append(reqs, models.AllocationRequest{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return reqs
}
