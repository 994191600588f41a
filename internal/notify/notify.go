// Package notify delivers what the engine decided to tell buyers and operators.
// Transports live behind Notifier; the engine never waits on one while holding a
// lock.
package notify

import (
	"context"
	"errors"

	"github.com/safar/go-fulfillment/internal/models"
)

type Kind string

const (
	KindCredentialsDelivered Kind = "credentials_delivered"
	KindConfirmationRequired Kind = "confirmation_required"
	KindStockShortfall       Kind = "stock_shortfall"
	KindStatusChanged        Kind = "status_changed"
	KindOrderCancelled       Kind = "order_cancelled"
	KindOperatorMessage      Kind = "operator_message"
)

// Audience reports who a notification is meant for.
func (k Kind) Audience() string {
	switch k {
	case KindConfirmationRequired, KindStockShortfall:
		return "operator"
	}
	return "buyer"
}

type Notification struct {
	Kind        Kind
	OrderID     string
	OrderNumber string
	StoreID     string
	BuyerRef    string
	Status      models.Status
	Text        string
	Credentials []models.CredentialUnit
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

type nop struct{}

func (nop) Notify(context.Context, Notification) error { return nil }

// Nop discards every notification.
func Nop() Notifier { return nop{} }

// Multi sends every notification to each notifier in turn and joins their errors.
func Multi(notifiers ...Notifier) Notifier {
	return multi(notifiers)
}

type multi []Notifier

func (m multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
