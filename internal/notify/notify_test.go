package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/safar/go-fulfillment/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMultiJoinsErrors(t *testing.T) {
	errA := errors.New("a failed")
	var calls int
	n := Multi(
		NotifierFunc(func(context.Context, Notification) error { calls++; return errA }),
		Nop(),
		NotifierFunc(func(context.Context, Notification) error { calls++; return nil }),
	)

	err := n.Notify(context.Background(), Notification{Kind: KindStatusChanged})
	require.ErrorIs(t, err, errA)
	assert.Equal(t, 2, calls)
}

func TestLogNotifierOmitsSecrets(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	order := "order-1"
	err := n.Notify(context.Background(), Notification{
		Kind:    KindCredentialsDelivered,
		OrderID: order,
		Credentials: []models.CredentialUnit{
			{ID: "unit-1", Secret: "login:password", ClaimedByOrder: &order},
		},
	})
	require.NoError(t, err)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "buyer", entry.ContextMap()["audience"])
	assert.NotContains(t, entry.ContextMap(), "secret")
	assert.Equal(t, []interface{}{"unit-1"}, entry.ContextMap()["unit_ids"])
}

func TestAudience(t *testing.T) {
	assert.Equal(t, "operator", KindConfirmationRequired.Audience())
	assert.Equal(t, "operator", KindStockShortfall.Audience())
	assert.Equal(t, "buyer", KindOrderCancelled.Audience())
}

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(zap.NewNop(), WithQueueSize(4), WithConcurrency(2))

	var mu sync.Mutex
	var cancelled []string
	var all atomic.Int32

	bus.Subscribe(KindOrderCancelled, func(_ context.Context, n Notification) error {
		mu.Lock()
		defer mu.Unlock()
		cancelled = append(cancelled, n.OrderID)
		return nil
	})
	bus.SubscribeAll(func(context.Context, Notification) error {
		all.Add(1)
		return nil
	})
	bus.Start()

	ctx := context.Background()
	require.NoError(t, bus.Notify(ctx, Notification{Kind: KindOrderCancelled, OrderID: "o-1"}))
	require.NoError(t, bus.Notify(ctx, Notification{Kind: KindStatusChanged, OrderID: "o-2"}))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, bus.Stop(stopCtx))

	assert.Equal(t, []string{"o-1"}, cancelled)
	assert.Equal(t, int32(2), all.Load())

	err := bus.Notify(ctx, Notification{Kind: KindStatusChanged})
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestBusSurvivesPanickingHandler(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var delivered atomic.Int32
	bus.Subscribe(KindStatusChanged, func(context.Context, Notification) error {
		panic("boom")
	})
	bus.Subscribe(KindStatusChanged, func(context.Context, Notification) error {
		delivered.Add(1)
		return nil
	})
	bus.Start()

	ctx := context.Background()
	require.NoError(t, bus.Notify(ctx, Notification{Kind: KindStatusChanged}))
	require.NoError(t, bus.Notify(ctx, Notification{Kind: KindStatusChanged}))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, bus.Stop(stopCtx))

	assert.Equal(t, int32(2), delivered.Load())
}

func TestBusNotifyHonoursContextWhenFull(t *testing.T) {
	bus := NewBus(zap.NewNop(), WithQueueSize(1))

	require.NoError(t, bus.Notify(context.Background(), Notification{Kind: KindStatusChanged}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := bus.Notify(ctx, Notification{Kind: KindStatusChanged})
	assert.ErrorIs(t, err, context.Canceled)
}
