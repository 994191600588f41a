package notify

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrBusClosed = errors.New("notification bus closed")

type Handler func(ctx context.Context, n Notification) error

// Bus is an asynchronous, in-memory fan-out of notifications to subscribed
// handlers. It is not durable: notifications still queued when the process dies
// are lost.
type Bus struct {
	mu          sync.RWMutex
	subs        map[Kind][]Handler
	all         []Handler
	// sendMu guards closed and every send on queue.
	sendMu      sync.RWMutex
	queue       chan Notification
	closed      bool
	startOnce   sync.Once
	stopOnce    sync.Once
	done        chan struct{}
	concurrency int
	timeout     time.Duration
	log         *zap.Logger
}

type BusOption func(*Bus)

func WithQueueSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan Notification, n)
		}
	}
}

// WithConcurrency caps how many handlers run at once for one notification.
func WithConcurrency(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

func WithHandlerTimeout(d time.Duration) BusOption {
	return func(b *Bus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

func NewBus(logger *zap.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		subs:        make(map[Kind][]Handler),
		queue:       make(chan Notification, 1024),
		done:        make(chan struct{}),
		concurrency: 8,
		timeout:     30 * time.Second,
		log:         logger.With(zap.String("component", "notify_bus")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], h)
}

// SubscribeAll registers h for every kind.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

func (b *Bus) Start() {
	b.startOnce.Do(func() {
		go b.dispatchLoop()
		b.log.Info("notify_bus_started")
	})
}

// Stop stops accepting notifications and waits until the queue is drained or ctx
// is done.
func (b *Bus) Stop(ctx context.Context) error {
	b.Start()
	b.stopOnce.Do(func() {
		b.sendMu.Lock()
		b.closed = true
		close(b.queue)
		b.sendMu.Unlock()
	})

	select {
	case <-b.done:
		b.log.Info("notify_bus_stopped")
		return nil
	case <-ctx.Done():
		b.log.Warn("notify_bus_stop_timeout", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// Notify enqueues n. It blocks while the queue is full until ctx is done.
func (b *Bus) Notify(ctx context.Context, n Notification) error {
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	select {
	case b.queue <- n:
		b.log.Debug("notification_enqueued", zap.String("kind", string(n.Kind)), zap.String("order_id", n.OrderID))
		return nil
	case <-ctx.Done():
		b.log.Warn("notification_enqueue_aborted",
			zap.String("kind", string(n.Kind)),
			zap.String("order_id", n.OrderID),
			zap.Error(ctx.Err()),
		)
		return ctx.Err()
	}
}

func (b *Bus) dispatchLoop() {
	defer close(b.done)
	for n := range b.queue {
		b.fanout(n)
	}
}

func (b *Bus) fanout(n Notification) {
	b.mu.RLock()
	handlers := append(append([]Handler(nil), b.subs[n.Kind]...), b.all...)
	b.mu.RUnlock()

	logger := b.log.With(zap.String("kind", string(n.Kind)), zap.String("order_id", n.OrderID))
	if len(handlers) == 0 {
		logger.Debug("notification_dropped_no_subscriber")
		return
	}

	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup

	for _, h := range handlers {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("notification_handler_panic",
						zap.Any("panic", r),
						zap.String("stack", string(debug.Stack())),
					)
				}
				<-sem
				wg.Done()
			}()

			ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
			defer cancel()
			if err := h(ctx, n); err != nil {
				logger.Warn("notification_handler_error", zap.Error(err))
			}
		}()
	}

	wg.Wait()
}
