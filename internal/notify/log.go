package notify

import (
	"context"

	"github.com/safar/go-fulfillment/internal/logging"
	"go.uber.org/zap"
)

// LogNotifier writes notifications to the log. Credential secrets are never logged,
// only unit ids.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.With(zap.String("component", "notifier"))}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	unitIDs := make([]string, 0, len(n.Credentials))
	for _, u := range n.Credentials {
		unitIDs = append(unitIDs, u.ID)
	}

	logging.FromContext(ctx, l.logger).Info("notification",
		zap.String("kind", string(n.Kind)),
		zap.String("audience", n.Kind.Audience()),
		zap.String("order_id", n.OrderID),
		zap.String("order_number", n.OrderNumber),
		zap.String("store_id", n.StoreID),
		zap.String("buyer_ref", n.BuyerRef),
		zap.String("status", string(n.Status)),
		zap.String("text", n.Text),
		zap.Strings("unit_ids", unitIDs),
	)
	return nil
}
