package fulfillment

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewOrderNumber returns a human-readable order number such as
// ORD-20240131-9F86D081.
func NewOrderNumber(now time.Time) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "ORD-" + now.UTC().Format("20060102") + "-" + id[:8]
}
