package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type DeliveryMode string

const (
	DeliveryAuto   DeliveryMode = "auto"
	DeliveryManual DeliveryMode = "manual"
)

func (m DeliveryMode) Valid() bool {
	return m == DeliveryAuto || m == DeliveryManual
}

// LineItemSnapshotVersion tags the layout of OrderLineItem rows written today.
const LineItemSnapshotVersion = 1

type Store struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Product struct {
	ID           string          `json:"id"`
	StoreID      string          `json:"store_id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency"`
	DeliveryMode DeliveryMode    `json:"delivery_mode"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type CredentialUnit struct {
	ID             string     `json:"id"`
	ProductID      string     `json:"product_id"`
	Secret         string     `json:"secret,omitempty"`
	Claimed        bool       `json:"claimed"`
	ClaimedByOrder *string    `json:"claimed_by_order,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type StockLevel struct {
	ProductID string `json:"product_id"`
	Total     int    `json:"total"`
	Free      int    `json:"free"`
	Claimed   int    `json:"claimed"`
}

// OrderLineItem is a copy of the catalog entry taken when the order was placed.
// Later catalog edits never reach it.
type OrderLineItem struct {
	ProductID       string          `json:"product_id"`
	ProductName     string          `json:"product_name"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	Currency        string          `json:"currency"`
	Quantity        int             `json:"quantity"`
	DeliveryMode    DeliveryMode    `json:"delivery_mode"`
	SnapshotVersion int             `json:"snapshot_version"`
}

func (li OrderLineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

type NoteAuthor string

const (
	NoteSystem   NoteAuthor = "system"
	NoteOperator NoteAuthor = "operator"
	NoteMessage  NoteAuthor = "message"
)

type Note struct {
	At     time.Time  `json:"at"`
	Author NoteAuthor `json:"author"`
	Text   string     `json:"text"`
}

type CheckoutDetails struct {
	DeliveryMethod string `json:"delivery_method,omitempty"`
	PaymentMethod  string `json:"payment_method,omitempty"`
	ContactPhone   string `json:"contact_phone,omitempty"`
	CustomerNotes  string `json:"customer_notes,omitempty"`
}

type Order struct {
	ID             string          `json:"id"`
	StoreID        string          `json:"store_id"`
	Number         string          `json:"order_number"`
	Status         Status          `json:"status"`
	Total          decimal.Decimal `json:"total"`
	Currency       string          `json:"currency"`
	BuyerRef       string          `json:"buyer_ref"`
	StockShortfall bool            `json:"stock_shortfall"`
	Checkout       CheckoutDetails `json:"checkout"`
	Items          []OrderLineItem `json:"items"`
	Notes          []Note          `json:"notes"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Version        int             `json:"version"`
}

// NeedsConfirmation reports whether any line item requires an operator decision.
func (o *Order) NeedsConfirmation() bool {
	for _, item := range o.Items {
		if item.DeliveryMode == DeliveryManual {
			return true
		}
	}
	return false
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]OrderLineItem(nil), o.Items...)
	c.Notes = append([]Note(nil), o.Notes...)
	return &c
}

type AllocationRequest struct {
	ProductID string
	Quantity  int
}

type AllocationSummary struct {
	ProductID string   `json:"product_id"`
	Requested int      `json:"requested"`
	Allocated int      `json:"allocated"`
	UnitIDs   []string `json:"unit_ids"`
}

// OrderView is what admin and storefront callers see for a single order.
type OrderView struct {
	Order
	NeedsConfirmation bool                `json:"needs_confirmation"`
	Allocations       []AllocationSummary `json:"allocations"`
}

// NewOrderView joins an order with its allocation record.
func NewOrderView(o *Order, units []CredentialUnit) OrderView {
	byProduct := make(map[string][]string)
	for _, u := range units {
		byProduct[u.ProductID] = append(byProduct[u.ProductID], u.ID)
	}

	summaries := make([]AllocationSummary, 0, len(o.Items))
	for _, item := range o.Items {
		ids := byProduct[item.ProductID]
		summaries = append(summaries, AllocationSummary{
			ProductID: item.ProductID,
			Requested: item.Quantity,
			Allocated: len(ids),
			UnitIDs:   append([]string{}, ids...),
		})
	}

	return OrderView{
		Order:             *o.Clone(),
		NeedsConfirmation: o.NeedsConfirmation(),
		Allocations:       summaries,
	}
}

type OrderFilter struct {
	StoreID           string
	Status            Status
	NeedsConfirmation *bool
	BuyerRef          string
	Cursor            string
	Limit             int
}

type OrderPage struct {
	Items      []Order `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
	HasMore    bool    `json:"has_more"`
}

// OrderUpdate is a compare-and-swap mutation of an order row. Zero-valued optional
// fields are left untouched.
type OrderUpdate struct {
	ID              string
	ExpectedVersion int
	Status          Status
	StockShortfall  *bool
	Note            *Note
	ReleaseClaims   bool
}

type OrderViewPage struct {
	Items      []OrderView `json:"items"`
	NextCursor string      `json:"next_cursor,omitempty"`
	HasMore    bool        `json:"has_more"`
}
