package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/safar/go-fulfillment/internal/models"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type OffsetPage struct {
	Items      interface{} `json:"items"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
}

type OrderCursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

func EncodeCursor(cursor OrderCursor) string {
	data, err := json.Marshal(cursor)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeCursor returns nil for the first page.
func DecodeCursor(encoded string) (*OrderCursor, error) {
	if encoded == "" {
		return nil, nil
	}

	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, models.Errorf(models.ErrValidation, "malformed cursor")
	}

	var cursor OrderCursor
	if err := json.Unmarshal(data, &cursor); err != nil || cursor.ID == "" {
		return nil, models.Errorf(models.ErrValidation, "malformed cursor")
	}
	return &cursor, nil
}

// ClampLimit applies the default page size and the upper bound.
func ClampLimit(limit int) int {
	if limit < 1 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func totalPages(total int64, pageSize int) int {
	pages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		pages++
	}
	return pages
}

// NewOffsetPage wraps one page of a numbered listing.
func NewOffsetPage(items interface{}, total int64, page, pageSize int) *OffsetPage {
	return &OffsetPage{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages(total, pageSize),
	}
}

// NormalizePage rejects pages below 1 and clamps the page size.
func NormalizePage(page, pageSize int) (int, int, error) {
	if page < 1 {
		return 0, 0, fmt.Errorf("page must be positive: %w", models.ErrValidation)
	}
	return page, ClampLimit(pageSize), nil
}
