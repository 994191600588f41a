package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/safar/go-fulfillment/internal/database"
	"github.com/safar/go-fulfillment/internal/models"
)

const orderColumns = `o.id, o.store_id, o.order_number, o.status, o.total_amount, o.currency, o.buyer_ref,
	o.stock_shortfall, o.delivery_method, o.payment_method, o.contact_phone, o.customer_notes,
	o.created_at, o.updated_at, o.version`

// CreateOrder persists the order, its line items and its initial notes in one
// transaction, so an order is never visible without its items.
func (p *Postgres) CreateOrder(ctx context.Context, order *models.Order) error {
	if len(order.Items) == 0 {
		return models.Errorf(models.ErrValidation, "order has no line items")
	}

	err := p.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO orders (id, store_id, order_number, status, total_amount, currency, buyer_ref,
			                     stock_shortfall, delivery_method, payment_method, contact_phone, customer_notes,
			                     created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW(), 1)
			 RETURNING created_at, updated_at, version`,
			order.ID, order.StoreID, order.Number, order.Status, order.Total, order.Currency, order.BuyerRef,
			order.StockShortfall, order.Checkout.DeliveryMethod, order.Checkout.PaymentMethod,
			order.Checkout.ContactPhone, order.Checkout.CustomerNotes,
		).Scan(&order.CreatedAt, &order.UpdatedAt, &order.Version)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for i, item := range order.Items {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO order_line_items (order_id, position, product_id, product_name, unit_price,
				                               currency, quantity, delivery_mode, snapshot_version)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				order.ID, i, item.ProductID, item.ProductName, item.UnitPrice,
				item.Currency, item.Quantity, item.DeliveryMode, item.SnapshotVersion)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}
		}

		for i := range order.Notes {
			if err := insertNote(ctx, tx, order.ID, &order.Notes[i]); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		switch {
		case database.IsUniqueViolation(err):
			return models.Errorf(models.ErrConflictingUpdate, "order %s or number %s already exists", order.ID, order.Number)
		case database.IsForeignKeyViolation(err), database.IsInvalidID(err):
			return models.Errorf(models.ErrNotFound, "store %s", order.StoreID)
		}
		return database.Wrap("create order", err)
	}

	return nil
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	order, err := getOrder(ctx, p.db, id)
	if err != nil {
		return nil, err
	}

	notes, err := loadNotes(ctx, p.db, id)
	if err != nil {
		return nil, database.Wrap("get order notes", err)
	}
	order.Notes = notes

	return order, nil
}

func getOrder(ctx context.Context, q querier, id string) (*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders o
		WHERE o.id = $1`

	order, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows || database.IsInvalidID(err) {
			return nil, models.Errorf(models.ErrNotFound, "order %s", id)
		}
		return nil, database.Wrap("get order", err)
	}

	items, err := loadItems(ctx, q, []string{id})
	if err != nil {
		return nil, database.Wrap("get order items", err)
	}
	order.Items = items[id]

	return order, nil
}

// ListOrders pages through a store's orders newest first with a keyset cursor over
// (created_at, id).
func (p *Postgres) ListOrders(ctx context.Context, filter models.OrderFilter) (*models.OrderPage, error) {
	cursor, err := DecodeCursor(filter.Cursor)
	if err != nil {
		return nil, err
	}
	limit := ClampLimit(filter.Limit)

	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conds = append(conds, "o.store_id = "+arg(filter.StoreID))
	if filter.Status != "" {
		conds = append(conds, "o.status = "+arg(filter.Status))
	}
	if filter.BuyerRef != "" {
		conds = append(conds, "o.buyer_ref = "+arg(filter.BuyerRef))
	}
	if filter.NeedsConfirmation != nil {
		conds = append(conds, `EXISTS (
			SELECT 1 FROM order_line_items li
			WHERE li.order_id = o.id AND li.delivery_mode = 'manual') = `+arg(*filter.NeedsConfirmation))
	}
	if cursor != nil {
		conds = append(conds, fmt.Sprintf("(o.created_at, o.id) < (%s, %s)", arg(cursor.CreatedAt), arg(cursor.ID)))
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders o
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT ` + arg(limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		if database.IsInvalidID(err) {
			return &models.OrderPage{}, nil
		}
		return nil, database.Wrap("list orders", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, database.Wrap("scan order", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, database.Wrap("iterate orders", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	items, err := loadItems(ctx, p.db, ids)
	if err != nil {
		return nil, database.Wrap("list order items", err)
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}

	return &models.OrderPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// UpdateOrder applies upd only if the stored version still equals
// upd.ExpectedVersion. With ReleaseClaims set, the order's credential units are
// freed in the same transaction.
func (p *Postgres) UpdateOrder(ctx context.Context, upd models.OrderUpdate) (*models.Order, int, error) {
	var order *models.Order
	var released int

	err := p.inTx(ctx, func(tx *sql.Tx) error {
		var newVersion int
		err := tx.QueryRowContext(ctx,
			`UPDATE orders
			 SET status = COALESCE(NULLIF($3::text, ''), status),
			     stock_shortfall = COALESCE($4::boolean, stock_shortfall),
			     updated_at = NOW(),
			     version = version + 1
			 WHERE id = $1 AND version = $2
			 RETURNING version`,
			upd.ID, upd.ExpectedVersion, string(upd.Status), upd.StockShortfall,
		).Scan(&newVersion)
		if database.IsInvalidID(err) {
			return models.Errorf(models.ErrNotFound, "order %s", upd.ID)
		}
		if err == sql.ErrNoRows {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, upd.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return models.Errorf(models.ErrNotFound, "order %s", upd.ID)
			}
			return models.Errorf(models.ErrConflictingUpdate, "order %s changed since version %d", upd.ID, upd.ExpectedVersion)
		}
		if err != nil {
			return err
		}

		if upd.Note != nil {
			if err := insertNote(ctx, tx, upd.ID, upd.Note); err != nil {
				return err
			}
		}

		released = 0
		if upd.ReleaseClaims {
			result, err := tx.ExecContext(ctx,
				`UPDATE credential_units
				 SET claimed = FALSE, claimed_by_order = NULL, claimed_at = NULL
				 WHERE claimed_by_order = $1`,
				upd.ID)
			if err != nil {
				return fmt.Errorf("release claims: %w", err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("release claims: %w", err)
			}
			released = int(n)
		}

		order, err = getOrder(ctx, tx, upd.ID)
		if err != nil {
			return err
		}
		order.Notes, err = loadNotes(ctx, tx, upd.ID)
		return err
	})
	if err != nil {
		return nil, 0, database.Wrap("update order", err)
	}

	return order, released, nil
}

// AppendNote adds a timestamped note. Notes are never rewritten.
func (p *Postgres) AppendNote(ctx context.Context, orderID string, note models.Note) error {
	err := insertNote(ctx, p.db, orderID, &note)
	if err != nil {
		if database.IsForeignKeyViolation(err) || database.IsInvalidID(err) {
			return models.Errorf(models.ErrNotFound, "order %s", orderID)
		}
		return database.Wrap("append note", err)
	}
	return nil
}

func insertNote(ctx context.Context, q querier, orderID string, note *models.Note) error {
	return q.QueryRowContext(ctx,
		`INSERT INTO order_notes (order_id, author, body, created_at)
		 VALUES ($1, $2, $3, clock_timestamp())
		 RETURNING created_at`,
		orderID, note.Author, note.Text,
	).Scan(&note.At)
}

func loadNotes(ctx context.Context, q querier, orderID string) ([]models.Note, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT author, body, created_at FROM order_notes WHERE order_id = $1 ORDER BY id`,
		orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []models.Note
	for rows.Next() {
		var n models.Note
		if err := rows.Scan(&n.Author, &n.Text, &n.At); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func loadItems(ctx context.Context, q querier, orderIDs []string) (map[string][]models.OrderLineItem, error) {
	out := make(map[string][]models.OrderLineItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}

	rows, err := q.QueryContext(ctx,
		`SELECT order_id, product_id, product_name, unit_price, currency, quantity, delivery_mode, snapshot_version
		 FROM order_line_items
		 WHERE order_id = ANY($1::uuid[])
		 ORDER BY order_id, position`,
		pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var orderID string
		var item models.OrderLineItem
		err := rows.Scan(
			&orderID,
			&item.ProductID,
			&item.ProductName,
			&item.UnitPrice,
			&item.Currency,
			&item.Quantity,
			&item.DeliveryMode,
			&item.SnapshotVersion,
		)
		if err != nil {
			return nil, err
		}
		out[orderID] = append(out[orderID], item)
	}
	return out, rows.Err()
}

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	err := row.Scan(
		&order.ID,
		&order.StoreID,
		&order.Number,
		&order.Status,
		&order.Total,
		&order.Currency,
		&order.BuyerRef,
		&order.StockShortfall,
		&order.Checkout.DeliveryMethod,
		&order.Checkout.PaymentMethod,
		&order.Checkout.ContactPhone,
		&order.Checkout.CustomerNotes,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return nil, err
	}
	return order, nil
}
