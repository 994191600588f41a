package store

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/lib/pq"
	"github.com/safar/go-fulfillment/internal/database"
	"github.com/safar/go-fulfillment/internal/models"
)

const unitColumns = `id, product_id, secret, claimed, claimed_by_order, claimed_at, created_at`

// AddCredentials restocks a product with fresh, unclaimed units.
func (p *Postgres) AddCredentials(ctx context.Context, productID string, secrets []string) ([]models.CredentialUnit, error) {
	if len(secrets) == 0 {
		return nil, models.Errorf(models.ErrValidation, "no credentials given")
	}
	for _, s := range secrets {
		if strings.TrimSpace(s) == "" {
			return nil, models.Errorf(models.ErrValidation, "credential secret must not be empty")
		}
	}

	var units []models.CredentialUnit
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		units = units[:0]
		for _, secret := range secrets {
			unit, err := scanUnit(tx.QueryRowContext(ctx,
				`INSERT INTO credential_units (product_id, secret, claimed, created_at)
				 VALUES ($1, $2, FALSE, clock_timestamp())
				 RETURNING `+unitColumns,
				productID, secret))
			if err != nil {
				return err
			}
			units = append(units, *unit)
		}
		return nil
	})
	if err != nil {
		if database.IsForeignKeyViolation(err) || database.IsInvalidID(err) {
			return nil, models.Errorf(models.ErrNotFound, "product %s", productID)
		}
		return nil, database.Wrap("add credentials", err)
	}

	return units, nil
}

// DeleteCredential removes a unit that was never handed out.
func (p *Postgres) DeleteCredential(ctx context.Context, unitID string) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM credential_units WHERE id = $1 AND NOT claimed`, unitID)
	if err != nil {
		if database.IsInvalidID(err) {
			return models.Errorf(models.ErrNotFound, "credential %s", unitID)
		}
		return database.Wrap("delete credential", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return database.Wrap("get rows affected", err)
	}
	if rowsAffected == 0 {
		var claimed bool
		err := p.db.QueryRowContext(ctx, `SELECT claimed FROM credential_units WHERE id = $1`, unitID).Scan(&claimed)
		if err == sql.ErrNoRows {
			return models.Errorf(models.ErrNotFound, "credential %s", unitID)
		}
		if err != nil {
			return database.Wrap("check credential", err)
		}
		return models.Errorf(models.ErrInvalidTransition, "credential %s is claimed", unitID)
	}

	return nil
}

func (p *Postgres) StockLevel(ctx context.Context, productID string) (*models.StockLevel, error) {
	level := &models.StockLevel{ProductID: productID}

	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists)
	if err != nil {
		if database.IsInvalidID(err) {
			return nil, models.Errorf(models.ErrNotFound, "product %s", productID)
		}
		return nil, database.Wrap("check product exists", err)
	}
	if !exists {
		return nil, models.Errorf(models.ErrNotFound, "product %s", productID)
	}

	err = p.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE NOT claimed)
		 FROM credential_units
		 WHERE product_id = $1`,
		productID).Scan(&level.Total, &level.Free)
	if err != nil {
		return nil, database.Wrap("count credentials", err)
	}
	level.Claimed = level.Total - level.Free

	return level, nil
}

// Allocate claims quantity free units of productID for orderID, or none at all.
func (p *Postgres) Allocate(ctx context.Context, orderID, productID string, quantity int) ([]models.CredentialUnit, error) {
	return p.AllocateBatch(ctx, orderID, []models.AllocationRequest{{ProductID: productID, Quantity: quantity}})
}

// AllocateBatch claims units for several products of one order in a single
// transaction. Products are locked in sorted order with transaction-scoped advisory
// locks, so allocations for unrelated products never wait on each other. A product
// the order already holds units for is not claimed again.
func (p *Postgres) AllocateBatch(ctx context.Context, orderID string, reqs []models.AllocationRequest) ([]models.CredentialUnit, error) {
	reqs, err := NormalizeRequests(reqs)
	if err != nil {
		return nil, err
	}

	var units []models.CredentialUnit
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		units = units[:0]

		lineItems, err := lockOrderForAllocation(ctx, tx, orderID)
		if err != nil {
			return err
		}

		for _, req := range reqs {
			ordered, ok := lineItems[req.ProductID]
			if !ok {
				return models.Errorf(models.ErrValidation, "order %s has no line item for product %s", orderID, req.ProductID)
			}
			if req.Quantity != ordered {
				return models.Errorf(models.ErrValidation, "order %s has %d of product %s, %d requested",
					orderID, ordered, req.ProductID, req.Quantity)
			}

			if _, err := tx.ExecContext(ctx,
				`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, req.ProductID); err != nil {
				return err
			}

			existing, err := claimedUnits(ctx, tx, orderID, req.ProductID)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				units = append(units, existing...)
				continue
			}

			claimed, err := claimFree(ctx, tx, orderID, req)
			if err != nil {
				return err
			}
			if len(claimed) < req.Quantity {
				// The caller's transaction rolls back every claim made above.
				var free int
				if err := tx.QueryRowContext(ctx,
					`SELECT COUNT(*) FROM credential_units WHERE product_id = $1 AND NOT claimed`,
					req.ProductID).Scan(&free); err != nil {
					return err
				}
				return &models.InsufficientError{
					ProductID: req.ProductID,
					Requested: req.Quantity,
					Available: free + len(claimed),
				}
			}
			units = append(units, claimed...)
		}
		return nil
	})
	if err != nil {
		return nil, database.Wrap("allocate", err)
	}

	return units, nil
}

// lockOrderForAllocation takes a share lock on the order row, which conflicts with the
// exclusive lock UpdateOrder holds while cancelling.
func lockOrderForAllocation(ctx context.Context, tx *sql.Tx, orderID string) (map[string]int, error) {
	var status models.Status
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM orders WHERE id = $1 FOR SHARE`, orderID).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows || database.IsInvalidID(err) {
			return nil, models.Errorf(models.ErrNotFound, "order %s", orderID)
		}
		return nil, err
	}
	if status.Terminal() {
		return nil, models.Errorf(models.ErrInvalidTransition, "order %s is %s", orderID, status)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT product_id, quantity FROM order_line_items WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make(map[string]int)
	for rows.Next() {
		var productID string
		var quantity int
		if err := rows.Scan(&productID, &quantity); err != nil {
			return nil, err
		}
		items[productID] += quantity
	}
	return items, rows.Err()
}

func claimFree(ctx context.Context, tx *sql.Tx, orderID string, req models.AllocationRequest) ([]models.CredentialUnit, error) {
	query := `
		WITH picked AS (
			SELECT id
			FROM credential_units
			WHERE product_id = $1 AND NOT claimed
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE
		)
		UPDATE credential_units c
		SET claimed = TRUE,
		    claimed_by_order = $3,
		    claimed_at = NOW()
		FROM picked
		WHERE c.id = picked.id
		RETURNING c.id, c.product_id, c.secret, c.claimed, c.claimed_by_order, c.claimed_at, c.created_at`

	rows, err := tx.QueryContext(ctx, query, req.ProductID, req.Quantity, orderID)
	if err != nil {
		return nil, err
	}
	return scanUnits(rows)
}

func claimedUnits(ctx context.Context, q querier, orderID, productID string) ([]models.CredentialUnit, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+unitColumns+`
		 FROM credential_units
		 WHERE claimed_by_order = $1 AND product_id = $2
		 ORDER BY created_at, id`,
		orderID, productID)
	if err != nil {
		return nil, err
	}
	return scanUnits(rows)
}

// Release frees the units orderID holds for productID and reports how many it freed.
func (p *Postgres) Release(ctx context.Context, orderID, productID string) (int, error) {
	result, err := p.db.ExecContext(ctx,
		`UPDATE credential_units
		 SET claimed = FALSE, claimed_by_order = NULL, claimed_at = NULL
		 WHERE claimed_by_order = $1 AND product_id = $2`,
		orderID, productID)
	if err != nil {
		if database.IsInvalidID(err) {
			return 0, nil
		}
		return 0, database.Wrap("release", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, database.Wrap("get rows affected", err)
	}
	return int(rowsAffected), nil
}

// Allocations is the allocation record of an order: every unit it currently holds.
func (p *Postgres) Allocations(ctx context.Context, orderID string) ([]models.CredentialUnit, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+unitColumns+`
		 FROM credential_units
		 WHERE claimed_by_order = $1
		 ORDER BY product_id, created_at, id`,
		orderID)
	if err != nil {
		if database.IsInvalidID(err) {
			return nil, nil
		}
		return nil, database.Wrap("list allocations", err)
	}

	units, err := scanUnits(rows)
	if err != nil {
		return nil, database.Wrap("scan allocations", err)
	}
	return units, nil
}

// ReleaseOrder frees every unit orderID holds.
func (p *Postgres) ReleaseOrder(ctx context.Context, orderID string) (int, error) {
	result, err := p.db.ExecContext(ctx,
		`UPDATE credential_units
		 SET claimed = FALSE, claimed_by_order = NULL, claimed_at = NULL
		 WHERE claimed_by_order = $1`,
		orderID)
	if err != nil {
		if database.IsInvalidID(err) {
			return 0, nil
		}
		return 0, database.Wrap("release order", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, database.Wrap("get rows affected", err)
	}
	return int(rowsAffected), nil
}

// AllocationsFor loads the allocation records of several orders at once, keyed by
// order id.
func (p *Postgres) AllocationsFor(ctx context.Context, orderIDs []string) (map[string][]models.CredentialUnit, error) {
	out, err := allocationsFor(ctx, p.db, orderIDs)
	if err != nil {
		return nil, database.Wrap("list allocations", err)
	}
	return out, nil
}

func allocationsFor(ctx context.Context, q querier, orderIDs []string) (map[string][]models.CredentialUnit, error) {
	out := make(map[string][]models.CredentialUnit, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}

	rows, err := q.QueryContext(ctx,
		`SELECT `+unitColumns+`
		 FROM credential_units
		 WHERE claimed_by_order = ANY($1::uuid[])
		 ORDER BY product_id, created_at, id`,
		pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}

	units, err := scanUnits(rows)
	if err != nil {
		return nil, err
	}
	for _, u := range units {
		out[*u.ClaimedByOrder] = append(out[*u.ClaimedByOrder], u)
	}
	return out, nil
}

// NormalizeRequests validates allocation requests, merges duplicates and sorts them by
// product id, which is the order product locks are taken in.
func NormalizeRequests(reqs []models.AllocationRequest) ([]models.AllocationRequest, error) {
	if len(reqs) == 0 {
		return nil, models.Errorf(models.ErrValidation, "nothing to allocate")
	}

	merged := make(map[string]int, len(reqs))
	for _, r := range reqs {
		if r.Quantity <= 0 {
			return nil, models.Errorf(models.ErrValidation, "quantity for product %s must be positive", r.ProductID)
		}
		if r.ProductID == "" {
			return nil, models.Errorf(models.ErrValidation, "product id is required")
		}
		merged[r.ProductID] += r.Quantity
	}

	out := make([]models.AllocationRequest, 0, len(merged))
	for productID, qty := range merged {
		out = append(out, models.AllocationRequest{ProductID: productID, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func scanUnit(row rowScanner) (*models.CredentialUnit, error) {
	u := &models.CredentialUnit{}
	var claimedBy sql.NullString
	var claimedAt sql.NullTime
	err := row.Scan(&u.ID, &u.ProductID, &u.Secret, &u.Claimed, &claimedBy, &claimedAt, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	if claimedBy.Valid {
		u.ClaimedByOrder = &claimedBy.String
	}
	if claimedAt.Valid {
		u.ClaimedAt = &claimedAt.Time
	}
	return u, nil
}

func scanUnits(rows *sql.Rows) ([]models.CredentialUnit, error) {
	defer rows.Close()

	var units []models.CredentialUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return units, nil
}
