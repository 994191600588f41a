package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/safar/go-fulfillment/internal/database"
	"github.com/safar/go-fulfillment/internal/models"
	"github.com/shopspring/decimal"
)

type CreateProductRequest struct {
	StoreID      string
	Name         string
	Price        decimal.Decimal
	Currency     string
	DeliveryMode models.DeliveryMode
}

const productColumns = `id, store_id, name, price, currency, delivery_mode, is_active, created_at, updated_at`

// CreateProduct seeds the catalog. Catalog management proper lives outside the engine.
func (p *Postgres) CreateProduct(ctx context.Context, req CreateProductRequest) (*models.Product, error) {
	if strings.TrimSpace(req.Name) == "" || req.Price.IsNegative() || !req.DeliveryMode.Valid() {
		return nil, models.Errorf(models.ErrValidation, "product needs a name, a non-negative price and a delivery mode")
	}

	query := `
		INSERT INTO products (store_id, name, price, currency, delivery_mode, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, NOW(), NOW())
		RETURNING ` + productColumns

	product, err := scanProduct(p.db.QueryRowContext(ctx, query,
		req.StoreID, req.Name, req.Price, strings.ToUpper(req.Currency), req.DeliveryMode))
	if err != nil {
		if database.IsForeignKeyViolation(err) || database.IsInvalidID(err) {
			return nil, models.Errorf(models.ErrNotFound, "store %s", req.StoreID)
		}
		return nil, database.Wrap("create product", err)
	}

	return product, nil
}

// GetProduct is the catalog lookup used at checkout. Products of other stores and
// inactive products are reported as not found.
func (p *Postgres) GetProduct(ctx context.Context, storeID, productID string) (*models.Product, error) {
	query := `
		SELECT ` + productColumns + `
		FROM products
		WHERE id = $1 AND store_id = $2 AND is_active`

	product, err := scanProduct(p.db.QueryRowContext(ctx, query, productID, storeID))
	if err != nil {
		if err == sql.ErrNoRows || database.IsInvalidID(err) {
			return nil, models.Errorf(models.ErrNotFound, "product %s", productID)
		}
		return nil, database.Wrap("get product", err)
	}

	return product, nil
}

// SetProductActive toggles catalog visibility; existing orders keep their snapshots.
func (p *Postgres) SetProductActive(ctx context.Context, productID string, active bool) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE products SET is_active = $1, updated_at = NOW() WHERE id = $2`,
		active, productID)
	if err != nil {
		if database.IsInvalidID(err) {
			return models.Errorf(models.ErrNotFound, "product %s", productID)
		}
		return database.Wrap("update product", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return database.Wrap("get rows affected", err)
	}
	if rowsAffected == 0 {
		return models.Errorf(models.ErrNotFound, "product %s", productID)
	}

	return nil
}

func (p *Postgres) ListProducts(ctx context.Context, storeID string, page, pageSize int) (*OffsetPage, error) {
	page, pageSize, err := NormalizePage(page, pageSize)
	if err != nil {
		return nil, err
	}

	var total int64
	err = p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products WHERE store_id = $1`, storeID).Scan(&total)
	if err != nil {
		return nil, database.Wrap("count products", err)
	}

	query := `
		SELECT ` + productColumns + `
		FROM products
		WHERE store_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := p.db.QueryContext(ctx, query, storeID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, database.Wrap("list products", err)
	}
	defer rows.Close()

	products := make([]models.Product, 0, pageSize)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, database.Wrap("scan product", err)
		}
		products = append(products, *product)
	}

	if err := rows.Err(); err != nil {
		return nil, database.Wrap("iterate products", err)
	}

	return NewOffsetPage(products, total, page, pageSize), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*models.Product, error) {
	product := &models.Product{}
	err := row.Scan(
		&product.ID,
		&product.StoreID,
		&product.Name,
		&product.Price,
		&product.Currency,
		&product.DeliveryMode,
		&product.Active,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return product, nil
}
