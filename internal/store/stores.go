package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/safar/go-fulfillment/internal/database"
	"github.com/safar/go-fulfillment/internal/models"
)

func (p *Postgres) CreateStore(ctx context.Context, name, currency string) (*models.Store, error) {
	if strings.TrimSpace(name) == "" || len(currency) != 3 {
		return nil, models.Errorf(models.ErrValidation, "store needs a name and a 3-letter currency")
	}

	s := &models.Store{}

	query := `
		INSERT INTO stores (name, currency, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		RETURNING id, name, currency, created_at, updated_at`

	err := p.db.QueryRowContext(ctx, query, name, strings.ToUpper(currency)).Scan(
		&s.ID,
		&s.Name,
		&s.Currency,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, database.Wrap("create store", err)
	}

	return s, nil
}

func (p *Postgres) GetStore(ctx context.Context, id string) (*models.Store, error) {
	s := &models.Store{}

	query := `
		SELECT id, name, currency, created_at, updated_at
		FROM stores
		WHERE id = $1`

	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID,
		&s.Name,
		&s.Currency,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows || database.IsInvalidID(err) {
			return nil, models.Errorf(models.ErrNotFound, "store %s", id)
		}
		return nil, database.Wrap("get store", err)
	}

	return s, nil
}

func (p *Postgres) ListStores(ctx context.Context, page, pageSize int) (*OffsetPage, error) {
	page, pageSize, err := NormalizePage(page, pageSize)
	if err != nil {
		return nil, err
	}

	var total int64
	err = p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stores`).Scan(&total)
	if err != nil {
		return nil, database.Wrap("count stores", err)
	}

	query := `
		SELECT id, name, currency, created_at, updated_at
		FROM stores
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`

	rows, err := p.db.QueryContext(ctx, query, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, database.Wrap("list stores", err)
	}
	defer rows.Close()

	stores := make([]models.Store, 0, pageSize)
	for rows.Next() {
		var s models.Store
		if err := rows.Scan(&s.ID, &s.Name, &s.Currency, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, database.Wrap("scan store", err)
		}
		stores = append(stores, s)
	}

	if err := rows.Err(); err != nil {
		return nil, database.Wrap("iterate stores", err)
	}

	return NewOffsetPage(stores, total, page, pageSize), nil
}
