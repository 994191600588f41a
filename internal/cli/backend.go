package cli

import (
	"context"
	"database/sql"

	"github.com/safar/go-fulfillment/internal/api"
	"github.com/safar/go-fulfillment/internal/config"
	"github.com/safar/go-fulfillment/internal/database"
	"github.com/safar/go-fulfillment/internal/fulfillment"
	"github.com/safar/go-fulfillment/internal/models"
	"github.com/safar/go-fulfillment/internal/store"
	"github.com/safar/go-fulfillment/internal/store/memory"
)

// backend is the full storage surface; both the Postgres and the memory store
// satisfy it.
type backend interface {
	fulfillment.Catalog
	fulfillment.CredentialPool
	fulfillment.Ledger
	api.Inventory
	CreateStore(ctx context.Context, name, currency string) (*models.Store, error)
	CreateProduct(ctx context.Context, req store.CreateProductRequest) (*models.Product, error)
}

var (
	_ backend = (*store.Postgres)(nil)
	_ backend = (*memory.Store)(nil)
)

func openBackend(ctx context.Context, cfg *config.Config) (backend, func() error, error) {
	if cfg.Engine.StorageBackend == config.StorageBackendMemory {
		return memory.New(), func() error { return nil }, nil
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgres(db, store.WithMaxRetries(cfg.Engine.TxMaxRetries)), db.Close, nil
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	return database.NewConnection(ctx, &cfg.Database)
}
