package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/safar/go-fulfillment/internal/database"
	"github.com/safar/go-fulfillment/internal/models"
	"github.com/safar/go-fulfillment/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres tests need docker")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := postgres.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	host, err := postgres.Host(ctx)
	require.NoError(t, err)
	port, err := postgres.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(30)

	require.NoError(t, db.PingContext(ctx))

	_, err = database.RunMigrations(ctx, db, "../../migrations", database.MigrateUp)
	require.NoError(t, err)

	return db
}

type fixture struct {
	pg      *store.Postgres
	storeID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pg := store.NewPostgres(setupTestDB(t))
	st, err := pg.CreateStore(context.Background(), "Test Shop", "usd")
	require.NoError(t, err)
	return &fixture{pg: pg, storeID: st.ID}
}

func (f *fixture) product(t *testing.T, mode models.DeliveryMode, stock int) *models.Product {
	t.Helper()
	p, err := f.pg.CreateProduct(context.Background(), store.CreateProductRequest{
		StoreID:      f.storeID,
		Name:         "Streaming account",
		Price:        decimal.RequireFromString("4.50"),
		Currency:     "USD",
		DeliveryMode: mode,
	})
	require.NoError(t, err)

	if stock > 0 {
		secrets := make([]string, stock)
		for i := range secrets {
			secrets[i] = fmt.Sprintf("login%d:secret", i)
		}
		_, err = f.pg.AddCredentials(context.Background(), p.ID, secrets)
		require.NoError(t, err)
	}
	return p
}

func (f *fixture) order(t *testing.T, items ...models.OrderLineItem) *models.Order {
	t.Helper()
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	o := &models.Order{
		ID:       uuid.NewString(),
		StoreID:  f.storeID,
		Number:   "ORD-" + uuid.NewString()[:8],
		Status:   models.StatusNew,
		Total:    total,
		Currency: "USD",
		BuyerRef: "tg:1",
		Items:    items,
		Notes:    []models.Note{{At: time.Now(), Author: models.NoteSystem, Text: "created"}},
	}
	require.NoError(t, f.pg.CreateOrder(context.Background(), o))
	return o
}

func line(p *models.Product, qty int) models.OrderLineItem {
	return models.OrderLineItem{
		ProductID:       p.ID,
		ProductName:     p.Name,
		UnitPrice:       p.Price,
		Currency:        p.Currency,
		Quantity:        qty,
		DeliveryMode:    p.DeliveryMode,
		SnapshotVersion: models.LineItemSnapshotVersion,
	}
}
