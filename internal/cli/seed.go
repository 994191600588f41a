package cli

import (
	"context"
	"fmt"

	"github.com/safar/go-fulfillment/internal/config"
	"github.com/safar/go-fulfillment/internal/models"
	"github.com/safar/go-fulfillment/internal/store"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type seedOptions struct {
	storeName   string
	currency    string
	productName string
	price       string
	mode        string
	secrets     []string
}

func (so *seedOptions) bind(flags *pflag.FlagSet) {
	flags.StringVar(&so.storeName, "store", "Demo store", "store name")
	flags.StringVar(&so.currency, "currency", "USD", "store and product currency")
	flags.StringVar(&so.productName, "product", "Demo account", "product name")
	flags.StringVar(&so.price, "price", "9.99", "unit price")
	flags.StringVar(&so.mode, "mode", string(models.DeliveryAuto), "delivery mode (auto|manual)")
	flags.StringSliceVar(&so.secrets, "secret", nil, "credential secret to stock, repeatable")
}

// request validates the flags without touching storage.
func (so *seedOptions) request() (store.CreateProductRequest, error) {
	price, err := decimal.NewFromString(so.price)
	if err != nil {
		return store.CreateProductRequest{}, fmt.Errorf("invalid price %q: %w", so.price, err)
	}
	mode := models.DeliveryMode(so.mode)
	if !mode.Valid() {
		return store.CreateProductRequest{}, fmt.Errorf("invalid delivery mode %q", so.mode)
	}
	return store.CreateProductRequest{
		Name:         so.productName,
		Price:        price,
		Currency:     so.currency,
		DeliveryMode: mode,
	}, nil
}

type seeded struct {
	store   *models.Store
	product *models.Product
	stock   int
}

func seedCatalog(ctx context.Context, b backend, so *seedOptions) (*seeded, error) {
	req, err := so.request()
	if err != nil {
		return nil, err
	}

	st, err := b.CreateStore(ctx, so.storeName, so.currency)
	if err != nil {
		return nil, err
	}
	req.StoreID = st.ID
	p, err := b.CreateProduct(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(so.secrets) > 0 {
		if _, err := b.AddCredentials(ctx, p.ID, so.secrets); err != nil {
			return nil, err
		}
	}
	return &seeded{store: st, product: p, stock: len(so.secrets)}, nil
}

// NewSeedCommand creates a store with one product and optional stock in
// Postgres. The memory backend lives only as long as its process, so it is
// seeded with serve --seed instead.
func NewSeedCommand(opts *RootOptions) *cobra.Command {
	so := &seedOptions{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a store and product for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.Engine.StorageBackend != config.StorageBackendPostgres {
				return fmt.Errorf("seed requires the %s backend; use serve --seed with the %s backend",
					config.StorageBackendPostgres, config.StorageBackendMemory)
			}
			if _, err := so.request(); err != nil {
				return err
			}

			ctx := cmd.Context()
			b, closeBackend, err := openBackend(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer closeBackend()

			res, err := seedCatalog(ctx, b, so)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "store_id=%s\n", res.store.ID)
			fmt.Fprintf(out, "product_id=%s\n", res.product.ID)
			fmt.Fprintf(out, "stock=%d\n", res.stock)
			return nil
		},
	}

	so.bind(cmd.Flags())
	return cmd
}
