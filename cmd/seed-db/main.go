package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/discount"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

type seedFile struct {
	Campaigns []struct {
		ID       string          `json:"id"`
		Type     string          `json:"type"`
		Value    decimal.Decimal `json:"value"`
		StartsAt time.Time       `json:"starts_at"`
		EndsAt   time.Time       `json:"ends_at"`
	} `json:"campaigns"`
	Products []struct {
		ID            string          `json:"id"`
		Name          string          `json:"name"`
		Price         decimal.Decimal `json:"price"`
		RequiresColor bool            `json:"requires_color"`
		RequiresSize  bool            `json:"requires_size"`
		CampaignID    *string         `json:"campaign_id"`
	} `json:"products"`
	DeliveryMethods []struct {
		ID    string          `json:"id"`
		Title string          `json:"title"`
		Fee   decimal.Decimal `json:"fee"`
	} `json:"delivery_methods"`
	DiscountCodes []struct {
		Code        string          `json:"code"`
		Type        string          `json:"type"`
		Value       decimal.Decimal `json:"value"`
		MaxDiscount decimal.Decimal `json:"max_discount"`
		MinAmount   decimal.Decimal `json:"min_amount"`
		MaxUses     int             `json:"max_uses"`
		Description string          `json:"description"`
	} `json:"discount_codes"`
}

const (
	upsertCampaignSQL = `
INSERT INTO campaigns (id, type, value, starts_at, ends_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET type = EXCLUDED.type, value = EXCLUDED.value,
    starts_at = EXCLUDED.starts_at, ends_at = EXCLUDED.ends_at`

	upsertProductSQL = `
INSERT INTO products (id, name, price, requires_color, requires_size, active, campaign_id)
VALUES ($1, $2, $3, $4, $5, TRUE, $6)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price,
    requires_color = EXCLUDED.requires_color, requires_size = EXCLUDED.requires_size,
    active = TRUE, campaign_id = EXCLUDED.campaign_id`

	upsertDeliverySQL = `
INSERT INTO delivery_methods (id, title, fee, active)
VALUES ($1, $2, $3, TRUE)
ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, fee = EXCLUDED.fee, active = TRUE`

	upsertAPIKeySQL = `
INSERT INTO api_keys (id, key_hash, name, scopes, active)
VALUES ($1, $2, $3, $4, TRUE)
ON CONFLICT (id) DO UPDATE SET key_hash = EXCLUDED.key_hash, name = EXCLUDED.name,
    scopes = EXCLUDED.scopes, active = TRUE`
)

func main() {
	var (
		databaseURL  string
		catalogFile  string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to the seed catalog JSON file")
	flag.StringVar(&apiKey, "api-key", "", "operator API key to seed (or KART_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or KART_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("KART_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or KART_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("KART_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile, apiKey, pepper string) error {
	data, err := os.ReadFile(catalogFile)
	if err != nil {
		return errors.Wrap(err, "read catalog file")
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return errors.Wrap(err, "parse catalog JSON")
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedCatalog(ctx, pool, &seed, apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed catalog")
	}
	if err := seedDiscounts(ctx, postgres.NewDiscountRepository(pool), &seed); err != nil {
		return errors.Wrap(err, "seed discount codes")
	}
	return nil
}

// seedCatalog writes campaigns before the products that reference them.
func seedCatalog(ctx context.Context, db postgres.DB, seed *seedFile, apiKey, pepper string) error {
	batch := &pgx.Batch{}
	for _, c := range seed.Campaigns {
		batch.Queue(upsertCampaignSQL, c.ID, c.Type, c.Value, c.StartsAt, c.EndsAt)
	}
	for _, p := range seed.Products {
		batch.Queue(upsertProductSQL, p.ID, p.Name, p.Price, p.RequiresColor, p.RequiresSize, p.CampaignID)
	}
	for _, d := range seed.DeliveryMethods {
		batch.Queue(upsertDeliverySQL, d.ID, d.Title, d.Fee)
	}
	batch.Queue(upsertAPIKeySQL, "default", handler.HashKey(apiKey, []byte(pepper)), "Default operator key", []string{string(auth.ScopeAdmin)})

	tx, err := db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "upsert catalog")
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit")
	}

	slog.Info("upserted catalog",
		slog.Int("campaigns", len(seed.Campaigns)),
		slog.Int("products", len(seed.Products)),
		slog.Int("delivery_methods", len(seed.DeliveryMethods)),
	)
	return nil
}

func seedDiscounts(ctx context.Context, repo *postgres.DiscountRepository, seed *seedFile) error {
	rules := make([]discount.Rule, 0, len(seed.DiscountCodes))
	for _, c := range seed.DiscountCodes {
		rule := discount.Rule{
			Code:        c.Code,
			Type:        discount.Type(c.Type),
			Value:       c.Value,
			MaxDiscount: c.MaxDiscount,
			MinAmount:   c.MinAmount,
			MaxUses:     c.MaxUses,
			Description: c.Description,
			Active:      true,
		}
		if !rule.Type.Valid() {
			return errors.Errorf("discount code %s: unknown type %q", c.Code, c.Type)
		}
		rules = append(rules, rule)
	}
	if err := repo.Upsert(ctx, rules); err != nil {
		return err
	}
	slog.Info("upserted discount codes", slog.Int("count", len(rules)))
	return nil
}
