package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/catalog"
)

const (
	productColumns = `p.id, p.name, p.price, p.requires_color, p.requires_size, p.active,
		c.id, c.type, c.value, c.starts_at, c.ends_at`

	getProductSQL = `SELECT ` + productColumns + `
		FROM products p LEFT JOIN campaigns c ON c.id = p.campaign_id
		WHERE p.id = $1`

	getProductsSQL = `SELECT ` + productColumns + `
		FROM products p LEFT JOIN campaigns c ON c.id = p.campaign_id
		WHERE p.id = ANY($1)`

	listDeliveryMethodsSQL = `SELECT id, title, fee, active
		FROM delivery_methods WHERE active = TRUE ORDER BY fee, id`

	getDeliveryMethodSQL = `SELECT id, title, fee, active
		FROM delivery_methods WHERE id = $1`
)

var (
	_ catalog.Repository      = (*CatalogRepository)(nil)
	_ catalog.DeliveryMethods = (*CatalogRepository)(nil)
)

// CatalogRepository reads products, campaigns and delivery methods. Each
// product is read with its campaign in a single statement.
type CatalogRepository struct {
	db DB
}

// NewCatalogRepository returns a CatalogRepository that uses the given connection.
func NewCatalogRepository(db DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// GetProduct returns a single product by its identifier.
func (r *CatalogRepository) GetProduct(ctx context.Context, id string) (*catalog.Product, error) {
	rows, err := r.db.Query(ctx, getProductSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// GetProducts returns products matching any of the given IDs.
func (r *CatalogRepository) GetProducts(ctx context.Context, ids []string) ([]catalog.Product, error) {
	rows, err := r.db.Query(ctx, getProductsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// ListDeliveryMethods returns the active delivery methods, cheapest first.
func (r *CatalogRepository) ListDeliveryMethods(ctx context.Context) ([]catalog.DeliveryMethod, error) {
	rows, err := r.db.Query(ctx, listDeliveryMethodsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing delivery methods: %w", err)
	}
	return pgx.CollectRows(rows, scanDeliveryMethod)
}

// GetDeliveryMethod returns a delivery method regardless of its active flag.
func (r *CatalogRepository) GetDeliveryMethod(ctx context.Context, id string) (*catalog.DeliveryMethod, error) {
	rows, err := r.db.Query(ctx, getDeliveryMethodSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting delivery method %q: %w", id, err)
	}
	m, err := pgx.CollectExactlyOneRow(rows, scanDeliveryMethod)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrDeliveryMethodNotFound
		}
		return nil, fmt.Errorf("getting delivery method %q: %w", id, err)
	}
	return &m, nil
}

func scanProduct(row pgx.CollectableRow) (catalog.Product, error) {
	var (
		p            catalog.Product
		campaignID   *string
		campaignType *string
		value        decimal.NullDecimal
		startsAt     *time.Time
		endsAt       *time.Time
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Price, &p.RequiresColor, &p.RequiresSize, &p.Active,
		&campaignID, &campaignType, &value, &startsAt, &endsAt,
	)
	if err != nil {
		return p, err
	}
	if campaignID != nil && campaignType != nil && startsAt != nil && endsAt != nil {
		p.Campaign = &catalog.Campaign{
			ID:       *campaignID,
			Type:     catalog.CampaignType(*campaignType),
			Value:    value.Decimal,
			StartsAt: *startsAt,
			EndsAt:   *endsAt,
		}
	}
	return p, nil
}

func scanDeliveryMethod(row pgx.CollectableRow) (catalog.DeliveryMethod, error) {
	var m catalog.DeliveryMethod
	err := row.Scan(&m.ID, &m.Title, &m.Fee, &m.Active)
	return m, err
}
