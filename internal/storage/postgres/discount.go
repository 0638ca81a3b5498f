package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-checkout/internal/domain/discount"
)

const (
	getDiscountByCodeSQL = `SELECT code, type, value, max_discount, min_amount, description,
		valid_from, valid_until, max_uses, uses, active
		FROM discount_codes WHERE code = $1`

	// claimDiscountUseSQL increments the usage counter only while a use is
	// still available, so two checkouts cannot both take the last one.
	claimDiscountUseSQL = `UPDATE discount_codes SET uses = uses + 1
		WHERE code = $1 AND active = TRUE AND (max_uses = 0 OR uses < max_uses)`

	upsertDiscountSQL = `INSERT INTO discount_codes
		(code, type, value, max_discount, min_amount, description, valid_from, valid_until, max_uses, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (code) DO UPDATE SET
			type = EXCLUDED.type, value = EXCLUDED.value, max_discount = EXCLUDED.max_discount,
			min_amount = EXCLUDED.min_amount, description = EXCLUDED.description,
			valid_from = EXCLUDED.valid_from, valid_until = EXCLUDED.valid_until,
			max_uses = EXCLUDED.max_uses, active = EXCLUDED.active`
)

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository implements discount.Repository backed by PostgreSQL.
type DiscountRepository struct {
	db DB
}

// NewDiscountRepository returns a DiscountRepository that uses the given connection.
func NewDiscountRepository(db DB) *DiscountRepository {
	return &DiscountRepository{db: db}
}

// FindByCode looks up a discount code. Codes are stored upper-cased.
// Inactive codes are returned so the validator can report them.
func (r *DiscountRepository) FindByCode(ctx context.Context, code string) (*discount.Rule, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	rows, err := r.db.Query(ctx, getDiscountByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding discount code %q: %w", code, err)
	}

	rule, err := pgx.CollectExactlyOneRow(rows, scanDiscountRule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrInvalidCode
		}
		return nil, fmt.Errorf("finding discount code %q: %w", code, err)
	}
	return &rule, nil
}

// Upsert inserts rules or replaces their definition, keeping usage counters.
func (r *DiscountRepository) Upsert(ctx context.Context, rules []discount.Rule) error {
	batch := &pgx.Batch{}
	for _, rule := range rules {
		batch.Queue(upsertDiscountSQL,
			strings.ToUpper(rule.Code), string(rule.Type), rule.Value, rule.MaxDiscount,
			rule.MinAmount, rule.Description, rule.ValidFrom, rule.ValidUntil,
			rule.MaxUses, rule.Active,
		)
	}

	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upserting %d discount codes: %w", len(rules), err)
		}
		return nil
	})
}

func claimDiscountUse(ctx context.Context, tx pgx.Tx, code string) error {
	tag, err := tx.Exec(ctx, claimDiscountUseSQL, code)
	if err != nil {
		return fmt.Errorf("claiming discount code %q: %w", code, err)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrUsageLimitReached
	}
	return nil
}

func scanDiscountRule(row pgx.CollectableRow) (discount.Rule, error) {
	var (
		rule       discount.Rule
		typ        string
		validFrom  *time.Time
		validUntil *time.Time
		maxUses    int32
		uses       int32
	)
	err := row.Scan(
		&rule.Code, &typ, &rule.Value, &rule.MaxDiscount, &rule.MinAmount, &rule.Description,
		&validFrom, &validUntil, &maxUses, &uses, &rule.Active,
	)
	rule.Type = discount.Type(typ)
	rule.ValidFrom = validFrom
	rule.ValidUntil = validUntil
	rule.MaxUses = int(maxUses)
	rule.Uses = int(uses)
	return rule, err
}
