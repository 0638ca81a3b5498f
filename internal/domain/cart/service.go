package cart

import (
	"context"
	"sort"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/catalog"
)

// Service validates cart mutations against the catalog and applies them to a Store.
type Service struct {
	store    Store
	products catalog.Repository
}

// NewService creates a cart Service.
func NewService(store Store, products catalog.Repository) *Service {
	return &Service{store: store, products: products}
}

// Add puts qty units of a product variant in the cart. Re-adding the same
// variant increments its quantity.
func (s *Service) Add(ctx context.Context, subject string, l Line) (int, error) {
	if l.Quantity <= 0 {
		return 0, ErrInvalidQuantity
	}
	if err := s.checkVariant(ctx, l.ProductID, l.Variant); err != nil {
		return 0, err
	}
	qty, err := s.store.Increment(ctx, subject, l.Key(), l.Quantity)
	if err != nil {
		return 0, errors.Wrap(err, "increment line")
	}
	zctx.From(ctx).Debug("Cart line added",
		zap.String("key", l.Key()),
		zap.Int("quantity", qty),
	)
	return qty, nil
}

// Remove deletes a line from the cart.
func (s *Service) Remove(ctx context.Context, subject, key string) error {
	if _, _, err := ParseKey(key); err != nil {
		return err
	}
	ok, err := s.store.Remove(ctx, subject, key)
	if err != nil {
		return errors.Wrap(err, "remove line")
	}
	if !ok {
		return ErrLineNotFound
	}
	return nil
}

// SetQuantity overwrites a line quantity. Zero removes the line.
func (s *Service) SetQuantity(ctx context.Context, subject, key string, qty int) error {
	switch {
	case qty < 0:
		return ErrInvalidQuantity
	case qty == 0:
		return s.Remove(ctx, subject, key)
	}
	productID, v, err := ParseKey(key)
	if err != nil {
		return err
	}
	if err := s.checkVariant(ctx, productID, v); err != nil {
		return err
	}
	if err := s.store.Set(ctx, subject, key, qty); err != nil {
		return errors.Wrap(err, "set line")
	}
	return nil
}

// Decrement lowers a line by one unit and returns the remaining quantity.
// Reaching zero removes the line.
func (s *Service) Decrement(ctx context.Context, subject, key string) (int, error) {
	if _, _, err := ParseKey(key); err != nil {
		return 0, err
	}
	qty, err := s.store.Increment(ctx, subject, key, -1)
	if err != nil {
		if errors.Is(err, ErrLineNotFound) {
			return 0, ErrLineNotFound
		}
		return 0, errors.Wrap(err, "decrement line")
	}
	return qty, nil
}

// Read returns the cart lines ordered by key. Keys that no longer parse are skipped.
func (s *Service) Read(ctx context.Context, subject string) ([]Line, error) {
	raw, err := s.store.Lines(ctx, subject)
	if err != nil {
		return nil, errors.Wrap(err, "read lines")
	}
	lines := make([]Line, 0, len(raw))
	for key, qty := range raw {
		if qty <= 0 {
			continue
		}
		productID, v, err := ParseKey(key)
		if err != nil {
			zctx.From(ctx).Warn("Skipping malformed cart line", zap.String("key", key))
			continue
		}
		lines = append(lines, Line{ProductID: productID, Variant: v, Quantity: qty})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Key() < lines[j].Key() })
	return lines, nil
}

// Clear empties the cart.
func (s *Service) Clear(ctx context.Context, subject string) error {
	if err := s.store.Clear(ctx, subject); err != nil {
		return errors.Wrap(err, "clear cart")
	}
	return nil
}

func (s *Service) checkVariant(ctx context.Context, productID string, v Variant) error {
	if productID == "" || strings.Contains(productID+v.ColorID+v.SizeID, ":") {
		return ErrInvalidKey
	}
	p, err := s.products.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return errors.Wrapf(ErrProductUnavailable, "product %s", productID)
		}
		return errors.Wrap(err, "get product")
	}
	if !p.Active {
		return errors.Wrapf(ErrProductUnavailable, "product %s", productID)
	}

	var missing []string
	if p.RequiresColor && v.ColorID == "" {
		missing = append(missing, "color")
	}
	if p.RequiresSize && v.SizeID == "" {
		missing = append(missing, "size")
	}
	if len(missing) > 0 {
		return &VariantRequiredError{ProductID: productID, Missing: missing}
	}
	return nil
}
