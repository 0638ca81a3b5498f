package cart

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

var (
	// ErrVariantRequired is returned when a product needs a color or size
	// selection that the caller did not provide.
	ErrVariantRequired = errors.New("variant required")
	// ErrInvalidQuantity is returned for non-positive quantities on add.
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
	// ErrLineNotFound is returned when a line key is not in the cart.
	ErrLineNotFound = errors.New("cart line not found")
	// ErrInvalidKey is returned when a line key cannot be parsed.
	ErrInvalidKey = errors.New("invalid line key")
	// ErrProductUnavailable is returned when adding an unknown or inactive product.
	ErrProductUnavailable = errors.New("product unavailable")
)

// VariantRequiredError names the product and the missing selections.
type VariantRequiredError struct {
	ProductID string
	Missing   []string
}

func (e *VariantRequiredError) Error() string {
	return fmt.Sprintf("product %s requires %s selection", e.ProductID, strings.Join(e.Missing, " and "))
}

func (e *VariantRequiredError) Unwrap() error { return ErrVariantRequired }

// Variant is an optional color/size selection.
type Variant struct {
	ColorID string `json:"color_id,omitempty"`
	SizeID  string `json:"size_id,omitempty"`
}

// IsZero reports whether no selection was made.
func (v Variant) IsZero() bool { return v.ColorID == "" && v.SizeID == "" }

// Line is one product variant and its quantity in a cart.
type Line struct {
	ProductID string
	Variant   Variant
	Quantity  int
}

// Key returns the composite line key: the product id alone, or
// product:color:size when a variant is selected.
func (l Line) Key() string {
	return LineKey(l.ProductID, l.Variant)
}

// LineKey builds the composite key for a product variant.
func LineKey(productID string, v Variant) string {
	if v.IsZero() {
		return productID
	}
	return productID + ":" + v.ColorID + ":" + v.SizeID
}

// ParseKey is the inverse of LineKey.
func ParseKey(key string) (string, Variant, error) {
	parts := strings.Split(key, ":")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return parts[0], Variant{}, nil
	case len(parts) == 3 && parts[0] != "" && (parts[1] != "" || parts[2] != ""):
		return parts[0], Variant{ColorID: parts[1], SizeID: parts[2]}, nil
	default:
		return "", Variant{}, errors.Wrapf(ErrInvalidKey, "%q", key)
	}
}

// Store is the server-side cart state keyed by an opaque subject id. Every
// mutation is atomic for the single line it touches.
type Store interface {
	// Increment adds delta to the line and returns the new quantity. A result
	// of zero or less removes the line and returns 0. A negative delta on a
	// missing line returns ErrLineNotFound.
	Increment(ctx context.Context, subject, key string, delta int) (int, error)
	// Set overwrites the line quantity; qty must be positive.
	Set(ctx context.Context, subject, key string, qty int) error
	// Remove deletes the line and reports whether it existed.
	Remove(ctx context.Context, subject, key string) (bool, error)
	// Lines returns every line key with its quantity.
	Lines(ctx context.Context, subject string) (map[string]int, error)
	// Clear deletes the whole cart.
	Clear(ctx context.Context, subject string) error
}
