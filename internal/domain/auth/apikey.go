// Package auth models operator API keys and the scopes that gate operator
// routes.
package auth

import (
	"context"
	"slices"

	"github.com/go-faster/errors"
)

// Scope names a group of operator routes.
type Scope string

const (
	// ScopeAdmin grants every operator route.
	ScopeAdmin Scope = "admin"
	// ScopeReview grants payment evidence review only.
	ScopeReview Scope = "review"
)

// ErrKeyNotFound is returned when no active key has the given hash.
var ErrKeyNotFound = errors.New("api key not found")

// OperatorKey is an active operator credential. Only the HMAC of the raw key
// is ever stored.
type OperatorKey struct {
	ID     string
	Hash   string
	Name   string
	Scopes []Scope
}

// Grants reports whether k may call routes guarded by s.
// An admin key passes every scope.
func (k *OperatorKey) Grants(s Scope) bool {
	return slices.Contains(k.Scopes, s) || slices.Contains(k.Scopes, ScopeAdmin)
}

// ParseScopes converts stored scope names. Unknown names are dropped so a
// stale row never grants more than it names.
func ParseScopes(names []string) []Scope {
	out := make([]Scope, 0, len(names))
	for _, n := range names {
		switch s := Scope(n); s {
		case ScopeAdmin, ScopeReview:
			out = append(out, s)
		}
	}
	return out
}

// KeyStore looks up operator keys by their HMAC hash.
type KeyStore interface {
	FindByHash(ctx context.Context, hash string) (*OperatorKey, error)
}
