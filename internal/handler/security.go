package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/auth"
)

// APIKeyHeader is the header carrying the operator API key.
const APIKeyHeader = "api_key"

var (
	errUnauthorized = errors.New("unauthorized")
	errForbidden    = errors.New("forbidden")
)

// SecurityHandler authenticates operators via HMAC-SHA256 hashed API keys.
type SecurityHandler struct {
	keys   auth.KeyStore
	pepper []byte
}

// NewSecurityHandler creates a SecurityHandler with the given key store and
// HMAC pepper.
func NewSecurityHandler(keys auth.KeyStore, pepper []byte) *SecurityHandler {
	return &SecurityHandler{
		keys:   keys,
		pepper: pepper,
	}
}

// HashKey returns the hex HMAC-SHA256 of key under pepper, as stored in api_keys.
func HashKey(key string, pepper []byte) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate resolves key and checks it carries scope.
func (s *SecurityHandler) Authenticate(ctx context.Context, key string, scope auth.Scope) (*auth.OperatorKey, error) {
	if key == "" {
		return nil, errUnauthorized
	}
	hash := HashKey(key, s.pepper)
	op, err := s.keys.FindByHash(ctx, hash)
	if err != nil {
		if !errors.Is(err, auth.ErrKeyNotFound) {
			zctx.From(ctx).Error("Find api key", zap.Error(err))
		}
		return nil, errUnauthorized
	}

	// The stored hash is compared again in constant time.
	if subtle.ConstantTimeCompare([]byte(hash), []byte(op.Hash)) != 1 {
		return nil, errUnauthorized
	}
	if !op.Grants(scope) {
		return nil, errForbidden
	}
	return op, nil
}

// Middleware rejects requests without an API key holding scope.
func (s *SecurityHandler) Middleware(scope auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op, err := s.Authenticate(r.Context(), r.Header.Get(APIKeyHeader), scope)
			switch {
			case errors.Is(err, errForbidden):
				writeError(w, http.StatusForbidden, "forbidden", "api key lacks scope "+string(scope))
				return
			case err != nil:
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
				return
			}
			lg := zctx.From(r.Context()).With(zap.String("api_key_id", op.ID))
			next.ServeHTTP(w, r.WithContext(zctx.Base(r.Context(), lg)))
		})
	}
}
