package discount

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepo struct {
	rule     *Rule
	err      error
	lastCode string
}

func (m *mockRepo) FindByCode(_ context.Context, code string) (*Rule, error) {
	m.lastCode = code
	return m.rule, m.err
}

func TestRepoValidator_Validate(t *testing.T) {
	fixedNow := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := fixedNow.Add(-24 * time.Hour)
	future := fixedNow.Add(24 * time.Hour)

	tests := []struct {
		name       string
		repo       *mockRepo
		code       string
		subtotal   decimal.Decimal
		wantAmount decimal.Decimal
		wantErr    error
	}{
		{
			name:       "valid code",
			repo:       &mockRepo{rule: &Rule{Code: "SAVE", Type: TypeAmount, Value: d("1000"), Active: true}},
			code:       "SAVE",
			subtotal:   d("10000"),
			wantAmount: d("1000"),
		},
		{
			name:     "empty code",
			repo:     &mockRepo{},
			code:     "   ",
			subtotal: d("10000"),
			wantErr:  ErrInvalidCode,
		},
		{
			name:     "unknown code",
			repo:     &mockRepo{err: ErrInvalidCode},
			code:     "BOGUS",
			subtotal: d("10000"),
			wantErr:  ErrInvalidCode,
		},
		{
			name:     "inactive code",
			repo:     &mockRepo{rule: &Rule{Code: "OFF", Type: TypeAmount, Value: d("1000")}},
			code:     "OFF",
			subtotal: d("10000"),
			wantErr:  ErrInvalidCode,
		},
		{
			name:     "expired",
			repo:     &mockRepo{rule: &Rule{Code: "OLD", Type: TypeAmount, Value: d("1000"), Active: true, ValidUntil: &past}},
			code:     "OLD",
			subtotal: d("10000"),
			wantErr:  ErrExpired,
		},
		{
			name:     "not yet valid",
			repo:     &mockRepo{rule: &Rule{Code: "SOON", Type: TypeAmount, Value: d("1000"), Active: true, ValidFrom: &future}},
			code:     "SOON",
			subtotal: d("10000"),
			wantErr:  ErrExpired,
		},
		{
			name:     "usage limit reached",
			repo:     &mockRepo{rule: &Rule{Code: "LIM", Type: TypeAmount, Value: d("1000"), Active: true, MaxUses: 3, Uses: 3}},
			code:     "LIM",
			subtotal: d("10000"),
			wantErr:  ErrUsageLimitReached,
		},
		{
			name:       "unlimited uses",
			repo:       &mockRepo{rule: &Rule{Code: "INF", Type: TypeAmount, Value: d("1000"), Active: true, Uses: 9999}},
			code:       "INF",
			subtotal:   d("10000"),
			wantAmount: d("1000"),
		},
		{
			name:     "minimum not met",
			repo:     &mockRepo{rule: &Rule{Code: "MIN", Type: TypeAmount, Value: d("1000"), Active: true, MinAmount: d("500000")}},
			code:     "MIN",
			subtotal: d("180000"),
			wantErr:  ErrMinimumNotMet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewRepoValidator(tt.repo)
			v.now = func() time.Time { return fixedNow }

			got, err := v.Validate(context.Background(), tt.code, tt.subtotal)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.True(t, IsRejection(err))
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.wantAmount.Equal(got.Amount), "want %s, got %s", tt.wantAmount, got.Amount)
		})
	}
}

func TestRepoValidator_NormalizesCode(t *testing.T) {
	repo := &mockRepo{rule: &Rule{Code: "SAVE", Type: TypeAmount, Value: d("10"), Active: true}}
	v := NewRepoValidator(repo)

	_, err := v.Validate(context.Background(), "  save ", d("100"))
	require.NoError(t, err)
	assert.Equal(t, "SAVE", repo.lastCode)
}

func TestRepoValidator_RepositoryError(t *testing.T) {
	v := NewRepoValidator(&mockRepo{err: errors.New("connection reset")})

	_, err := v.Validate(context.Background(), "SAVE", d("100"))
	require.Error(t, err)
	assert.False(t, IsRejection(err))
	assert.Contains(t, err.Error(), "lookup discount code")
}
