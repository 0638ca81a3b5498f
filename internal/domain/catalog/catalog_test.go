package catalog

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCampaign_Covers(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)
	c := &Campaign{StartsAt: start, EndsAt: end}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{name: "before start", now: start.Add(-time.Second), want: false},
		{name: "at start", now: start, want: true},
		{name: "inside", now: start.Add(time.Hour), want: true},
		{name: "at end", now: end, want: false},
		{name: "after end", now: end.Add(time.Hour), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Covers(tt.now))
		})
	}

	var nilCampaign *Campaign
	assert.False(t, nilCampaign.Covers(start))
}

func TestCampaign_PriceFor(t *testing.T) {
	price := decimal.NewFromInt(100000)

	tests := []struct {
		name     string
		campaign Campaign
		want     decimal.Decimal
	}{
		{
			name:     "percentage",
			campaign: Campaign{Type: CampaignPercentage, Value: decimal.NewFromInt(10)},
			want:     decimal.NewFromInt(90000),
		},
		{
			name:     "percentage above 100 floors at zero",
			campaign: Campaign{Type: CampaignPercentage, Value: decimal.NewFromInt(150)},
			want:     decimal.Zero,
		},
		{
			name:     "fixed price",
			campaign: Campaign{Type: CampaignFixedPrice, Value: decimal.NewFromInt(75000)},
			want:     decimal.NewFromInt(75000),
		},
		{
			name:     "fixed price above catalog keeps catalog",
			campaign: Campaign{Type: CampaignFixedPrice, Value: decimal.NewFromInt(120000)},
			want:     price,
		},
		{
			name:     "unknown type keeps catalog",
			campaign: Campaign{Type: "bogus", Value: decimal.NewFromInt(1)},
			want:     price,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.campaign.PriceFor(price)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestProduct_EffectivePrice(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	p := &Product{
		ID:    "A",
		Price: decimal.NewFromInt(100000),
		Campaign: &Campaign{
			ID:       "summer",
			Type:     CampaignPercentage,
			Value:    decimal.NewFromInt(10),
			StartsAt: now.Add(-time.Hour),
			EndsAt:   now.Add(time.Hour),
		},
	}

	price, c := p.EffectivePrice(now)
	assert.True(t, decimal.NewFromInt(90000).Equal(price))
	assert.NotNil(t, c)

	price, c = p.EffectivePrice(now.Add(2 * time.Hour))
	assert.True(t, decimal.NewFromInt(100000).Equal(price))
	assert.Nil(t, c)
}
