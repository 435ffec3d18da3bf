package interp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokendex/pricer/internal/domain"
	"github.com/tokendex/pricer/internal/persistence"
	"github.com/tokendex/pricer/internal/persistence/memstore"
)

const testToken = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"

func seedPrice(t *testing.T, store *memstore.Store, ts time.Time, usd float64) {
	t.Helper()
	err := store.StorePrice(context.Background(), &persistence.PriceRecord{
		Token:       testToken,
		Network:     domain.NetworkEthereum,
		Timestamp:   ts,
		USD:         usd,
		LastUpdated: ts,
	})
	require.NoError(t, err)
}

func TestInterpolate_LinearMidpoint(t *testing.T) {
	store := memstore.New()
	target := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	seedPrice(t, store, target.Add(-time.Hour), 10)
	seedPrice(t, store, target.Add(time.Hour), 20)

	engine := New(store, DefaultConfig())
	rec, err := engine.Interpolate(context.Background(), testToken, domain.NetworkEthereum, target)
	require.NoError(t, err)
	require.NotNil(t, rec)

	// Midpoint of 10 and 20; time confidence 1, volatility confidence 1/3.
	assert.InDelta(t, 15.0, rec.USD, 1e-9)
	assert.InDelta(t, 2.0/3.0, rec.Confidence, 1e-9)
	assert.True(t, rec.Interpolated)
	assert.Equal(t, domain.MethodLinear, rec.Method)
	assert.Equal(t, domain.SourceInterpolated, rec.Source)
	assert.Equal(t, target, rec.Timestamp)
	require.Len(t, rec.DataPointsUsed, 2)
	assert.Equal(t, 10.0, rec.DataPointsUsed[0].USD)
	assert.Equal(t, 20.0, rec.DataPointsUsed[1].USD)
}

func TestInterpolate_DeclinesWithFewerThanTwoPoints(t *testing.T) {
	store := memstore.New()
	target := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	seedPrice(t, store, target.Add(-time.Hour), 10)

	engine := New(store, DefaultConfig())
	rec, err := engine.Interpolate(context.Background(), testToken, domain.NetworkEthereum, target)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestInterpolate_DeclinesBeyondMaxGap(t *testing.T) {
	store := memstore.New()
	target := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	// Both neighbors sit outside the 72h window.
	seedPrice(t, store, target.Add(-100*time.Hour), 10)
	seedPrice(t, store, target.Add(100*time.Hour), 20)

	engine := New(store, DefaultConfig())
	rec, err := engine.Interpolate(context.Background(), testToken, domain.NetworkEthereum, target)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestInterpolate_DeclinesOnLowConfidence(t *testing.T) {
	store := memstore.New()
	target := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	// Volatile pair far off midpoint: time confidence 0.5, volatility 0.
	seedPrice(t, store, target.Add(-time.Hour), 10)
	seedPrice(t, store, target.Add(3*time.Hour), 40)

	engine := New(store, DefaultConfig())
	rec, err := engine.Interpolate(context.Background(), testToken, domain.NetworkEthereum, target)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestInterpolate_ExtrapolatesFromEarlierPoints(t *testing.T) {
	store := memstore.New()
	target := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	seedPrice(t, store, target.Add(-2*time.Hour), 100)
	seedPrice(t, store, target.Add(-time.Hour), 102)

	engine := New(store, DefaultConfig())
	rec, err := engine.Interpolate(context.Background(), testToken, domain.NetworkEthereum, target)
	require.NoError(t, err)
	require.NotNil(t, rec)

	// Rate of +2/h projected one hour past the anchor.
	assert.InDelta(t, 104.0, rec.USD, 1e-9)
	assert.Equal(t, domain.MethodExtrapolation, rec.Method)
	assert.InDelta(t, (0.1+1.0-2.0/101.0)/2, rec.Confidence, 1e-9)
}

func TestInterpolate_ExtrapolationClampedToMaxChange(t *testing.T) {
	store := memstore.New()
	target := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	seedPrice(t, store, target.Add(-2*time.Hour), 100)
	seedPrice(t, store, target.Add(-time.Hour), 130)

	config := DefaultConfig()
	config.MinConfidenceThreshold = 0.1
	engine := New(store, config)
	rec, err := engine.Interpolate(context.Background(), testToken, domain.NetworkEthereum, target)
	require.NoError(t, err)
	require.NotNil(t, rec)

	// Raw projection is 160; clamped to anchor 130 +20%.
	assert.InDelta(t, 156.0, rec.USD, 1e-9)
}

func TestInterpolate_DeclinesOnCoincidentTimestamps(t *testing.T) {
	store := memstore.New()
	target := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	at := target.Add(-time.Hour)
	seedPrice(t, store, at, 100)
	// Same timestamp upserts in place; only one distinct point remains.
	seedPrice(t, store, at, 101)

	engine := New(store, DefaultConfig())
	rec, err := engine.Interpolate(context.Background(), testToken, domain.NetworkEthereum, target)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestInterpolate_IgnoresInterpolatedNeighbors(t *testing.T) {
	store := memstore.New()
	target := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	seedPrice(t, store, target.Add(-time.Hour), 10)
	err := store.StorePrice(context.Background(), &persistence.PriceRecord{
		Token:        testToken,
		Network:      domain.NetworkEthereum,
		Timestamp:    target.Add(time.Hour),
		USD:          20,
		Interpolated: true,
		Confidence:   0.9,
	})
	require.NoError(t, err)

	engine := New(store, DefaultConfig())
	rec, err := engine.Interpolate(context.Background(), testToken, domain.NetworkEthereum, target)
	require.NoError(t, err)
	assert.Nil(t, rec)
}
