package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokendex/pricer/internal/domain"
	"github.com/tokendex/pricer/internal/persistence"
)

const testToken = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"

func TestStorePrice_InterpolatedNeverReplacesAuthoritative(t *testing.T) {
	store := New()
	ctx := context.Background()
	ts := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.StorePrice(ctx, &persistence.PriceRecord{
		Token: testToken, Network: domain.NetworkEthereum, Timestamp: ts, USD: 2.0,
	}))
	require.NoError(t, store.StorePrice(ctx, &persistence.PriceRecord{
		Token: testToken, Network: domain.NetworkEthereum, Timestamp: ts, USD: 1.5,
		Interpolated: true, Confidence: 0.9,
	}))

	rec, err := store.GetPrice(ctx, testToken, domain.NetworkEthereum, &ts)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2.0, rec.USD)
	assert.False(t, rec.Interpolated)
}

func TestStorePrice_AuthoritativeReplacesInterpolated(t *testing.T) {
	store := New()
	ctx := context.Background()
	ts := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.StorePrice(ctx, &persistence.PriceRecord{
		Token: testToken, Network: domain.NetworkEthereum, Timestamp: ts, USD: 1.5,
		Interpolated: true, Confidence: 0.9,
	}))
	require.NoError(t, store.StorePrice(ctx, &persistence.PriceRecord{
		Token: testToken, Network: domain.NetworkEthereum, Timestamp: ts, USD: 2.0,
	}))

	rec, err := store.GetPrice(ctx, testToken, domain.NetworkEthereum, &ts)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2.0, rec.USD)
	assert.False(t, rec.Interpolated)
}

func TestAddToken_CreationDateOnlyFillsUnknown(t *testing.T) {
	store := New()
	ctx := context.Background()
	first := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	second := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.AddToken(ctx, testToken, domain.NetworkEthereum, nil))
	require.NoError(t, store.AddToken(ctx, testToken, domain.NetworkEthereum, &first))
	require.NoError(t, store.AddToken(ctx, testToken, domain.NetworkEthereum, &second))

	entry, err := store.GetToken(ctx, testToken, domain.NetworkEthereum)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NotNil(t, entry.CreationDate)
	assert.Equal(t, first, *entry.CreationDate)
}

func TestGetNearestPrices_LimitsPerSide(t *testing.T) {
	store := New()
	ctx := context.Background()
	target := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.StorePrice(ctx, &persistence.PriceRecord{
			Token: testToken, Network: domain.NetworkEthereum,
			Timestamp: target.Add(-time.Duration(i) * time.Hour), USD: float64(i),
		}))
		require.NoError(t, store.StorePrice(ctx, &persistence.PriceRecord{
			Token: testToken, Network: domain.NetworkEthereum,
			Timestamp: target.Add(time.Duration(i) * time.Hour), USD: float64(i),
		}))
	}

	records, err := store.GetNearestPrices(ctx, testToken, domain.NetworkEthereum, target, 4)
	require.NoError(t, err)
	require.Len(t, records, 4)
	// The two closest on each side, merged ASC.
	assert.Equal(t, target.Add(-2*time.Hour), records[0].Timestamp)
	assert.Equal(t, target.Add(2*time.Hour), records[3].Timestamp)
}
