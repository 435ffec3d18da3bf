package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokendex/pricer/internal/domain"
	"github.com/tokendex/pricer/internal/persistence"
)

const testToken = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"

func TestKey(t *testing.T) {
	rdb, _ := redismock.NewClientMock()
	c := New(rdb, DefaultConfig(), nil, nil)

	t.Run("current_key", func(t *testing.T) {
		key := c.Key(domain.NetworkEthereum, testToken, nil)
		assert.Equal(t, "pricer:price:ethereum:"+testToken+":current", key)
	})

	t.Run("historical_key_uses_rfc3339_utc", func(t *testing.T) {
		ts := time.Date(2024, 6, 15, 14, 0, 0, 0, time.FixedZone("EET", 3*3600))
		key := c.Key(domain.NetworkPolygon, testToken, &ts)
		assert.Equal(t, "pricer:price:polygon:"+testToken+":2024-06-15T11:00:00Z", key)
	})

	t.Run("mixed_case_token_lowercased", func(t *testing.T) {
		upper := "0xA0B86991C6218B36C1D19D4A2E9EB0CE3606EB48"
		key := c.Key(domain.NetworkEthereum, upper, nil)
		assert.Equal(t, "pricer:price:ethereum:"+testToken+":current", key)
	})
}

func TestTTLFor(t *testing.T) {
	rdb, _ := redismock.NewClientMock()
	c := New(rdb, DefaultConfig(), nil, nil)

	assert.Equal(t, 5*time.Minute, c.TTLFor(StrategyHot))
	assert.Equal(t, time.Hour, c.TTLFor(StrategyWarm))
	assert.Equal(t, 15*time.Minute, c.TTLFor(StrategyInterpolated))
	assert.Equal(t, time.Duration(0), c.TTLFor(StrategyCold))
	assert.Equal(t, time.Duration(0), c.TTLFor(StrategyArchive))
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	rec := &persistence.PriceRecord{
		Token:     testToken,
		Network:   domain.NetworkEthereum,
		Timestamp: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC),
		USD:       1.0001,
	}
	payload, err := json.Marshal(rec)
	require.NoError(t, err)

	t.Run("hit_returns_record", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		c := New(rdb, DefaultConfig(), nil, nil)
		key := c.Key(rec.Network, rec.Token, &rec.Timestamp)
		mock.ExpectGet(key).SetVal(string(payload))

		got, err := c.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, rec.USD, got.USD)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("miss_returns_nil", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		c := New(rdb, DefaultConfig(), nil, nil)
		key := c.Key(rec.Network, rec.Token, nil)
		mock.ExpectGet(key).RedisNil()

		got, err := c.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("corrupt_entry_deleted_and_missed", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		c := New(rdb, DefaultConfig(), nil, nil)
		key := c.Key(rec.Network, rec.Token, nil)
		mock.ExpectGet(key).SetVal("{not json")
		mock.ExpectDel(key).SetVal(1)

		got, err := c.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSet(t *testing.T) {
	ctx := context.Background()
	rec := &persistence.PriceRecord{
		Token:     testToken,
		Network:   domain.NetworkEthereum,
		Timestamp: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC),
		USD:       1.0001,
	}
	payload, err := json.Marshal(rec)
	require.NoError(t, err)

	t.Run("warm_entry_stored_with_ttl", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		c := New(rdb, DefaultConfig(), nil, nil)
		key := c.Key(rec.Network, rec.Token, &rec.Timestamp)
		mock.ExpectSet(key, payload, time.Hour).SetVal("OK")

		c.Set(ctx, key, rec, StrategyWarm)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cold_strategy_never_caches", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		c := New(rdb, DefaultConfig(), nil, nil)
		key := c.Key(rec.Network, rec.Token, &rec.Timestamp)

		c.Set(ctx, key, rec, StrategyCold)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
