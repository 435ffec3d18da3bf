package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokendex/pricer/internal/domain"
)

const testToken = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"

func newTestClient(pricesURL, rpcURL string) *AlchemyClient {
	config := DefaultConfig()
	config.APIKey = "test-key"
	config.RateLimitPerSecond = 100
	c := NewAlchemyClient(config)
	if pricesURL != "" {
		c.pricesBase = pricesURL
	}
	if rpcURL != "" {
		c.rpcBase = rpcURL + "/%s/%s"
	}
	return c
}

func TestGetPrice_Current(t *testing.T) {
	pricesSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/test-key/tokens/by-address")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{
				"prices": []map[string]string{{
					"currency":      "usd",
					"value":         "1.0002",
					"lastUpdatedAt": "2024-06-15T12:00:00Z",
				}},
			}},
		})
	}))
	defer pricesSrv.Close()

	rpcSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{
				"symbol":   "USDC",
				"name":     "USD Coin",
				"decimals": 6,
			},
		})
	}))
	defer rpcSrv.Close()

	c := newTestClient(pricesSrv.URL, rpcSrv.URL)
	rec, err := c.GetPrice(context.Background(), testToken, domain.NetworkEthereum, nil)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, 1.0002, rec.USD)
	// Stored under the provider's lastUpdated timestamp, not wall clock.
	assert.Equal(t, time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC), rec.Timestamp)
	assert.Equal(t, "USDC", rec.Symbol)
	assert.Equal(t, 6, rec.Decimals)
}

func TestGetPrice_HistoricalPicksClosestCandle(t *testing.T) {
	target := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	pricesSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/tokens/historical")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{
				{"value": "9.0", "timestamp": "2024-06-15T11:00:00Z"},
				{"value": "10.0", "timestamp": "2024-06-15T11:45:00Z"},
			},
		})
	}))
	defer pricesSrv.Close()

	c := newTestClient(pricesSrv.URL, "")
	rec, err := c.GetPrice(context.Background(), testToken, domain.NetworkEthereum, &target)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 10.0, rec.USD)
	assert.Equal(t, target, rec.Timestamp)
}

func TestGetPrice_ProviderMissIsDefinitive(t *testing.T) {
	pricesSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	}))
	defer pricesSrv.Close()

	c := newTestClient(pricesSrv.URL, "")
	rec, err := c.GetPrice(context.Background(), testToken, domain.NetworkEthereum, nil)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestGetPrice_RateLimitIsTransient(t *testing.T) {
	pricesSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer pricesSrv.Close()

	c := newTestClient(pricesSrv.URL, "")
	_, err := c.GetPrice(context.Background(), testToken, domain.NetworkEthereum, nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestGetPrice_ClientErrorIsDefinitive(t *testing.T) {
	pricesSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer pricesSrv.Close()

	c := newTestClient(pricesSrv.URL, "")
	_, err := c.GetPrice(context.Background(), testToken, domain.NetworkEthereum, nil)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	pricesSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer pricesSrv.Close()

	c := newTestClient(pricesSrv.URL, "")
	require.True(t, c.Healthy())
	for i := 0; i < 5; i++ {
		_, err := c.GetPrice(context.Background(), testToken, domain.NetworkEthereum, nil)
		require.Error(t, err)
	}
	assert.False(t, c.Healthy())

	// An open circuit fails fast with a transient error.
	_, err := c.GetPrice(context.Background(), testToken, domain.NetworkEthereum, nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestGetTokenCreationDate(t *testing.T) {
	rpcSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("malformed rpc request: %v", err)
			return
		}
		switch req.Method {
		case "alchemy_getAssetTransfers":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"result": map[string]interface{}{
					"transfers": []map[string]string{{"blockNum": "0x112a880"}},
				},
			})
		case "eth_getBlockByNumber":
			// 0x65e59e80 = 2024-03-04T08:40:00Z
			json.NewEncoder(w).Encode(map[string]interface{}{
				"result": map[string]string{"timestamp": "0x65e59e80"},
			})
		default:
			t.Errorf("unexpected rpc method %s", req.Method)
		}
	}))
	defer rpcSrv.Close()

	c := newTestClient("", rpcSrv.URL)
	created, err := c.GetTokenCreationDate(context.Background(), testToken, domain.NetworkEthereum)
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, time.Unix(0x65e59e80, 0).UTC(), *created)
}

func TestBatchGetPrices_AllSettled(t *testing.T) {
	pricesSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Address string `json:"address"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Address == "" {
			// by-address (current) request; not used here
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{
				{"value": "2.0", "timestamp": "2024-06-15T12:00:00Z"},
			},
		})
	}))
	defer pricesSrv.Close()

	c := newTestClient(pricesSrv.URL, "")
	ts := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	requests := []PriceRequest{
		{Token: testToken, Network: domain.NetworkEthereum, Timestamp: &ts},
		{Token: testToken, Network: domain.Network("unsupported"), Timestamp: &ts},
	}

	results := c.BatchGetPrices(context.Background(), requests)
	require.Len(t, results, 2)
	require.NotNil(t, results[0])
	assert.Equal(t, 2.0, results[0].USD)
	assert.Nil(t, results[1], "unsupported network settles as nil, not abort")
}
