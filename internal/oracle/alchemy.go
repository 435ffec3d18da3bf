package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tokendex/pricer/internal/domain"
	"github.com/tokendex/pricer/internal/persistence"
)

// alchemyNetworks maps the closed network set onto provider network ids.
var alchemyNetworks = map[domain.Network]string{
	domain.NetworkEthereum:  "eth-mainnet",
	domain.NetworkPolygon:   "polygon-mainnet",
	domain.NetworkBSC:       "bnb-mainnet",
	domain.NetworkAvalanche: "avax-mainnet",
	domain.NetworkArbitrum:  "arb-mainnet",
	domain.NetworkOptimism:  "opt-mainnet",
}

const pricesBaseURL = "https://api.g.alchemy.com/prices/v1"

// AlchemyClient talks to the Alchemy JSON-RPC and Prices APIs. All upstream
// calls go through a shared rate limiter and a circuit breaker; 429 and 5xx
// responses surface as transient errors so callers can retry with backoff.
type AlchemyClient struct {
	config  Config
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  zerolog.Logger

	// Overridable in tests.
	rpcBase    string
	pricesBase string
}

// NewAlchemyClient creates the production oracle client.
func NewAlchemyClient(config Config) *AlchemyClient {
	settings := gobreaker.Settings{
		Name:        "alchemy",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("oracle circuit breaker state change")
		},
	}

	burst := int(math.Max(1, config.RateLimitPerSecond))
	return &AlchemyClient{
		config:     config,
		httpc:      &http.Client{Timeout: config.RequestTimeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimitPerSecond), burst),
		logger:     log.With().Str("component", "oracle").Logger(),
		rpcBase:    "https://%s.g.alchemy.com/v2/%s",
		pricesBase: pricesBaseURL,
	}
}

// Healthy reports whether the circuit is closed.
func (c *AlchemyClient) Healthy() bool {
	return c.breaker.State() != gobreaker.StateOpen
}

// GetPrice fetches a USD price and, on the current-price path, token
// metadata. A definitive provider miss returns (nil, nil).
func (c *AlchemyClient) GetPrice(ctx context.Context, token string, network domain.Network, ts *time.Time) (*persistence.PriceRecord, error) {
	if _, ok := alchemyNetworks[network]; !ok {
		return nil, domain.ErrUnsupportedNetwork
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var (
		rec *persistence.PriceRecord
		err error
	)
	if ts == nil {
		rec, err = c.currentPrice(ctx, token, network)
	} else {
		rec, err = c.historicalPrice(ctx, token, network, *ts)
	}
	if err != nil || rec == nil {
		return nil, err
	}

	if ts == nil {
		// Metadata enrichment is best effort; a price without a symbol is
		// still a price.
		if meta, metaErr := c.tokenMetadata(ctx, token, network); metaErr == nil && meta != nil {
			rec.Symbol = meta.Symbol
			rec.Name = meta.Name
			rec.Decimals = meta.Decimals
			rec.LogoURI = meta.Logo
		}
	}
	return rec, nil
}

// GetPriceWithRetry retries errors with exponential backoff; nil results are
// definitive and returned immediately.
func (c *AlchemyClient) GetPriceWithRetry(ctx context.Context, token string, network domain.Network, ts *time.Time) (*persistence.PriceRecord, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * c.config.RetryDelay
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		rec, err := c.GetPrice(ctx, token, network, ts)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
		c.logger.Debug().Err(err).Int("attempt", attempt+1).
			Str("token", token).Str("network", string(network)).
			Msg("oracle fetch failed, retrying")
	}
	return nil, fmt.Errorf("oracle retries exhausted: %w", lastErr)
}

// GetTokenCreationDate asks for the earliest asset transfer of the contract
// (ASC, limit 1) and resolves that block's timestamp.
func (c *AlchemyClient) GetTokenCreationDate(ctx context.Context, token string, network domain.Network) (*time.Time, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var transfers struct {
		Transfers []struct {
			BlockNum string `json:"blockNum"`
		} `json:"transfers"`
	}
	params := []interface{}{map[string]interface{}{
		"contractAddresses": []string{token},
		"category":          []string{"erc20"},
		"order":             "asc",
		"maxCount":          "0x1",
	}}
	if err := c.rpcCall(ctx, network, "alchemy_getAssetTransfers", params, &transfers); err != nil {
		return nil, err
	}
	if len(transfers.Transfers) == 0 {
		return nil, nil
	}

	var block struct {
		Timestamp string `json:"timestamp"`
	}
	blockParams := []interface{}{transfers.Transfers[0].BlockNum, false}
	if err := c.rpcCall(ctx, network, "eth_getBlockByNumber", blockParams, &block); err != nil {
		return nil, err
	}

	unix, err := strconv.ParseInt(strings.TrimPrefix(block.Timestamp, "0x"), 16, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed block timestamp %q: %w", block.Timestamp, err)
	}
	created := time.Unix(unix, 0).UTC()
	return &created, nil
}

// BatchGetPrices runs requests in chunks of batchSize with all-settled
// semantics; one failed lookup never aborts its chunk. Between chunks the
// client sleeps at least 1000/rateLimitPerSecond milliseconds.
func (c *AlchemyClient) BatchGetPrices(ctx context.Context, requests []PriceRequest) []*persistence.PriceRecord {
	results := make([]*persistence.PriceRecord, len(requests))
	if len(requests) == 0 {
		return results
	}

	chunkSize := c.config.BatchSize
	if chunkSize <= 0 {
		chunkSize = 10
	}
	pause := time.Duration(1000/math.Max(1, c.config.RateLimitPerSecond)) * time.Millisecond

	for start := 0; start < len(requests); start += chunkSize {
		end := start + chunkSize
		if end > len(requests) {
			end = len(requests)
		}

		done := make(chan struct{})
		for i := start; i < end; i++ {
			go func(i int) {
				defer func() { done <- struct{}{} }()
				rec, err := c.GetPrice(ctx, requests[i].Token, requests[i].Network, requests[i].Timestamp)
				if err != nil {
					c.logger.Debug().Err(err).Str("token", requests[i].Token).Msg("batch price fetch failed")
					return
				}
				results[i] = rec
			}(i)
		}
		for i := start; i < end; i++ {
			<-done
		}

		if end < len(requests) {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(pause):
			}
		}
	}
	return results
}

type priceQuote struct {
	USD         float64
	LastUpdated time.Time
}

type tokenMeta struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
	Logo     string `json:"logo"`
}

func (c *AlchemyClient) currentPrice(ctx context.Context, token string, network domain.Network) (*persistence.PriceRecord, error) {
	body := map[string]interface{}{
		"addresses": []map[string]string{{
			"network": alchemyNetworks[network],
			"address": token,
		}},
	}

	var resp struct {
		Data []struct {
			Prices []struct {
				Currency      string `json:"currency"`
				Value         string `json:"value"`
				LastUpdatedAt string `json:"lastUpdatedAt"`
			} `json:"prices"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"data"`
	}

	url := fmt.Sprintf("%s/%s/tokens/by-address", c.pricesBase, c.config.APIKey)
	if err := c.postJSON(ctx, url, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || resp.Data[0].Error != nil {
		return nil, nil
	}

	now := time.Now().UTC()
	for _, p := range resp.Data[0].Prices {
		if p.Currency != "usd" {
			continue
		}
		usd, err := strconv.ParseFloat(p.Value, 64)
		if err != nil || usd <= 0 {
			continue
		}
		updated := now
		if ts, err := time.Parse(time.RFC3339, p.LastUpdatedAt); err == nil {
			updated = ts.UTC()
		}
		return &persistence.PriceRecord{
			Token:       token,
			Network:     network,
			Timestamp:   updated,
			USD:         usd,
			LastUpdated: updated,
		}, nil
	}
	return nil, nil
}

func (c *AlchemyClient) historicalPrice(ctx context.Context, token string, network domain.Network, ts time.Time) (*persistence.PriceRecord, error) {
	// The provider serves hourly candles; ask for the hour around the target
	// and keep the closest sample.
	body := map[string]interface{}{
		"network":   alchemyNetworks[network],
		"address":   token,
		"startTime": ts.UTC().Add(-time.Hour).Format(time.RFC3339),
		"endTime":   ts.UTC().Add(time.Hour).Format(time.RFC3339),
		"interval":  "1h",
	}

	var resp struct {
		Data []struct {
			Value     string `json:"value"`
			Timestamp string `json:"timestamp"`
		} `json:"data"`
	}

	url := fmt.Sprintf("%s/%s/tokens/historical", c.pricesBase, c.config.APIKey)
	if err := c.postJSON(ctx, url, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}

	target := ts.UTC()
	var best *persistence.PriceRecord
	bestGap := time.Duration(math.MaxInt64)
	for _, point := range resp.Data {
		usd, err := strconv.ParseFloat(point.Value, 64)
		if err != nil || usd <= 0 {
			continue
		}
		sampled, err := time.Parse(time.RFC3339, point.Timestamp)
		if err != nil {
			continue
		}
		gap := sampled.Sub(target)
		if gap < 0 {
			gap = -gap
		}
		if gap < bestGap {
			bestGap = gap
			best = &persistence.PriceRecord{
				Token:       token,
				Network:     network,
				Timestamp:   target,
				USD:         usd,
				LastUpdated: sampled.UTC(),
			}
		}
	}
	return best, nil
}

func (c *AlchemyClient) tokenMetadata(ctx context.Context, token string, network domain.Network) (*tokenMeta, error) {
	var meta tokenMeta
	if err := c.rpcCall(ctx, network, "alchemy_getTokenMetadata", []interface{}{token}, &meta); err != nil {
		return nil, err
	}
	if meta.Symbol == "" && meta.Name == "" {
		return nil, nil
	}
	return &meta, nil
}

// rpcCall performs one JSON-RPC request through the circuit breaker.
func (c *AlchemyClient) rpcCall(ctx context.Context, network domain.Network, method string, params []interface{}, out interface{}) error {
	id, ok := alchemyNetworks[network]
	if !ok {
		return domain.ErrUnsupportedNetwork
	}
	url := fmt.Sprintf(c.rpcBase, id, c.config.APIKey)

	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := c.postJSON(ctx, url, payload, &envelope); err != nil {
		return err
	}
	if envelope.Error != nil {
		if envelope.Error.Code == 429 {
			return Transient(fmt.Errorf("rpc rate limited: %s", envelope.Error.Message))
		}
		return fmt.Errorf("rpc %s failed: %s", method, envelope.Error.Message)
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("rpc %s result decode: %w", method, err)
		}
	}
	return nil
}

// postJSON sends one breaker-guarded POST and decodes the response body.
func (c *AlchemyClient) postJSON(ctx context.Context, url string, body, out interface{}) error {
	raw, err := c.breaker.Execute(func() (interface{}, error) {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil, Transient(err)
			}
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, Transient(fmt.Errorf("upstream rate limited"))
		case resp.StatusCode >= 500:
			return nil, Transient(fmt.Errorf("upstream returned %d", resp.StatusCode))
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}

		var decoded json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return nil, fmt.Errorf("response decode: %w", err)
		}
		return decoded, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Transient(err)
		}
		return err
	}
	if out != nil {
		if err := json.Unmarshal(raw.(json.RawMessage), out); err != nil {
			return fmt.Errorf("response decode: %w", err)
		}
	}
	return nil
}
