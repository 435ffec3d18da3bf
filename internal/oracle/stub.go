package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/tokendex/pricer/internal/domain"
	"github.com/tokendex/pricer/internal/persistence"
)

// StubClient is a deterministic in-memory oracle used by the test suite and
// by offline development. Prices are keyed by (token, network, timestamp);
// unlisted keys are definitive misses unless a PriceFn is installed.
type StubClient struct {
	mu sync.Mutex

	prices    map[string]*persistence.PriceRecord
	creation  map[string]time.Time
	callCount int

	// PriceFn, when set, computes a record for any request. Returning nil
	// means no data.
	PriceFn func(token string, network domain.Network, ts *time.Time) *persistence.PriceRecord

	// Err, when set, is returned by every price lookup.
	Err error
}

// NewStubClient creates an empty stub.
func NewStubClient() *StubClient {
	return &StubClient{
		prices:   make(map[string]*persistence.PriceRecord),
		creation: make(map[string]time.Time),
	}
}

func stubKey(token string, network domain.Network, ts *time.Time) string {
	suffix := "current"
	if ts != nil {
		suffix = ts.UTC().Format(time.RFC3339)
	}
	return token + "|" + string(network) + "|" + suffix
}

// SetPrice seeds a canned response.
func (s *StubClient) SetPrice(token string, network domain.Network, ts *time.Time, usd float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := time.Now().UTC()
	if ts != nil {
		at = ts.UTC()
	}
	s.prices[stubKey(token, network, ts)] = &persistence.PriceRecord{
		Token:       token,
		Network:     network,
		Timestamp:   at,
		USD:         usd,
		LastUpdated: at,
	}
}

// SetCreationDate seeds a token creation date.
func (s *StubClient) SetCreationDate(token string, network domain.Network, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creation[token+"|"+string(network)] = at.UTC()
}

// Calls reports how many price lookups were made.
func (s *StubClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *StubClient) GetPrice(ctx context.Context, token string, network domain.Network, ts *time.Time) (*persistence.PriceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callCount++

	if s.Err != nil {
		return nil, s.Err
	}
	if rec, ok := s.prices[stubKey(token, network, ts)]; ok {
		copied := *rec
		return &copied, nil
	}
	if s.PriceFn != nil {
		return s.PriceFn(token, network, ts), nil
	}
	return nil, nil
}

func (s *StubClient) GetPriceWithRetry(ctx context.Context, token string, network domain.Network, ts *time.Time) (*persistence.PriceRecord, error) {
	return s.GetPrice(ctx, token, network, ts)
}

func (s *StubClient) GetTokenCreationDate(ctx context.Context, token string, network domain.Network) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.creation[token+"|"+string(network)]; ok {
		copied := at
		return &copied, nil
	}
	return nil, nil
}

func (s *StubClient) BatchGetPrices(ctx context.Context, requests []PriceRequest) []*persistence.PriceRecord {
	results := make([]*persistence.PriceRecord, len(requests))
	for i, req := range requests {
		rec, err := s.GetPrice(ctx, req.Token, req.Network, req.Timestamp)
		if err != nil {
			continue
		}
		results[i] = rec
	}
	return results
}

func (s *StubClient) Healthy() bool { return true }
