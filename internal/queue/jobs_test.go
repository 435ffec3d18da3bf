package queue

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokendex/pricer/internal/cache"
	"github.com/tokendex/pricer/internal/domain"
	"github.com/tokendex/pricer/internal/interp"
	"github.com/tokendex/pricer/internal/oracle"
	"github.com/tokendex/pricer/internal/persistence"
	"github.com/tokendex/pricer/internal/persistence/memstore"
)

const testToken = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"

func newPriceWorker(t *testing.T) (*PriceWorker, *memstore.Store, *oracle.StubClient) {
	t.Helper()
	rdb, _ := redismock.NewClientMock()
	store := memstore.New()
	repos := store.Repository()
	stub := oracle.NewStubClient()
	priceCache := cache.New(rdb, cache.DefaultConfig(), nil, nil)
	engine := interp.New(repos.Prices, interp.DefaultConfig())
	return NewPriceWorker(repos, priceCache, stub, engine), store, stub
}

func TestPriceWorker_StoresOracleResult(t *testing.T) {
	worker, store, stub := newPriceWorker(t)
	ts := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	stub.SetPrice(testToken, domain.NetworkEthereum, &ts, 4.2)

	result, err := worker.Process(context.Background(), PriceJob{
		Token:     testToken,
		Network:   domain.NetworkEthereum,
		Timestamp: &ts,
		Priority:  PriorityHistorical,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultStored, result)

	stored, err := store.GetPrice(context.Background(), testToken, domain.NetworkEthereum, &ts)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 4.2, stored.USD)
}

func TestPriceWorker_SecondRunSkips(t *testing.T) {
	worker, _, stub := newPriceWorker(t)
	ts := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	stub.SetPrice(testToken, domain.NetworkEthereum, &ts, 4.2)
	job := PriceJob{Token: testToken, Network: domain.NetworkEthereum, Timestamp: &ts}

	first, err := worker.Process(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, ResultStored, first)
	callsAfterFirst := stub.Calls()

	second, err := worker.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, second)
	assert.Equal(t, callsAfterFirst, stub.Calls(), "duplicate job must not hit the oracle")
}

func TestPriceWorker_InterpolatesWhenOracleEmpty(t *testing.T) {
	worker, store, _ := newPriceWorker(t)
	ts := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	for _, p := range []struct {
		at  time.Time
		usd float64
	}{
		{ts.Add(-time.Hour), 10},
		{ts.Add(time.Hour), 20},
	} {
		require.NoError(t, store.StorePrice(context.Background(), &persistence.PriceRecord{
			Token:     testToken,
			Network:   domain.NetworkEthereum,
			Timestamp: p.at,
			USD:       p.usd,
		}))
	}

	result, err := worker.Process(context.Background(), PriceJob{
		Token:     testToken,
		Network:   domain.NetworkEthereum,
		Timestamp: &ts,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultInterpolated, result)

	stored, err := store.GetPrice(context.Background(), testToken, domain.NetworkEthereum, &ts)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Interpolated)
	assert.InDelta(t, 15.0, stored.USD, 1e-9)
}

func TestPriceWorker_NoDataIsTerminal(t *testing.T) {
	worker, _, _ := newPriceWorker(t)
	ts := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	result, err := worker.Process(context.Background(), PriceJob{
		Token:     testToken,
		Network:   domain.NetworkEthereum,
		Timestamp: &ts,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultNoData, result)
}

func TestPriceWorker_TransientOracleErrorPropagates(t *testing.T) {
	worker, _, stub := newPriceWorker(t)
	stub.Err = oracle.Transient(assert.AnError)
	ts := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	_, err := worker.Process(context.Background(), PriceJob{
		Token:     testToken,
		Network:   domain.NetworkEthereum,
		Timestamp: &ts,
	})
	require.Error(t, err)
	assert.True(t, oracle.IsTransient(err))
}

func TestBatchWorker_RecordsOutcome(t *testing.T) {
	store := memstore.New()
	repos := store.Repository()
	require.NoError(t, repos.BatchJobs.Create(context.Background(), &persistence.BatchJobRecord{
		RequestID: "req-1",
		Token:     testToken,
		Network:   domain.NetworkEthereum,
	}))

	processor := &stubProcessor{counts: BatchCounts{Processed: 3, Skipped: 1}}
	worker := NewBatchWorker(processor, repos.BatchJobs)

	body := []byte(`{"token":"` + testToken + `","network":"ethereum","startDate":"2024-06-01T00:00:00Z","endDate":"2024-06-04T00:00:00Z","requestId":"req-1"}`)
	require.NoError(t, worker.Handler()(context.Background(), body))

	job, err := repos.BatchJobs.Get(context.Background(), "req-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, 3, job.Processed)
	assert.Equal(t, 1, job.Skipped)
}

type stubProcessor struct {
	counts BatchCounts
	err    error
}

func (s *stubProcessor) ProcessBatchHistorical(ctx context.Context, token string, network domain.Network, start, end time.Time) (BatchCounts, error) {
	return s.counts, s.err
}
