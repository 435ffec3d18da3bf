package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tokendex/pricer/internal/domain"
	"github.com/tokendex/pricer/internal/persistence"
)

// PriceRequest is one normalized (token, network, timestamp?) lookup. A nil
// timestamp means "current".
type PriceRequest struct {
	Token     string
	Network   domain.Network
	Timestamp *time.Time
}

// Client is the upstream oracle contract. GetPrice returns (nil, nil) for a
// definitive absence; errors cover transport and provider failures only.
type Client interface {
	GetPrice(ctx context.Context, token string, network domain.Network, ts *time.Time) (*persistence.PriceRecord, error)

	// GetPriceWithRetry retries thrown errors with exponential backoff
	// (2^attempt × retryDelay). A nil result is definitive and not retried.
	GetPriceWithRetry(ctx context.Context, token string, network domain.Network, ts *time.Time) (*persistence.PriceRecord, error)

	// GetTokenCreationDate resolves the block timestamp of the earliest
	// asset transfer for the contract, or (nil, nil) when none exists.
	GetTokenCreationDate(ctx context.Context, token string, network domain.Network) (*time.Time, error)

	// BatchGetPrices processes requests in rate-limited chunks with
	// all-settled semantics. The result is positionally aligned with the
	// input; failed or absent lookups are nil.
	BatchGetPrices(ctx context.Context, requests []PriceRequest) []*persistence.PriceRecord

	// Healthy reports whether the upstream is currently reachable.
	Healthy() bool
}

// Config holds oracle client settings.
type Config struct {
	APIKey             string        `yaml:"api_key" env:"ORACLE_API_KEY"`
	MaxRetries         int           `yaml:"max_retries" env:"ORACLE_MAX_RETRIES"`
	RetryDelay         time.Duration `yaml:"retry_delay" env:"ORACLE_RETRY_DELAY"`
	RateLimitPerSecond float64       `yaml:"rate_limit_per_second" env:"ORACLE_RATE_LIMIT_PER_SECOND"`
	BatchSize          int           `yaml:"batch_size" env:"ORACLE_BATCH_SIZE"`
	RequestTimeout     time.Duration `yaml:"request_timeout" env:"ORACLE_REQUEST_TIMEOUT"`
}

// DefaultConfig returns conservative oracle defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		RetryDelay:         500 * time.Millisecond,
		RateLimitPerSecond: 5,
		BatchSize:          10,
		RequestTimeout:     10 * time.Second,
	}
}

// transientError marks failures that are safe to retry: timeouts, 5xx,
// rate limiting, open circuit.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return "transient oracle error: " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is a retryable oracle failure.
func IsTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
