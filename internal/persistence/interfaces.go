package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/tokendex/pricer/internal/domain"
)

// PricePoint is a compact (timestamp, price, source) observation. It appears
// in daily rollup documents and in the dataPointsUsed attribution carried by
// interpolated records.
type PricePoint struct {
	Timestamp time.Time `json:"ts"`
	USD       float64   `json:"usd"`
	Source    string    `json:"source"`
}

// PriceRecord is the canonical stored and returned observation of a USD price
// at a timestamp. Identity is (token, network, timestamp); token is always
// lowercase. "Current" fetches are stored under the oracle's lastUpdated
// timestamp, so every durable row carries a concrete timestamp.
type PriceRecord struct {
	ID          string         `json:"id" db:"id"`
	Token       string         `json:"token" db:"token"`
	Network     domain.Network `json:"network" db:"network"`
	Timestamp   time.Time      `json:"timestamp" db:"ts"`
	USD         float64        `json:"usd" db:"usd"`
	LastUpdated time.Time      `json:"lastUpdated" db:"last_updated"`

	// Optional token metadata, populated when the oracle supplied it.
	Symbol      string `json:"symbol,omitempty" db:"symbol"`
	Name        string `json:"name,omitempty" db:"name"`
	Decimals    int    `json:"decimals,omitempty" db:"decimals"`
	TotalSupply string `json:"totalSupply,omitempty" db:"total_supply"`
	LogoURI     string `json:"logoUri,omitempty" db:"logo_uri"`

	// Interpolation attribution. Interpolated rows defer to authoritative
	// rows for the same identity on write.
	Interpolated   bool          `json:"interpolated,omitempty" db:"interpolated"`
	Method         domain.Method `json:"method,omitempty" db:"method"`
	Confidence     float64       `json:"confidence,omitempty" db:"confidence"`
	DataPointsUsed []PricePoint  `json:"dataPointsUsed,omitempty" db:"-"`

	// Source is the provenance tag of the reply. It is set by the resolution
	// pipeline and never persisted.
	Source domain.Source `json:"source,omitempty" db:"-"`

	CreatedAt time.Time `json:"createdAt,omitempty" db:"created_at"`
}

// DocumentID derives the deterministic row id {token}_{network}_{timestamp}.
func (r *PriceRecord) DocumentID() string {
	return fmt.Sprintf("%s_%s_%s", r.Token, r.Network, r.Timestamp.UTC().Format(time.RFC3339))
}

// DailyRollup aggregates every observation for a (token, network) pair within
// one UTC day. Updates use atomic SQL operators so concurrent inserts converge.
type DailyRollup struct {
	Token      string         `json:"token" db:"token"`
	Network    domain.Network `json:"network" db:"network"`
	Day        string         `json:"day" db:"day"` // YYYY-MM-DD UTC
	Count      int            `json:"count" db:"count"`
	FirstPrice float64        `json:"firstPrice" db:"first_price"`
	LastPrice  float64        `json:"lastPrice" db:"last_price"`
	MinPrice   float64        `json:"minPrice" db:"min_price"`
	MaxPrice   float64        `json:"maxPrice" db:"max_price"`
	Points     []PricePoint   `json:"prices" db:"-"`
	UpdatedAt  time.Time      `json:"updatedAt" db:"updated_at"`
}

// TokenEntry is the registry row for a discovered token. CreationDate is the
// block timestamp of the earliest observed asset transfer, when known.
type TokenEntry struct {
	Token        string         `json:"token" db:"token"`
	Network      domain.Network `json:"network" db:"network"`
	CreationDate *time.Time     `json:"creationDate,omitempty" db:"creation_date"`
	AddedAt      time.Time      `json:"addedAt" db:"added_at"`
}

// CacheStatsBucket counts cache operations for one UTC day.
type CacheStatsBucket struct {
	Day        string           `json:"day" db:"day"` // YYYY-MM-DD UTC
	Hit        int64            `json:"hit" db:"hit"`
	Miss       int64            `json:"miss" db:"miss"`
	Set        int64            `json:"set" db:"set"`
	Delete     int64            `json:"delete" db:"delete"`
	Total      int64            `json:"total" db:"total"`
	Strategies map[string]int64 `json:"strategies" db:"-"`
	UpdatedAt  time.Time        `json:"updatedAt" db:"updated_at"`
}

// BatchJobRecord tracks a submitted historical backfill request.
type BatchJobRecord struct {
	RequestID   string         `json:"requestId" db:"request_id"`
	Token       string         `json:"token" db:"token"`
	Network     domain.Network `json:"network" db:"network"`
	StartDate   time.Time      `json:"startDate" db:"start_date"`
	EndDate     time.Time      `json:"endDate" db:"end_date"`
	Status      string         `json:"status" db:"status"` // queued, completed, failed
	Processed   int            `json:"processed" db:"processed"`
	Skipped     int            `json:"skipped" db:"skipped"`
	Errors      int            `json:"errors" db:"errors"`
	CreatedAt   time.Time      `json:"createdAt" db:"created_at"`
	CompletedAt *time.Time     `json:"completedAt,omitempty" db:"completed_at"`
}

// RetentionPolicy bounds how long each collection keeps rows. Postgres has no
// TTL indices; the lifecycle manager applies this policy on a schedule.
type RetentionPolicy struct {
	Prices     time.Duration
	CacheStats time.Duration
	Archived   time.Duration
}

// PriceRepo owns PriceRecords and their daily rollups.
type PriceRepo interface {
	// StorePrice upserts by (token, network, timestamp) and folds the record
	// into that day's rollup. An interpolated record never replaces an
	// authoritative one.
	StorePrice(ctx context.Context, rec *PriceRecord) error

	// GetPrice returns the exact record when ts is non-nil, else the most
	// recent record for the pair. Returns (nil, nil) when absent.
	GetPrice(ctx context.Context, token string, network domain.Network, ts *time.Time) (*PriceRecord, error)

	// GetNearestPrices returns up to limit/2 authoritative records immediately
	// before target and up to limit/2 immediately after, merged ASC.
	GetNearestPrices(ctx context.Context, token string, network domain.Network, target time.Time, limit int) ([]PriceRecord, error)

	// GetPriceHistory returns records in [start, end], ASC by timestamp.
	GetPriceHistory(ctx context.Context, token string, network domain.Network, start, end time.Time) ([]PriceRecord, error)

	// GetDailyRollup fetches one rollup row, (nil, nil) when absent.
	GetDailyRollup(ctx context.Context, token string, network domain.Network, day string) (*DailyRollup, error)

	// ArchiveOlderThan copies live rows older than the threshold into the
	// archive and deletes them, in one transaction. Returns rows moved.
	ArchiveOlderThan(ctx context.Context, days int) (int64, error)

	// PurgeExpired enforces the retention policy on prices, cache stats and
	// archived rows.
	PurgeExpired(ctx context.Context, policy RetentionPolicy) error
}

// TokenRepo owns the token registry.
type TokenRepo interface {
	// AddToken upserts a registry entry. A non-nil creationDate only fills a
	// previously unknown date; it never overwrites a discovered one.
	AddToken(ctx context.Context, token string, network domain.Network, creationDate *time.Time) error

	GetToken(ctx context.Context, token string, network domain.Network) (*TokenEntry, error)
	GetAllTokens(ctx context.Context) ([]TokenEntry, error)
}

// StatsRepo owns per-day cache operation counters.
type StatsRepo interface {
	IncrCacheStat(ctx context.Context, day, op, strategy string) error
	GetCacheStats(ctx context.Context, day string) (*CacheStatsBucket, error)
}

// BatchJobRepo tracks historical backfill submissions.
type BatchJobRepo interface {
	Create(ctx context.Context, job *BatchJobRecord) error
	Complete(ctx context.Context, requestID string, processed, skipped, errCount int, failed bool) error
	Get(ctx context.Context, requestID string) (*BatchJobRecord, error)
}

// Repository aggregates all persistence interfaces.
type Repository struct {
	Prices    PriceRepo
	Tokens    TokenRepo
	Stats     StatsRepo
	BatchJobs BatchJobRepo
}

// StoreError marks a durable-store failure. The resolution pipeline surfaces
// these as 5xx instead of falling through to later tiers.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
