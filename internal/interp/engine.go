package interp

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tokendex/pricer/internal/domain"
	"github.com/tokendex/pricer/internal/persistence"
)

// minExtrapolatedPrice floors extrapolation output so a steep downtrend can
// never produce a zero or negative price.
const minExtrapolatedPrice = 0.0001

// Config holds the interpolation thresholds.
type Config struct {
	MaxDataPoints                 int     `yaml:"max_data_points" env:"INTERP_MAX_DATA_POINTS"`
	MaxTimeGapHours               float64 `yaml:"max_time_gap_hours" env:"INTERP_MAX_TIME_GAP_HOURS"`
	MinConfidenceThreshold        float64 `yaml:"min_confidence_threshold" env:"INTERP_MIN_CONFIDENCE"`
	ExtrapolationMaxChangePercent float64 `yaml:"extrapolation_max_change_percent" env:"INTERP_EXTRAPOLATION_MAX_CHANGE_PERCENT"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		MaxDataPoints:                 10,
		MaxTimeGapHours:               72,
		MinConfidenceThreshold:        0.5,
		ExtrapolationMaxChangePercent: 20,
	}
}

// Engine synthesizes PriceRecords from stored neighbors. It declines (nil,
// nil) rather than return low-confidence or non-positive values.
type Engine struct {
	prices persistence.PriceRepo
	config Config
	logger zerolog.Logger
}

// New creates an interpolation engine over the price repository.
func New(prices persistence.PriceRepo, config Config) *Engine {
	return &Engine{
		prices: prices,
		config: config,
		logger: log.With().Str("component", "interp").Logger(),
	}
}

// Interpolate attempts to synthesize a price at target from authoritative
// neighbors. Both straddled targets (linear) and one-sided targets (bounded
// extrapolation) are supported.
func (e *Engine) Interpolate(ctx context.Context, token string, network domain.Network, target time.Time) (*persistence.PriceRecord, error) {
	neighbors, err := e.prices.GetNearestPrices(ctx, token, network, target, e.config.MaxDataPoints)
	if err != nil {
		return nil, err
	}

	maxGap := time.Duration(e.config.MaxTimeGapHours * float64(time.Hour))
	var usable []persistence.PriceRecord
	for _, n := range neighbors {
		gap := n.Timestamp.Sub(target)
		if gap < 0 {
			gap = -gap
		}
		if gap <= maxGap {
			usable = append(usable, n)
		}
	}
	if len(usable) < 2 {
		return nil, nil
	}

	var before, after []persistence.PriceRecord
	for _, n := range usable {
		if n.Timestamp.Before(target) {
			before = append(before, n)
		} else if n.Timestamp.After(target) {
			after = append(after, n)
		}
	}

	var (
		usd        float64
		confidence float64
		method     domain.Method
		used       []persistence.PriceRecord
	)
	switch {
	case len(before) > 0 && len(after) > 0:
		// Latest before, earliest after; slices arrive ASC by timestamp.
		a := before[len(before)-1]
		b := after[0]
		usd, confidence = linear(a, b, target)
		method = domain.MethodLinear
		used = []persistence.PriceRecord{a, b}

	case len(before) >= 2:
		a := before[len(before)-2]
		b := before[len(before)-1]
		var ok bool
		usd, confidence, ok = e.extrapolate(a, b, b, target)
		if !ok {
			return nil, nil
		}
		method = domain.MethodExtrapolation
		used = []persistence.PriceRecord{a, b}

	case len(after) >= 2:
		a := after[0]
		b := after[1]
		var ok bool
		usd, confidence, ok = e.extrapolate(a, b, a, target)
		if !ok {
			return nil, nil
		}
		method = domain.MethodExtrapolation
		used = []persistence.PriceRecord{a, b}

	default:
		// One point on a single side cannot anchor a rate.
		return nil, nil
	}

	if confidence < e.config.MinConfidenceThreshold || usd <= 0 {
		e.logger.Debug().Str("token", token).Str("network", string(network)).
			Float64("confidence", confidence).Float64("usd", usd).
			Str("method", string(method)).Msg("interpolation declined")
		return nil, nil
	}

	points := make([]persistence.PricePoint, 0, len(used))
	for _, u := range used {
		points = append(points, persistence.PricePoint{
			Timestamp: u.Timestamp,
			USD:       u.USD,
			Source:    "db",
		})
	}

	now := time.Now().UTC()
	return &persistence.PriceRecord{
		Token:          token,
		Network:        network,
		Timestamp:      target.UTC(),
		USD:            usd,
		LastUpdated:    now,
		Interpolated:   true,
		Method:         method,
		Confidence:     confidence,
		DataPointsUsed: points,
		Source:         domain.SourceInterpolated,
	}, nil
}

// linear interpolates between a straddling pair. When the two reference
// timestamps coincide the ratio is zero and the before price wins.
func linear(before, after persistence.PriceRecord, target time.Time) (usd, confidence float64) {
	span := after.Timestamp.Sub(before.Timestamp)
	ratio := 0.0
	if span > 0 {
		ratio = float64(target.Sub(before.Timestamp)) / float64(span)
	}

	usd = before.USD + (after.USD-before.USD)*ratio

	timeConfidence := 1 - 2*math.Abs(0.5-ratio)
	confidence = (timeConfidence + volatilityConfidence(before.USD, after.USD)) / 2
	return usd, confidence
}

// extrapolate projects a linear USD-per-millisecond rate from the two
// adjacent points across the gap to target, clamped to ±k% of the anchor.
// It declines when the two reference timestamps coincide (no rate exists).
func (e *Engine) extrapolate(a, b, anchor persistence.PriceRecord, target time.Time) (usd, confidence float64, ok bool) {
	timeDiff := b.Timestamp.Sub(a.Timestamp).Milliseconds()
	if timeDiff == 0 {
		return 0, 0, false
	}
	rate := (b.USD - a.USD) / float64(timeDiff)

	gap := target.Sub(anchor.Timestamp).Milliseconds()
	usd = anchor.USD + rate*float64(gap)

	k := e.config.ExtrapolationMaxChangePercent / 100
	lower := anchor.USD * (1 - k)
	upper := anchor.USD * (1 + k)
	usd = math.Max(lower, math.Min(upper, usd))
	usd = math.Max(minExtrapolatedPrice, usd)

	span := math.Abs(float64(timeDiff))
	distance := math.Abs(float64(gap))
	timeConfidence := 0.1
	if span > 0 {
		timeConfidence = math.Max(0.1, 1-distance/span)
	}

	confidence = (timeConfidence + volatilityConfidence(a.USD, b.USD)) / 2
	confidence = math.Min(1, confidence)
	return usd, confidence, true
}

// volatilityConfidence penalizes pairs whose prices diverge relative to
// their mean. A zero mean yields zero confidence.
func volatilityConfidence(p1, p2 float64) float64 {
	mean := (p1 + p2) / 2
	if mean == 0 {
		return 0
	}
	return math.Max(0, 1-math.Abs(p2-p1)/mean)
}
