package domain

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Network identifies a supported EVM chain.
type Network string

const (
	NetworkEthereum  Network = "ethereum"
	NetworkPolygon   Network = "polygon"
	NetworkBSC       Network = "bsc"
	NetworkAvalanche Network = "avalanche"
	NetworkArbitrum  Network = "arbitrum"
	NetworkOptimism  Network = "optimism"
)

// Source tags which resolution tier produced a price.
type Source string

const (
	SourceCache        Source = "fromCache"
	SourceDB           Source = "fromDB"
	SourceAPI          Source = "fromAPI"
	SourceInterpolated Source = "interpolated"
)

// Method tags how an interpolated price was synthesized.
type Method string

const (
	MethodLinear        Method = "linear"
	MethodExtrapolation Method = "extrapolation"
)

var (
	ErrInvalidToken       = errors.New("token must match ^0x[0-9a-fA-F]{40}$")
	ErrUnsupportedNetwork = errors.New("unsupported network")
	ErrInvalidTimestamp   = errors.New("timestamp must be RFC3339")
	ErrFutureTimestamp    = errors.New("timestamp is in the future")
	ErrInvalidRange       = errors.New("startDate must not be after endDate")
)

// ClockSkewTolerance bounds how far a record timestamp may sit ahead of
// wall-clock time before it is rejected.
const ClockSkewTolerance = 5 * time.Minute

var tokenPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

var supportedNetworks = map[Network]bool{
	NetworkEthereum:  true,
	NetworkPolygon:   true,
	NetworkBSC:       true,
	NetworkAvalanche: true,
	NetworkArbitrum:  true,
	NetworkOptimism:  true,
}

// SupportedNetworks returns the closed network set in stable order.
func SupportedNetworks() []Network {
	return []Network{
		NetworkEthereum,
		NetworkPolygon,
		NetworkBSC,
		NetworkAvalanche,
		NetworkArbitrum,
		NetworkOptimism,
	}
}

// IsSupported reports whether n is part of the closed network set.
func IsSupported(n Network) bool {
	return supportedNetworks[n]
}

// NormalizeToken validates an ERC-20 contract address and lowercases it.
// Mixed-case input is accepted; the lowercased form is canonical everywhere
// downstream (store keys, cache keys) so case never fragments lookups.
func NormalizeToken(token string) (string, error) {
	if !tokenPattern.MatchString(token) {
		return "", ErrInvalidToken
	}
	return strings.ToLower(token), nil
}

// ParseNetwork validates and canonicalizes a network name.
func ParseNetwork(raw string) (Network, error) {
	n := Network(strings.ToLower(strings.TrimSpace(raw)))
	if !IsSupported(n) {
		return "", ErrUnsupportedNetwork
	}
	return n, nil
}

// ParseTimestamp parses an optional RFC3339 timestamp. Empty input means
// "current" and yields nil. Timestamps beyond the clock-skew tolerance in
// the future are rejected.
func ParseTimestamp(raw string, now time.Time) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, ErrInvalidTimestamp
	}
	if ts.After(now.Add(ClockSkewTolerance)) {
		return nil, ErrFutureTimestamp
	}
	utc := ts.UTC()
	return &utc, nil
}
