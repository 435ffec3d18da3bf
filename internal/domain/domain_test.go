package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeToken(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{
			name:  "lowercase_address_passes",
			input: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
			want:  "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		},
		{
			name:  "mixed_case_is_lowercased",
			input: "0xA0b86991C6218b36c1d19D4a2e9Eb0cE3606eB48",
			want:  "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		},
		{
			name:    "missing_prefix_rejected",
			input:   "a0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
			wantErr: ErrInvalidToken,
		},
		{
			name:    "too_short_rejected",
			input:   "0xa0b86991",
			wantErr: ErrInvalidToken,
		},
		{
			name:    "non_hex_characters_rejected",
			input:   "0xg0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
			wantErr: ErrInvalidToken,
		},
		{
			name:    "empty_rejected",
			input:   "",
			wantErr: ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeToken(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseNetwork(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Network
		wantErr bool
	}{
		{name: "ethereum", input: "ethereum", want: NetworkEthereum},
		{name: "uppercase_canonicalized", input: "POLYGON", want: NetworkPolygon},
		{name: "whitespace_trimmed", input: " arbitrum ", want: NetworkArbitrum},
		{name: "unknown_network_rejected", input: "solana", wantErr: true},
		{name: "empty_rejected", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNetwork(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedNetwork)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	t.Run("empty_means_current", func(t *testing.T) {
		ts, err := ParseTimestamp("", now)
		require.NoError(t, err)
		assert.Nil(t, ts)
	})

	t.Run("valid_rfc3339_normalized_to_utc", func(t *testing.T) {
		ts, err := ParseTimestamp("2024-06-15T14:00:00+03:00", now)
		require.NoError(t, err)
		require.NotNil(t, ts)
		assert.Equal(t, time.Date(2024, 6, 15, 11, 0, 0, 0, time.UTC), *ts)
	})

	t.Run("malformed_rejected", func(t *testing.T) {
		_, err := ParseTimestamp("2024-06-15 12:00:00", now)
		assert.ErrorIs(t, err, ErrInvalidTimestamp)
	})

	t.Run("future_beyond_skew_rejected", func(t *testing.T) {
		_, err := ParseTimestamp("2024-06-15T12:10:00Z", now)
		assert.ErrorIs(t, err, ErrFutureTimestamp)
	})

	t.Run("future_within_skew_accepted", func(t *testing.T) {
		ts, err := ParseTimestamp("2024-06-15T12:04:00Z", now)
		require.NoError(t, err)
		require.NotNil(t, ts)
	})
}

func TestSupportedNetworks(t *testing.T) {
	nets := SupportedNetworks()
	assert.Len(t, nets, 6)
	for _, n := range nets {
		assert.True(t, IsSupported(n))
	}
	assert.False(t, IsSupported(Network("solana")))
}
