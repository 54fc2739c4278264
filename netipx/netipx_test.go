// SPDX-License-Identifier: GPL-3.0-or-later

package netipx_test

import (
	"net/netip"
	"testing"

	"github.com/rbmk-project/tcpchain/netipx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAllocator(t *testing.T) {
	tests := []struct {
		name    string
		prefix  netip.Prefix
		wantErr error
		want    netip.Prefix
	}{
		{
			name:    "invalid prefix",
			prefix:  netip.Prefix{},
			wantErr: netipx.ErrInvalidPrefix,
		},

		{
			name:    "no host addresses",
			prefix:  netip.MustParsePrefix("10.0.0.0/31"),
			wantErr: netipx.ErrInvalidPrefix,
		},

		{
			name:   "masks the prefix",
			prefix: netip.MustParsePrefix("10.0.1.77/24"),
			want:   netip.MustParsePrefix("10.0.1.0/24"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alloc, err := netipx.NewAllocator(tt.prefix)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, alloc.Prefix())
		})
	}
}

func TestAllocatorNext(t *testing.T) {
	t.Run("consecutive host addresses", func(t *testing.T) {
		alloc, err := netipx.NewAllocator(netip.MustParsePrefix("10.0.2.0/24"))
		require.NoError(t, err)
		for _, want := range []string{"10.0.2.1/24", "10.0.2.2/24", "10.0.2.3/24"} {
			got, err := alloc.Next()
			require.NoError(t, err)
			assert.Equal(t, netip.MustParsePrefix(want), got)
		}
	})

	t.Run("skips the broadcast address", func(t *testing.T) {
		alloc, err := netipx.NewAllocator(netip.MustParsePrefix("192.168.0.0/30"))
		require.NoError(t, err)
		var got []netip.Prefix
		for {
			addr, err := alloc.Next()
			if err != nil {
				assert.ErrorIs(t, err, netipx.ErrExhausted)
				break
			}
			got = append(got, addr)
		}
		assert.Equal(t, []netip.Prefix{
			netip.MustParsePrefix("192.168.0.1/30"),
			netip.MustParsePrefix("192.168.0.2/30"),
		}, got)
	})

	t.Run("IPv6", func(t *testing.T) {
		alloc, err := netipx.NewAllocator(netip.MustParsePrefix("2001:db8::/127"))
		require.NoError(t, err)
		got, err := alloc.Next()
		require.NoError(t, err)
		assert.Equal(t, netip.MustParsePrefix("2001:db8::1/127"), got)
		_, err = alloc.Next()
		assert.ErrorIs(t, err, netipx.ErrExhausted)
	})
}
