// SPDX-License-Identifier: GPL-3.0-or-later

package units_test

import (
	"testing"
	"time"

	"github.com/rbmk-project/tcpchain/netsim/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseDataRate(t *testing.T) {
	tests := []struct {
		input   string
		want    units.DataRate
		wantErr bool
	}{
		{input: "5Mbps", want: 5 * units.MbitPerSecond},
		{input: "1Mbps", want: units.MbitPerSecond},
		{input: "500kbps", want: 500 * units.KbitPerSecond},
		{input: "1Gbps", want: units.GbitPerSecond},
		{input: "800bps", want: 800},
		{input: "125KB/s", want: units.MbitPerSecond},
		{input: "1.5Mbps", want: 1500 * units.KbitPerSecond},
		{input: "4200", want: 4200},
		{input: " 10 Mbps ", want: 10 * units.MbitPerSecond},
		{input: "", wantErr: true},
		{input: "fast", wantErr: true},
		{input: "-1Mbps", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := units.ParseDataRate(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, units.ErrInvalidDataRate)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDataRateString(t *testing.T) {
	assert.Equal(t, "5Mbps", (5 * units.MbitPerSecond).String())
	assert.Equal(t, "2Gbps", (2 * units.GbitPerSecond).String())
	assert.Equal(t, "1500kbps", (1500 * units.KbitPerSecond).String())
	assert.Equal(t, "1234bps", units.DataRate(1234).String())
	assert.Equal(t, "0bps", units.DataRate(0).String())
}

func TestDataRateYAML(t *testing.T) {
	var doc struct {
		Rate units.DataRate `yaml:"rate"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("rate: 5Mbps\n"), &doc))
	assert.Equal(t, 5*units.MbitPerSecond, doc.Rate)

	out, err := yaml.Marshal(&doc)
	require.NoError(t, err)
	assert.Equal(t, "rate: 5Mbps\n", string(out))

	assert.Error(t, yaml.Unmarshal([]byte("rate: nope\n"), &doc))
}

func TestTransmitTime(t *testing.T) {
	t.Run("generator interval", func(t *testing.T) {
		assert.Equal(t, 8320*time.Microsecond, units.MbitPerSecond.TransmitTime(1040))
	})

	t.Run("link serialization", func(t *testing.T) {
		// 578 bytes on the wire at 5Mbps.
		assert.Equal(t, 924800*time.Nanosecond, (5 * units.MbitPerSecond).TransmitTime(578))
	})

	t.Run("truncates to the nanosecond", func(t *testing.T) {
		assert.Equal(t, 2666666666*time.Nanosecond, units.DataRate(3).TransmitTime(1))
	})

	t.Run("zero bytes", func(t *testing.T) {
		assert.Equal(t, time.Duration(0), units.MbitPerSecond.TransmitTime(0))
	})

	t.Run("zero rate saturates", func(t *testing.T) {
		assert.Equal(t, time.Duration(1<<63-1), units.DataRate(0).TransmitTime(1))
	})

	t.Run("huge values saturate", func(t *testing.T) {
		assert.Equal(t, time.Duration(1<<63-1), units.DataRate(1).TransmitTime(1<<62))
	})
}
