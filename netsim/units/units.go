// SPDX-License-Identifier: GPL-3.0-or-later

// Package units contains the [DataRate] type and transmit-time math.
package units

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// DataRate is a bit rate expressed in bits per second.
type DataRate uint64

// Common data rates.
const (
	BitPerSecond  DataRate = 1
	KbitPerSecond          = 1000 * BitPerSecond
	MbitPerSecond          = 1000 * KbitPerSecond
	GbitPerSecond          = 1000 * MbitPerSecond
)

// rateSuffixes maps the accepted suffixes to their multiplier. Longer
// suffixes come first so that "kbps" is not parsed as "bps".
var rateSuffixes = []struct {
	suffix string
	mult   float64
}{
	{"Gbps", 1e9},
	{"Mbps", 1e6},
	{"kbps", 1e3},
	{"Kbps", 1e3},
	{"GB/s", 8e9},
	{"MB/s", 8e6},
	{"KB/s", 8e3},
	{"kB/s", 8e3},
	{"B/s", 8},
	{"bps", 1},
}

// ErrInvalidDataRate indicates that a data rate string cannot be parsed.
var ErrInvalidDataRate = errors.New("invalid data rate")

// ParseDataRate parses strings such as "5Mbps", "500kbps", "1Gbps",
// "800bps", or "125KB/s". A bare number is interpreted as bits per second.
func ParseDataRate(value string) (DataRate, error) {
	value = strings.TrimSpace(value)
	mult := 1.0
	number := value
	for _, entry := range rateSuffixes {
		if strings.HasSuffix(value, entry.suffix) {
			number = strings.TrimSpace(strings.TrimSuffix(value, entry.suffix))
			mult = entry.mult
			break
		}
	}
	v, err := strconv.ParseFloat(number, 64)
	if err != nil || v < 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDataRate, value)
	}
	bps := math.Round(v * mult)
	if bps > math.MaxUint64/2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDataRate, value)
	}
	return DataRate(bps), nil
}

// String returns the most compact exact representation of the rate.
func (r DataRate) String() string {
	switch {
	case r != 0 && r%GbitPerSecond == 0:
		return fmt.Sprintf("%dGbps", r/GbitPerSecond)
	case r != 0 && r%MbitPerSecond == 0:
		return fmt.Sprintf("%dMbps", r/MbitPerSecond)
	case r != 0 && r%KbitPerSecond == 0:
		return fmt.Sprintf("%dkbps", r/KbitPerSecond)
	default:
		return fmt.Sprintf("%dbps", uint64(r))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (r DataRate) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (r *DataRate) UnmarshalText(text []byte) error {
	v, err := ParseDataRate(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// TransmitTime returns the time required to transmit the given number
// of bytes at this rate, that is, nbytes*8/rate seconds, truncated to
// the nanosecond. The computation is exact for all inputs.
//
// A zero rate has no finite transmit time: the result is the maximum
// representable duration. Callers should reject zero rates earlier.
func (r DataRate) TransmitTime(nbytes uint64) time.Duration {
	if r == 0 {
		return time.Duration(math.MaxInt64)
	}
	hiBits, loBits := bits.Mul64(nbytes, 8)
	if hiBits != 0 {
		return time.Duration(math.MaxInt64)
	}
	hi, lo := bits.Mul64(loBits, uint64(time.Second))
	if hi >= uint64(r) {
		return time.Duration(math.MaxInt64)
	}
	quo, _ := bits.Div64(hi, lo, uint64(r))
	if quo > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(quo)
}
