// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package errmodel implements stochastic packet error models.

The [*RateModel] type corrupts packets independently with a probability
derived from a per-unit error rate, where the unit is a packet, a byte,
or a bit. Models implement [packet.Filter] and return [packet.DROP] for
corrupted packets, so they can be installed wherever a filter fits.

Models draw from a seeded pseudo-random source, so that two runs with
the same seed and the same traffic drop exactly the same packets.
*/
package errmodel

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/rbmk-project/tcpchain/netsim/packet"
)

// Unit is the unit to which the error rate applies.
type Unit int

const (
	// UnitPacket applies the rate to each packet.
	UnitPacket Unit = iota

	// UnitByte applies the rate to each byte.
	UnitByte

	// UnitBit applies the rate to each bit.
	UnitBit
)

// String returns the string representation of the unit.
func (u Unit) String() string {
	switch u {
	case UnitByte:
		return "byte"
	case UnitBit:
		return "bit"
	default:
		return "packet"
	}
}

// ErrInvalidModel indicates an invalid error model configuration.
var ErrInvalidModel = errors.New("invalid error model")

// ParseUnit parses "packet", "byte", or "bit".
func ParseUnit(value string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "packet":
		return UnitPacket, nil
	case "byte":
		return UnitByte, nil
	case "bit":
		return UnitBit, nil
	default:
		return 0, fmt.Errorf("%w: unknown unit %q", ErrInvalidModel, value)
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (u Unit) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (u *Unit) UnmarshalText(text []byte) error {
	v, err := ParseUnit(string(text))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// RateModel drops packets at a fixed per-unit error rate.
//
// The zero value is not ready to use; construct using [NewRateModel].
type RateModel struct {
	// rate is the per-unit error rate.
	rate float64

	// rng is the seeded random source.
	rng *rand.Rand

	// unit is the unit of the rate.
	unit Unit

	// enabled allows to temporarily disable the model.
	enabled bool
}

// NewRateModel creates a new [*RateModel] with the given rate, unit,
// and seed. The rate must be within [0, 1].
func NewRateModel(rate float64, unit Unit, seed uint64) (*RateModel, error) {
	if math.IsNaN(rate) || rate < 0 || rate > 1 {
		return nil, fmt.Errorf("%w: rate %v not in [0, 1]", ErrInvalidModel, rate)
	}
	if unit < UnitPacket || unit > UnitBit {
		return nil, fmt.Errorf("%w: unit %d", ErrInvalidModel, unit)
	}
	return &RateModel{
		rate:    rate,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		unit:    unit,
		enabled: true,
	}, nil
}

// Enable enables the model. Models are enabled on construction.
func (m *RateModel) Enable() {
	m.enabled = true
}

// Disable disables the model: disabled models never drop.
func (m *RateModel) Disable() {
	m.enabled = false
}

// PacketErrorProbability returns the probability that a packet with the
// given size in bytes is corrupted. For byte and bit units, each unit is
// corrupted independently, hence the probability is 1-(1-rate)^units.
func (m *RateModel) PacketErrorProbability(size int) float64 {
	switch m.unit {
	case UnitByte:
		return 1 - math.Pow(1-m.rate, float64(size))
	case UnitBit:
		return 1 - math.Pow(1-m.rate, float64(8*size))
	default:
		return m.rate
	}
}

// IsCorrupt returns whether the given packet is corrupted. Each call
// consumes exactly one draw from the random source when enabled.
func (m *RateModel) IsCorrupt(pkt *packet.Packet) bool {
	if !m.enabled {
		return false
	}
	prob := m.PacketErrorProbability(pkt.Size())
	return m.rng.Float64() < prob
}

// Filter implements [packet.Filter].
func (m *RateModel) Filter(pkt *packet.Packet) (packet.Target, []*packet.Packet) {
	if m.IsCorrupt(pkt) {
		return packet.DROP, nil
	}
	return packet.ACCEPT, nil
}

var _ packet.Filter = &RateModel{}
