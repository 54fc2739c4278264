// SPDX-License-Identifier: GPL-3.0-or-later

package tcp

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Config contains the TCP tunables shared by all the sockets of a [*Stack].
type Config struct {
	// SegmentSize is the maximum segment size in bytes.
	SegmentSize uint32

	// InitialCwnd is the initial congestion window in segments.
	InitialCwnd uint32

	// InitialSsthresh is the initial slow start threshold in bytes.
	InitialSsthresh uint32

	// SndBufSize is the send buffer size in bytes.
	SndBufSize uint32

	// RcvBufSize is the receive buffer size in bytes.
	RcvBufSize uint32

	// InitialRTO is the retransmission timeout before the first RTT sample.
	InitialRTO time.Duration

	// MinRTO is the lower bound of the retransmission timeout.
	MinRTO time.Duration

	// MaxRTO is the upper bound of the retransmission timeout.
	MaxRTO time.Duration

	// ClockGranularity is the RTO clock granularity.
	ClockGranularity time.Duration

	// DupAckThreshold is the number of duplicate ACKs
	// triggering a fast retransmit.
	DupAckThreshold int

	// ConnRetries is the number of SYN retransmissions
	// before giving up on a connection attempt.
	ConnRetries int

	// DataRetries is the number of consecutive data
	// retransmissions before aborting the connection.
	DataRetries int

	// TimeWait is how long a socket lingers in TIME_WAIT.
	TimeWait time.Duration
}

// DefaultConfig returns the default [*Config].
func DefaultConfig() *Config {
	return &Config{
		SegmentSize:      536,
		InitialCwnd:      10,
		InitialSsthresh:  math.MaxUint32,
		SndBufSize:       131072,
		RcvBufSize:       131072,
		InitialRTO:       time.Second,
		MinRTO:           time.Second,
		MaxRTO:           60 * time.Second,
		ClockGranularity: time.Millisecond,
		DupAckThreshold:  3,
		ConnRetries:      6,
		DataRetries:      6,
		TimeWait:         240 * time.Second,
	}
}

// ErrInvalidConfig indicates an invalid TCP configuration.
var ErrInvalidConfig = errors.New("invalid tcp config")

// Validate returns an error if the configuration is not valid.
func (c *Config) Validate() error {
	switch {
	case c.SegmentSize == 0:
		return fmt.Errorf("%w: zero segment size", ErrInvalidConfig)
	case c.InitialCwnd == 0:
		return fmt.Errorf("%w: zero initial cwnd", ErrInvalidConfig)
	case c.SndBufSize < c.SegmentSize:
		return fmt.Errorf("%w: send buffer smaller than a segment", ErrInvalidConfig)
	case c.RcvBufSize < c.SegmentSize:
		return fmt.Errorf("%w: receive buffer smaller than a segment", ErrInvalidConfig)
	case c.InitialRTO <= 0 || c.MinRTO <= 0:
		return fmt.Errorf("%w: RTO must be positive", ErrInvalidConfig)
	case c.MaxRTO < c.MinRTO:
		return fmt.Errorf("%w: max RTO below min RTO", ErrInvalidConfig)
	case c.DupAckThreshold <= 0:
		return fmt.Errorf("%w: dupack threshold must be positive", ErrInvalidConfig)
	case c.ConnRetries < 0 || c.DataRetries < 0:
		return fmt.Errorf("%w: negative retries", ErrInvalidConfig)
	case c.ClockGranularity < 0 || c.TimeWait < 0:
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	default:
		return nil
	}
}
