// SPDX-License-Identifier: GPL-3.0-or-later

package tcp

import "time"

// rttEstimator computes the retransmission timeout following RFC 6298.
type rttEstimator struct {
	// config is the stack configuration.
	config *Config

	// hasSample is true after the first measurement.
	hasSample bool

	// rto is the current retransmission timeout.
	rto time.Duration

	// rttvar is the round-trip time variation.
	rttvar time.Duration

	// srtt is the smoothed round-trip time.
	srtt time.Duration
}

func (e *rttEstimator) init(config *Config) {
	e.config = config
	e.rto = config.InitialRTO
}

// sample updates the estimator with a new round-trip measurement.
func (e *rttEstimator) sample(rtt time.Duration) {
	if !e.hasSample {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.hasSample = true
	} else {
		delta := e.srtt - rtt
		if delta < 0 {
			delta = -delta
		}
		e.rttvar = (3*e.rttvar + delta) / 4
		e.srtt = (7*e.srtt + rtt) / 8
	}
	e.rto = e.clamp(e.srtt + max(e.config.ClockGranularity, 4*e.rttvar))
}

// backoff doubles the retransmission timeout.
func (e *rttEstimator) backoff() {
	e.rto = e.clamp(2 * e.rto)
}

func (e *rttEstimator) clamp(rto time.Duration) time.Duration {
	return min(max(rto, e.config.MinRTO), e.config.MaxRTO)
}
