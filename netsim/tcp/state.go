// SPDX-License-Identifier: GPL-3.0-or-later

package tcp

// State is the state of a [*Socket].
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

var stateNames = map[State]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynReceived: "SYN_RCVD",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN_WAIT_1",
	StateFinWait2:    "FIN_WAIT_2",
	StateClosing:     "CLOSING",
	StateTimeWait:    "TIME_WAIT",
	StateCloseWait:   "CLOSE_WAIT",
	StateLastAck:     "LAST_ACK",
}

// String returns the conventional name of the state.
func (s State) String() string {
	if name, found := stateNames[s]; found {
		return name
	}
	return "UNKNOWN"
}

// canSend returns whether data and FIN segments may be transmitted.
func (s State) canSend() bool {
	switch s {
	case StateEstablished, StateCloseWait, StateFinWait1, StateClosing, StateLastAck:
		return true
	default:
		return false
	}
}

// canReceive returns whether incoming data is accepted.
func (s State) canReceive() bool {
	switch s {
	case StateEstablished, StateFinWait1, StateFinWait2:
		return true
	default:
		return false
	}
}

// seqLT returns whether sequence number a precedes b modulo 2^32.
func seqLT(a, b uint32) bool {
	return int32(a-b) < 0
}

// seqLEQ returns whether a precedes or equals b modulo 2^32.
func seqLEQ(a, b uint32) bool {
	return int32(a-b) <= 0
}

// seqGT returns whether a follows b modulo 2^32.
func seqGT(a, b uint32) bool {
	return int32(a-b) > 0
}

// seqGEQ returns whether a follows or equals b modulo 2^32.
func seqGEQ(a, b uint32) bool {
	return int32(a-b) >= 0
}
