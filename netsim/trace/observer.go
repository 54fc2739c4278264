// SPDX-License-Identifier: GPL-3.0-or-later

package trace

import (
	"log/slog"

	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/tcpchain/internal/slogx"
	"github.com/rbmk-project/tcpchain/netsim/link"
	"github.com/rbmk-project/tcpchain/netsim/tcp"
)

// CwndObserver returns a handler for [*tcp.Socket.CongestionWindow]
// that writes each sample to w and logs it. A nil w only logs.
func CwndObserver(w *CwndWriter, logger *slog.Logger) func(tcp.CwndSample) {
	logger = slogx.OrDiscard(logger)
	var failed bool
	return func(sample tcp.CwndSample) {
		logger.Info("cwnd",
			slog.Duration("t", sample.At),
			slog.Uint64("old", uint64(sample.Old)),
			slog.Uint64("new", uint64(sample.New)),
		)
		if w == nil {
			return
		}
		if err := w.Write(sample); err != nil && !failed {
			failed = true
			logWriteError(logger, "cwndWriteError", err)
		}
	}
}

// DropObserver returns a handler for [*link.Device.Drops] that
// captures the packets the receive filter dropped to w and logs
// them. Other drops are ignored. A nil w only logs.
func DropObserver(w *PcapWriter, logger *slog.Logger) func(link.Drop) {
	logger = slogx.OrDiscard(logger)
	var failed bool
	return func(drop link.Drop) {
		if drop.Reason != link.DropPhyRx {
			return
		}
		logger.Info("RxDrop",
			slog.Duration("t", drop.At),
			slog.Uint64("uid", drop.Packet.UID),
			slog.String("pkt", drop.Packet.String()),
		)
		if w == nil {
			return
		}
		if err := w.Write(drop.At, drop.Packet); err != nil && !failed {
			failed = true
			logWriteError(logger, "pcapWriteError", err)
		}
	}
}

// logWriteError logs a sink write error.
func logWriteError(logger *slog.Logger, msg string, err error) {
	logger.Warn(msg, slog.Any("err", err), slog.String("errClass", errclass.New(err)))
}
