//go:build windows

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Windows errno definitions.
//

package tcp

import "golang.org/x/sys/windows"

const (
	// EADDRINUSE is the address in use error.
	EADDRINUSE = windows.WSAEADDRINUSE

	// ECONNREFUSED is the connection refused error.
	ECONNREFUSED = windows.WSAECONNREFUSED

	// ECONNRESET is the connection reset by peer error.
	ECONNRESET = windows.WSAECONNRESET

	// EHOSTUNREACH is the host unreachable error.
	EHOSTUNREACH = windows.WSAEHOSTUNREACH

	// EINVAL is the invalid argument error.
	EINVAL = windows.WSAEINVAL

	// EISCONN is the already connected error.
	EISCONN = windows.WSAEISCONN

	// ENOBUFS is the no buffer space available error.
	ENOBUFS = windows.WSAENOBUFS

	// ENOTCONN is the not connected error.
	ENOTCONN = windows.WSAENOTCONN

	// ETIMEDOUT is the connection timed out error.
	ETIMEDOUT = windows.WSAETIMEDOUT
)
