// SPDX-License-Identifier: GPL-3.0-or-later

// Package netipx contains [net/netip] extensions.
package netipx

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrExhausted indicates that an [*Allocator] has no more host addresses.
var ErrExhausted = errors.New("netipx: address block exhausted")

// ErrInvalidPrefix indicates that a prefix cannot be used for allocation.
var ErrInvalidPrefix = errors.New("netipx: invalid prefix")

// Allocator hands out consecutive host addresses from a network prefix,
// starting from the first address after the network address.
//
// For IPv4, the network and broadcast addresses are never returned.
//
// The zero value is not ready to use; construct using [NewAllocator].
type Allocator struct {
	// next is the next address to return.
	next netip.Addr

	// prefix is the masked network prefix.
	prefix netip.Prefix
}

// NewAllocator creates a new [*Allocator] for the given prefix. The
// prefix is masked, so 10.0.0.7/24 behaves like 10.0.0.0/24.
func NewAllocator(prefix netip.Prefix) (*Allocator, error) {
	if !prefix.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrefix, prefix)
	}
	prefix = prefix.Masked()
	if prefix.Addr().Is4() && prefix.Bits() > 30 {
		return nil, fmt.Errorf("%w: %s has no host addresses", ErrInvalidPrefix, prefix)
	}
	return &Allocator{next: prefix.Addr().Next(), prefix: prefix}, nil
}

// Prefix returns the masked network prefix.
func (a *Allocator) Prefix() netip.Prefix {
	return a.prefix
}

// Next returns the next host address, carrying the allocator prefix
// length, e.g., 10.0.0.1/24.
func (a *Allocator) Next() (netip.Prefix, error) {
	addr := a.next
	if !addr.IsValid() || !a.prefix.Contains(addr) || a.isBroadcast(addr) {
		return netip.Prefix{}, ErrExhausted
	}
	a.next = addr.Next()
	return netip.PrefixFrom(addr, a.prefix.Bits()), nil
}

// isBroadcast returns whether addr is the IPv4 broadcast address of the prefix.
func (a *Allocator) isBroadcast(addr netip.Addr) bool {
	if !addr.Is4() {
		return false
	}
	next := addr.Next()
	return !next.IsValid() || !a.prefix.Contains(next)
}
