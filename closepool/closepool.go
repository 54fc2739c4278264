// SPDX-License-Identifier: GPL-3.0-or-later

// Package closepool tears down the resources of a simulation run, such
// as trace sinks, output files, and applications, in a single operation.
package closepool

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
)

// entry is a named teardown function.
type entry struct {
	name string
	fn   func() error
}

// Pool collects teardown functions and runs them in reverse order.
//
// The zero value is ready to use.
type Pool struct {
	// entries contains the registered teardown functions.
	entries []entry

	// mu provides mutual exclusion.
	mu sync.Mutex
}

// Add adds a named [io.Closer] to the pool.
func (p *Pool) Add(name string, closer io.Closer) {
	p.AddFunc(name, closer.Close)
}

// AddFunc adds a named teardown function to the pool.
func (p *Pool) AddFunc(name string, fn func() error) {
	p.mu.Lock()
	p.entries = append(p.entries, entry{name, fn})
	p.mu.Unlock()
}

// Len returns the number of registered entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close runs the teardown functions in reverse registration order, so
// that a sink is closed before the file underneath it. The returned error
// joins all the errors, each prefixed with the name of its entry. Entries
// run exactly once: a second Close is a no-op.
func (p *Pool) Close() error {
	p.mu.Lock()
	entries := p.entries
	p.entries = nil
	p.mu.Unlock()

	var errv []error
	for _, e := range slices.Backward(entries) {
		if err := e.fn(); err != nil {
			errv = append(errv, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	return errors.Join(errv...)
}
