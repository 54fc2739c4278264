// SPDX-License-Identifier: GPL-3.0-or-later

// Package hook implements synchronous publish/subscribe sources used
// to observe internal transport and link state.
package hook

// Source publishes values of type T to subscribed handlers.
//
// Handlers run synchronously, in registration order, on the goroutine
// calling [*Source.Publish]. Handlers must not block and must not mutate
// the state of the publisher.
//
// The zero value is ready to use.
type Source[T any] struct {
	// handlers contains the subscribed handlers.
	handlers []func(T)
}

// Subscribe registers a handler.
func (s *Source[T]) Subscribe(handler func(T)) {
	s.handlers = append(s.handlers, handler)
}

// Publish invokes all the handlers with the given value.
func (s *Source[T]) Publish(value T) {
	for _, handler := range s.handlers {
		handler(value)
	}
}

// Len returns the number of subscribed handlers.
func (s *Source[T]) Len() int {
	return len(s.handlers)
}
