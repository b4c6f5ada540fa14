// Package notify holds the ordered callback list shared by the watcher, the
// storage adapters and the note service.
package notify

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// List is an ordered callback list with synchronous delivery. A panicking
// callback is logged and does not stop delivery to the rest.
type List[T any] struct {
	scope  string
	logger *slog.Logger

	mu    sync.Mutex
	next  int
	subs  map[int]func(T)
	order []int
}

// New returns an empty list. scope prefixes the panic log message.
func New[T any](scope string, logger *slog.Logger) *List[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &List[T]{scope: scope, logger: logger, subs: make(map[int]func(T))}
}

// Add registers cb after every existing callback. The returned function
// removes it and is safe to call more than once.
func (l *List[T]) Add(cb func(T)) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.next
	l.next++
	l.subs[id] = cb
	l.order = append(l.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs, id)
			if i := slices.Index(l.order, id); i >= 0 {
				l.order = slices.Delete(l.order, i, i+1)
			}
		})
	}
}

// Emit calls every callback with v in registration order. Callbacks may
// add or remove subscriptions; the change applies from the next Emit.
func (l *List[T]) Emit(v T) {
	l.mu.Lock()
	cbs := make([]func(T), 0, len(l.order))
	for _, id := range l.order {
		cbs = append(cbs, l.subs[id])
	}
	l.mu.Unlock()

	for _, cb := range cbs {
		l.call(cb, v)
	}
}

// Len reports the number of registered callbacks.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// Clear drops every callback.
func (l *List[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = make(map[int]func(T))
	l.order = nil
}

func (l *List[T]) call(cb func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error(l.scope+": subscriber panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	cb(v)
}
