// Package events provides the in-process domain event bus. Services
// publish typed notifications after each committed state change; the
// observer bridge and other subscribers receive them synchronously.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler processes a published event.
type Handler func(ctx context.Context, name string, payload any)

// maxConcurrentHandlers bounds the fan-out batch per publish.
const maxConcurrentHandlers = 4

// Bus is a thread-safe in-process publish/subscribe bus keyed by event
// name. Publish waits for every handler to return, so a publisher knows
// its observers have at least been invoked. Handler failures (panics)
// are isolated and logged, never propagated to the publisher or to the
// remaining handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   int
	logger   *slog.Logger
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewBus creates an empty bus. A nil logger falls back to slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]handlerEntry),
		logger:   logger,
	}
}

// Publish delivers the payload to every handler registered for name,
// returning after all handlers have run. Handlers run as a
// bounded-concurrency batch; a panicking handler is recovered and logged
// without affecting the others.
func (b *Bus) Publish(ctx context.Context, name string, payload any) {
	b.mu.RLock()
	entries := b.handlers[name]
	targets := make([]Handler, len(entries))
	for i, e := range entries {
		targets[i] = e.handler
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	sem := make(chan struct{}, maxConcurrentHandlers)
	var wg sync.WaitGroup
	for _, h := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(h Handler) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic",
						slog.String("event", name),
						slog.Any("panic", fmt.Sprintf("%v", r)),
					)
				}
			}()
			h(ctx, name, payload)
		}(h)
	}
	wg.Wait()
}

// Subscribe registers a handler for the named event and returns an
// unsubscribe function. Safe to call while a publish for a different
// event name is in flight.
func (b *Bus) Subscribe(name string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[name] = append(b.handlers[name], handlerEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[name]
		filtered := entries[:0]
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(b.handlers, name)
		} else {
			b.handlers[name] = filtered
		}
	}
}

// SubscribeAll registers the handler for every known event name and
// returns a single unsubscribe function covering them all.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	unsubs := make([]func(), 0, len(All))
	for _, name := range All {
		unsubs = append(unsubs, b.Subscribe(name, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
