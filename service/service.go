// Package service implements the business-rule layer: task, session, and
// project services plus the relationship maintainer that keeps the
// task/session cross-references bidirectionally consistent. Services are
// the only writers of task and session records; every successful mutation
// is published on the domain event bus.
package service

import (
	"log/slog"

	"github.com/forgecrew/foreman/events"
	"github.com/forgecrew/foreman/store"
)

// Services bundles the business-rule layer around one store and one bus.
type Services struct {
	Tasks    *Tasks
	Sessions *Sessions
	Projects *Projects
	Links    *Links
}

// New wires the services. A nil logger falls back to slog.Default.
func New(st *store.Store, bus *events.Bus, logger *slog.Logger) *Services {
	if logger == nil {
		logger = slog.Default()
	}
	links := &Links{st: st, bus: bus}
	return &Services{
		Tasks:    &Tasks{st: st, bus: bus, links: links},
		Sessions: &Sessions{st: st, bus: bus, links: links, logger: logger},
		Projects: &Projects{st: st, bus: bus},
		Links:    links,
	}
}
