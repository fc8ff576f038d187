// Package events is the typed dispatcher the primary store calls after a
// transaction commits.
//
// The primary store publishes exactly one [Event] per committed mutation of
// a record. Handlers run synchronously, in subscription order, on the
// publishing goroutine, so propagation completes before the store call
// returns. A panicking handler is logged and does not affect the caller or
// the remaining handlers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/surrealdb/annosync/pkg/models"
)

// Event describes one committed mutation.
//
// Before is the record as loaded before an update or delete, and After the
// record as committed by a create or update. They are pointers to the
// primary models (e.g. *models.Document) or nil.
type Event struct {
	Kind        models.EntityKind
	Op          models.ChangeOperation
	EntityID    string
	DocumentID  string
	Before      any
	After       any
	CommittedAt time.Time
}

// Handler receives events.
type Handler func(ctx context.Context, e Event)

// Dispatcher fans events out to handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	order    []uint64
	next     uint64
	log      zerolog.Logger
}

func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[uint64]Handler),
		log:      log,
	}
}

// Subscribe registers h and returns a function that removes it.
func (d *Dispatcher) Subscribe(h Handler) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.next
	d.next++
	d.handlers[id] = h
	d.order = append(d.order, id)
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers, id)
		for i, o := range d.order {
			if o == id {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers e to every handler. A nil Dispatcher discards events.
func (d *Dispatcher) Publish(ctx context.Context, e Event) {
	if d == nil {
		return
	}
	if e.CommittedAt.IsZero() {
		e.CommittedAt = time.Now()
	}
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.order))
	for _, id := range d.order {
		handlers = append(handlers, d.handlers[id])
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		d.deliver(ctx, h, e)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("kind", string(e.Kind)).
				Str("op", string(e.Op)).
				Str("entity_id", e.EntityID).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	h(ctx, e)
}
