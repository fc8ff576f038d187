// Package hooks propagates committed primary-store mutations to the document
// store.
//
// A Propagator subscribes to the primary store's events.Dispatcher and, for
// every committed create, update or delete, rebuilds the complete projection
// from the primary record and writes it to the document store. Updates are
// never applied as diffs, so a missed intermediate update is healed by the
// next one. Deletes cascade: removing a document removes its schema,
// annotation and history projections too.
//
// Propagation never fails the primary mutation. If the document store is
// unreachable the record is marked pending without attempting a write. If
// writes fail, they are retried with backoff and the record is marked failed
// once retries are exhausted. Either way the failure is logged with the
// entity kind, identifier and operation, and the record is left for the
// auditor to repair.
package hooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Results recorded by propagationsTotal.
const (
	resultOK      = "ok"
	resultPending = "pending"
	resultFailed  = "failed"
)

var propagationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "annosync_propagations_total",
	Help: "Cumulative number of projection propagations by entity kind, operation and result",
}, []string{"kind", "op", "result"})
