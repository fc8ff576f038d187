// Package audit detects and repairs drift between the primary store and the
// document store.
//
// The Auditor is stateless between runs. Each run enumerates every primary
// document, looks up its projection and repairs what it finds, always in the
// direction document store ← primary store:
//
//   - a missing document projection is rebuilt together with the schema,
//     annotation and history projections of the document;
//   - with field-level checks, a projection whose title, status or
//     description differs is rewritten in full;
//   - with deep checks, the document, schema and annotation projections are
//     compared by a canonical CBOR fingerprint of their complete content.
//
// Rows of the sync-state table are replayed as well: a pending or failed
// change of a document that still exists triggers a full resync of that
// document, and a delete that never reached the document store is retried.
//
// Concurrent runs are not coordinated and should be serialized by the
// operator.
package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drift reasons recorded by driftDetectedTotal.
const (
	DriftMissing = "missing"
	DriftFields  = "fields"
	DriftContent = "content"
	DriftState   = "sync_state"
)

var (
	repairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "annosync_repairs_total",
		Help: "Cumulative number of documents repaired by the auditor, by result",
	}, []string{"result"})
	driftDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "annosync_drift_detected_total",
		Help: "Cumulative number of drifted records detected by the auditor, by reason",
	}, []string{"reason"})
)
