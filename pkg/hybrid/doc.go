// Package hybrid is the public API over both stores.
//
// Every mutation is written to the primary store first. Whole-record
// writes (documents, schema validation, completion, rejection, annotation
// creation) rely on the change-capture hooks for propagation. Paths that
// must control what reaches the document store (schema creation with its
// embedded fields, field-level and bulk annotation edits, validation) write
// through an unobserved view of the primary store and then propagate
// explicitly; these return false when the document store write failed.
//
// A document store failure never fails an operation: callers are told only
// whether the primary outcome succeeded, and the failure is recorded for the
// auditor. Reads merge both stores, taking JSON payloads from the projection
// when one exists and everything else from the primary record.
//
// Mutations of one document are serialized within a Service, so the order of
// projection writes matches the order of primary commits for in-process
// callers.
package hybrid
