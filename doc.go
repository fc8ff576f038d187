// Package annosync keeps a document store of denormalized projections in
// step with an authoritative relational store of documents, annotation
// schemas, annotations and annotation history.
//
// Writes go to the relational store first. After each commit a
// change-capture hook rewrites the matching projection in the document
// store (SurrealDB by default, or MongoDB). When the document store is down
// the write still succeeds and the record is tracked as pending, and the
// auditor later repairs it together with any other drift.
//
// The command lives in [github.com/surrealdb/annosync/cmd/annosync]; its
// wiring is in [github.com/surrealdb/annosync/pkg/annosync].
package annosync
