// Package models defines the records of the annotation workflow and the
// document-store projections that mirror them.
//
// # Primary records
//
// The relational store is authoritative. Every record below is a GORM model
// keyed by a typed UUID:
//
//   - [Document]: one uploaded file and its lifecycle status
//   - [AnnotationSchema]: the schema proposed for a document, one per document,
//     owning an ordered list of [AnnotationField]
//   - [Annotation]: pre-annotations and human-edited annotations, one per document
//   - [AnnotationHistory]: append-only audit entries for an annotation
//   - [SyncState]: propagation status of a record that failed to reach the
//     document store
//
// # Projections
//
// Each primary record has a denormalized projection stored in the document
// store under the same identifier: [DocumentProjection], [SchemaProjection]
// (with fields embedded), [AnnotationProjection] (with derived completion
// and confidence values) and [HistoryProjection]. Projections are built only
// by the Build* functions in this package so that the change hooks and the
// auditor always produce identical payloads for the same record.
//
// # Typed IDs
//
// Identifiers are distinct types ([DocumentID], [SchemaID], [AnnotationID],
// ...) to prevent mixing them up. They store as uuid columns through
// driver.Valuer / sql.Scanner and serialize as plain UUID strings, which is
// also the key used in the document store. The shared identifier is the join
// key for every consistency check.
package models
