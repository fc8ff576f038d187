package hooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/surrealdb/annosync/pkg/events"
	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/retry"
	"github.com/surrealdb/annosync/pkg/store"
)

// Primary is the part of the primary store the propagator needs.
type Primary interface {
	store.PrimaryReader
	store.SyncStateStore
}

// Propagator writes projections for primary-store changes.
type Propagator struct {
	primary   Primary
	secondary store.ProjectionStore
	retryer   retry.Retryer
	timeout   time.Duration
	log       zerolog.Logger

	unsubscribe func()
}

// New creates a Propagator. A nil retryer disables retries.
func New(primary Primary, secondary store.ProjectionStore, retryer retry.Retryer, log zerolog.Logger) *Propagator {
	if retryer == nil {
		retryer = retry.Never
	}
	return &Propagator{
		primary:   primary,
		secondary: secondary,
		retryer:   retryer,
		log:       log.With().Str("component", "hooks").Logger(),
	}
}

// SetTimeout bounds each document store call made by a propagation. Zero
// leaves calls bounded only by the caller's context.
func (p *Propagator) SetTimeout(d time.Duration) {
	p.timeout = d
}

func (p *Propagator) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

// Attach subscribes the propagator to d. It replaces a previous
// subscription.
func (p *Propagator) Attach(d *events.Dispatcher) {
	p.Detach()
	p.unsubscribe = d.Subscribe(p.Handle)
}

// Detach removes the subscription made by Attach.
func (p *Propagator) Detach() {
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
}

// Handle propagates one committed change. Errors are logged and recorded in
// the sync-state table, never returned.
func (p *Propagator) Handle(ctx context.Context, e events.Event) {
	var err error
	switch e.Kind {
	case models.KindDocument:
		err = p.handleDocument(ctx, e)
	case models.KindSchema:
		err = p.handleSchema(ctx, e)
	case models.KindAnnotation:
		err = p.handleAnnotation(ctx, e)
	case models.KindHistory:
		err = p.handleHistory(ctx, e)
	default:
		err = fmt.Errorf("unknown entity kind %q", e.Kind)
	}
	if err == nil {
		return
	}
	// propagate has already logged write and connection failures.
	event := p.log.Warn()
	var partial *store.PartialWriteError
	var unreachable *store.ConnectionError
	if errors.As(err, &partial) || errors.As(err, &unreachable) {
		event = p.log.Debug()
	}
	event.Err(err).
		Str("kind", string(e.Kind)).
		Str("op", string(e.Op)).
		Str("entity_id", e.EntityID).
		Str("document_id", e.DocumentID).
		Msg("change not propagated")
}

func (p *Propagator) handleDocument(ctx context.Context, e events.Event) error {
	if e.Op == models.ChangeOperationDelete {
		return p.DeleteDocumentCascade(ctx, e.DocumentID)
	}
	doc, ok := e.After.(*models.Document)
	if !ok {
		return fmt.Errorf("document event without record")
	}
	return p.syncDocument(ctx, e.Op, doc)
}

func (p *Propagator) handleSchema(ctx context.Context, e events.Event) error {
	if e.Op == models.ChangeOperationDelete {
		return p.DeleteSchemaCascade(ctx, e.EntityID, e.DocumentID)
	}
	id, err := models.ParseSchemaID(e.EntityID)
	if err != nil {
		return err
	}
	// The field list may have been replaced in the same transaction; the
	// event copy is not trusted to be complete.
	schema, err := p.primary.GetSchema(ctx, id)
	if err != nil {
		return err
	}
	if schema == nil {
		return &store.NotFoundError{Kind: models.KindSchema, ID: e.EntityID}
	}
	if err := p.syncSchema(ctx, e.Op, schema); err != nil {
		return err
	}
	if e.Op != models.ChangeOperationUpdate {
		return nil
	}
	// Completion depends on the required fields.
	annotation, err := p.primary.GetAnnotationByDocument(ctx, schema.DocumentID)
	if err != nil || annotation == nil {
		return err
	}
	return p.syncAnnotation(ctx, models.ChangeOperationUpdate, annotation, schema)
}

func (p *Propagator) handleAnnotation(ctx context.Context, e events.Event) error {
	if e.Op == models.ChangeOperationDelete {
		return p.DeleteAnnotationCascade(ctx, e.EntityID, e.DocumentID)
	}
	annotation, ok := e.After.(*models.Annotation)
	if !ok {
		return fmt.Errorf("annotation event without record")
	}
	schema, err := p.primary.GetSchema(ctx, annotation.SchemaID)
	if err != nil {
		return err
	}
	return p.syncAnnotation(ctx, e.Op, annotation, schema)
}

func (p *Propagator) handleHistory(ctx context.Context, e events.Event) error {
	h, ok := e.After.(*models.AnnotationHistory)
	if !ok {
		return fmt.Errorf("history event without record")
	}
	return p.SyncHistory(ctx, h)
}

// SyncDocument upserts the projection of doc.
func (p *Propagator) SyncDocument(ctx context.Context, doc *models.Document) error {
	return p.syncDocument(ctx, models.ChangeOperationUpdate, doc)
}

func (p *Propagator) syncDocument(ctx context.Context, op models.ChangeOperation, doc *models.Document) error {
	id := doc.ID.String()
	return p.propagate(ctx, models.KindDocument, op, id, id, func(ctx context.Context) error {
		return p.secondary.Documents().Upsert(ctx, models.BuildDocumentProjection(doc))
	})
}

// SyncSchema upserts the projection of schema, which must carry its complete
// field list.
func (p *Propagator) SyncSchema(ctx context.Context, schema *models.AnnotationSchema) error {
	return p.syncSchema(ctx, models.ChangeOperationUpdate, schema)
}

func (p *Propagator) syncSchema(ctx context.Context, op models.ChangeOperation, schema *models.AnnotationSchema) error {
	return p.propagate(ctx, models.KindSchema, op, schema.ID.String(), schema.DocumentID.String(), func(ctx context.Context) error {
		return p.secondary.Schemas().Upsert(ctx, models.BuildSchemaProjection(schema))
	})
}

// SyncAnnotation upserts the projection of annotation. schema supplies the
// required fields for the completion percentage; when nil it is read from
// the primary store.
func (p *Propagator) SyncAnnotation(ctx context.Context, annotation *models.Annotation, schema *models.AnnotationSchema) error {
	if schema == nil {
		var err error
		if schema, err = p.primary.GetSchema(ctx, annotation.SchemaID); err != nil {
			return err
		}
	}
	return p.syncAnnotation(ctx, models.ChangeOperationUpdate, annotation, schema)
}

func (p *Propagator) syncAnnotation(ctx context.Context, op models.ChangeOperation, annotation *models.Annotation, schema *models.AnnotationSchema) error {
	return p.propagate(ctx, models.KindAnnotation, op, annotation.ID.String(), annotation.DocumentID.String(), func(ctx context.Context) error {
		return p.secondary.Annotations().Upsert(ctx, models.BuildAnnotationProjection(annotation, schema))
	})
}

// SyncHistory upserts the projection of one history entry. Entries are keyed
// by their own identifier, so a repeated call rewrites the same projection.
func (p *Propagator) SyncHistory(ctx context.Context, h *models.AnnotationHistory) error {
	return p.propagate(ctx, models.KindHistory, models.ChangeOperationCreate, h.ID.String(), h.DocumentID.String(), func(ctx context.Context) error {
		return p.secondary.History().Upsert(ctx, models.BuildHistoryProjection(h))
	})
}

// DeleteDocumentCascade deletes the projection of a document together with
// its schema, annotation and history projections.
func (p *Propagator) DeleteDocumentCascade(ctx context.Context, documentID string) error {
	return p.propagate(ctx, models.KindDocument, models.ChangeOperationDelete, documentID, documentID, func(ctx context.Context) error {
		if err := p.secondary.History().DeleteByDocument(ctx, documentID); err != nil {
			return err
		}
		if err := p.secondary.Annotations().DeleteByDocument(ctx, documentID); err != nil {
			return err
		}
		if err := p.secondary.Schemas().DeleteByDocument(ctx, documentID); err != nil {
			return err
		}
		return p.secondary.Documents().Delete(ctx, documentID)
	})
}

// DeleteAnnotationCascade deletes an annotation projection and the history
// projections of its document.
func (p *Propagator) DeleteAnnotationCascade(ctx context.Context, annotationID, documentID string) error {
	return p.propagate(ctx, models.KindAnnotation, models.ChangeOperationDelete, annotationID, documentID, func(ctx context.Context) error {
		if err := p.secondary.History().DeleteByDocument(ctx, documentID); err != nil {
			return err
		}
		return p.secondary.Annotations().Delete(ctx, annotationID)
	})
}

// DeleteSchemaCascade deletes a schema projection and the annotation and
// history projections of its document.
func (p *Propagator) DeleteSchemaCascade(ctx context.Context, schemaID, documentID string) error {
	return p.propagate(ctx, models.KindSchema, models.ChangeOperationDelete, schemaID, documentID, func(ctx context.Context) error {
		if err := p.secondary.History().DeleteByDocument(ctx, documentID); err != nil {
			return err
		}
		if err := p.secondary.Annotations().DeleteByDocument(ctx, documentID); err != nil {
			return err
		}
		return p.secondary.Schemas().Delete(ctx, schemaID)
	})
}

// propagate runs write with retries and records the outcome. It returns a
// *store.ConnectionError when the document store is unreachable and a
// *store.PartialWriteError when retries are exhausted.
func (p *Propagator) propagate(ctx context.Context, kind models.EntityKind, op models.ChangeOperation, entityID, documentID string, write func(ctx context.Context) error) error {
	log := p.log.With().
		Str("kind", string(kind)).
		Str("op", string(op)).
		Str("entity_id", entityID).
		Str("document_id", documentID).
		Logger()

	dialCtx, cancel := p.bounded(ctx)
	reachable := p.secondary.EnsureConnection(dialCtx)
	cancel()
	if !reachable {
		err := &store.ConnectionError{Backend: p.secondary.Backend()}
		log.Warn().Msg("document store unreachable, marking pending")
		p.record(ctx, &models.SyncState{
			Kind:       kind,
			EntityID:   entityID,
			DocumentID: documentID,
			Operation:  op,
			Status:     models.SyncPending,
			LastError:  err.Error(),
		})
		propagationsTotal.WithLabelValues(string(kind), string(op), resultPending).Inc()
		return err
	}

	once := func(ctx context.Context) error {
		ctx, cancel := p.bounded(ctx)
		defer cancel()
		return write(ctx)
	}
	attempts, err := retry.Do(ctx, p.retryer, once, func(attempt int, err error) {
		log.Debug().Err(err).Int("attempt", attempt).Msg("retrying propagation")
	})
	if err != nil {
		perr := &store.PartialWriteError{Kind: kind, ID: entityID, Op: op, Attempts: attempts, Err: err}
		log.Error().Err(err).Int("attempts", attempts).Msg("propagation failed")
		p.record(ctx, &models.SyncState{
			Kind:       kind,
			EntityID:   entityID,
			DocumentID: documentID,
			Operation:  op,
			Status:     models.SyncFailed,
			LastError:  err.Error(),
			Attempts:   attempts,
		})
		propagationsTotal.WithLabelValues(string(kind), string(op), resultFailed).Inc()
		return perr
	}

	var markErr error
	if kind == models.KindDocument && op == models.ChangeOperationDelete {
		markErr = p.primary.MarkDocumentSynced(ctx, documentID)
	} else {
		markErr = p.primary.MarkSynced(ctx, kind, entityID)
	}
	if markErr != nil {
		log.Warn().Err(markErr).Msg("failed to clear sync state")
	}
	propagationsTotal.WithLabelValues(string(kind), string(op), resultOK).Inc()
	return nil
}

func (p *Propagator) record(ctx context.Context, state *models.SyncState) {
	if err := p.primary.MarkSyncState(ctx, state); err != nil {
		p.log.Error().Err(err).
			Str("kind", string(state.Kind)).
			Str("entity_id", state.EntityID).
			Msg("failed to record sync state")
	}
}
