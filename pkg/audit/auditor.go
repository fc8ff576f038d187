package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/surrealdb/annosync/pkg/hooks"
	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
)

// Auditor compares the two stores and repairs the document store.
type Auditor struct {
	primary   store.PrimaryStore
	secondary store.ProjectionStore
	hooks     *hooks.Propagator
	log       zerolog.Logger
}

// New creates an Auditor. Repairs are written through propagator, so they
// update the sync-state table like any other propagation.
func New(primary store.PrimaryStore, secondary store.ProjectionStore, propagator *hooks.Propagator, log zerolog.Logger) *Auditor {
	return &Auditor{
		primary:   primary,
		secondary: secondary,
		hooks:     propagator,
		log:       log.With().Str("component", "audit").Logger(),
	}
}

// Options select the checks of a run.
type Options struct {
	// Fields compares title, status and description of present projections.
	Fields bool
	// Deep compares the complete content of document, schema and annotation
	// projections.
	Deep bool
}

// Failure is a document the run could not check or repair.
type Failure struct {
	DocumentID string `json:"document_id"`
	Error      string `json:"error"`
}

// Report is the outcome of a run.
type Report struct {
	Checked  int       `json:"checked"`
	Drifts   int       `json:"drifts"`
	Repaired int       `json:"repaired"`
	Errors   int       `json:"errors"`
	Failures []Failure `json:"failures,omitempty"`
}

func (r *Report) fail(documentID string, err error) {
	r.Errors++
	r.Failures = append(r.Failures, Failure{DocumentID: documentID, Error: err.Error()})
	repairsTotal.WithLabelValues("error").Inc()
}

func (r *Report) repaired() {
	r.Repaired++
	repairsTotal.WithLabelValues("ok").Inc()
}

// KindStatus compares the record counts of one entity kind.
type KindStatus struct {
	Kind      models.EntityKind `json:"kind"`
	Primary   int               `json:"primary"`
	Secondary int               `json:"secondary"`
	Mismatch  bool              `json:"mismatch"`
}

// Status is the result of CheckStatus.
type Status struct {
	Backend    string                    `json:"backend"`
	Reachable  bool                      `json:"reachable"`
	Kinds      []KindStatus              `json:"kinds"`
	SyncStates map[models.SyncStatus]int `json:"sync_states"`
}

// InSync reports whether counts match and no record awaits propagation.
// Equal counts do not prove field-level consistency.
func (s *Status) InSync() bool {
	if !s.Reachable {
		return false
	}
	for _, k := range s.Kinds {
		if k.Mismatch {
			return false
		}
	}
	return s.SyncStates[models.SyncPending] == 0 && s.SyncStates[models.SyncFailed] == 0
}

// CheckStatus compares per-kind counts of both stores. An unreachable
// document store is reported in the Status, not as an error.
func (a *Auditor) CheckStatus(ctx context.Context) (*Status, error) {
	status := &Status{Backend: a.secondary.Backend()}
	states, err := a.primary.CountSyncStates(ctx)
	if err != nil {
		return nil, err
	}
	status.SyncStates = states
	status.Reachable = a.secondary.EnsureConnection(ctx)

	for _, kind := range models.EntityKinds {
		k := KindStatus{Kind: kind}
		if k.Primary, err = a.primary.Count(ctx, kind); err != nil {
			return nil, err
		}
		if status.Reachable {
			if k.Secondary, err = store.CountProjections(ctx, a.secondary, kind); err != nil {
				return nil, err
			}
			k.Mismatch = k.Primary != k.Secondary
		}
		status.Kinds = append(status.Kinds, k)
	}
	return status, nil
}

// SyncAll creates the projections of every document that has none.
func (a *Auditor) SyncAll(ctx context.Context) (*Report, error) {
	return a.Run(ctx, Options{})
}

// Repair is SyncAll plus field-level checks, and content checks when deep
// is set.
func (a *Auditor) Repair(ctx context.Context, deep bool) (*Report, error) {
	return a.Run(ctx, Options{Fields: true, Deep: deep})
}

// Run performs one audit pass. It fails only when the document store is
// unreachable or the primary store cannot be enumerated; per-document
// problems are counted in the report.
func (a *Auditor) Run(ctx context.Context, opts Options) (*Report, error) {
	if !a.secondary.EnsureConnection(ctx) {
		return nil, &store.ConnectionError{Backend: a.secondary.Backend()}
	}
	ids, err := a.primary.ListDocumentIDs(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	resynced := make(map[string]bool)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		reason, err := a.check(ctx, id, opts)
		if err != nil {
			report.fail(id.String(), err)
			continue
		}
		if reason == "" {
			continue
		}
		report.Drifts++
		driftDetectedTotal.WithLabelValues(reason).Inc()
		a.log.Info().Str("document", id.String()).Str("reason", reason).Msg("drift detected")
		if err := a.ForceSync(ctx, id); err != nil {
			report.fail(id.String(), err)
			continue
		}
		resynced[id.String()] = true
		report.repaired()
	}

	if err := a.replaySyncStates(ctx, report, resynced); err != nil {
		return report, err
	}
	a.log.Info().
		Int("checked", report.Checked).
		Int("drifts", report.Drifts).
		Int("repaired", report.Repaired).
		Int("errors", report.Errors).
		Msg("audit finished")
	return report, nil
}

// check returns the drift reason of one document, or "" when none was found.
func (a *Auditor) check(ctx context.Context, id models.DocumentID, opts Options) (string, error) {
	doc, err := a.primary.GetDocument(ctx, id)
	if err != nil {
		return "", err
	}
	if doc == nil {
		// Deleted since enumeration.
		return "", nil
	}
	projection, err := a.secondary.Documents().Get(ctx, id.String())
	if err != nil {
		return "", err
	}
	if projection == nil {
		return DriftMissing, nil
	}

	want := models.BuildDocumentProjection(doc)
	if opts.Fields || opts.Deep {
		if projection.Title != want.Title || projection.Status != want.Status || projection.Description != want.Description {
			return DriftFields, nil
		}
	}
	if !opts.Deep {
		return "", nil
	}
	return a.checkContent(ctx, doc, want, projection)
}

func (a *Auditor) checkContent(ctx context.Context, doc *models.Document, want, got *models.DocumentProjection) (string, error) {
	if drifted, err := differs(want, got); err != nil || drifted {
		return DriftContent, err
	}

	schema, err := a.primary.GetSchemaByDocument(ctx, doc.ID)
	if err != nil || schema == nil {
		return "", err
	}
	schemaProjection, err := a.secondary.Schemas().Get(ctx, schema.ID.String())
	if err != nil {
		return "", err
	}
	if schemaProjection == nil {
		return DriftMissing, nil
	}
	if drifted, err := differs(models.BuildSchemaProjection(schema), schemaProjection); err != nil || drifted {
		return DriftContent, err
	}

	annotation, err := a.primary.GetAnnotationByDocument(ctx, doc.ID)
	if err != nil || annotation == nil {
		return "", err
	}
	annotationProjection, err := a.secondary.Annotations().Get(ctx, annotation.ID.String())
	if err != nil {
		return "", err
	}
	if annotationProjection == nil {
		return DriftMissing, nil
	}
	if drifted, err := differs(models.BuildAnnotationProjection(annotation, schema), annotationProjection); err != nil || drifted {
		return DriftContent, err
	}

	history, err := a.primary.ListHistory(ctx, doc.ID)
	if err != nil {
		return "", err
	}
	projections, err := a.secondary.History().ListByDocument(ctx, doc.ID.String())
	if err != nil {
		return "", err
	}
	if len(history) != len(projections) {
		return DriftMissing, nil
	}
	ids := historyIDs(history)
	for _, p := range projections {
		if !ids[p.HistoryID] {
			return DriftMissing, nil
		}
	}
	return "", nil
}

func historyIDs(history []*models.AnnotationHistory) map[string]bool {
	ids := make(map[string]bool, len(history))
	for _, h := range history {
		ids[h.ID.String()] = true
	}
	return ids
}

func differs(want, got models.Projection) (bool, error) {
	a, err := Fingerprint(want)
	if err != nil {
		return false, err
	}
	b, err := Fingerprint(got)
	if err != nil {
		return false, err
	}
	return a != b, nil
}

// ForceSync rewrites every projection of a document from the primary store:
// the document, its schema, its annotation and its history.
func (a *Auditor) ForceSync(ctx context.Context, id models.DocumentID) error {
	doc, err := a.primary.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return &store.NotFoundError{Kind: models.KindDocument, ID: id.String()}
	}

	var errs []error
	errs = append(errs, a.hooks.SyncDocument(ctx, doc))

	schema, err := a.primary.GetSchemaByDocument(ctx, id)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if schema != nil {
		errs = append(errs, a.hooks.SyncSchema(ctx, schema))
	}

	annotation, err := a.primary.GetAnnotationByDocument(ctx, id)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if annotation != nil {
		errs = append(errs, a.hooks.SyncAnnotation(ctx, annotation, schema))
	}

	history, err := a.primary.ListHistory(ctx, id)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, h := range history {
		errs = append(errs, a.hooks.SyncHistory(ctx, h))
	}
	errs = append(errs, a.pruneHistory(ctx, id, history))

	if err := errors.Join(errs...); err != nil {
		return err
	}
	if err := a.primary.MarkDocumentSynced(ctx, id.String()); err != nil {
		a.log.Warn().Err(err).Str("document", id.String()).Msg("failed to clear sync state")
	}
	return nil
}

// pruneHistory deletes history projections of a document that have no
// primary entry.
func (a *Auditor) pruneHistory(ctx context.Context, id models.DocumentID, history []*models.AnnotationHistory) error {
	projections, err := a.secondary.History().ListByDocument(ctx, id.String())
	if err != nil {
		return err
	}
	ids := historyIDs(history)
	for _, p := range projections {
		if ids[p.HistoryID] {
			continue
		}
		if err := a.secondary.History().Delete(ctx, p.HistoryID); err != nil {
			return err
		}
		a.log.Info().Str("document", id.String()).Str("history", p.HistoryID).Msg("removed orphan history projection")
	}
	return nil
}

// replaySyncStates handles rows the document walk did not already repair.
// Deletes are retried when the primary record is gone; any other change of a
// surviving document resyncs the document.
func (a *Auditor) replaySyncStates(ctx context.Context, report *Report, resynced map[string]bool) error {
	states, err := a.primary.ListSyncStates(ctx, "")
	if err != nil {
		return err
	}
	for _, state := range states {
		if resynced[state.DocumentID] {
			continue
		}
		docID, err := models.ParseDocumentID(state.DocumentID)
		if err != nil {
			report.fail(state.DocumentID, err)
			continue
		}
		doc, err := a.primary.GetDocument(ctx, docID)
		if err != nil {
			report.fail(state.DocumentID, err)
			continue
		}

		report.Drifts++
		driftDetectedTotal.WithLabelValues(DriftState).Inc()
		if state.Operation == models.ChangeOperationDelete || doc == nil {
			err = a.replayDelete(ctx, state, doc == nil)
		}
		if err == nil && doc != nil {
			err = a.ForceSync(ctx, docID)
		}
		if err != nil {
			report.fail(state.DocumentID, err)
			continue
		}
		resynced[state.DocumentID] = true
		report.repaired()
	}
	return nil
}

// replayDelete retries a delete that did not reach the document store. When
// the document itself is gone every projection of it is removed.
func (a *Auditor) replayDelete(ctx context.Context, state *models.SyncState, documentGone bool) error {
	if documentGone {
		return a.hooks.DeleteDocumentCascade(ctx, state.DocumentID)
	}
	switch state.Kind {
	case models.KindDocument:
		return a.hooks.DeleteDocumentCascade(ctx, state.DocumentID)
	case models.KindSchema:
		return a.hooks.DeleteSchemaCascade(ctx, state.EntityID, state.DocumentID)
	case models.KindAnnotation:
		return a.hooks.DeleteAnnotationCascade(ctx, state.EntityID, state.DocumentID)
	}
	return fmt.Errorf("cannot replay %s of %s %s", state.Operation, state.Kind, state.EntityID)
}

// Migrate creates the primary tables and the document-store indexes, then
// writes the projections of every existing record.
func (a *Auditor) Migrate(ctx context.Context) (*Report, error) {
	if err := a.primary.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate primary store: %w", err)
	}
	if !a.secondary.EnsureConnection(ctx) {
		return nil, &store.ConnectionError{Backend: a.secondary.Backend()}
	}
	if err := a.secondary.Setup(ctx); err != nil {
		return nil, fmt.Errorf("failed to set up document store: %w", err)
	}

	ids, err := a.primary.ListDocumentIDs(ctx)
	if err != nil {
		return nil, err
	}
	report := &Report{}
	for _, id := range ids {
		report.Checked++
		if err := a.ForceSync(ctx, id); err != nil {
			report.fail(id.String(), err)
			continue
		}
		report.repaired()
	}
	a.log.Info().Int("documents", report.Checked).Int("errors", report.Errors).Msg("migration finished")
	return report, nil
}
