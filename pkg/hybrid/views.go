package hybrid

import (
	"context"
	"sort"
	"time"

	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
)

// Sources of merged values.
const (
	SourcePrimary   = "primary"
	SourceSecondary = "secondary"
	SourceBoth      = "both"
)

// DocumentView is a document with its projection.
type DocumentView struct {
	Document   *models.Document           `json:"document"`
	Projection *models.DocumentProjection `json:"projection,omitempty"`
	Metadata   map[string]any             `json:"metadata"`
	Source     string                     `json:"source"`
}

// SchemaView is a schema with its projection.
type SchemaView struct {
	Schema            *models.AnnotationSchema `json:"schema"`
	Projection        *models.SchemaProjection `json:"projection,omitempty"`
	AIGeneratedSchema map[string]any           `json:"ai_generated_schema"`
	FinalSchema       map[string]any           `json:"final_schema"`
	Source            string                   `json:"source"`
}

// AnnotationView is an annotation with its projection and derived values.
type AnnotationView struct {
	Annotation           *models.Annotation           `json:"annotation"`
	Projection           *models.AnnotationProjection `json:"projection,omitempty"`
	AIPreAnnotations     map[string]any               `json:"ai_pre_annotations"`
	FinalAnnotations     map[string]any               `json:"final_annotations"`
	ConfidenceScores     map[string]float64           `json:"confidence_scores"`
	AverageConfidence    float64                      `json:"average_confidence"`
	CompletionPercentage float64                      `json:"completion_percentage"`
	Source               string                       `json:"source"`
}

// HistoryEntry is one merged history entry.
type HistoryEntry struct {
	ID           string    `json:"id"`
	AnnotationID string    `json:"annotation_id"`
	ActionType   string    `json:"action_type"`
	FieldName    string    `json:"field_name,omitempty"`
	OldValue     any       `json:"old_value"`
	NewValue     any       `json:"new_value"`
	Comment      string    `json:"comment,omitempty"`
	PerformedBy  string    `json:"performed_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Source       string    `json:"source"`
}

// Statistics summarizes both stores.
type Statistics struct {
	TotalDocuments       int                       `json:"total_documents"`
	TotalSchemas         int                       `json:"total_schemas"`
	TotalAnnotations     int                       `json:"total_annotations"`
	CompletedAnnotations int                       `json:"completed_annotations"`
	ValidatedAnnotations int                       `json:"validated_annotations"`
	PendingAnnotations   int                       `json:"pending_annotations"`
	AverageCompletion    float64                   `json:"average_completion"`
	SyncStates           map[models.SyncStatus]int `json:"sync_states"`
	SecondaryBackend     string                    `json:"secondary_backend"`
	SecondaryStatus      string                    `json:"secondary_status"`
	Projections          map[models.EntityKind]int `json:"projections,omitempty"`
}

// Secondary statuses reported by Statistics.
const (
	SecondaryActive      = "active"
	SecondaryUnavailable = "unavailable"
)

// projection reads one projection, treating an unreachable store as absent.
func projection[P models.Projection](ctx context.Context, s *Service, c store.Collection[P], key string) P {
	var zero P
	if !s.secondary.EnsureConnection(ctx) {
		return zero
	}
	p, err := c.Get(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Str("collection", c.Name()).Str("key", key).Msg("failed to read projection")
		return zero
	}
	return p
}

// GetDocumentWithProjection returns a document merged with its projection.
func (s *Service) GetDocumentWithProjection(ctx context.Context, id models.DocumentID) (*DocumentView, error) {
	doc, err := s.document(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &DocumentView{Document: doc, Metadata: doc.Metadata, Source: SourcePrimary}
	if p := projection(ctx, s, s.secondary.Documents(), id.String()); p != nil {
		view.Projection = p
		view.Metadata = p.Metadata
		view.Source = SourceSecondary
	}
	return view, nil
}

// GetSchemaWithProjection returns the schema of a document merged with its
// projection.
func (s *Service) GetSchemaWithProjection(ctx context.Context, documentID models.DocumentID) (*SchemaView, error) {
	schema, err := s.schema(ctx, documentID)
	if err != nil {
		return nil, err
	}
	view := &SchemaView{
		Schema:            schema,
		AIGeneratedSchema: schema.AIGeneratedSchema,
		FinalSchema:       schema.FinalSchema,
		Source:            SourcePrimary,
	}
	if p := projection(ctx, s, s.secondary.Schemas(), schema.ID.String()); p != nil {
		view.Projection = p
		view.AIGeneratedSchema = p.AIGeneratedSchema
		view.FinalSchema = p.FinalSchema
		view.Source = SourceSecondary
	}
	return view, nil
}

// GetAnnotationWithProjection returns the annotation of a document merged
// with its projection. JSON payloads and derived values come from the
// projection when it exists; flags and identifiers always come from the
// primary record.
func (s *Service) GetAnnotationWithProjection(ctx context.Context, documentID models.DocumentID) (*AnnotationView, error) {
	annotation, err := s.annotation(ctx, documentID)
	if err != nil {
		return nil, err
	}
	schema, err := s.primary.GetSchema(ctx, annotation.SchemaID)
	if err != nil {
		return nil, err
	}
	derived := models.BuildAnnotationProjection(annotation, schema)
	view := &AnnotationView{
		Annotation:           annotation,
		AIPreAnnotations:     annotation.AIPreAnnotations,
		FinalAnnotations:     annotation.FinalAnnotations,
		ConfidenceScores:     derived.ConfidenceScores,
		AverageConfidence:    derived.AverageConfidence,
		CompletionPercentage: derived.CompletionPercentage,
		Source:               SourcePrimary,
	}
	if p := projection(ctx, s, s.secondary.Annotations(), annotation.ID.String()); p != nil {
		view.Projection = p
		view.AIPreAnnotations = p.AIPreAnnotations
		view.FinalAnnotations = p.FinalAnnotations
		view.ConfidenceScores = p.ConfidenceScores
		view.AverageConfidence = p.AverageConfidence
		view.CompletionPercentage = p.CompletionPercentage
		view.Source = SourceSecondary
	}
	return view, nil
}

// GetAnnotationHistory merges the history of a document from both stores by
// entry identifier, newest first.
func (s *Service) GetAnnotationHistory(ctx context.Context, documentID models.DocumentID) ([]HistoryEntry, error) {
	if _, err := s.document(ctx, documentID); err != nil {
		return nil, err
	}
	entries, err := s.primary.ListHistory(ctx, documentID)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]*HistoryEntry, len(entries))
	for _, h := range entries {
		p := models.BuildHistoryProjection(h)
		merged[p.HistoryID] = historyEntry(p, h.CreatedAt, SourcePrimary)
	}

	if s.secondary.EnsureConnection(ctx) {
		projections, err := s.secondary.History().ListByDocument(ctx, documentID.String())
		if err != nil {
			s.log.Warn().Err(err).Str("document", documentID.String()).Msg("failed to read history projections")
		}
		for _, p := range projections {
			if e, ok := merged[p.HistoryID]; ok {
				e.Source = SourceBoth
				continue
			}
			merged[p.HistoryID] = historyEntry(p, p.CreatedAt.Time, SourceSecondary)
		}
	}

	out := make([]HistoryEntry, 0, len(merged))
	for _, e := range merged {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func historyEntry(p *models.HistoryProjection, createdAt time.Time, source string) *HistoryEntry {
	return &HistoryEntry{
		ID:           p.HistoryID,
		AnnotationID: p.AnnotationID,
		ActionType:   p.ActionType,
		FieldName:    p.FieldName,
		OldValue:     p.OldValue,
		NewValue:     p.NewValue,
		Comment:      p.Comment,
		PerformedBy:  p.PerformedBy,
		CreatedAt:    createdAt.UTC(),
		Source:       source,
	}
}

// Statistics counts records in both stores. An unreachable document store
// is reported, not returned as an error.
func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{SecondaryBackend: s.secondary.Backend()}
	var err error
	if stats.TotalDocuments, err = s.primary.Count(ctx, models.KindDocument); err != nil {
		return nil, err
	}
	if stats.TotalSchemas, err = s.primary.Count(ctx, models.KindSchema); err != nil {
		return nil, err
	}
	annotations, err := s.primary.AnnotationStats(ctx)
	if err != nil {
		return nil, err
	}
	stats.TotalAnnotations = annotations.Total
	stats.CompletedAnnotations = annotations.Complete
	stats.ValidatedAnnotations = annotations.Validated
	stats.PendingAnnotations = annotations.Total - annotations.Complete
	stats.AverageCompletion = annotations.AverageCompletion
	if stats.SyncStates, err = s.primary.CountSyncStates(ctx); err != nil {
		return nil, err
	}

	stats.SecondaryStatus = SecondaryUnavailable
	if !s.secondary.EnsureConnection(ctx) {
		return stats, nil
	}
	stats.Projections = make(map[models.EntityKind]int, len(models.EntityKinds))
	for _, kind := range models.EntityKinds {
		n, err := store.CountProjections(ctx, s.secondary, kind)
		if err != nil {
			s.log.Warn().Err(err).Str("kind", string(kind)).Msg("failed to count projections")
			stats.Projections = nil
			return stats, nil
		}
		stats.Projections[kind] = n
	}
	stats.SecondaryStatus = SecondaryActive
	return stats, nil
}
