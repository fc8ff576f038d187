package surrealdb

import (
	"context"
	"fmt"

	surrealdb "github.com/surrealdb/surrealdb.go"

	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
)

type collection[T any, P interface {
	*T
	models.Projection
}] struct {
	s     *SurrealStore
	table string
}

func newCollection[T any, P interface {
	*T
	models.Projection
}](s *SurrealStore, table string) *collection[T, P] {
	return &collection[T, P]{s: s, table: table}
}

func (c *collection[T, P]) Name() string { return c.table }

func (c *collection[T, P]) db(ctx context.Context) (*surrealdb.DB, error) {
	return c.s.conn.Client(ctx)
}

func (c *collection[T, P]) Upsert(ctx context.Context, p P) error {
	db, err := c.db(ctx)
	if err != nil {
		return err
	}
	p.Touch(now())
	if _, err := surrealdb.Upsert[map[string]any](ctx, db, recordID(c.table, p.ProjectionKey()), p); err != nil {
		return fmt.Errorf("failed to upsert %s:%s: %w", c.table, p.ProjectionKey(), c.s.conn.Check(ctx, err))
	}
	return nil
}

func (c *collection[T, P]) Get(ctx context.Context, key string) (P, error) {
	rows, err := c.query(ctx, "SELECT * FROM $rid", map[string]any{"rid": recordID(c.table, key)})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (c *collection[T, P]) Delete(ctx context.Context, key string) error {
	err := c.s.exec(ctx, "DELETE $rid", map[string]any{"rid": recordID(c.table, key)})
	if err != nil {
		return fmt.Errorf("failed to delete %s:%s: %w", c.table, key, err)
	}
	return nil
}

type countRow struct {
	Count int `json:"count"`
}

func (c *collection[T, P]) Count(ctx context.Context) (int, error) {
	db, err := c.db(ctx)
	if err != nil {
		return 0, err
	}
	res, err := surrealdb.Query[[]countRow](ctx, db,
		"SELECT count() AS count FROM type::table($tb) GROUP ALL",
		map[string]any{"tb": c.table})
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", c.table, c.s.conn.Check(ctx, err))
	}
	if res == nil || len(*res) == 0 || len((*res)[0].Result) == 0 {
		return 0, nil
	}
	return (*res)[0].Result[0].Count, nil
}

func (c *collection[T, P]) ListByDocument(ctx context.Context, documentID string) ([]P, error) {
	return c.query(ctx,
		"SELECT * FROM type::table($tb) WHERE document_id = $doc ORDER BY id",
		map[string]any{"tb": c.table, "doc": documentID})
}

func (c *collection[T, P]) DeleteByDocument(ctx context.Context, documentID string) error {
	err := c.s.exec(ctx,
		"DELETE type::table($tb) WHERE document_id = $doc",
		map[string]any{"tb": c.table, "doc": documentID})
	if err != nil {
		return fmt.Errorf("failed to delete %s of document %s: %w", c.table, documentID, err)
	}
	return nil
}

func (c *collection[T, P]) query(ctx context.Context, q string, params map[string]any) ([]P, error) {
	db, err := c.db(ctx)
	if err != nil {
		return nil, err
	}
	res, err := surrealdb.Query[[]T](ctx, db, q, params)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", c.table, c.s.conn.Check(ctx, err))
	}
	if res == nil || len(*res) == 0 {
		return []P{}, nil
	}
	rows := (*res)[0].Result
	out := make([]P, 0, len(rows))
	for i := range rows {
		p := P(&rows[i])
		normalize(p)
		out = append(out, p)
	}
	return out, nil
}

// Ensure the store satisfies the generic collection interface for every kind.
var (
	_ store.Collection[*models.DocumentProjection]   = (*collection[models.DocumentProjection, *models.DocumentProjection])(nil)
	_ store.Collection[*models.HistoryProjection]    = (*collection[models.HistoryProjection, *models.HistoryProjection])(nil)
	_ store.Collection[*models.SchemaProjection]     = (*collection[models.SchemaProjection, *models.SchemaProjection])(nil)
	_ store.Collection[*models.AnnotationProjection] = (*collection[models.AnnotationProjection, *models.AnnotationProjection])(nil)
)
