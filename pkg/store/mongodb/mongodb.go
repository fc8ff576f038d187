// Package mongodb implements [store.ProjectionStore] on MongoDB.
//
// Each projection collection maps to a MongoDB collection of the same name,
// and a projection is stored with _id set to the UUID of its primary record.
// Upsert is ReplaceOne with upsert enabled, so the stored document is
// replaced in full.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
	"github.com/surrealdb/annosync/pkg/store/conn"
)

// Config holds the connection settings.
type Config struct {
	URI      string
	Database string
	// Timeout bounds server selection on connect.
	Timeout time.Duration
	Lazy    bool
}

// MongoStore implements store.ProjectionStore.
type MongoStore struct {
	conn     *conn.Manager[*mongo.Client]
	database string

	documents   *collection[models.DocumentProjection, *models.DocumentProjection]
	schemas     *collection[models.SchemaProjection, *models.SchemaProjection]
	annotations *collection[models.AnnotationProjection, *models.AnnotationProjection]
	history     *collection[models.HistoryProjection, *models.HistoryProjection]
}

var _ store.ProjectionStore = (*MongoStore)(nil)

// New creates the store. It does not fail when MongoDB is unreachable.
func New(cfg Config, log zerolog.Logger) *MongoStore {
	s := &MongoStore{database: cfg.Database}
	s.conn = conn.New[*mongo.Client]("mongodb", dialer(cfg), disconnect, cfg.Lazy, log)
	s.documents = &collection[models.DocumentProjection, *models.DocumentProjection]{s: s, name: store.DocumentCollection}
	s.schemas = &collection[models.SchemaProjection, *models.SchemaProjection]{s: s, name: store.SchemaCollection}
	s.annotations = &collection[models.AnnotationProjection, *models.AnnotationProjection]{s: s, name: store.AnnotationCollection}
	s.history = &collection[models.HistoryProjection, *models.HistoryProjection]{s: s, name: store.HistoryCollection}
	return s
}

func dialer(cfg Config) conn.DialFunc[*mongo.Client] {
	return func(ctx context.Context) (*mongo.Client, error) {
		opts := options.Client().
			ApplyURI(cfg.URI).
			SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
		if cfg.Timeout > 0 {
			opts.SetServerSelectionTimeout(cfg.Timeout)
		}
		client, err := mongo.Connect(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(ctx)
			return nil, errors.Join(store.ErrUnavailable, fmt.Errorf("failed to ping MongoDB: %w", err))
		}
		return client, nil
	}
}

func disconnect(ctx context.Context, client *mongo.Client) error {
	return client.Disconnect(ctx)
}

func (s *MongoStore) Backend() string { return "mongodb" }

func (s *MongoStore) EnsureConnection(ctx context.Context) bool {
	return s.conn.EnsureConnection(ctx)
}

func (s *MongoStore) Documents() store.Collection[*models.DocumentProjection] { return s.documents }
func (s *MongoStore) Schemas() store.Collection[*models.SchemaProjection]     { return s.schemas }
func (s *MongoStore) Annotations() store.Collection[*models.AnnotationProjection] {
	return s.annotations
}
func (s *MongoStore) History() store.Collection[*models.HistoryProjection] { return s.history }

func (s *MongoStore) db(ctx context.Context) (*mongo.Database, error) {
	client, err := s.conn.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Database(s.database), nil
}

var indexes = map[string][]string{
	store.DocumentCollection:   {"status"},
	store.SchemaCollection:     {"document_id"},
	store.AnnotationCollection: {"document_id", "schema_id"},
	store.HistoryCollection:    {"document_id", "annotation_id", "created_at"},
}

// Setup creates the lookup indexes.
func (s *MongoStore) Setup(ctx context.Context) error {
	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	for name, columns := range indexes {
		specs := make([]mongo.IndexModel, 0, len(columns))
		for _, column := range columns {
			specs = append(specs, mongo.IndexModel{Keys: bson.D{{Key: column, Value: 1}}})
		}
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, specs); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", name, s.conn.Check(ctx, err))
		}
	}
	return nil
}

// Reset drops every projection collection.
func (s *MongoStore) Reset(ctx context.Context) error {
	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	for name := range indexes {
		if err := db.Collection(name).Drop(ctx); err != nil {
			return fmt.Errorf("failed to drop %s: %w", name, s.conn.Check(ctx, err))
		}
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// check maps driver errors that mean the server is gone to a dropped
// connection.
func (s *MongoStore) check(ctx context.Context, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		err = errors.Join(store.ErrUnavailable, err)
	}
	return s.conn.Check(ctx, err)
}

type collection[T any, P interface {
	*T
	models.Projection
}] struct {
	s    *MongoStore
	name string
}

func (c *collection[T, P]) Name() string { return c.name }

func (c *collection[T, P]) coll(ctx context.Context) (*mongo.Collection, error) {
	db, err := c.s.db(ctx)
	if err != nil {
		return nil, err
	}
	return db.Collection(c.name), nil
}

func (c *collection[T, P]) Upsert(ctx context.Context, p P) error {
	coll, err := c.coll(ctx)
	if err != nil {
		return err
	}
	p.Touch(time.Now())
	_, err = coll.ReplaceOne(ctx, bson.M{"_id": p.ProjectionKey()}, p, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", c.name, p.ProjectionKey(), c.s.check(ctx, err))
	}
	return nil
}

func (c *collection[T, P]) Get(ctx context.Context, key string) (P, error) {
	coll, err := c.coll(ctx)
	if err != nil {
		return nil, err
	}
	var v T
	err = coll.FindOne(ctx, bson.M{"_id": key}).Decode(&v)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", c.name, key, c.s.check(ctx, err))
	}
	p := P(&v)
	normalize(p)
	return p, nil
}

func (c *collection[T, P]) Delete(ctx context.Context, key string) error {
	coll, err := c.coll(ctx)
	if err != nil {
		return err
	}
	if _, err := coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", c.name, key, c.s.check(ctx, err))
	}
	return nil
}

func (c *collection[T, P]) Count(ctx context.Context) (int, error) {
	coll, err := c.coll(ctx)
	if err != nil {
		return 0, err
	}
	n, err := coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", c.name, c.s.check(ctx, err))
	}
	return int(n), nil
}

func (c *collection[T, P]) ListByDocument(ctx context.Context, documentID string) ([]P, error) {
	coll, err := c.coll(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := coll.Find(ctx, bson.M{"document_id": documentID}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", c.name, c.s.check(ctx, err))
	}
	var rows []T
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", c.name, c.s.check(ctx, err))
	}
	out := make([]P, 0, len(rows))
	for i := range rows {
		p := P(&rows[i])
		normalize(p)
		out = append(out, p)
	}
	return out, nil
}

func (c *collection[T, P]) DeleteByDocument(ctx context.Context, documentID string) error {
	coll, err := c.coll(ctx)
	if err != nil {
		return err
	}
	if _, err := coll.DeleteMany(ctx, bson.M{"document_id": documentID}); err != nil {
		return fmt.Errorf("failed to delete %s of document %s: %w", c.name, documentID, c.s.check(ctx, err))
	}
	return nil
}

// normalize turns the bson.M and bson.A values the driver produces for
// untyped fields into plain maps and slices.
func normalize(p models.Projection) {
	switch v := p.(type) {
	case *models.DocumentProjection:
		v.Metadata = normalizeMap(v.Metadata)
	case *models.SchemaProjection:
		v.AIGeneratedSchema = normalizeMap(v.AIGeneratedSchema)
		v.FinalSchema = normalizeMap(v.FinalSchema)
	case *models.AnnotationProjection:
		v.AIPreAnnotations = normalizeMap(v.AIPreAnnotations)
		v.FinalAnnotations = normalizeMap(v.FinalAnnotations)
	case *models.HistoryProjection:
		v.OldValue = normalizeValue(v.OldValue)
		v.NewValue = normalizeValue(v.NewValue)
	}
}

func normalizeMap(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case primitive.M:
		return normalizeMap(map[string]any(t))
	case map[string]any:
		return normalizeMap(t)
	case primitive.D:
		return normalizeMap(t.Map())
	case primitive.A:
		return normalizeValue([]any(t))
	case []any:
		for i, e := range t {
			t[i] = normalizeValue(e)
		}
		return t
	}
	return v
}
