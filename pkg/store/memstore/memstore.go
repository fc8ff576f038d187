// Package memstore is an in-process [store.ProjectionStore].
//
// Payloads are kept JSON-encoded, so values read back are copies with the
// same number and map types a real document store returns. The store can
// be taken offline or made to fail writes, which the tests use to exercise
// degraded operation.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
	"github.com/surrealdb/annosync/pkg/store/conn"
)

// ErrInjected is returned by writes failed through FailWrites.
var ErrInjected = errors.New("memstore: injected write failure")

type record struct {
	document string
	payload  []byte
}

// MemStore implements store.ProjectionStore in memory.
type MemStore struct {
	conn *conn.Manager[*MemStore]

	mu          sync.RWMutex
	data        map[string]map[string]record
	offline     bool
	failWrites  int
	writeCalls  int
	now         func() time.Time
	documents   *collection[models.DocumentProjection, *models.DocumentProjection]
	schemas     *collection[models.SchemaProjection, *models.SchemaProjection]
	annotations *collection[models.AnnotationProjection, *models.AnnotationProjection]
	history     *collection[models.HistoryProjection, *models.HistoryProjection]
}

var _ store.ProjectionStore = (*MemStore)(nil)

// New creates an empty, reachable store.
func New(log zerolog.Logger) *MemStore {
	s := &MemStore{
		data: make(map[string]map[string]record),
		now:  time.Now,
	}
	s.conn = conn.New[*MemStore]("memory", s.dial, nil, true, log)
	s.documents = &collection[models.DocumentProjection, *models.DocumentProjection]{s: s, name: store.DocumentCollection}
	s.schemas = &collection[models.SchemaProjection, *models.SchemaProjection]{s: s, name: store.SchemaCollection}
	s.annotations = &collection[models.AnnotationProjection, *models.AnnotationProjection]{s: s, name: store.AnnotationCollection}
	s.history = &collection[models.HistoryProjection, *models.HistoryProjection]{s: s, name: store.HistoryCollection}
	return s
}

func (s *MemStore) dial(context.Context) (*MemStore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offline {
		return nil, errors.New("memstore: offline")
	}
	return s, nil
}

// SetOffline makes the store unreachable, dropping the current connection,
// or reachable again.
func (s *MemStore) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
	if offline {
		_ = s.conn.Close(context.Background())
	}
}

// FailWrites makes the next n writes return ErrInjected.
func (s *MemStore) FailWrites(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = n
}

// WriteCalls returns the number of write calls received, failed or not.
func (s *MemStore) WriteCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeCalls
}

// SetClock replaces the clock used for updated_at.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemStore) Backend() string { return "memory" }

func (s *MemStore) EnsureConnection(ctx context.Context) bool {
	return s.conn.EnsureConnection(ctx)
}

func (s *MemStore) Documents() store.Collection[*models.DocumentProjection] { return s.documents }
func (s *MemStore) Schemas() store.Collection[*models.SchemaProjection]     { return s.schemas }
func (s *MemStore) Annotations() store.Collection[*models.AnnotationProjection] {
	return s.annotations
}
func (s *MemStore) History() store.Collection[*models.HistoryProjection] { return s.history }

// Setup is a no-op; lookups by document scan the collection.
func (s *MemStore) Setup(ctx context.Context) error {
	_, err := s.conn.Client(ctx)
	return err
}

func (s *MemStore) Reset(ctx context.Context) error {
	if _, err := s.conn.Client(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]map[string]record)
	return nil
}

func (s *MemStore) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// beginWrite checks reachability and injected failures. Callers hold no lock.
func (s *MemStore) beginWrite(ctx context.Context) error {
	if _, err := s.conn.Client(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeCalls++
	if s.failWrites > 0 {
		s.failWrites--
		return ErrInjected
	}
	return nil
}

type collection[T any, P interface {
	*T
	models.Projection
}] struct {
	s    *MemStore
	name string
}

func (c *collection[T, P]) Name() string { return c.name }

func (c *collection[T, P]) Upsert(ctx context.Context, p P) error {
	if err := c.s.beginWrite(ctx); err != nil {
		return err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	p.Touch(c.s.now())
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode %s projection: %w", c.name, err)
	}
	if c.s.data[c.name] == nil {
		c.s.data[c.name] = make(map[string]record)
	}
	c.s.data[c.name][p.ProjectionKey()] = record{document: p.ProjectionDocument(), payload: payload}
	return nil
}

func (c *collection[T, P]) Get(ctx context.Context, key string) (P, error) {
	if _, err := c.s.conn.Client(ctx); err != nil {
		return nil, err
	}
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	r, ok := c.s.data[c.name][key]
	if !ok {
		return nil, nil
	}
	return decode[T, P](r.payload)
}

func (c *collection[T, P]) Delete(ctx context.Context, key string) error {
	if err := c.s.beginWrite(ctx); err != nil {
		return err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	delete(c.s.data[c.name], key)
	return nil
}

func (c *collection[T, P]) Count(ctx context.Context) (int, error) {
	if _, err := c.s.conn.Client(ctx); err != nil {
		return 0, err
	}
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	return len(c.s.data[c.name]), nil
}

func (c *collection[T, P]) ListByDocument(ctx context.Context, documentID string) ([]P, error) {
	if _, err := c.s.conn.Client(ctx); err != nil {
		return nil, err
	}
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	keys := make([]string, 0)
	for key, r := range c.s.data[c.name] {
		if r.document == documentID {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([]P, 0, len(keys))
	for _, key := range keys {
		p, err := decode[T, P](c.s.data[c.name][key].payload)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *collection[T, P]) DeleteByDocument(ctx context.Context, documentID string) error {
	if err := c.s.beginWrite(ctx); err != nil {
		return err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for key, r := range c.s.data[c.name] {
		if r.document == documentID {
			delete(c.s.data[c.name], key)
		}
	}
	return nil
}

func decode[T any, P interface {
	*T
	models.Projection
}](payload []byte) (P, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("failed to decode projection: %w", err)
	}
	return P(&v), nil
}
