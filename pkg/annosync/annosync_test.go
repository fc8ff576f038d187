package annosync

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/annosync/pkg/hybrid"
	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/retry"
	"github.com/surrealdb/annosync/pkg/store"
	"github.com/surrealdb/annosync/pkg/store/memstore"
)

func testDSN(t *testing.T) string {
	return "file:" + filepath.Join(t.TempDir(), "annosync.db") + "?_foreign_keys=on"
}

func testConfig(dsn string) *Config {
	return &Config{
		Log:       LogConfig{Level: "error"},
		Primary:   PrimaryConfig{Driver: "sqlite", DSN: dsn},
		Secondary: SecondaryConfig{Backend: BackendMemory, Timeout: time.Second},
		Sync:      SyncConfig{Attempts: 1},
	}
}

func globalArgs(dsn string) []string {
	return []string{
		"--log.level=error",
		"--primary.driver=sqlite",
		"--primary.dsn=" + dsn,
		"--secondary.backend=memory",
		"--sync.attempts=1",
	}
}

// run invokes Main the way the binary does and returns its output.
func run(t *testing.T, dsn string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := Main(context.Background(), append(globalArgs(dsn), args...), &out)
	return out.String(), err
}

func newApp(t *testing.T, dsn string) *App {
	t.Helper()
	app, err := New(context.Background(), testConfig(dsn), &bytes.Buffer{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	require.NoError(t, app.Primary().Migrate(context.Background()))
	return app
}

// seed creates a document with a schema and an annotation.
func seed(t *testing.T, app *App) models.DocumentID {
	t.Helper()
	ctx := context.Background()
	svc := app.Service()

	doc := &models.Document{Title: "Invoice 42", FileType: models.FileTypePDF}
	require.NoError(t, svc.CreateDocument(ctx, doc))
	_, err := svc.CreateSchema(ctx, doc.ID, hybrid.SchemaInput{
		Name: "invoice",
		Fields: []hybrid.FieldInput{
			{Name: "amount", Label: "Amount", FieldType: models.FieldNumber, IsRequired: true, Order: 1},
			{Name: "vendor", Label: "Vendor", Order: 2},
		},
	}, models.UserID{})
	require.NoError(t, err)
	_, err = svc.CreateAnnotation(ctx, doc.ID, models.UserID{}, map[string]any{
		"amount": map[string]any{"value": 100, "confidence": 0.9},
	})
	require.NoError(t, err)
	return doc.ID
}

func TestSyncConfigRetryer(t *testing.T) {
	assert.Equal(t, retry.Never, SyncConfig{Attempts: 1}.Retryer())
	assert.Equal(t, retry.Never, SyncConfig{}.Retryer())

	r, ok := SyncConfig{Attempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Second}.Retryer().(*retry.ExponentialBackoffRetryer)
	require.True(t, ok)
	assert.Equal(t, 2, r.MaxRetries)
	assert.Equal(t, time.Millisecond, r.InitialDelay)
	assert.Equal(t, time.Second, r.MaxDelay)
}

func TestSecondaryConfigOpen(t *testing.T) {
	s, err := SecondaryConfig{Backend: BackendMemory}.Open(zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "memory", s.Backend())

	s, err = SecondaryConfig{Backend: BackendSurrealDB, URL: "ws://localhost:1/rpc"}.Open(zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "surrealdb", s.Backend())

	s, err = SecondaryConfig{Backend: BackendMongoDB, URL: "mongodb://localhost:1"}.Open(zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "mongodb", s.Backend())

	_, err = SecondaryConfig{Backend: "redis"}.Open(zerolog.Nop())
	assert.Error(t, err)
}

func TestCheckStatusAndSyncAll(t *testing.T) {
	dsn := testDSN(t)
	app := newApp(t, dsn)
	seed(t, app)
	require.NoError(t, app.Close())

	// Every invocation starts with an empty in-memory document store.
	out, err := run(t, dsn, "check-status")
	require.NoError(t, err)
	assert.Contains(t, out, "memory (reachable)")
	assert.Contains(t, out, "MISMATCH")
	assert.Contains(t, out, "Drift detected")

	out, err = run(t, dsn, "sync-all")
	require.NoError(t, err)
	assert.Contains(t, out, "Checked 1 documents")
	assert.Contains(t, out, "1 repaired")
	assert.Contains(t, out, "0 errors")

	out, err = run(t, dsn, "repair-sync", "--deep")
	require.NoError(t, err)
	assert.Contains(t, out, "1 repaired")
}

func TestMigrate(t *testing.T) {
	dsn := testDSN(t)
	out, err := run(t, dsn, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Checked 0 documents")

	out, err = run(t, dsn, "check-status")
	require.NoError(t, err)
	assert.Contains(t, out, "Stores are in sync")
}

func TestForceSync(t *testing.T) {
	dsn := testDSN(t)
	app := newApp(t, dsn)
	id := seed(t, app)
	require.NoError(t, app.Close())

	out, err := run(t, dsn, "force-sync", id.String())
	require.NoError(t, err)
	assert.Contains(t, out, "Synced document "+id.String())

	_, err = run(t, dsn, "force-sync", "not-a-uuid")
	assert.Error(t, err)

	_, err = run(t, dsn, "force-sync", models.NewDocumentID().String())
	assert.True(t, store.IsNotFound(err))
}

func TestConnectionCommands(t *testing.T) {
	dsn := testDSN(t)

	out, err := run(t, dsn, "test-connection")
	require.NoError(t, err)
	assert.Contains(t, out, "Connected to memory")

	out, err = run(t, dsn, "test-sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Round trip to memory succeeded")

	out, err = run(t, dsn, "setup")
	require.NoError(t, err)
	assert.Contains(t, out, "Created memory indexes")
}

func TestProbe(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(zerolog.Nop())
	_, err := probe(ctx, s)
	require.NoError(t, err)

	n, err := s.Documents().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	s.SetOffline(true)
	_, err = probe(ctx, s)
	assert.True(t, store.IsUnavailable(err))
}

func TestResetSecondary(t *testing.T) {
	dsn := testDSN(t)

	_, err := run(t, dsn, "reset-secondary")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")

	out, err := run(t, dsn, "reset-secondary", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted every memory projection")
}

func TestPending(t *testing.T) {
	dsn := testDSN(t)
	app := newApp(t, dsn)
	app.Secondary().(*memstore.MemStore).SetOffline(true)
	doc := &models.Document{Title: "offline"}
	require.NoError(t, app.Service().CreateDocument(context.Background(), doc))
	require.NoError(t, app.Close())

	out, err := run(t, dsn, "pending")
	require.NoError(t, err)
	assert.Contains(t, out, doc.ID.String())
	assert.Contains(t, out, string(models.SyncPending))

	out, err = run(t, dsn, "pending", "--status=failed")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing awaits propagation")

	// sync-all replays the pending row.
	_, err = run(t, dsn, "sync-all")
	require.NoError(t, err)
	out, err = run(t, dsn, "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing awaits propagation")
}

func TestStats(t *testing.T) {
	dsn := testDSN(t)
	app := newApp(t, dsn)
	seed(t, app)
	require.NoError(t, app.Close())

	out, err := run(t, dsn, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Documents")
	assert.Contains(t, out, "memory (active)")
}
