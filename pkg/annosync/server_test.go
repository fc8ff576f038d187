package annosync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/annosync/pkg/hybrid"
	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store/memstore"
)

func serve(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestServerReads(t *testing.T) {
	app := newApp(t, testDSN(t))
	id := seed(t, app)
	s := NewServer(app)
	base := "/api/documents/" + id.String()

	rec := serve(t, s, "GET", base, "")
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode[hybrid.DocumentView](t, rec)
	assert.Equal(t, "Invoice 42", doc.Document.Title)
	assert.Equal(t, hybrid.SourceSecondary, doc.Source)

	rec = serve(t, s, "GET", base+"/schema", "")
	require.Equal(t, http.StatusOK, rec.Code)
	schema := decode[hybrid.SchemaView](t, rec)
	assert.Len(t, schema.Schema.Fields, 2)

	rec = serve(t, s, "GET", base+"/annotation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	annotation := decode[hybrid.AnnotationView](t, rec)
	assert.InDelta(t, 0.9, annotation.ConfidenceScores["amount"], 1e-9)

	rec = serve(t, s, "GET", base+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]hybrid.HistoryEntry](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, string(models.ActionCreated), history[0].ActionType)

	rec = serve(t, s, "GET", "/api/documents/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, "GET", "/api/documents/"+models.NewDocumentID().String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerUpdateField(t *testing.T) {
	app := newApp(t, testDSN(t))
	id := seed(t, app)
	s := NewServer(app)
	path := "/api/documents/" + id.String() + "/annotation/fields/amount"

	rec := serve(t, s, "PUT", path, `{"value": 500}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[writeResponse](t, rec).Synced)

	// The same value again appends no history.
	rec = serve(t, s, "PUT", path, `{"value": 500}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, s, "GET", "/api/documents/"+id.String()+"/history", "")
	history := decode[[]hybrid.HistoryEntry](t, rec)
	var updates int
	for _, h := range history {
		if h.ActionType == string(models.ActionUpdated) && h.FieldName == "amount" {
			updates++
		}
	}
	assert.Equal(t, 1, updates)

	rec = serve(t, s, "PUT", path, `{"value": 1, "user_id": "bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, "PUT", path, `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Primary writes succeed while the document store is down.
	app.Secondary().(*memstore.MemStore).SetOffline(true)
	rec = serve(t, s, "PUT", path, `{"value": 600}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[writeResponse](t, rec).Synced)
}

func TestServerValidate(t *testing.T) {
	app := newApp(t, testDSN(t))
	id := seed(t, app)
	s := NewServer(app)

	rec := serve(t, s, "POST", "/api/documents/"+id.String()+"/annotation/validate", `{"notes": "looks right"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[writeResponse](t, rec).Synced)

	rec = serve(t, s, "GET", "/api/documents/"+id.String(), "")
	doc := decode[hybrid.DocumentView](t, rec)
	assert.Equal(t, models.StatusValidated, doc.Document.Status)

	rec = serve(t, s, "POST", "/api/documents/"+models.NewDocumentID().String()+"/annotation/validate", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerStatsAndHealth(t *testing.T) {
	app := newApp(t, testDSN(t))
	seed(t, app)
	s := NewServer(app)

	rec := serve(t, s, "GET", "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[hybrid.Statistics](t, rec)
	assert.Equal(t, 1, stats.TotalDocuments)
	assert.Equal(t, hybrid.SecondaryActive, stats.SecondaryStatus)

	rec = serve(t, s, "GET", "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, hybrid.SecondaryActive, decode[healthResponse](t, rec).SecondaryStatus)

	app.Secondary().(*memstore.MemStore).SetOffline(true)
	rec = serve(t, s, "GET", "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, hybrid.SecondaryUnavailable, decode[healthResponse](t, rec).SecondaryStatus)

	rec = serve(t, s, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "annosync_propagations_total")
}
