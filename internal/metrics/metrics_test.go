package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.FileProcessed("embedded")
		m.EmbedObserved(time.Second, nil)
		m.WatchEvent("upsert")
		m.CycleFinished(time.Second, 3, nil)
		m.MoveFinished("moved")
		m.FolderNamed("model")
	})
	assert.Nil(t, m.Registry())
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCounters(t *testing.T) {
	m := New()

	m.FileProcessed("embedded")
	m.FileProcessed("embedded")
	m.FileProcessed("reused")
	m.EmbedObserved(0, errors.New("boom"))
	m.MoveFinished("moved")
	m.CycleFinished(10*time.Millisecond, 4, nil)
	m.CycleFinished(0, 0, errors.New("cluster failed"))

	out := scrape(t, m)
	assert.Contains(t, out, `sefs_files_processed_total{outcome="embedded"} 2`)
	assert.Contains(t, out, `sefs_files_processed_total{outcome="reused"} 1`)
	assert.Contains(t, out, "sefs_embed_failures_total 1")
	assert.Contains(t, out, `sefs_moves_total{result="moved"} 1`)
	assert.Contains(t, out, `sefs_cycles_total{result="ok"} 1`)
	assert.Contains(t, out, `sefs_cycles_total{result="error"} 1`)
	assert.Contains(t, out, "sefs_clusters 4")
}

func TestHandler(t *testing.T) {
	m := New()
	m.WatchEvent("suppressed")

	assert.Contains(t, scrape(t, m), `sefs_watch_events_total{kind="suppressed"} 1`)
}

func TestNilHandler(t *testing.T) {
	var m *Metrics
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
