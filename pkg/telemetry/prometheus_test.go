package telemetry

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordPipeline("completed", time.Millisecond)
	m.RecordCacheLookup("l1")
	m.RecordCacheWrite("l2", nil)
	m.RecordReload("ok", 3)
	assert.Nil(t, m.Registry())
}

func TestMetrics_Exposition(t *testing.T) {
	m := NewMetrics()
	m.RecordPipeline("completed", 20*time.Millisecond)
	m.RecordPipeline("failed", time.Millisecond)
	m.RecordDirective("cache", "short_circuited")
	m.RecordCacheLookup("l1")
	m.RecordCacheLookup("l1")
	m.RecordCacheLookup("miss")
	m.RecordCacheWrite("l3", errors.New("down"))
	m.RecordCacheInvalidation("l1", 4)
	m.RecordCacheInvalidation("l2", 0)
	m.RecordAudit("dropped", 1)
	m.RecordReload("ok", 7)
	m.RecordReload("failed", 8)

	body := scrape(t, m)
	for _, line := range []string{
		`directived_pipeline_runs_total{state="completed"} 1`,
		`directived_directive_outcomes_total{kind="cache",outcome="short_circuited"} 1`,
		`directived_cache_lookups_total{result="l1"} 2`,
		`directived_cache_writes_total{status="error",tier="l3"} 1`,
		`directived_cache_invalidated_keys_total{tier="l1"} 4`,
		`directived_audit_events_total{status="dropped"} 1`,
		`directived_table_generation 7`,
	} {
		assert.Contains(t, body, line)
	}
	assert.NotContains(t, body, `directived_cache_invalidated_keys_total{tier="l2"}`)
}
