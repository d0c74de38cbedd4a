package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_Twice(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
}

func scrape(t *testing.T, g prometheus.Gatherer) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler(g).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))

	ObserveRound(ResultOK, 5, 10*time.Millisecond)
	ObserveRound(ResultNoop, 99, time.Millisecond)
	ObserveApplied(3, 1, 0)
	ObserveCompaction(CompactionDone, 12)
	ObserveCompaction(CompactionSkipped, 0)
	LocalVersion.Set(42)

	body := scrape(t, reg)
	assert.Contains(t, body, `replica_sync_rounds_total{result="ok"} 1`)
	assert.Contains(t, body, `replica_sync_rounds_total{result="noop"} 1`)
	assert.Contains(t, body, "replica_records_sent_total 5", "noop rounds send nothing")
	assert.Contains(t, body, "replica_sync_round_duration_seconds_count 1")
	assert.Contains(t, body, `replica_records_received_total{status="applied"} 3`)
	assert.Contains(t, body, `replica_compactions_total{result="compacted"} 1`)
	assert.Contains(t, body, "replica_compacted_records_total 12")
	assert.Contains(t, body, "replica_db_version 42")
}
