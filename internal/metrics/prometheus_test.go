package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecorderCounters(t *testing.T) {
	r, err := NewRecorder()
	require.NoError(t, err)

	r.RecordFinding(types.ScannerZAP, types.SeverityHigh)
	r.RecordFinding(types.ScannerZAP, types.SeverityHigh)
	r.RecordFinding(types.ScannerNuclei, types.SeverityInfo)
	r.RecordScan(types.ScanTypeQuick, types.ScanStatusCompleted, 2)
	r.RecordExploitCommand(types.ExploitTypeSQLi, "blocked")
	r.RecordActiveScans(1)
	r.RecordActiveScans(1)
	r.RecordActiveScans(-1)

	out := scrape(t, r)
	assert.Contains(t, out, `seclab_findings_total{scanner="zap",severity="high"} 2`)
	assert.Contains(t, out, `seclab_findings_total{scanner="nuclei",severity="info"} 1`)
	assert.Contains(t, out, `seclab_scans_total{scan_type="quick",status="completed"} 1`)
	assert.Contains(t, out, `seclab_exploit_commands_total{exploit_type="sqli",outcome="blocked"} 1`)
	assert.Contains(t, out, "seclab_active_scans 1")
	assert.Contains(t, out, `seclab_scan_duration_seconds_count{scan_type="quick"} 1`)
	assert.NoError(t, r.Close())
}

func TestRecordersAreIsolated(t *testing.T) {
	a, err := NewRecorder()
	require.NoError(t, err)
	b, err := NewRecorder()
	require.NoError(t, err)

	a.RecordFinding(types.ScannerNuclei, types.SeverityCritical)

	assert.Contains(t, scrape(t, a), `seclab_findings_total{scanner="nuclei",severity="critical"} 1`)
	assert.NotContains(t, scrape(t, b), `severity="critical"`)
}
