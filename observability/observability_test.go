package observability

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestNewLoggerWithWriters_Fanout(t *testing.T) {
	var text, js bytes.Buffer
	log := NewLoggerWithWriters(&text, &js, slog.LevelInfo)
	log.Debug("hidden")
	log.Info("job completed", "job_id", "job_1")

	assert.Contains(t, text.String(), "job completed")
	assert.NotContains(t, text.String(), "hidden")
	assert.Contains(t, js.String(), `"job_id":"job_1"`)
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.log")
	log, cleanup, err := NewLogger(LogConfig{Level: "info", File: path})
	require.NoError(t, err)
	log.Info("hello")
	require.NoError(t, cleanup())
}

func TestMetrics_IsolatedRegistries(t *testing.T) {
	// WHAT: two Metrics on separate registries do not share counts.
	// WHY: worker instances in one test binary must not share hidden state.
	m1 := NewMetrics(prometheus.NewRegistry())
	m2 := NewMetrics(prometheus.NewRegistry())

	m1.JobsRecovered(3)
	m1.JobClaimed("crawl_page")
	m1.JobFinished("crawl_page", "completed", 10*time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(m1.RecoveredJobs))
	assert.Equal(t, 0.0, testutil.ToFloat64(m2.RecoveredJobs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m1.JobsFinished.WithLabelValues("crawl_page", "completed")))
}
