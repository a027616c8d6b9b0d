package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordPass(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.RecordPass(PassCounts{New: 3, Modified: 1, Deleted: 2, Skipped: 1}, 20*time.Millisecond)
	m.RecordPass(PassCounts{Unchanged: 4}, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PassesTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("new")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("unchanged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SkippedTotal))
	assert.Positive(t, testutil.ToFloat64(m.LastPassTimestamp))
}

func TestRecordExtractionAndCache(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.RecordExtraction(time.Millisecond, nil)
	m.RecordExtraction(time.Millisecond, errors.New("x"))
	m.RecordMaskCache(true)
	m.RecordMaskCache(false)
	m.RecordMaskCache(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtractionsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtractionsTotal.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MaskCacheTotal.WithLabelValues("miss")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordPass(PassCounts{New: 1}, time.Second)
	m.RecordPassError()
	m.RecordExtraction(time.Second, nil)
	m.RecordMaskCache(true)
}

func TestHandler(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	m.RecordPassError()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "echoroi_reconcile_pass_errors_total 1"))
}

func TestDoubleRegistrationFails(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	_, err = New(m.Registry())
	assert.Error(t, err)
}
