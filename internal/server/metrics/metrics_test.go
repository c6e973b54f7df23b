package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowsentry/pkg/model"
)

func TestMetrics(t *testing.T) {
	n := 3
	m := New(func() int { return n })

	m.ObserveScore(0.65, model.SeverityMedium)
	m.ObserveScore(0.95, model.SeverityCritical)
	m.ObserveScore(0.7, model.SeverityMedium)
	m.Rejected("column_mapping")
	m.Ingested("http", 4)
	m.Fallback("TCP")
	m.Degraded()
	m.Throttled()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.scoredTotal.WithLabelValues("MEDIUM")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ingestedTotal.WithLabelValues("http")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.degradedTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.liveFlows))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "flowsentry_protocol_fallback_total"))
	assert.True(t, strings.Contains(string(body), "flowsentry_live_flows 3"))
}
