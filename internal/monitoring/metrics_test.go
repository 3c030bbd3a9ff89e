package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()

	m.RecordDelivery("email", "sent")
	m.RecordDelivery("email", "sent")
	m.RecordDelivery("push", "failed")
	m.RecordResend("bulk")

	require.Equal(t, 2.0, testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("email", "sent")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("push", "failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ResendsTotal.WithLabelValues("bulk")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.RecordDelivery("email", "sent")
		m.RecordRuleRun("reminder", "success")
		m.SetDeferredIntents(3)
		m.IncrementActiveConnections()
	})
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordDelivery("sms", "sent")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `automation_deliveries_total{channel="sms",status="sent"} 1`))
}
