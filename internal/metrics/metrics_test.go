package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, vec.WithLabelValues(labels...).(prometheus.Metric).Write(m))
	return m.GetCounter().GetValue()
}

func TestRecordReceivedIncrementsByType(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordReceived("HELLO")
	m.RecordReceived("HELLO")
	require.Equal(t, float64(2), counterValue(t, m.PDUsReceived, "HELLO"))
}

func TestRecordErrorIncrementsByCode(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordError("DUP_PROXY_ID")
	require.Equal(t, float64(1), counterValue(t, m.ErrorsSent, "DUP_PROXY_ID"))
}

func TestRecordSessionEndIncrementsByOutcome(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordSessionEnd("crashed")
	m.RecordSessionEnd("goodbye")
	require.Equal(t, float64(1), counterValue(t, m.SessionsTotal, "crashed"))
	require.Equal(t, float64(1), counterValue(t, m.SessionsTotal, "goodbye"))
}
