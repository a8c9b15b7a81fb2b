package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	p.RecordUpdate("ui-preferences", OutcomeOK, 2*time.Millisecond)
	p.RecordUpdate("ui-preferences", OutcomeOK, time.Millisecond)
	p.RecordUpdate("stt-config", OutcomeValidation, time.Millisecond)
	p.RecordInvalidation("ui-preferences")
	p.RecordSubscribers(3)
	p.RecordFetch("main", "ui-preferences", OutcomeOK)
	p.RecordCoalesced("main", "ui-preferences")
	p.RecordStale("settings", "app-config")
	p.RecordRetry("auth", "stt-config")

	assert.Equal(t, 2.0, testutil.ToFloat64(p.updates.WithLabelValues("ui-preferences", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.updates.WithLabelValues("stt-config", OutcomeValidation)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.invalidations.WithLabelValues("ui-preferences")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.subscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.fetches.WithLabelValues("main", "ui-preferences", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.coalesced.WithLabelValues("main", "ui-preferences")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.stale.WithLabelValues("settings", "app-config")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.retries.WithLabelValues("auth", "stt-config")))
}

func TestPrometheus_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheus(reg)
	require.NoError(t, err)
	second, err := NewPrometheus(reg)
	require.NoError(t, err)

	first.RecordInvalidation("app-config")
	second.RecordInvalidation("app-config")

	// Both collectors share the registered vector.
	assert.Equal(t, 2.0, testutil.ToFloat64(first.invalidations.WithLabelValues("app-config")))
}

func TestOrNoOp(t *testing.T) {
	assert.Equal(t, NoOp{}, OrNoOp(nil))
	p := &Prometheus{}
	assert.Same(t, p, OrNoOp(p))
}
