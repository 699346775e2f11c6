package connections

import (
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hookline/hookline/internal/matrix/matrixtest"
	"github.com/hookline/hookline/internal/observability"
	"github.com/hookline/hookline/internal/storage"
)

// testConnDeps bundles the fakes shared by connection tests.
type testConnDeps struct {
	intent  *matrixtest.Intent
	store   *storage.MemoryProvider
	logger  *observability.Logger
	metrics *observability.Metrics
	now     *time.Time
}

func newTestConnDeps(t *testing.T) *testConnDeps {
	t.Helper()
	return &testConnDeps{
		intent:  matrixtest.NewIntent("@bridge:example.com"),
		store:   storage.NewMemoryProvider(""),
		logger:  observability.NewLogger(observability.LogConfig{Output: io.Discard}),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
}
