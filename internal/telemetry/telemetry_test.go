package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitServesPrometheusWithoutOTLP(t *testing.T) {
	p, err := Init(context.Background(), Config{ServiceName: "kizuna-test", Version: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	counter, err := Meter("kizuna/test").Int64Counter("kizuna.test.events")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kizuna_test_events_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
