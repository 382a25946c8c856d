package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCounters(t *testing.T) {
	m := New()
	m.Login(true)
	m.Login(false)
	m.Login(false)
	m.ListingTransition("sold")
	m.LedgerOp("mint", nil)
	m.LedgerOp("mint", errors.New("boom"))
	m.ObserveRequest("/health", "GET", "OK", time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `marketplace_logins_total{result="success"} 1`)
	assert.Contains(t, body, `marketplace_logins_total{result="failure"} 2`)
	assert.Contains(t, body, `marketplace_listing_transitions_total{status="sold"} 1`)
	assert.Contains(t, body, `marketplace_ledger_operations_total{operation="mint",result="failure"} 1`)
	assert.Contains(t, body, `marketplace_requests_total{method="GET",route="/health",status="OK"} 1`)
	assert.Contains(t, body, "marketplace_request_duration_seconds_bucket")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Login(true)
		m.ListingTransition("cancelled")
		m.LedgerOp("settle", nil)
		m.ObserveRequest("/", "GET", "OK", 0)
	})
}
