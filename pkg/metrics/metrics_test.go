package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/klp/pkg/chain"
)

func newTestMetrics() *Metrics {
	level, _ := log.ToLevel("error")
	return New("klp", log.NewTestLogger(level))
}

func TestDeliverCountsByTopic(t *testing.T) {
	m := newTestMetrics()
	m.Deliver([]chain.Event{
		{Topic: "vault.swap"},
		{Topic: "vault.swap"},
		{Topic: "klp.add_liquidity"},
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("vault.swap")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("klp.add_liquidity")))
}

func TestGauges(t *testing.T) {
	m := newTestMetrics()
	m.SetBlockHeight(42)
	m.SetAum(100, 120)
	m.SetPool("BNB", 10, 4, 600)
	m.SetQueueLengths(3, 1)

	assert.Equal(t, 42.0, testutil.ToFloat64(m.blockHeight))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.aum.WithLabelValues("min")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.aum.WithLabelValues("max")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.reservedAmount.WithLabelValues("BNB")))
	assert.Equal(t, 600.0, testutil.ToFloat64(m.globalShortSize.WithLabelValues("BNB")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueLength.WithLabelValues("increase")))
}

func TestKeeperCounters(t *testing.T) {
	m := newTestMetrics()
	m.ObserveSweep("increase", time.Millisecond, nil)
	m.ObserveSweep("increase", time.Millisecond, errors.New("boom"))
	m.RecordLiquidation()
	m.RecordNATSPublish(nil)
	m.RecordNATSPublish(errors.New("closed"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweepErrors.WithLabelValues("increase")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.liquidations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.natsPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.natsFailed))
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := newTestMetrics()
	m.SetKlpSupply(5)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "klp_klp_supply 5"))
}
