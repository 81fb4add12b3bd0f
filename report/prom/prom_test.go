package prom_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozontech/duplex/part"
	"github.com/ozontech/duplex/report/prom"
)

func TestExchangeMetrics(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	reg := prometheus.NewPedanticRegistry()
	r := prom.New(reg)

	ok := r.Acquire()
	ok.Request(&part.Head{Method: "GET", Target: "/"})
	ok.Response(&part.Head{Status: 200})
	ok.BodyOut(5)

	failed := r.Acquire()
	failed.Request(&part.Head{Method: "BREW", Target: "/pot"})
	failed.BodyIn(3)
	failed.Error(errors.New("boom"))

	silent := r.Acquire()
	silent.Request(&part.Head{Method: "POST", Target: "/"})

	a.NoError(testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP duplex_exchange_in_flight Exchanges being handled.
# TYPE duplex_exchange_in_flight gauge
duplex_exchange_in_flight 3
`), "duplex_exchange_in_flight"))

	ok.End()
	failed.End()
	silent.End()

	a.NoError(testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP duplex_exchange_body_bytes_total Body bytes by direction.
# TYPE duplex_exchange_body_bytes_total counter
duplex_exchange_body_bytes_total{direction="in"} 3
duplex_exchange_body_bytes_total{direction="out"} 5
# HELP duplex_exchange_in_flight Exchanges being handled.
# TYPE duplex_exchange_in_flight gauge
duplex_exchange_in_flight 0
# HELP duplex_exchange_total Completed exchanges.
# TYPE duplex_exchange_total counter
duplex_exchange_total{method="GET",outcome="ok",status="200"} 1
duplex_exchange_total{method="OTHER",outcome="error",status="none"} 1
duplex_exchange_total{method="POST",outcome="no_response",status="none"} 1
`), "duplex_exchange_total", "duplex_exchange_in_flight", "duplex_exchange_body_bytes_total"))

	n, err := testutil.GatherAndCount(reg, "duplex_exchange_duration_seconds")
	require.NoError(t, err)
	a.Equal(3, n)
}
