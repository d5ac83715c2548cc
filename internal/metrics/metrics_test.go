package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { Register(reg) })

	before := testutil.ToFloat64(bansTotal.WithLabelValues("btn-rule"))
	IncBan("btn-rule")
	assert.Equal(t, before+1, testutil.ToFloat64(bansTotal.WithLabelValues("btn-rule")))

	SetActiveRules(map[string]int{"ip": 3, "port": 1})
	assert.Equal(t, float64(3), testutil.ToFloat64(activeRules.WithLabelValues("ip")))
	SetActiveRules(map[string]int{"ip": 1})
	assert.Equal(t, float64(1), testutil.ToFloat64(activeRules.WithLabelValues("ip")))

	w := testutil.ToFloat64(wastedTrafficBytes)
	AddWastedTraffic(-5)
	assert.Equal(t, w, testutil.ToFloat64(wastedTrafficBytes))
	AddWastedTraffic(1024)
	assert.Equal(t, w+1024, testutil.ToFloat64(wastedTrafficBytes))

	saved := testutil.ToFloat64(savedTrafficBytes)
	AddSavedTraffic(0)
	AddSavedTraffic(2048)
	assert.Equal(t, saved+2048, testutil.ToFloat64(savedTrafficBytes))
}
