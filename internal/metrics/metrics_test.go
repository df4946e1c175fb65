package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Finance.Yahoo.com/quote", "finance.yahoo.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserveCreatedAndFinished(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(tasksCreatedTotal.WithLabelValues("metrics_test"))
	ObserveCreated("metrics_test", 3, 2)
	ObserveCreated("metrics_test", 0, 0)
	require.InDelta(t, before+3, testutil.ToFloat64(tasksCreatedTotal.WithLabelValues("metrics_test")), 0.001)
	require.InDelta(t, 2, testutil.ToFloat64(cacheHitsTotal.WithLabelValues("metrics_test")), 0.001)

	ObserveFinished("metrics_test", "failed", time.Second)
	require.InDelta(t, 1, testutil.ToFloat64(tasksFinishedTotal.WithLabelValues("metrics_test", "failed")), 0.001)
}

func TestObserveDispatchResult(t *testing.T) {
	ObserveDispatch("metrics_test", nil)
	ObserveDispatch("metrics_test", errors.New("down"))
	require.InDelta(t, 1, testutil.ToFloat64(dispatchesTotal.WithLabelValues("metrics_test", "ok")), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(dispatchesTotal.WithLabelValues("metrics_test", "error")), 0.001)
}

func TestActiveUnitsGauge(t *testing.T) {
	IncActiveUnits()
	IncActiveUnits()
	DecActiveUnits()
	require.GreaterOrEqual(t, testutil.ToFloat64(activeUnits), 1.0)
	DecActiveUnits()
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://finance.yahoo.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
