package metrics

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/suite"
	"github.com/OpenTraceLab/OpenTraceSweep/pkg/sweep"
)

func TestMetricsObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SampleTaken(-50, sweep.Sample{Current: 2e-9})
	m.SampleTaken(-50, sweep.Sample{Current: math.NaN()})
	if got := testutil.ToFloat64(m.samples); got != 2 {
		t.Fatalf("expected samples counter 2, got %f", got)
	}
	if got := testutil.ToFloat64(m.current); got != 2e-9 {
		t.Fatalf("expected current gauge to keep last valid reading, got %g", got)
	}
	if got := testutil.ToFloat64(m.voltage); got != -50 {
		t.Fatalf("expected voltage gauge -50, got %f", got)
	}

	m.ReadFailed(string(suite.RoleMeter), errors.New("timeout"))
	m.ReadFailed(string(suite.RoleMeter), errors.New("timeout"))
	if got := testutil.ToFloat64(m.readFailures.WithLabelValues("picoammeter")); got != 2 {
		t.Fatalf("expected 2 picoammeter read failures, got %f", got)
	}

	m.Fallback(suite.RoleHV, "keithley_2470", errors.New("no device"))
	if got := testutil.ToFloat64(m.fallbacks.WithLabelValues("hv_source")); got != 1 {
		t.Fatalf("expected 1 hv fallback, got %f", got)
	}

	m.SetpointCompleted(sweep.ResultPoint{}, 12*time.Second)
	if got := testutil.CollectAndCount(m.setpointDuration); got != 1 {
		t.Fatalf("expected histogram to collect 1 metric, got %d", got)
	}

	m.RunFinished(sweep.Result{Outcome: sweep.OutcomeSafetyTrip})
	m.RunFinished(sweep.Result{Outcome: sweep.OutcomeCompleted})
	m.RunFinished(sweep.Result{})
	if got := testutil.ToFloat64(m.safetyTrips); got != 1 {
		t.Fatalf("expected 1 safety trip, got %f", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 errored run, got %f", got)
	}
}

func TestMetricsRegisterOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Fatal("expected duplicate registration to panic")
		}
	}()
	New(reg)
}

func TestMetricsFallbackHookSignature(t *testing.T) {
	m := New(prometheus.NewRegistry())
	var hook suite.FallbackHook = m.Fallback
	hook(suite.RoleImpedance, "keysight_e4980a", nil)
	if got := testutil.ToFloat64(m.fallbacks.WithLabelValues("lcr_meter")); got != 1 {
		t.Fatalf("expected 1 lcr fallback, got %f", got)
	}
}
