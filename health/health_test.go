package health

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pressline/syndicate/backoff"
	"github.com/pressline/syndicate/guard"
)

func testManager() *guard.Manager {
	return guard.NewManager(guard.ChannelConfig{
		Rate:  100,
		Burst: 10,
		Breaker: guard.BreakerConfig{
			FailureThreshold: 2,
			Cooldown:         backoff.NewConstant(time.Hour),
		},
	})
}

func TestHealthCheckReflectsBreakerState(t *testing.T) {
	t.Parallel()

	gm := testManager()
	gm.RecordFailure("chn_bad")
	gm.RecordFailure("chn_bad")
	gm.RecordSuccess("chn_good")

	report, err := NewReporter(gm, nil).HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}

	bad, ok := report["chn_bad"]
	if !ok {
		t.Fatal("chn_bad missing from report")
	}
	if bad.BreakerState != guard.StateOpen {
		t.Fatalf("chn_bad state = %s, want %s", bad.BreakerState, guard.StateOpen)
	}
	if bad.NextRetryAt.IsZero() {
		t.Fatal("open breaker should report next retry time")
	}

	good, ok := report["chn_good"]
	if !ok {
		t.Fatal("chn_good missing from report")
	}
	if good.BreakerState != guard.StateClosed {
		t.Fatalf("chn_good state = %s, want %s", good.BreakerState, guard.StateClosed)
	}
	if good.ConsecutiveFailures != 0 {
		t.Fatalf("chn_good failures = %d, want 0", good.ConsecutiveFailures)
	}
}

func TestHealthCheckIsReadOnly(t *testing.T) {
	t.Parallel()

	gm := testManager()
	gm.RecordFailure("chn_x")
	r := NewReporter(gm, nil)

	first, err := r.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := r.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	if first["chn_x"].ConsecutiveFailures != second["chn_x"].ConsecutiveFailures {
		t.Fatal("reading health changed the failure count")
	}
	if first["chn_x"].BreakerState != second["chn_x"].BreakerState {
		t.Fatal("reading health changed the breaker state")
	}
}

func TestCollectorExportsGauges(t *testing.T) {
	t.Parallel()

	gm := testManager()
	gm.RecordFailure("chn_metrics")
	gm.RecordFailure("chn_metrics")

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector(NewReporter(gm, nil))); err != nil {
		t.Fatalf("register: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	found := map[string]bool{}
	for _, fam := range families {
		found[fam.GetName()] = true
		if fam.GetName() == "syndicate_channel_breaker_state" {
			if len(fam.GetMetric()) != 1 {
				t.Fatalf("breaker state series = %d, want 1", len(fam.GetMetric()))
			}
			if got := fam.GetMetric()[0].GetGauge().GetValue(); got != 2 {
				t.Fatalf("breaker state gauge = %v, want 2 (open)", got)
			}
		}
	}
	for _, name := range []string{
		"syndicate_channel_breaker_state",
		"syndicate_channel_consecutive_failures",
		"syndicate_channel_tokens_available",
	} {
		if !found[name] {
			t.Fatalf("metric %s not exported", name)
		}
	}
}
