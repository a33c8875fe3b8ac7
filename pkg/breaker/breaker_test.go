package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/htafolla/strray-coordinator/pkg/config"
)

func testConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold: 3,
		MonitorWindow:    time.Minute,
		RecoveryTimeout:  30 * time.Second,
		CallTimeout:      10 * time.Second,
	}
}

func failOp(ctx context.Context) (interface{}, error) {
	return nil, errors.New("boom")
}

func okOp(ctx context.Context) (interface{}, error) {
	return "payload", nil
}

func TestExecuteSuccess(t *testing.T) {
	r := NewRegistry(testConfig(), clock.NewMock())

	res := r.Execute(context.Background(), "svc", okOp)
	if !res.Success {
		t.Fatalf("Expected success, got err %v", res.Err)
	}
	if res.Data != "payload" {
		t.Errorf("Expected payload, got %v", res.Data)
	}
	if r.State("svc") != Closed {
		t.Errorf("Expected closed after success, got %v", r.State("svc"))
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	mock := clock.NewMock()
	r := NewRegistry(testConfig(), mock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if r.State("svc") != Closed {
			t.Fatalf("Breaker opened early at failure %d", i)
		}
		res := r.Execute(ctx, "svc", failOp)
		if res.Success {
			t.Fatal("Failing op reported success")
		}
	}

	if r.State("svc") != Open {
		t.Fatalf("Expected open after 3 failures, got %v", r.State("svc"))
	}

	// An open breaker rejects without invoking the operation.
	invoked := false
	res := r.Execute(ctx, "svc", func(ctx context.Context) (interface{}, error) {
		invoked = true
		return nil, nil
	})
	if res.Success {
		t.Error("Open breaker reported success")
	}
	if res.Err == nil {
		t.Error("Open breaker returned no error")
	}
	if invoked {
		t.Error("Open breaker invoked the operation")
	}
}

func TestFailuresOutsideWindowDoNotTrip(t *testing.T) {
	mock := clock.NewMock()
	r := NewRegistry(testConfig(), mock)
	ctx := context.Background()

	r.Execute(ctx, "svc", failOp)
	r.Execute(ctx, "svc", failOp)

	// Old failures age out of the monitoring window.
	mock.Add(2 * time.Minute)

	r.Execute(ctx, "svc", failOp)
	if r.State("svc") != Closed {
		t.Errorf("Expected closed with only 1 failure in window, got %v", r.State("svc"))
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	mock := clock.NewMock()
	r := NewRegistry(testConfig(), mock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r.Execute(ctx, "svc", failOp)
	}
	if r.State("svc") != Open {
		t.Fatalf("Expected open, got %v", r.State("svc"))
	}

	mock.Add(30 * time.Second)
	if r.State("svc") != HalfOpen {
		t.Fatalf("Expected half-open after recovery timeout, got %v", r.State("svc"))
	}

	res := r.Execute(ctx, "svc", okOp)
	if !res.Success {
		t.Fatalf("Trial call failed: %v", res.Err)
	}
	if r.State("svc") != Closed {
		t.Errorf("Expected closed after trial success, got %v", r.State("svc"))
	}

	// Failure history is cleared on close; one new failure does not trip.
	r.Execute(ctx, "svc", failOp)
	if r.State("svc") != Closed {
		t.Errorf("Expected closed after single post-recovery failure, got %v", r.State("svc"))
	}
}

func TestHalfOpenTrialFailureReopens(t *testing.T) {
	mock := clock.NewMock()
	r := NewRegistry(testConfig(), mock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r.Execute(ctx, "svc", failOp)
	}
	mock.Add(30 * time.Second)

	res := r.Execute(ctx, "svc", failOp)
	if res.Success {
		t.Fatal("Failing trial reported success")
	}
	if r.State("svc") != Open {
		t.Fatalf("Expected re-open after trial failure, got %v", r.State("svc"))
	}

	// The recovery clock restarts from the failed trial.
	mock.Add(29 * time.Second)
	if r.State("svc") != Open {
		t.Errorf("Expected still open before recovery timeout, got %v", r.State("svc"))
	}
	mock.Add(time.Second)
	if r.State("svc") != HalfOpen {
		t.Errorf("Expected half-open, got %v", r.State("svc"))
	}
}

func TestHalfOpenAllowsSingleTrial(t *testing.T) {
	mock := clock.NewMock()
	r := NewRegistry(testConfig(), mock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r.Execute(ctx, "svc", failOp)
	}
	mock.Add(30 * time.Second)

	if !r.allow("svc") {
		t.Fatal("First half-open call should be allowed")
	}
	if r.allow("svc") {
		t.Error("Second call should be rejected while the trial is in flight")
	}
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	r := NewRegistry(cfg, clock.New())

	res := r.Execute(context.Background(), "slow", func(ctx context.Context) (interface{}, error) {
		time.Sleep(500 * time.Millisecond)
		return "late", nil
	})
	if res.Success {
		t.Fatal("Timed-out call reported success")
	}
	if res.Err == nil {
		t.Fatal("Timed-out call returned no error")
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", res.Err)
	}
}

func TestBreakersAreIndependent(t *testing.T) {
	mock := clock.NewMock()
	r := NewRegistry(testConfig(), mock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r.Execute(ctx, "failing", failOp)
	}

	if r.State("failing") != Open {
		t.Errorf("Expected failing target open, got %v", r.State("failing"))
	}
	if r.State("healthy") != Closed {
		t.Errorf("Expected untouched target closed, got %v", r.State("healthy"))
	}
	if res := r.Execute(ctx, "healthy", okOp); !res.Success {
		t.Errorf("Healthy target should still execute: %v", res.Err)
	}
}
