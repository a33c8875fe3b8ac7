package scaling

import (
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/htafolla/strray-coordinator/pkg/config"
)

func testScalingConfig() config.ScalingConfig {
	return config.ScalingConfig{
		MinInstances:       1,
		MaxInstances:       10,
		ScaleUpThreshold:   0.75,
		ScaleDownThreshold: 0.25,
		MaxScaleUp:         3,
		MaxScaleDown:       1,
		CooldownPeriod:     5 * time.Minute,
		MinConfidence:      0.5,
		WindowSize:         10,
	}
}

// fill loads n identical samples spaced a second apart so the trend is
// flat and fullness is under the caller's control.
func fill(p *Predictor, mock *clock.Mock, n int, cpu, mem, errRate float64) {
	for i := 0; i < n; i++ {
		p.AddSample(Sample{
			Timestamp:         mock.Now(),
			CPUUtilization:    cpu,
			MemoryUtilization: mem,
			ErrorRate:         errRate,
		})
		mock.Add(time.Second)
	}
}

func TestInsufficientSamples(t *testing.T) {
	mock := clock.NewMock()
	p := NewPredictor(testScalingConfig(), mock)

	fill(p, mock, 2, 0.99, 0.99, 0)

	pred := p.Predict(3)
	if pred.Action != Maintain {
		t.Errorf("Expected maintain with 2 samples, got %s", pred.Action)
	}
	if pred.RecommendedInstances != 3 {
		t.Errorf("Expected current count 3, got %d", pred.RecommendedInstances)
	}
	if pred.Confidence != 0 {
		t.Errorf("Expected zero confidence, got %f", pred.Confidence)
	}
}

func TestScaleUpOnHighCPU(t *testing.T) {
	mock := clock.NewMock()
	p := NewPredictor(testScalingConfig(), mock)

	fill(p, mock, 10, 0.85, 0.50, 0)

	pred := p.Predict(3)
	if pred.Action != ScaleUp {
		t.Fatalf("Expected scale_up, got %s (%s)", pred.Action, pred.Reason)
	}
	if pred.RecommendedInstances <= 3 {
		t.Errorf("Expected recommendation above 3, got %d", pred.RecommendedInstances)
	}
	if pred.Confidence < 0.5 {
		t.Errorf("Expected confident recommendation on a full window, got %f", pred.Confidence)
	}
}

func TestScaleUpStepSizing(t *testing.T) {
	mock := clock.NewMock()
	cfg := testScalingConfig()

	// Load just past the threshold moves one step.
	p := NewPredictor(cfg, mock)
	fill(p, mock, 10, 0.80, 0.50, 0)
	pred := p.Predict(3)
	if pred.Action != ScaleUp || pred.RecommendedInstances != 4 {
		t.Errorf("Moderate overload: expected 4, got %s/%d", pred.Action, pred.RecommendedInstances)
	}

	// Load far past the threshold takes the full step.
	p = NewPredictor(cfg, mock)
	fill(p, mock, 10, 0.98, 0.50, 0)
	pred = p.Predict(3)
	if pred.Action != ScaleUp || pred.RecommendedInstances != 6 {
		t.Errorf("Severe overload: expected 6, got %s/%d", pred.Action, pred.RecommendedInstances)
	}
}

func TestScaleUpClampedToMaxInstances(t *testing.T) {
	mock := clock.NewMock()
	p := NewPredictor(testScalingConfig(), mock)

	fill(p, mock, 10, 0.99, 0.50, 0)

	pred := p.Predict(10)
	if pred.Action != Maintain {
		t.Errorf("Expected maintain at the instance ceiling, got %s", pred.Action)
	}
	if pred.RecommendedInstances != 10 {
		t.Errorf("Expected recommendation clamped to 10, got %d", pred.RecommendedInstances)
	}
}

func TestScaleDownOnLowCPU(t *testing.T) {
	mock := clock.NewMock()
	p := NewPredictor(testScalingConfig(), mock)

	fill(p, mock, 10, 0.05, 0.10, 0)

	pred := p.Predict(4)
	if pred.Action != ScaleDown {
		t.Fatalf("Expected scale_down, got %s (%s)", pred.Action, pred.Reason)
	}
	if pred.RecommendedInstances != 3 {
		t.Errorf("Scale-down is limited to one step, got %d", pred.RecommendedInstances)
	}
}

func TestScaleDownClampedToMinInstances(t *testing.T) {
	mock := clock.NewMock()
	p := NewPredictor(testScalingConfig(), mock)

	fill(p, mock, 10, 0.05, 0.10, 0)

	pred := p.Predict(1)
	if pred.Action != Maintain {
		t.Errorf("Expected maintain at the instance floor, got %s", pred.Action)
	}
	if pred.RecommendedInstances != 1 {
		t.Errorf("Expected recommendation clamped to 1, got %d", pred.RecommendedInstances)
	}
}

func TestErrorRateTriggersScaleUp(t *testing.T) {
	mock := clock.NewMock()
	cfg := testScalingConfig()
	// Mid-band load carries little confidence on its own; the error
	// signal has to get through regardless.
	cfg.MinConfidence = 0.3
	p := NewPredictor(cfg, mock)

	// Load sits in the comfortable band but errors are spiking.
	fill(p, mock, 10, 0.50, 0.50, 0.25)

	pred := p.Predict(3)
	if pred.Action != ScaleUp {
		t.Errorf("Expected scale_up on high error rate, got %s (%s)", pred.Action, pred.Reason)
	}
}

func TestCooldownSuppressesSameDirection(t *testing.T) {
	mock := clock.NewMock()
	p := NewPredictor(testScalingConfig(), mock)

	fill(p, mock, 10, 0.90, 0.50, 0)

	pred := p.Predict(3)
	if pred.Action != ScaleUp {
		t.Fatalf("Expected initial scale_up, got %s", pred.Action)
	}

	// Immediately afterwards the same direction is suppressed.
	fill(p, mock, 10, 0.90, 0.50, 0)
	pred = p.Predict(3)
	if pred.Action != Maintain {
		t.Errorf("Expected cooldown to suppress scale_up, got %s", pred.Action)
	}
	if !strings.Contains(pred.Reason, "cooldown") {
		t.Errorf("Expected cooldown in reason, got %q", pred.Reason)
	}

	// The opposite direction is not affected by the scale-up cooldown.
	fill(p, mock, 10, 0.05, 0.10, 0)
	pred = p.Predict(3)
	if pred.Action != ScaleDown {
		t.Errorf("Expected scale_down during scale-up cooldown, got %s (%s)", pred.Action, pred.Reason)
	}

	// After the cooldown the direction is available again.
	mock.Add(5 * time.Minute)
	fill(p, mock, 10, 0.90, 0.50, 0)
	pred = p.Predict(3)
	if pred.Action != ScaleUp {
		t.Errorf("Expected scale_up after cooldown, got %s (%s)", pred.Action, pred.Reason)
	}
}

func TestLowConfidenceForcesMaintain(t *testing.T) {
	mock := clock.NewMock()
	cfg := testScalingConfig()
	cfg.MinConfidence = 0.9
	p := NewPredictor(cfg, mock)

	// A barely-full window with load just over the threshold cannot reach
	// high confidence.
	fill(p, mock, 4, 0.76, 0.50, 0)

	pred := p.Predict(3)
	if pred.Action != Maintain {
		t.Errorf("Expected maintain on low confidence, got %s", pred.Action)
	}
	if !strings.Contains(pred.Reason, "confidence") {
		t.Errorf("Expected confidence in reason, got %q", pred.Reason)
	}
}

func TestRisingTrendScalesBeforeThreshold(t *testing.T) {
	mock := clock.NewMock()
	p := NewPredictor(testScalingConfig(), mock)

	// CPU climbs steeply: 0.30 to 0.70 over 40 seconds. The average is
	// under the threshold but the projection a minute out crosses it.
	cpu := 0.30
	for i := 0; i < 10; i++ {
		p.AddSample(Sample{Timestamp: mock.Now(), CPUUtilization: cpu, MemoryUtilization: 0.4})
		cpu += 0.045
		mock.Add(4 * time.Second)
	}

	pred := p.Predict(3)
	if pred.Action != ScaleUp {
		t.Errorf("Expected proactive scale_up on rising trend, got %s (%s)", pred.Action, pred.Reason)
	}
}

func TestWindowIsBounded(t *testing.T) {
	mock := clock.NewMock()
	cfg := testScalingConfig()
	cfg.WindowSize = 5
	p := NewPredictor(cfg, mock)

	// Old high-load samples are evicted by newer idle ones.
	fill(p, mock, 5, 0.95, 0.50, 0)
	fill(p, mock, 5, 0.05, 0.10, 0)

	pred := p.Predict(4)
	if pred.Action != ScaleDown {
		t.Errorf("Expected scale_down once high samples aged out, got %s (%s)", pred.Action, pred.Reason)
	}
}
