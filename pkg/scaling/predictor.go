// Package scaling turns a rolling window of load samples into capacity
// recommendations for an external orchestration system.
package scaling

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"k8s.io/klog/v2"

	"github.com/htafolla/strray-coordinator/pkg/config"
)

// Action is the direction of a scaling recommendation.
type Action string

const (
	ScaleUp   Action = "scale_up"
	ScaleDown Action = "scale_down"
	Maintain  Action = "maintain"
)

// Sample is one time-stamped load measurement.
type Sample struct {
	Timestamp         time.Time     `json:"timestamp"`
	CPUUtilization    float64       `json:"cpuUtilization"`
	MemoryUtilization float64       `json:"memoryUtilization"`
	RequestRate       float64       `json:"requestRate"`
	ResponseTime      time.Duration `json:"responseTime"`
	ActiveConnections int           `json:"activeConnections"`
	ErrorRate         float64       `json:"errorRate"`
}

// Prediction is a capacity recommendation with its rationale.
type Prediction struct {
	Action               Action  `json:"scalingAction"`
	RecommendedInstances int     `json:"recommendedInstanceCount"`
	Confidence           float64 `json:"confidence"`
	Reason               string  `json:"reason"`
}

// minSamples is how many samples the window needs before predictions carry
// any weight.
const minSamples = 3

// Predictor maintains the bounded sample window and cooldown state.
type Predictor struct {
	cfg   config.ScalingConfig
	clock clock.Clock

	mu            sync.Mutex
	samples       []Sample
	lastScaleUp   time.Time
	lastScaleDown time.Time
}

// NewPredictor creates a predictor with the given thresholds.
func NewPredictor(cfg config.ScalingConfig, c clock.Clock) *Predictor {
	if c == nil {
		c = clock.New()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 60
	}
	return &Predictor{cfg: cfg, clock: c}
}

// AddSample appends a measurement, evicting the oldest once the window is
// full.
func (p *Predictor) AddSample(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = p.clock.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.samples = append(p.samples, s)
	if len(p.samples) > p.cfg.WindowSize {
		p.samples = p.samples[len(p.samples)-p.cfg.WindowSize:]
	}
}

// Predict computes a recommendation for the current instance count. The
// result is clamped to the configured bounds, limited per call by the max
// step sizes, suppressed during a same-direction cooldown, and forced to
// maintain when confidence is too low.
func (p *Predictor) Predict(current int) Prediction {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.samples) < minSamples {
		return Prediction{
			Action:               Maintain,
			RecommendedInstances: current,
			Confidence:           0,
			Reason:               fmt.Sprintf("insufficient samples (%d of %d)", len(p.samples), minSamples),
		}
	}

	avgCPU := p.average(func(s Sample) float64 { return s.CPUUtilization })
	avgMem := p.average(func(s Sample) float64 { return s.MemoryUtilization })
	avgErr := p.average(func(s Sample) float64 { return s.ErrorRate })
	trend := p.cpuTrendPerMinute()

	// Project a minute ahead so a climbing load scales before it crosses
	// the threshold rather than after.
	projected := avgCPU + trend

	pred := p.recommend(current, avgCPU, avgMem, avgErr, projected)
	pred.Confidence = p.confidence(avgCPU, projected)

	if pred.Action != Maintain && pred.Confidence < p.cfg.MinConfidence {
		return Prediction{
			Action:               Maintain,
			RecommendedInstances: current,
			Confidence:           pred.Confidence,
			Reason: fmt.Sprintf("confidence %.2f below minimum %.2f (was %s: %s)",
				pred.Confidence, p.cfg.MinConfidence, pred.Action, pred.Reason),
		}
	}

	if blocked, until := p.inCooldown(pred.Action); blocked {
		return Prediction{
			Action:               Maintain,
			RecommendedInstances: current,
			Confidence:           pred.Confidence,
			Reason:               fmt.Sprintf("%s suppressed by cooldown until %s", pred.Action, until.Format(time.RFC3339)),
		}
	}

	switch pred.Action {
	case ScaleUp:
		p.lastScaleUp = p.clock.Now()
	case ScaleDown:
		p.lastScaleDown = p.clock.Now()
	}

	if pred.Action != Maintain {
		klog.InfoS("Scaling recommendation", "action", pred.Action,
			"current", current, "recommended", pred.RecommendedInstances,
			"confidence", fmt.Sprintf("%.2f", pred.Confidence), "reason", pred.Reason)
	}
	return pred
}

// recommend applies thresholds, step limits, and bounds. Caller holds p.mu.
func (p *Predictor) recommend(current int, avgCPU, avgMem, avgErr, projected float64) Prediction {
	desired := current
	var reason string

	switch {
	case avgCPU >= p.cfg.ScaleUpThreshold || projected >= p.cfg.ScaleUpThreshold || avgMem >= p.cfg.ScaleUpThreshold:
		// Size the step by how far past the threshold the load sits.
		over := avgCPU
		if projected > over {
			over = projected
		}
		if avgMem > over {
			over = avgMem
		}
		step := 1
		if over >= p.cfg.ScaleUpThreshold*1.25 {
			step = p.cfg.MaxScaleUp
		}
		if step > p.cfg.MaxScaleUp {
			step = p.cfg.MaxScaleUp
		}
		desired = current + step
		reason = fmt.Sprintf("load %.2f (projected %.2f) at or above scale-up threshold %.2f",
			avgCPU, projected, p.cfg.ScaleUpThreshold)

	case avgErr > 0.10:
		desired = current + 1
		reason = fmt.Sprintf("error rate %.2f above 0.10", avgErr)

	case avgCPU <= p.cfg.ScaleDownThreshold && projected < p.cfg.ScaleUpThreshold && avgMem <= p.cfg.ScaleUpThreshold:
		step := 1
		if step > p.cfg.MaxScaleDown {
			step = p.cfg.MaxScaleDown
		}
		desired = current - step
		reason = fmt.Sprintf("load %.2f at or below scale-down threshold %.2f",
			avgCPU, p.cfg.ScaleDownThreshold)

	default:
		return Prediction{Action: Maintain, RecommendedInstances: current, Reason: "load within thresholds"}
	}

	if desired > p.cfg.MaxInstances {
		desired = p.cfg.MaxInstances
	}
	if desired < p.cfg.MinInstances {
		desired = p.cfg.MinInstances
	}

	action := Maintain
	if desired > current {
		action = ScaleUp
	} else if desired < current {
		action = ScaleDown
	} else {
		reason = fmt.Sprintf("%s; already at instance bound", reason)
	}

	return Prediction{Action: action, RecommendedInstances: desired, Reason: reason}
}

// confidence grows with window fullness and with distance of the signal
// from the nearest threshold. Caller holds p.mu.
func (p *Predictor) confidence(avgCPU, projected float64) float64 {
	fullness := float64(len(p.samples)) / float64(p.cfg.WindowSize)
	if fullness > 1 {
		fullness = 1
	}

	// Distance of the stronger signal from the band between thresholds.
	signal := avgCPU
	if projected > signal {
		signal = projected
	}
	var distance float64
	switch {
	case signal >= p.cfg.ScaleUpThreshold:
		distance = signal - p.cfg.ScaleUpThreshold
	case signal <= p.cfg.ScaleDownThreshold:
		distance = p.cfg.ScaleDownThreshold - signal
	default:
		distance = 0
	}
	clarity := distance / 0.25
	if clarity > 1 {
		clarity = 1
	}

	c := 0.4*fullness + 0.6*clarity
	if c > 1 {
		c = 1
	}
	return c
}

// cpuTrendPerMinute fits a least-squares line through the window's CPU
// samples and returns its slope per minute. Caller holds p.mu.
func (p *Predictor) cpuTrendPerMinute() float64 {
	n := len(p.samples)
	if n < 2 {
		return 0
	}

	base := p.samples[0].Timestamp
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range p.samples {
		x := s.Timestamp.Sub(base).Minutes()
		y := s.CPUUtilization
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / denom
}

// inCooldown reports whether another action in the same direction is still
// suppressed. Caller holds p.mu.
func (p *Predictor) inCooldown(a Action) (bool, time.Time) {
	var last time.Time
	switch a {
	case ScaleUp:
		last = p.lastScaleUp
	case ScaleDown:
		last = p.lastScaleDown
	default:
		return false, time.Time{}
	}
	if last.IsZero() {
		return false, time.Time{}
	}
	until := last.Add(p.cfg.CooldownPeriod)
	if p.clock.Now().Before(until) {
		return true, until
	}
	return false, time.Time{}
}

// average applies f over the window. Caller holds p.mu.
func (p *Predictor) average(f func(Sample) float64) float64 {
	if len(p.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range p.samples {
		sum += f(s)
	}
	return sum / float64(len(p.samples))
}
