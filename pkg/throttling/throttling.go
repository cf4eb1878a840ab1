// Package throttling implements the ThrottlingController from spec.md §4.7:
// a background decision cycle that samples system load and request-queue
// pressure, computes a target concurrency, and applies it to both the
// RequestQueue and the AsyncTaskEngine.
//
// Grounded on the teacher's pkg/scheduler.ResourcePredictor /
// DynamicScalingManager (periodic decision loop sampling load and stepping
// a concurrency target toward it, gradual application capped per cycle),
// repurposed here from per-node resource prediction to a single global
// concurrency setting. The bulk pkg/scheduler package it lived in was
// otherwise about distributed node/replica scheduling and was not kept —
// see DESIGN.md.
package throttling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/khryptorgraphics/ollamamax/internal/config"
	"github.com/khryptorgraphics/ollamamax/pkg/types"
)

// ResourceSource is the subset of SystemResourceMonitor the controller
// needs: a health score and the raw latest sample for cpu/memory.
type ResourceSource interface {
	HealthScore() float64
	Latest() (types.ResourceSnapshot, bool)
}

// ConcurrencyTarget is anything whose concurrency the controller can adjust
// and whose current pressure it can read. pkg/queue.RequestQueue and
// pkg/taskengine.Engine both satisfy this directly.
type ConcurrencyTarget interface {
	UpdateConcurrencyLimit(n int)
	LoadStatus() types.LoadStatus
}

// Controller runs the periodic throttling decision cycle.
type Controller struct {
	cfg     config.ThrottlingConfig
	logger  *slog.Logger
	monitor ResourceSource
	targets []ConcurrencyTarget

	mu      sync.Mutex
	current int
	window  []float64 // combined-load samples for the smoothing/prediction window
	history []types.ThrottlingSample

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Controller seeded at cfg.MaxConcurrency, adjusting every
// target on each decision cycle.
func New(cfg config.ThrottlingConfig, monitor ResourceSource, logger *slog.Logger, targets ...ConcurrencyTarget) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:     cfg,
		logger:  logger,
		monitor: monitor,
		targets: targets,
		current: cfg.MaxConcurrency,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the decision-cycle loop.
func (c *Controller) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop halts the loop and waits for it to exit.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// CurrentConcurrency returns the last applied concurrency value.
func (c *Controller) CurrentConcurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// History returns a copy of the retained throttling samples, oldest first.
func (c *Controller) History() []types.ThrottlingSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ThrottlingSample, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.AdjustmentInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.runCycle()
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runCycle executes one full decision cycle per spec.md §4.7 steps 1-8.
func (c *Controller) runCycle() {
	snap, ok := c.monitor.Latest()
	if !ok {
		return
	}
	health := c.monitor.HealthScore()
	combined := (snap.CPUPercent + snap.MemoryPercent) / 2

	level := loadLevel(combined, health)

	c.mu.Lock()
	current := c.current
	c.mu.Unlock()

	queueSize, active := c.aggregateLoad()
	target := baseTarget(level, current, queueSize, c.cfg.MaxConcurrency)

	if c.cfg.EnablePredictive {
		c.mu.Lock()
		c.window = append(c.window, combined)
		if overflow := len(c.window) - c.cfg.SmoothingWindow; overflow > 0 {
			c.window = c.window[overflow:]
		}
		window := append([]float64(nil), c.window...)
		c.mu.Unlock()

		predicted := predict(window, c.cfg.PredictionHorizon)
		highThreshold := 60.0 // matches the "high" combined-load threshold below
		if predicted > highThreshold {
			target = target * 0.8
		}
	}

	if queueSize > current*2 {
		target += 2
	} else if queueSize == 0 && float64(active) < float64(current)*0.5 {
		target -= 1
	}

	target = clamp(target, float64(c.cfg.MinConcurrency), float64(c.cfg.MaxConcurrency))

	c.mu.Lock()
	smoothed := c.smooth(target)
	next := step(float64(c.current), smoothed)
	nextInt := int(next)
	if nextInt < c.cfg.MinConcurrency {
		nextInt = c.cfg.MinConcurrency
	}
	if nextInt > c.cfg.MaxConcurrency {
		nextInt = c.cfg.MaxConcurrency
	}

	action := types.ThrottleActionMaintain
	switch {
	case nextInt < c.current:
		action = types.ThrottleActionScaleDown
	case nextInt > c.current:
		action = types.ThrottleActionScaleUp
	}
	if level == types.LoadLevelEmergency {
		action = types.ThrottleActionEmergencyStop
	}

	c.current = nextInt
	c.history = append(c.history, types.ThrottlingSample{
		Timestamp:          time.Now(),
		HealthScore:        health,
		CPUPercent:         snap.CPUPercent,
		MemoryPercent:      snap.MemoryPercent,
		ActiveRequests:     active,
		QueueSize:          queueSize,
		CurrentConcurrency: nextInt,
		TargetConcurrency:  nextInt,
		Action:             action,
		LoadLevel:          level,
	})
	if overflow := len(c.history) - 1000; overflow > 0 {
		c.history = c.history[overflow:]
	}
	c.mu.Unlock()

	for _, t := range c.targets {
		t.UpdateConcurrencyLimit(nextInt)
	}
}

func (c *Controller) aggregateLoad() (queueSize, active int) {
	for _, t := range c.targets {
		s := t.LoadStatus()
		queueSize += s.Queued
		active += s.Active
	}
	return
}

// smooth applies a weighted average with the last cfg.SmoothingWindow
// targets, more weight on recent entries. Called with c.mu held.
func (c *Controller) smooth(target float64) float64 {
	n := c.cfg.SmoothingWindow
	if n <= 1 || len(c.history) == 0 {
		return target
	}
	start := len(c.history) - (n - 1)
	if start < 0 {
		start = 0
	}
	weight := float64(n)
	sum := target * weight
	totalWeight := weight
	for i := len(c.history) - 1; i >= start; i-- {
		w := weight * float64(i-start+1) / float64(n)
		sum += float64(c.history[i].TargetConcurrency) * w
		totalWeight += w
	}
	return sum / totalWeight
}

// loadLevel classifies combined cpu/memory load and health score into the
// five-way load level used by the throttling decision cycle (spec.md §4.7
// step 2 — distinct from SystemResourceMonitor's own per-resource
// threshold classification in §4.6).
func loadLevel(combined, health float64) types.LoadLevel {
	switch {
	case health < 30 || combined >= 95:
		return types.LoadLevelEmergency
	case health < 50 || combined >= 80:
		return types.LoadLevelCritical
	case combined >= 60:
		return types.LoadLevelHigh
	case combined >= 30:
		return types.LoadLevelNormal
	default:
		return types.LoadLevelLow
	}
}

// baseTarget implements spec.md §4.7 step 3. The low-load-with-backlog case
// (queue_size > 0) gets its own ×1.5 multiplier, ceilinged at max_concurrency,
// distinct from and applied before the step 5 queue-pressure overlay.
func baseTarget(level types.LoadLevel, current, queueSize, maxConcurrency int) float64 {
	switch {
	case level == types.LoadLevelEmergency:
		return float64(current) * 0.3
	case level == types.LoadLevelCritical:
		return float64(current) * 0.7
	case level == types.LoadLevelHigh:
		return float64(current) * 0.9
	case level == types.LoadLevelLow && queueSize > 0:
		t := float64(current) * 1.5
		if t > float64(maxConcurrency) {
			t = float64(maxConcurrency)
		}
		return t
	default:
		return float64(current)
	}
}

// predict performs a simple linear regression over the load window and
// extrapolates horizon ahead, used for the optional predictive adjustment
// (spec.md §4.7 step 4).
func predict(window []float64, horizon time.Duration) float64 {
	n := len(window)
	if n < 2 {
		if n == 1 {
			return window[0]
		}
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range window {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return window[n-1]
	}
	slope := (nf*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / nf

	stepsAhead := horizon.Seconds() / 30.0 // window samples are one per ~30s-scale cycle
	if stepsAhead < 1 {
		stepsAhead = 1
	}
	return intercept + slope*(nf-1+stepsAhead)
}

func step(current, target float64) float64 {
	const maxStep = 2.0
	diff := target - current
	if diff > maxStep {
		diff = maxStep
	} else if diff < -maxStep {
		diff = -maxStep
	}
	return current + diff
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
