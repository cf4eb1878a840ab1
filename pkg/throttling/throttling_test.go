package throttling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/ollamamax/internal/config"
	"github.com/khryptorgraphics/ollamamax/pkg/types"
)

type fakeMonitor struct {
	snap   types.ResourceSnapshot
	health float64
}

func (f *fakeMonitor) HealthScore() float64 { return f.health }
func (f *fakeMonitor) Latest() (types.ResourceSnapshot, bool) {
	return f.snap, true
}

type fakeTarget struct {
	limit  int
	status types.LoadStatus
}

func (f *fakeTarget) UpdateConcurrencyLimit(n int) { f.limit = n }
func (f *fakeTarget) LoadStatus() types.LoadStatus { return f.status }

func testConfig() config.ThrottlingConfig {
	return config.ThrottlingConfig{
		AdjustmentInterval: 10 * time.Millisecond,
		MinConcurrency:     2,
		MaxConcurrency:     20,
		SmoothingWindow:    3,
		EnablePredictive:   false,
		PredictionHorizon:  30 * time.Second,
	}
}

func TestLoadLevelClassification(t *testing.T) {
	assert.Equal(t, types.LoadLevelEmergency, loadLevel(96, 80))
	assert.Equal(t, types.LoadLevelEmergency, loadLevel(50, 20))
	assert.Equal(t, types.LoadLevelCritical, loadLevel(85, 60))
	assert.Equal(t, types.LoadLevelHigh, loadLevel(65, 80))
	assert.Equal(t, types.LoadLevelNormal, loadLevel(40, 80))
	assert.Equal(t, types.LoadLevelLow, loadLevel(10, 90))
}

func TestRunCycleScalesDownUnderEmergencyLoad(t *testing.T) {
	mon := &fakeMonitor{snap: types.ResourceSnapshot{CPUPercent: 97, MemoryPercent: 96}, health: 10}
	target := &fakeTarget{}
	c := New(testConfig(), mon, nil, target)
	c.current = 10

	c.runCycle()

	assert.LessOrEqual(t, c.CurrentConcurrency(), 10)
	assert.Equal(t, c.CurrentConcurrency(), target.limit)
	require.Len(t, c.History(), 1)
	assert.Equal(t, types.ThrottleActionEmergencyStop, c.History()[0].Action)
}

func TestRunCycleStepIsBoundedByTwoPerCycle(t *testing.T) {
	mon := &fakeMonitor{snap: types.ResourceSnapshot{CPUPercent: 5, MemoryPercent: 5}, health: 100}
	target := &fakeTarget{status: types.LoadStatus{Queued: 100, Active: 1}}
	cfg := testConfig()
	c := New(cfg, mon, nil, target)
	c.current = 5

	c.runCycle()

	assert.LessOrEqual(t, c.CurrentConcurrency()-5, 2)
}

func TestRunCycleClampsToConfiguredBounds(t *testing.T) {
	mon := &fakeMonitor{snap: types.ResourceSnapshot{CPUPercent: 1, MemoryPercent: 1}, health: 100}
	target := &fakeTarget{}
	cfg := testConfig()
	c := New(cfg, mon, nil, target)
	c.current = cfg.MinConcurrency

	for i := 0; i < 50; i++ {
		c.runCycle()
		assert.GreaterOrEqual(t, c.CurrentConcurrency(), cfg.MinConcurrency)
		assert.LessOrEqual(t, c.CurrentConcurrency(), cfg.MaxConcurrency)
	}
}

func TestBaseTargetLowLoadWithBacklogScalesUp(t *testing.T) {
	assert.Equal(t, 15.0, baseTarget(types.LoadLevelLow, 10, 5, 20))
	assert.Equal(t, 20.0, baseTarget(types.LoadLevelLow, 15, 5, 20))
	assert.Equal(t, 10.0, baseTarget(types.LoadLevelLow, 10, 0, 20))
}

func TestPredictLinearRegression(t *testing.T) {
	window := []float64{10, 20, 30, 40}
	got := predict(window, 30*time.Second)
	assert.Greater(t, got, 40.0)
}
