// Package monitor implements the SystemResourceMonitor from spec.md §4.6: a
// background sampler that tracks CPU/memory/disk utilization, keeps a
// bounded rolling history, and quantizes the latest sample into a LoadLevel
// against configured warn/critical/emergency thresholds.
//
// Grounded on the teacher's pkg/performance_monitor.go (PerformanceMonitor's
// collect-loop, threshold/alert shape, health-score calculation) but swaps
// its placeholder CPU sampling (`CPUUsagePercent: 0.0, // Placeholder`) for
// real readings via github.com/shirou/gopsutil/v4, the dependency
// original_source's Python SystemResourceMonitor gets for free from psutil.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/khryptorgraphics/ollamamax/internal/config"
	"github.com/khryptorgraphics/ollamamax/pkg/types"
)

// Monitor samples system resource utilization on an interval and keeps a
// bounded history for trend queries.
type Monitor struct {
	cfg    config.MonitorConfig
	logger *slog.Logger

	mu      sync.RWMutex
	history []types.ResourceSnapshot

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Monitor sampling every cfg.SamplingInterval, retaining up to
// cfg.HistorySize snapshots.
func New(cfg config.MonitorConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.sampleLoop(ctx)
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) sampleLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SamplingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := m.sample(ctx)
			m.record(snap)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) sample(ctx context.Context) types.ResourceSnapshot {
	snap := types.ResourceSnapshot{Timestamp: time.Now()}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	} else if err != nil {
		m.logger.Warn("cpu sampling failed", "error", err)
	}
	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCount = counts
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryPercent = vm.UsedPercent
		snap.MemoryTotal = vm.Total
		snap.MemoryAvailable = vm.Available
	} else {
		m.logger.Warn("memory sampling failed", "error", err)
	}

	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		snap.DiskPercent = usage.UsedPercent
	} else {
		m.logger.Warn("disk sampling failed", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.LoadAverage = [3]float64{avg.Load1, avg.Load5, avg.Load15}
	}

	return snap
}

func (m *Monitor) record(snap types.ResourceSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, snap)
	if overflow := len(m.history) - m.cfg.HistorySize; overflow > 0 {
		m.history = m.history[overflow:]
	}
}

// Latest returns the most recent sample, if any.
func (m *Monitor) Latest() (types.ResourceSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return types.ResourceSnapshot{}, false
	}
	return m.history[len(m.history)-1], true
}

// History returns a copy of the retained samples, oldest first.
func (m *Monitor) History() []types.ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ResourceSnapshot, len(m.history))
	copy(out, m.history)
	return out
}

// LoadLevel quantizes the latest sample against the configured thresholds.
// CPU, memory, and disk are each evaluated independently; the overall level
// is the most severe of the three, matching spec.md §4.6's "the most
// constrained resource determines the system's load level".
func (m *Monitor) LoadLevel() types.LoadLevel {
	snap, ok := m.Latest()
	if !ok {
		return types.LoadLevelNormal
	}

	levels := []types.LoadLevel{
		levelFor(snap.CPUPercent, m.cfg.CPUWarn, m.cfg.CPUCrit, m.cfg.CPUEmergency),
		levelFor(snap.MemoryPercent, m.cfg.MemoryWarn, m.cfg.MemoryCrit, m.cfg.MemoryEmergency),
		levelFor(snap.DiskPercent, m.cfg.DiskWarn, m.cfg.DiskCrit, m.cfg.DiskEmergency),
	}

	worst := types.LoadLevelLow
	for _, l := range levels {
		if severity(l) > severity(worst) {
			worst = l
		}
	}
	return worst
}

// HealthScore computes the weighted health aggregate from spec.md §4.6:
// 0.4*(100-cpu%) + 0.4*(100-memory%) + 0.2*(100-disk%), clamped to [0,100].
func (m *Monitor) HealthScore() float64 {
	snap, ok := m.Latest()
	if !ok {
		return 100
	}
	score := 0.4*(100-snap.CPUPercent) + 0.4*(100-snap.MemoryPercent) + 0.2*(100-snap.DiskPercent)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// IsOverloaded reports whether any of cpu/memory/disk is at or above its
// critical threshold.
func (m *Monitor) IsOverloaded() bool {
	snap, ok := m.Latest()
	if !ok {
		return false
	}
	return snap.CPUPercent >= m.cfg.CPUCrit || snap.MemoryPercent >= m.cfg.MemoryCrit || snap.DiskPercent >= m.cfg.DiskCrit
}

func levelFor(value, warn, crit, emergency float64) types.LoadLevel {
	switch {
	case value >= emergency:
		return types.LoadLevelEmergency
	case value >= crit:
		return types.LoadLevelCritical
	case value >= warn:
		return types.LoadLevelHigh
	default:
		return types.LoadLevelNormal
	}
}

func severity(l types.LoadLevel) int {
	switch l {
	case types.LoadLevelLow:
		return 0
	case types.LoadLevelNormal:
		return 1
	case types.LoadLevelHigh:
		return 2
	case types.LoadLevelCritical:
		return 3
	case types.LoadLevelEmergency:
		return 4
	default:
		return 1
	}
}
