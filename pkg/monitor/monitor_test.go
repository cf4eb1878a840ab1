package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/khryptorgraphics/ollamamax/internal/config"
	"github.com/khryptorgraphics/ollamamax/pkg/types"
)

func testConfig() config.MonitorConfig {
	return config.MonitorConfig{
		SamplingInterval: 10 * time.Millisecond,
		HistorySize:      3,
		CPUWarn:          70, CPUCrit: 85, CPUEmergency: 95,
		MemoryWarn: 75, MemoryCrit: 90, MemoryEmergency: 98,
		DiskWarn: 80, DiskCrit: 90, DiskEmergency: 95,
	}
}

func TestRecordTrimsHistoryToConfiguredSize(t *testing.T) {
	m := New(testConfig(), nil)
	for i := 0; i < 5; i++ {
		m.record(types.ResourceSnapshot{Timestamp: time.Now(), CPUPercent: float64(i)})
	}
	history := m.History()
	assert.Len(t, history, 3)
	assert.Equal(t, float64(4), history[len(history)-1].CPUPercent)
}

func TestLatestWithNoSamplesReturnsFalse(t *testing.T) {
	m := New(testConfig(), nil)
	_, ok := m.Latest()
	assert.False(t, ok)
}

func TestLoadLevelReflectsMostSevereResource(t *testing.T) {
	m := New(testConfig(), nil)
	m.record(types.ResourceSnapshot{CPUPercent: 10, MemoryPercent: 96, DiskPercent: 10})
	assert.Equal(t, types.LoadLevelCritical, m.LoadLevel())
}

func TestLoadLevelNormalWellBelowThresholds(t *testing.T) {
	m := New(testConfig(), nil)
	m.record(types.ResourceSnapshot{CPUPercent: 5, MemoryPercent: 5, DiskPercent: 5})
	assert.Equal(t, types.LoadLevelNormal, m.LoadLevel())
}

func TestLoadLevelWithNoSamplesDefaultsNormal(t *testing.T) {
	m := New(testConfig(), nil)
	assert.Equal(t, types.LoadLevelNormal, m.LoadLevel())
}
