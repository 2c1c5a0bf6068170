// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package manager

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// monitorInterval is how often system metrics are refreshed.
const monitorInterval = 15 * time.Second

// SystemStats holds collected system metrics.
type SystemStats struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
	LoadAverage      float64 `json:"load_average"`
}

// SystemMonitor collects system metrics periodically. Disk usage is
// measured on the download path.
type SystemMonitor struct {
	logger       *slog.Logger
	downloadPath string
	close        chan struct{}
	wg           sync.WaitGroup
	stats        SystemStats
	mu           sync.RWMutex
}

// NewSystemMonitor creates a new SystemMonitor.
func NewSystemMonitor(downloadPath string, logger *slog.Logger) *SystemMonitor {
	return &SystemMonitor{
		logger:       logger.With("component", "system_monitor"),
		downloadPath: downloadPath,
		close:        make(chan struct{}),
	}
}

// Start begins periodic metric collection.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop stops the monitor.
func (sm *SystemMonitor) Stop() {
	close(sm.close)
	sm.wg.Wait()
}

// Stats returns the latest collected stats.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	// Initial collection
	sm.collect()

	for {
		select {
		case <-sm.close:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	stats := SystemStats{}

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		sm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	if usage, err := disk.Usage(sm.downloadPath); err == nil {
		stats.DiskUsagePercent = usage.UsedPercent
	} else {
		sm.logger.Debug("failed to collect disk stats", "path", sm.downloadPath, "error", err)
	}

	if avg, err := load.Avg(); err == nil {
		stats.LoadAverage = avg.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()

	sm.logger.Info("system stats",
		"cpu_percent", stats.CPUPercent,
		"memory_percent", stats.MemoryPercent,
		"disk_usage_percent", stats.DiskUsagePercent,
		"load_average", stats.LoadAverage)
}
