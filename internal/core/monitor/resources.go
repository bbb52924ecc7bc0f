package monitor

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// ResourceStats represents system resource statistics
type ResourceStats struct {
	CPU       CPUStats     `json:"cpu"`
	Memory    MemoryStats  `json:"memory"`
	Process   ProcessStats `json:"process"`
	Disk      *DiskStats   `json:"disk,omitempty"`
	Host      HostStats    `json:"host"`
	Runtime   RuntimeStats `json:"runtime"`
	Timestamp time.Time    `json:"timestamp"`
}

// CPUStats represents CPU statistics
type CPUStats struct {
	Cores        int     `json:"cores"`
	TotalPercent float64 `json:"total_percent"`
}

// MemoryStats represents host memory statistics
type MemoryStats struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
}

// ProcessStats represents this process's footprint
type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSS        uint64  `json:"rss"`
	CPUPercent float64 `json:"cpu_percent"`
}

// DiskStats represents usage of the filesystem holding a path
type DiskStats struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

// HostStats represents host system statistics
type HostStats struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Platform string `json:"platform"`
	Uptime   uint64 `json:"uptime"`
}

// RuntimeStats represents Go runtime statistics
type RuntimeStats struct {
	Goroutines    int    `json:"goroutines"`
	MemAllocBytes uint64 `json:"mem_alloc_bytes"`
	MemSysBytes   uint64 `json:"mem_sys_bytes"`
	GCCycles      uint32 `json:"gc_cycles"`
}

// ResourceMonitor samples process and host resources. It satisfies
// delivery.MemorySampler.
type ResourceMonitor struct {
	logger   *logrus.Logger
	diskPath string

	procOnce sync.Once
	proc     *process.Process
	procErr  error
}

// NewResourceMonitor creates a resource monitor. diskPath, when set, is
// the path whose filesystem usage is reported.
func NewResourceMonitor(logger *logrus.Logger, diskPath string) *ResourceMonitor {
	return &ResourceMonitor{
		logger:   logger,
		diskPath: diskPath,
	}
}

func (r *ResourceMonitor) self() (*process.Process, error) {
	r.procOnce.Do(func() {
		r.proc, r.procErr = process.NewProcess(int32(os.Getpid()))
	})
	return r.proc, r.procErr
}

// Sample reports this process's resident memory and the host's available
// memory. Runtime heap figures are used when gopsutil cannot read them.
func (r *ResourceMonitor) Sample(ctx context.Context) (used, available uint64, err error) {
	if proc, perr := r.self(); perr == nil {
		if info, ierr := proc.MemoryInfoWithContext(ctx); ierr == nil {
			used = info.RSS
		}
	}

	vmem, verr := mem.VirtualMemoryWithContext(ctx)
	if verr == nil {
		available = vmem.Available
	}

	if used == 0 || available == 0 {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		if used == 0 {
			used = m.Alloc
		}
		if available == 0 {
			available = m.Sys
		}
	}

	if verr != nil && r.logger != nil {
		r.logger.WithError(verr).Debug("Falling back to runtime memory stats")
	}
	return used, available, nil
}

// GetResourceStats collects current resource statistics. Individual
// collectors that fail are logged and left zero.
func (r *ResourceMonitor) GetResourceStats(ctx context.Context) (*ResourceStats, error) {
	stats := &ResourceStats{
		Timestamp: time.Now(),
		Runtime:   r.getRuntimeStats(),
	}

	if cpuStats, err := r.getCPUStats(ctx); err != nil {
		r.logger.WithError(err).Warn("Failed to get CPU stats")
	} else {
		stats.CPU = *cpuStats
	}

	if memStats, err := r.getMemoryStats(ctx); err != nil {
		r.logger.WithError(err).Warn("Failed to get memory stats")
	} else {
		stats.Memory = *memStats
	}

	if procStats, err := r.getProcessStats(ctx); err != nil {
		r.logger.WithError(err).Warn("Failed to get process stats")
	} else {
		stats.Process = *procStats
	}

	if r.diskPath != "" {
		if diskStats, err := r.getDiskStats(ctx, r.diskPath); err != nil {
			r.logger.WithError(err).WithField("path", r.diskPath).Warn("Failed to get disk stats")
		} else {
			stats.Disk = diskStats
		}
	}

	if hostStats, err := r.getHostStats(ctx); err != nil {
		r.logger.WithError(err).Warn("Failed to get host stats")
	} else {
		stats.Host = *hostStats
	}

	return stats, nil
}

// getCPUStats reads utilisation since the previous call without blocking
func (r *ResourceMonitor) getCPUStats(ctx context.Context) (*CPUStats, error) {
	total, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get total CPU usage: %w", err)
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to count CPUs: %w", err)
	}

	stats := &CPUStats{Cores: cores}
	if len(total) > 0 {
		stats.TotalPercent = total[0]
	}
	return stats, nil
}

func (r *ResourceMonitor) getMemoryStats(ctx context.Context) (*MemoryStats, error) {
	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get virtual memory stats: %w", err)
	}

	return &MemoryStats{
		Total:       vmem.Total,
		Available:   vmem.Available,
		Used:        vmem.Used,
		UsedPercent: vmem.UsedPercent,
	}, nil
}

func (r *ResourceMonitor) getProcessStats(ctx context.Context) (*ProcessStats, error) {
	proc, err := r.self()
	if err != nil {
		return nil, fmt.Errorf("failed to open process: %w", err)
	}
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get process memory: %w", err)
	}
	cpuPercent, err := proc.PercentWithContext(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get process CPU: %w", err)
	}

	return &ProcessStats{
		PID:        proc.Pid,
		RSS:        info.RSS,
		CPUPercent: cpuPercent,
	}, nil
}

func (r *ResourceMonitor) getDiskStats(ctx context.Context, path string) (*DiskStats, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to get disk usage: %w", err)
	}

	return &DiskStats{
		Path:        path,
		Total:       usage.Total,
		Free:        usage.Free,
		UsedPercent: usage.UsedPercent,
	}, nil
}

func (r *ResourceMonitor) getHostStats(ctx context.Context) (*HostStats, error) {
	hostInfo, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get host info: %w", err)
	}

	return &HostStats{
		Hostname: hostInfo.Hostname,
		OS:       hostInfo.OS,
		Platform: hostInfo.Platform,
		Uptime:   hostInfo.Uptime,
	}, nil
}

func (r *ResourceMonitor) getRuntimeStats() RuntimeStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return RuntimeStats{
		Goroutines:    runtime.NumGoroutine(),
		MemAllocBytes: m.Alloc,
		MemSysBytes:   m.Sys,
		GCCycles:      m.NumGC,
	}
}
