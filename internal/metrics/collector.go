package metrics

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// SystemMetrics is one sample.
type SystemMetrics struct {
	CPUPercent        float64 // system wide, 0-100
	ProcessCPUPercent float64 // per core, exceeds 100 on several cores
	IOWaitPercent     float64
	MemoryUsed        uint64
	MemoryTotal       uint64
	MemoryPercent     float64
	ProcessRSS        uint64
	DiskReadBps       float64
	DiskWriteBps      float64
	DiskBusyPercent   float64
	// DBFree is the free space on the volume holding the database.
	DBFree    uint64
	Timestamp time.Time
}

// Collector samples system metrics on an interval and logs them while a
// long running build, diff or snapshot is in progress.
type Collector struct {
	interval      time.Duration
	logger        *zap.Logger
	proc          *process.Process
	path          string
	lastDiskStats map[string]disk.IOCountersStat
	lastDiskTime  time.Time
	lastCPUTimes  cpu.TimesStat
	hasCPUTimes   bool
	mu            sync.RWMutex
	lastMetrics   *SystemMetrics
}

// NewCollector returns a collector logging to logger. path is the database
// directory whose volume is watched for free space; it may be empty.
func NewCollector(interval time.Duration, logger *zap.Logger, path string) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Collector{
		interval: interval,
		logger:   logger,
		proc:     proc,
		path:     path,
	}
}

// Start samples until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// the first sample sets the disk baseline
	c.collect()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Metrics collection stopped")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Run starts a collector in the background and returns a function stopping
// it. A non-positive interval disables collection.
func Run(ctx context.Context, interval time.Duration, logger *zap.Logger, path string) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c := NewCollector(interval, logger, path)
	go func() {
		defer close(done)
		c.Start(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (c *Collector) GetMetrics() *SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMetrics
}

func (c *Collector) collect() {
	metrics := &SystemMetrics{Timestamp: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		metrics.CPUPercent = pct[0]
	}
	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			metrics.ProcessCPUPercent = pct
		}
		if mi, err := c.proc.MemoryInfo(); err == nil {
			metrics.ProcessRSS = mi.RSS
		}
	}
	metrics.IOWaitPercent = c.calculateIOWait()

	if vmem, err := mem.VirtualMemory(); err == nil {
		metrics.MemoryPercent = vmem.UsedPercent
		metrics.MemoryUsed = vmem.Used
		metrics.MemoryTotal = vmem.Total
	}

	metrics.DiskReadBps, metrics.DiskWriteBps, metrics.DiskBusyPercent = c.calculateDiskMetrics()

	if c.path != "" {
		if usage, err := disk.Usage(c.path); err == nil {
			metrics.DBFree = usage.Free
		}
	}

	c.mu.Lock()
	c.lastMetrics = metrics
	c.mu.Unlock()

	c.logger.Info("System metrics",
		zap.Float64("sys_cpu", metrics.CPUPercent),
		zap.Float64("proc_cpu", metrics.ProcessCPUPercent),
		zap.Float64("iowait", metrics.IOWaitPercent),
		zap.Float64("mem_pct", metrics.MemoryPercent),
		zap.String("mem_used", humanize.IBytes(metrics.MemoryUsed)),
		zap.String("rss", humanize.IBytes(metrics.ProcessRSS)),
		zap.String("disk_r", rate(metrics.DiskReadBps)),
		zap.String("disk_w", rate(metrics.DiskWriteBps)),
		zap.Float64("disk_busy", metrics.DiskBusyPercent),
		zap.String("db_free", humanize.IBytes(metrics.DBFree)),
	)
}

func rate(bps float64) string {
	return humanize.IBytes(uint64(max(bps, 0))) + "/s"
}

func (c *Collector) calculateIOWait() float64 {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return 0
	}
	current := times[0]
	if !c.hasCPUTimes {
		c.lastCPUTimes = current
		c.hasCPUTimes = true
		return 0
	}

	last := c.lastCPUTimes
	totalDelta := (current.User - last.User) +
		(current.System - last.System) +
		(current.Idle - last.Idle) +
		(current.Iowait - last.Iowait) +
		(current.Irq - last.Irq) +
		(current.Softirq - last.Softirq) +
		(current.Steal - last.Steal)
	iowaitDelta := current.Iowait - last.Iowait
	c.lastCPUTimes = current

	if totalDelta <= 0 {
		return 0
	}
	return iowaitDelta / totalDelta * 100
}

// calculateDiskMetrics returns read and write bytes per second and the
// share of time the disks were busy since the previous call.
func (c *Collector) calculateDiskMetrics() (readBps, writeBps, busyPct float64) {
	counters, err := disk.IOCounters()
	if err != nil {
		return 0, 0, 0
	}
	now := time.Now()

	if c.lastDiskStats == nil {
		c.lastDiskStats = counters
		c.lastDiskTime = now
		return 0, 0, 0
	}
	elapsed := now.Sub(c.lastDiskTime).Seconds()
	if elapsed < 0.1 {
		return 0, 0, 0
	}

	var readDelta, writeDelta, ioTimeDelta uint64
	for name, counter := range counters {
		last, ok := c.lastDiskStats[name]
		if !ok {
			continue
		}
		// counters may wrap
		if counter.ReadBytes >= last.ReadBytes {
			readDelta += counter.ReadBytes - last.ReadBytes
		}
		if counter.WriteBytes >= last.WriteBytes {
			writeDelta += counter.WriteBytes - last.WriteBytes
		}
		if counter.IoTime >= last.IoTime {
			ioTimeDelta += counter.IoTime - last.IoTime
		}
	}
	c.lastDiskStats = counters
	c.lastDiskTime = now

	readBps = float64(readDelta) / elapsed
	writeBps = float64(writeDelta) / elapsed
	// IoTime is in milliseconds; several busy disks would exceed 100
	busyPct = min(float64(ioTimeDelta)/(elapsed*1000)*100, 100)
	return readBps, writeBps, busyPct
}
