package telemetry

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/SergueiMoscow/surveillance/internal/camera"
	"github.com/SergueiMoscow/surveillance/internal/logger"
	"github.com/SergueiMoscow/surveillance/internal/service"
	"github.com/SergueiMoscow/surveillance/internal/storage"
)

const bytesPerGB = 1 << 30

// CameraStatusProvider lists the camera pipelines
type CameraStatusProvider interface {
	Statuses() []camera.Status
}

// DiskUsageProvider reports usage of the archive filesystem
type DiskUsageProvider interface {
	GetUsage(ctx context.Context) (*storage.DiskUsage, error)
}

// Resources is the resource usage report served at /resources
type Resources struct {
	// TotalMemoryUse is the resident memory of the process in GB
	TotalMemoryUse float64 `json:"total_memory_use"`
	// TotalCPUUse is the process CPU usage normalized by the number of CPUs
	TotalCPUUse float64            `json:"total_cpu_use"`
	InContainer bool               `json:"in_container"`
	Process     ProcessUsage       `json:"process"`
	Host        HostUsage          `json:"host"`
	Disk        *storage.DiskUsage `json:"disk,omitempty"`
	Cameras     []CameraUsage      `json:"cameras"`
	CollectedAt time.Time          `json:"collected_at"`
}

// ProcessUsage describes this process
type ProcessUsage struct {
	PID            int32   `json:"pid"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryRSSBytes uint64  `json:"memory_rss_bytes"`
	MemoryPercent  float64 `json:"memory_percent"`
	Threads        int32   `json:"threads"`
	Goroutines     int     `json:"goroutines"`
}

// HostUsage describes the machine
type HostUsage struct {
	CPUCount         int     `json:"cpu_count"`
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryTotalBytes uint64  `json:"memory_total_bytes"`
	MemoryUsedBytes  uint64  `json:"memory_used_bytes"`
	MemoryPercent    float64 `json:"memory_percent"`
}

// CameraUsage is the per-camera worker detail
type CameraUsage struct {
	ID              string       `json:"id"`
	State           camera.State `json:"state"`
	FramesPulled    int64        `json:"frames_pulled"`
	FramesProcessed int64        `json:"frames_processed"`
	Recording       bool         `json:"recording"`
	LastFrameAt     *time.Time   `json:"last_frame_at,omitempty"`
	Reconnects      int64        `json:"reconnects"`
	Restarts        int64        `json:"restarts"`
}

// Collector gathers process, host and camera resource usage
type Collector struct {
	*service.ServiceBase
	cameras       CameraStatusProvider
	disk          DiskUsageProvider
	interval      time.Duration
	dockerEnvPath string

	mu   sync.RWMutex
	proc *process.Process
	last *Resources

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector creates a new resource collector. cameras and disk may be nil.
func NewCollector(cameras CameraStatusProvider, disk DiskUsageProvider, interval time.Duration, log *logger.Logger) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		ServiceBase:   service.NewServiceBase("telemetry-collector", log),
		cameras:       cameras,
		disk:          disk,
		interval:      interval,
		dockerEnvPath: "/.dockerenv",
	}
}

// Start begins periodic collection
func (c *Collector) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			if _, err := c.Collect(runCtx); err != nil && runCtx.Err() == nil {
				c.LogWarn("Failed to collect resource usage", "error", err)
			}
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	c.GetStatus().SetStatus(service.StatusRunning)
	c.LogInfo("Telemetry collector started", "interval", c.interval)
	return nil
}

// Stop stops the telemetry collector service
func (c *Collector) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.LogInfo("Telemetry collector stopped")
	c.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

// Collect gathers a fresh report. Individual probes that fail are logged
// and left zero.
func (c *Collector) Collect(ctx context.Context) (*Resources, error) {
	res := &Resources{
		InContainer: c.inContainer(),
		Cameras:     c.collectCameras(),
		CollectedAt: time.Now(),
	}

	proc, err := c.selfProcess(ctx)
	if err != nil {
		return nil, err
	}
	res.Process = c.collectProcess(ctx, proc)
	res.Host = c.collectHost(ctx)

	res.TotalMemoryUse = float64(res.Process.MemoryRSSBytes) / bytesPerGB
	res.TotalCPUUse = res.Process.CPUPercent
	if res.Host.CPUCount > 0 {
		res.TotalCPUUse = res.Process.CPUPercent / float64(res.Host.CPUCount)
	}

	if c.disk != nil {
		usage, err := c.disk.GetUsage(ctx)
		if err != nil {
			c.LogDebug("Failed to get disk usage", "error", err)
		} else {
			res.Disk = usage
		}
	}

	c.mu.Lock()
	c.last = res
	c.mu.Unlock()

	return res, nil
}

// GetLast returns the most recent report, or nil before the first collection
func (c *Collector) GetLast() *Resources {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Collector) selfProcess(ctx context.Context) (*process.Process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc != nil {
		return c.proc, nil
	}
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	c.proc = proc
	return proc, nil
}

func (c *Collector) collectProcess(ctx context.Context, proc *process.Process) ProcessUsage {
	usage := ProcessUsage{
		PID:        proc.Pid,
		Goroutines: runtime.NumGoroutine(),
	}
	if v, err := proc.CPUPercentWithContext(ctx); err == nil {
		usage.CPUPercent = v
	} else {
		c.LogDebug("Failed to get process CPU", "error", err)
	}
	if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
		usage.MemoryRSSBytes = info.RSS
	} else {
		c.LogDebug("Failed to get process memory", "error", err)
	}
	if v, err := proc.MemoryPercentWithContext(ctx); err == nil {
		usage.MemoryPercent = float64(v)
	}
	if v, err := proc.NumThreadsWithContext(ctx); err == nil {
		usage.Threads = v
	}
	return usage
}

func (c *Collector) collectHost(ctx context.Context) HostUsage {
	var usage HostUsage
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		usage.CPUCount = n
	} else {
		usage.CPUCount = runtime.NumCPU()
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		usage.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		usage.MemoryTotalBytes = vm.Total
		usage.MemoryUsedBytes = vm.Used
		usage.MemoryPercent = vm.UsedPercent
	} else {
		c.LogDebug("Failed to get host memory", "error", err)
	}
	return usage
}

func (c *Collector) collectCameras() []CameraUsage {
	if c.cameras == nil {
		return []CameraUsage{}
	}
	statuses := c.cameras.Statuses()
	out := make([]CameraUsage, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, CameraUsage{
			ID:              st.ID,
			State:           st.State,
			FramesPulled:    st.FramesPulled,
			FramesProcessed: st.FramesProcessed,
			Recording:       st.Recording,
			LastFrameAt:     st.LastFrameAt,
			Reconnects:      st.Reconnects,
			Restarts:        st.Restarts,
		})
	}
	return out
}

func (c *Collector) inContainer() bool {
	_, err := os.Stat(c.dockerEnvPath)
	return err == nil
}
