package health

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/SergueiMoscow/surveillance/internal/storage"
)

// DiskUsageSource reports archive filesystem usage
type DiskUsageSource interface {
	GetUsage(ctx context.Context) (*storage.DiskUsage, error)
	IsDiskFull(ctx context.Context) (bool, error)
}

// StorageChecker checks that the recording root is writable and the
// filesystem has room
type StorageChecker struct {
	root string
	disk DiskUsageSource
}

func NewStorageChecker(root string, disk DiskUsageSource) *StorageChecker {
	return &StorageChecker{root: root, disk: disk}
}

func (c *StorageChecker) Name() string {
	return "storage"
}

func (c *StorageChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"root": c.root},
	}

	if err := os.MkdirAll(c.root, 0755); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Failed to create recording root: %v", err)
		return check
	}

	probe, err := os.CreateTemp(c.root, ".health-*")
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Recording root not writable: %v", err)
		return check
	}
	probe.Close()
	os.Remove(probe.Name())
	check.Details["writable"] = true

	if c.disk != nil {
		if usage, err := c.disk.GetUsage(ctx); err == nil {
			check.Details["usage_percent"] = usage.UsagePercent
			check.Details["available_bytes"] = usage.AvailableBytes
		}
		full, err := c.disk.IsDiskFull(ctx)
		if err != nil {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("Failed to read disk usage: %v", err)
			return check
		}
		if full {
			check.Status = StatusDegraded
			check.Message = "Disk usage above threshold"
			return check
		}
	}

	check.Status = StatusHealthy
	check.Message = "Recording root writable"
	return check
}

// DatabaseChecker checks segment index connectivity
type DatabaseChecker struct {
	db *sql.DB
}

func NewDatabaseChecker(db *sql.DB) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string {
	return "database"
}

func (c *DatabaseChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
	}

	if c.db == nil {
		check.Status = StatusDegraded
		check.Message = "Segment index not available"
		return check
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Database ping failed: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Database connection OK"
	return check
}

// FFmpegBinary is the located ffmpeg executable
type FFmpegBinary interface {
	Path() string
	GetVersion() (string, error)
}

// FFmpegChecker checks that ffmpeg can run. Stream sources and segment
// writers both depend on it.
type FFmpegChecker struct {
	ffmpeg FFmpegBinary
}

func NewFFmpegChecker(ffmpeg FFmpegBinary) *FFmpegChecker {
	return &FFmpegChecker{ffmpeg: ffmpeg}
}

func (c *FFmpegChecker) Name() string {
	return "ffmpeg"
}

func (c *FFmpegChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}

	if c.ffmpeg == nil {
		check.Status = StatusUnhealthy
		check.Message = "ffmpeg not found"
		return check
	}

	version, err := c.ffmpeg.GetVersion()
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("ffmpeg failed to run: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "ffmpeg available"
	check.Details["path"] = c.ffmpeg.Path()
	check.Details["version"] = version
	return check
}

// StreamingCounter reports how many cameras are streaming
type StreamingCounter interface {
	StreamingCount() (streaming, total int)
}

// CameraChecker reports degraded while any camera is not streaming.
// Cameras reconnect on their own, so they never make the service unhealthy.
type CameraChecker struct {
	cameras StreamingCounter
}

func NewCameraChecker(cameras StreamingCounter) *CameraChecker {
	return &CameraChecker{cameras: cameras}
}

func (c *CameraChecker) Name() string {
	return "cameras"
}

func (c *CameraChecker) Check(ctx context.Context) Check {
	streaming, total := c.cameras.StreamingCount()
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"streaming": streaming,
			"total":     total,
		},
	}

	switch {
	case total == 0:
		check.Status = StatusDegraded
		check.Message = "No cameras running"
	case streaming < total:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d of %d cameras streaming", streaming, total)
	default:
		check.Status = StatusHealthy
		check.Message = "All cameras streaming"
	}
	return check
}

// InferenceService is the remote object classifier
type InferenceService interface {
	HealthCheck(ctx context.Context) error
}

// AIServiceChecker checks AI service connectivity. An unreachable service
// degrades detection but recording decisions continue.
type AIServiceChecker struct {
	service    InferenceService
	serviceURL string
}

func NewAIServiceChecker(svc InferenceService, serviceURL string) *AIServiceChecker {
	return &AIServiceChecker{service: svc, serviceURL: serviceURL}
}

func (c *AIServiceChecker) Name() string {
	return "ai_service"
}

func (c *AIServiceChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"url": c.serviceURL},
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := c.service.HealthCheck(ctx); err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("AI service unreachable: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "AI service is reachable"
	return check
}
