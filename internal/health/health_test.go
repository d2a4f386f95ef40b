package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SergueiMoscow/surveillance/internal/logger"
	"github.com/SergueiMoscow/surveillance/internal/service"
	"github.com/SergueiMoscow/surveillance/internal/storage"
)

type staticChecker struct {
	name   string
	status Status
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(ctx context.Context) Check {
	return Check{Name: c.name, Status: c.status, Timestamp: time.Now()}
}

type fakeStatuses map[string]*service.ServiceStatus

func (f fakeStatuses) GetAllStatuses() map[string]*service.ServiceStatus { return f }

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestManager_OverallStatus(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []Status
		want      Status
		wantCode  int
		wantReady bool
	}{
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy, http.StatusOK, true},
		{"degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded, http.StatusOK, true},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy}, StatusUnhealthy, http.StatusServiceUnavailable, false},
		{"no checkers", nil, StatusHealthy, http.StatusOK, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(0, logger.NewNopLogger(), nil)
			for i, st := range tt.statuses {
				m.RegisterChecker(staticChecker{name: string(rune('a' + i)), status: st})
			}

			report := m.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))

			rec, body := get(t, m.Handler(), "/health")
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, string(tt.want), body["status"])

			rec, body = get(t, m.Handler(), "/health/ready")
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantReady, body["ready"])
		})
	}
}

func TestManager_LivenessAndServices(t *testing.T) {
	running := service.NewServiceStatus("camera-manager")
	running.SetStatus(service.StatusRunning)
	failed := service.NewServiceStatus("grpc-health")
	failed.SetError(errors.New("address in use"))

	m := NewManager(0, logger.NewNopLogger(), fakeStatuses{
		"camera-manager": running,
		"grpc-health":    failed,
	})
	m.RegisterChecker(staticChecker{name: "x", status: StatusUnhealthy})

	rec, body := get(t, m.Handler(), "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", body["status"])

	rec, body = get(t, m.Handler(), "/health/services")
	assert.Equal(t, http.StatusOK, rec.Code)
	services := body["services"].(map[string]interface{})
	require.Len(t, services, 2)
	grpcEntry := services["grpc-health"].(map[string]interface{})
	assert.Equal(t, "address in use", grpcEntry["error"])
}

func TestManager_StartStop(t *testing.T) {
	m := NewManager(0, logger.NewNopLogger(), nil)
	require.NoError(t, m.Start(context.Background()))
	require.NotNil(t, m.Addr())

	port := m.Addr().(*net.TCPAddr).Port
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health/live", port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, m.Stop(ctx))
}

type fakeDisk struct {
	full bool
	err  error
}

func (f fakeDisk) GetUsage(ctx context.Context) (*storage.DiskUsage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &storage.DiskUsage{UsagePercent: 42}, nil
}

func (f fakeDisk) IsDiskFull(ctx context.Context) (bool, error) {
	return f.full, f.err
}

func TestStorageChecker(t *testing.T) {
	root := filepath.Join(t.TempDir(), "recordings")

	check := NewStorageChecker(root, fakeDisk{}).Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, true, check.Details["writable"])
	assert.DirExists(t, root)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file is removed")

	check = NewStorageChecker(root, fakeDisk{full: true}).Check(context.Background())
	assert.Equal(t, StatusDegraded, check.Status)

	check = NewStorageChecker(root, fakeDisk{err: errors.New("statfs")}).Check(context.Background())
	assert.Equal(t, StatusDegraded, check.Status)
}

func TestStorageChecker_RootIsAFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	check := NewStorageChecker(file, nil).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
}

func TestDatabaseChecker(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)

	assert.Equal(t, StatusHealthy, NewDatabaseChecker(db).Check(context.Background()).Status)

	db.Close()
	assert.Equal(t, StatusUnhealthy, NewDatabaseChecker(db).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewDatabaseChecker(nil).Check(context.Background()).Status)
}

type fakeFFmpeg struct{ err error }

func (f fakeFFmpeg) Path() string { return "/usr/bin/ffmpeg" }

func (f fakeFFmpeg) GetVersion() (string, error) { return "ffmpeg version 6.1", f.err }

func TestFFmpegChecker(t *testing.T) {
	check := NewFFmpegChecker(fakeFFmpeg{}).Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, "/usr/bin/ffmpeg", check.Details["path"])

	check = NewFFmpegChecker(fakeFFmpeg{err: errors.New("exit status 1")}).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)

	check = NewFFmpegChecker(nil).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
}

type counter struct{ streaming, total int }

func (c counter) StreamingCount() (int, int) { return c.streaming, c.total }

func TestCameraChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewCameraChecker(counter{2, 2}).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewCameraChecker(counter{1, 2}).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewCameraChecker(counter{0, 0}).Check(context.Background()).Status)
}

type fakeInference struct{ err error }

func (f fakeInference) HealthCheck(ctx context.Context) error { return f.err }

func TestAIServiceChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewAIServiceChecker(fakeInference{}, "http://ai").Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewAIServiceChecker(fakeInference{err: errors.New("refused")}, "http://ai").Check(context.Background()).Status)
}
