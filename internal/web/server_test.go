package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SergueiMoscow/surveillance/internal/camera"
	"github.com/SergueiMoscow/surveillance/internal/config"
	"github.com/SergueiMoscow/surveillance/internal/framecache"
	"github.com/SergueiMoscow/surveillance/internal/logger"
	"github.com/SergueiMoscow/surveillance/internal/state"
	"github.com/SergueiMoscow/surveillance/internal/storage"
	"github.com/SergueiMoscow/surveillance/internal/telemetry"
)

type fakeCameras struct {
	statuses []camera.Status
}

func (f *fakeCameras) CameraIDs() []string {
	ids := make([]string, 0, len(f.statuses))
	for _, st := range f.statuses {
		ids = append(ids, st.ID)
	}
	return ids
}

func (f *fakeCameras) HasCamera(id string) bool {
	_, err := f.CameraStatus(id)
	return err == nil
}

func (f *fakeCameras) Statuses() []camera.Status { return f.statuses }

func (f *fakeCameras) CameraStatus(id string) (camera.Status, error) {
	for _, st := range f.statuses {
		if st.ID == id {
			return st, nil
		}
	}
	return camera.Status{}, fmt.Errorf("camera not found: %s", id)
}

type fakeSegments struct {
	filter   state.SegmentFilter
	segments []state.Segment
	err      error
}

func (f *fakeSegments) ListSegments(ctx context.Context, filter state.SegmentFilter) ([]state.Segment, error) {
	f.filter = filter
	return f.segments, f.err
}

func (f *fakeSegments) Stats(ctx context.Context) (*state.SegmentStats, error) {
	return &state.SegmentStats{Segments: len(f.segments)}, f.err
}

type fakeArchive struct {
	last   *storage.SweepResult
	sweeps int
}

func (f *fakeArchive) LastResult() (storage.SweepResult, bool) {
	if f.last == nil {
		return storage.SweepResult{}, false
	}
	return *f.last, true
}

func (f *fakeArchive) Sweep(ctx context.Context) (storage.SweepResult, error) {
	f.sweeps++
	res := storage.SweepResult{LimitBytes: 100, InitialBytes: 300, FinalBytes: 300, Protected: 3}
	res.Error = "archive limit cannot be satisfied"
	f.last = &res
	return res, storage.ErrLimitUnsatisfiable
}

type fakeResources struct{ err error }

func (f fakeResources) Collect(ctx context.Context) (*telemetry.Resources, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &telemetry.Resources{TotalMemoryUse: 0.25, TotalCPUUse: 3.5}, nil
}

func newTestServer(t *testing.T, deps Dependencies) *Server {
	t.Helper()
	if deps.Cameras == nil {
		deps.Cameras = &fakeCameras{statuses: []camera.Status{
			{ID: "gate", State: camera.StateStreaming, FramesProcessed: 12},
			{ID: "yard", State: camera.StateConnecting},
		}}
	}
	if deps.Frames == nil {
		deps.Frames = framecache.New()
	}
	return NewServer(&config.WebConfig{Host: "127.0.0.1", StreamFPS: 50}, deps, logger.NewNopLogger())
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestServer_Index(t *testing.T) {
	s := newTestServer(t, Dependencies{})

	rec := do(t, s, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), `href="/video_feed/gate"`)
	assert.Contains(t, rec.Body.String(), `href="/video_feed/yard"`)
}

func TestServer_VideoFeed_UnknownCamera(t *testing.T) {
	s := newTestServer(t, Dependencies{})

	rec := do(t, s, http.MethodGet, "/video_feed/porch")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Camera not found", rec.Body.String())
}

func TestServer_VideoFeed_WritesChangedFramesOnly(t *testing.T) {
	frames := framecache.New()
	frames.Put("gate", []byte("jpeg-1"))
	s := newTestServer(t, Dependencies{Frames: frames})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/video_feed/gate", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	go func() {
		// Several polls see the first frame, then a new frame arrives.
		time.Sleep(100 * time.Millisecond)
		frames.Put("gate", []byte("jpeg-2"))
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", rec.Header().Get("Content-Type"))

	want := "--frame\r\nContent-Type: image/jpeg\r\n\r\njpeg-1\r\n" +
		"--frame\r\nContent-Type: image/jpeg\r\n\r\njpeg-2\r\n"
	assert.Equal(t, want, rec.Body.String())
}

func TestServer_VideoFeed_WaitsForFirstFrame(t *testing.T) {
	s := newTestServer(t, Dependencies{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/video_feed/yard", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestServer_Snapshot(t *testing.T) {
	frames := framecache.New()
	s := newTestServer(t, Dependencies{Frames: frames})

	rec := do(t, s, http.MethodGet, "/snapshot/gate")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	frames.Put("gate", []byte{0xff, 0xd8, 0xff})
	rec = do(t, s, http.MethodGet, "/snapshot/gate")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, rec.Body.Bytes())

	rec = do(t, s, http.MethodGet, "/snapshot/porch")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Resources(t *testing.T) {
	s := newTestServer(t, Dependencies{Resources: fakeResources{}})
	rec := do(t, s, http.MethodGet, "/resources")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, 0.25, body["total_memory_use"])
	assert.Equal(t, 3.5, body["total_cpu_use"])

	s = newTestServer(t, Dependencies{Resources: fakeResources{err: errors.New("procfs")}})
	assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodGet, "/resources").Code)

	s = newTestServer(t, Dependencies{})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/resources").Code)
}

func TestServer_Cameras(t *testing.T) {
	s := newTestServer(t, Dependencies{})

	rec := do(t, s, http.MethodGet, "/api/cameras")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["count"])
	first := body["cameras"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "gate", first["id"])
	assert.Equal(t, "streaming", first["state"])
	assert.Equal(t, float64(12), first["frames_processed"])

	rec = do(t, s, http.MethodGet, "/api/cameras/yard")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "connecting", decode(t, rec)["state"])

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/cameras/porch").Code)
}

func TestServer_Segments(t *testing.T) {
	segs := &fakeSegments{segments: []state.Segment{{ID: "s1", CameraID: "gate", Path: "/a/gate/m_1.avi"}}}
	s := newTestServer(t, Dependencies{Segments: segs})

	rec := do(t, s, http.MethodGet, "/api/segments?camera=gate&limit=5&evicted=true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, state.SegmentFilter{CameraID: "gate", Limit: 5, IncludeEvicted: true}, segs.filter)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/segments?limit=abc").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/segments?limit=0").Code)

	rec = do(t, s, http.MethodGet, "/api/segments/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["segments"])

	segs.err = errors.New("database is locked")
	assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodGet, "/api/segments").Code)

	s = newTestServer(t, Dependencies{})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/api/segments").Code)
}

func TestServer_Archive(t *testing.T) {
	archive := &fakeArchive{}
	s := newTestServer(t, Dependencies{Archive: archive})

	rec := do(t, s, http.MethodGet, "/api/archive")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode(t, rec)["last_sweep"])

	rec = do(t, s, http.MethodPost, "/api/archive/sweep")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(3), body["protected_files"])
	assert.Contains(t, body["error"], "cannot be satisfied")
	assert.Equal(t, 1, archive.sweeps)

	rec = do(t, s, http.MethodGet, "/api/archive")
	last := decode(t, rec)["last_sweep"].(map[string]interface{})
	assert.Equal(t, float64(300), last["final_bytes"])
}

func TestServer_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("surveillance_frames_processed_total 1\n"))
	})
	s := newTestServer(t, Dependencies{Metrics: metrics, MetricsPath: "/prom"})

	rec := do(t, s, http.MethodGet, "/prom")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "surveillance_frames_processed_total"))

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/metrics").Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	s := newTestServer(t, Dependencies{})
	rec := do(t, s, http.MethodOptions, "/api/cameras")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_StartStop(t *testing.T) {
	s := newTestServer(t, Dependencies{})
	assert.Equal(t, "web-server", s.Name())
	assert.Nil(t, s.Addr())

	require.NoError(t, s.Start(context.Background()))
	port := s.Addr().(*net.TCPAddr).Port

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/cameras", port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

func TestServer_StopWithoutStart(t *testing.T) {
	s := newTestServer(t, Dependencies{})
	assert.NoError(t, s.Stop(context.Background()))
}
