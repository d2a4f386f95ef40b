package camera

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SergueiMoscow/surveillance/internal/ai"
	"github.com/SergueiMoscow/surveillance/internal/config"
	"github.com/SergueiMoscow/surveillance/internal/framecache"
	"github.com/SergueiMoscow/surveillance/internal/logger"
	"github.com/SergueiMoscow/surveillance/internal/metrics"
	"github.com/SergueiMoscow/surveillance/internal/motion"
	"github.com/SergueiMoscow/surveillance/internal/service"
	"github.com/SergueiMoscow/surveillance/internal/video"
)

// Dependencies are the shared components every camera session uses
type Dependencies struct {
	Opener     video.SourceOpener
	Classifier ai.Classifier
	Sinks      video.SinkFactory
	Cache      *framecache.Cache
	Active     *video.ActiveSegments
}

// Manager runs one supervised session per configured camera
type Manager struct {
	*service.ServiceBase
	cfg  *config.Config
	deps Dependencies

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewManager creates a new camera manager
func NewManager(cfg *config.Config, deps Dependencies, log *logger.Logger) *Manager {
	return &Manager{
		ServiceBase: service.NewServiceBase("camera-manager", log),
		cfg:         cfg,
		deps:        deps,
		sessions:    make(map[string]*Session),
	}
}

// Name returns the service name
func (m *Manager) Name() string {
	return "camera-manager"
}

// Start creates a session per camera and runs each under a supervisor
func (m *Manager) Start(ctx context.Context) error {
	m.GetStatus().SetStatus(service.StatusStarting)
	m.LogInfo("Starting camera sessions", "count", len(m.cfg.Cameras.List))

	if len(m.cfg.Cameras.List) == 0 {
		err := fmt.Errorf("no cameras configured")
		m.GetStatus().SetError(err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	m.mu.Lock()
	m.cancel = cancel
	m.group = group
	for _, camCfg := range m.cfg.Cameras.List {
		sess := m.newSession(camCfg)
		m.sessions[camCfg.ID] = sess
		m.order = append(m.order, camCfg.ID)

		sup := service.NewSupervisor("camera/"+camCfg.ID, m.cfg.Cameras.RestartDelay.Duration(), m.Logger())
		sup.OnRestart(func(name string, err error) {
			metrics.WorkerRestarts.WithLabelValues(sess.ID()).Inc()
			sess.setRestarts(sup.Restarts())
			m.PublishEvent(service.EventTypeWorkerRestarted, map[string]interface{}{
				"camera_id": sess.ID(),
				"worker":    name,
				"error":     err.Error(),
			})
		})

		group.Go(func() error {
			return sup.Run(groupCtx, sess.Run)
		})
	}
	m.mu.Unlock()

	m.GetStatus().SetStatus(service.StatusRunning)
	return nil
}

func (m *Manager) newSession(camCfg config.CameraConfig) *Session {
	log := m.Logger()
	recorder := video.NewRecorder(video.RecorderConfig{
		Root:      m.cfg.Recording.Root,
		CameraID:  camCfg.ID,
		FPS:       m.cfg.Recording.FPS,
		MaxFrames: m.cfg.Recording.MaxFrames,
	}, m.deps.Sinks, m.deps.Active, log)

	return NewSession(SessionConfig{
		ID:               camCfg.ID,
		Locator:          camCfg.Source,
		SkipFrames:       m.cfg.SkipFramesFor(camCfg),
		ReconnectBackoff: m.cfg.Cameras.ReconnectBackoff.Duration(),
		FrameWidth:       m.cfg.Cameras.FrameWidth,
		FrameHeight:      m.cfg.Cameras.FrameHeight,
		JPEGQuality:      m.cfg.Cameras.JPEGQuality,
	},
		m.deps.Opener,
		motion.NewDetector(m.cfg.Motion),
		m.deps.Classifier,
		recorder,
		m.deps.Cache,
		m.GetEventBus(),
		log,
	)
}

// Stop cancels all sessions and waits for them to release their sources
// and close open segments
func (m *Manager) Stop(ctx context.Context) error {
	m.GetStatus().SetStatus(service.StatusStopping)
	m.LogInfo("Stopping camera sessions")

	m.mu.RLock()
	cancel, group := m.cancel, m.group
	m.mu.RUnlock()
	if cancel == nil {
		m.GetStatus().SetStatus(service.StatusStopped)
		return nil
	}
	cancel()

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case err := <-done:
		m.GetStatus().SetStatus(service.StatusStopped)
		return err
	case <-ctx.Done():
		err := fmt.Errorf("camera sessions did not stop in time: %w", ctx.Err())
		m.GetStatus().SetError(err)
		return err
	}
}

// Statuses returns the status of every session in configuration order
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id].Status())
	}
	return out
}

// CameraStatus returns the status of one camera
func (m *Manager) CameraStatus(cameraID string) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[cameraID]
	if !ok {
		return Status{}, fmt.Errorf("camera not found: %s", cameraID)
	}
	return sess.Status(), nil
}

// StreamingCount returns how many sessions are streaming and the total
func (m *Manager) StreamingCount() (streaming, total int) {
	for _, st := range m.Statuses() {
		if st.State == StateStreaming {
			streaming++
		}
		total++
	}
	return streaming, total
}

// CameraIDs returns the configured camera ids, sorted
func (m *Manager) CameraIDs() []string {
	ids := make([]string, 0, len(m.cfg.Cameras.List))
	for _, cam := range m.cfg.Cameras.List {
		ids = append(ids, cam.ID)
	}
	sort.Strings(ids)
	return ids
}

// HasCamera reports whether id is a configured camera
func (m *Manager) HasCamera(id string) bool {
	_, ok := m.cfg.Camera(id)
	return ok
}

// LastFrameAge returns how long ago the camera produced a frame
func (m *Manager) LastFrameAge(cameraID string) (time.Duration, bool) {
	st, err := m.CameraStatus(cameraID)
	if err != nil || st.LastFrameAt == nil {
		return 0, false
	}
	return time.Since(*st.LastFrameAt), true
}
