package web

import (
	"context"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/SergueiMoscow/surveillance/internal/camera"
	"github.com/SergueiMoscow/surveillance/internal/config"
	"github.com/SergueiMoscow/surveillance/internal/framecache"
	"github.com/SergueiMoscow/surveillance/internal/logger"
	"github.com/SergueiMoscow/surveillance/internal/service"
	"github.com/SergueiMoscow/surveillance/internal/state"
	"github.com/SergueiMoscow/surveillance/internal/storage"
	"github.com/SergueiMoscow/surveillance/internal/telemetry"
)

// Cameras lists the configured camera pipelines
type Cameras interface {
	CameraIDs() []string
	HasCamera(id string) bool
	Statuses() []camera.Status
	CameraStatus(id string) (camera.Status, error)
}

// Frames returns the latest encoded frame per camera
type Frames interface {
	Entry(cameraID string) (framecache.Entry, bool)
}

// SegmentIndex queries recorded segments
type SegmentIndex interface {
	ListSegments(ctx context.Context, filter state.SegmentFilter) ([]state.Segment, error)
	Stats(ctx context.Context) (*state.SegmentStats, error)
}

// Archive exposes archive sweeps
type Archive interface {
	LastResult() (storage.SweepResult, bool)
	Sweep(ctx context.Context) (storage.SweepResult, error)
}

// ResourceCollector reports process and camera resource usage
type ResourceCollector interface {
	Collect(ctx context.Context) (*telemetry.Resources, error)
}

// Dependencies are the components the web server reads from. Cameras and
// Frames are required; the rest are optional and their endpoints answer 503
// when missing.
type Dependencies struct {
	Cameras     Cameras
	Frames      Frames
	Segments    SegmentIndex
	Archive     Archive
	Resources   ResourceCollector
	Metrics     http.Handler
	MetricsPath string
}

// Server represents the web server service
type Server struct {
	*service.ServiceBase
	config   *config.WebConfig
	deps     Dependencies
	router   *gin.Engine
	interval time.Duration

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a new web server service
func NewServer(cfg *config.WebConfig, deps Dependencies, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.SetHTMLTemplate(indexTemplate)

	fps := cfg.StreamFPS
	if fps <= 0 {
		fps = 15
	}

	s := &Server{
		ServiceBase: service.NewServiceBase("web-server", log),
		config:      cfg,
		deps:        deps,
		router:      router,
		interval:    time.Second / time.Duration(fps),
	}
	s.setupRoutes()
	return s
}

// Name returns the service name
func (s *Server) Name() string {
	return "web-server"
}

// Handler returns the routed gin engine
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the web server
func (s *Server) Start(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStarting)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		err = fmt.Errorf("failed to listen on %s: %w", addr, err)
		s.GetStatus().SetError(err)
		return err
	}

	// WriteTimeout and IdleTimeout stay disabled: feeds are long-lived and end
	// with the request context.
	server := &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.httpServer = server
	s.listener = lis
	s.mu.Unlock()

	go func() {
		if err := server.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.LogError("Web server error", err, "address", lis.Addr().String())
		}
	}()

	s.LogInfo("Web server started", "address", lis.Addr().String())
	s.GetStatus().SetStatus(service.StatusRunning)
	return nil
}

// Stop stops the web server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.RLock()
	server := s.httpServer
	s.mu.RUnlock()

	if server == nil {
		return nil
	}

	s.GetStatus().SetStatus(service.StatusStopping)
	s.LogInfo("Stopping web server")
	err := server.Shutdown(ctx)
	if err != nil {
		// Open feeds are not tracked by Shutdown; close them outright.
		err = server.Close()
	}
	s.GetStatus().SetStatus(service.StatusStopped)
	return err
}

// Addr returns the listening address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// setupRoutes sets up all routes
func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleIndex)
	s.router.GET("/video_feed/:camera", s.handleVideoFeed)
	s.router.GET("/snapshot/:camera", s.handleSnapshot)
	s.router.GET("/resources", s.handleResources)

	api := s.router.Group("/api")
	{
		api.GET("/cameras", s.handleListCameras)
		api.GET("/cameras/:camera", s.handleGetCamera)
		api.GET("/segments", s.handleListSegments)
		api.GET("/segments/stats", s.handleSegmentStats)
		api.GET("/archive", s.handleArchiveStatus)
		api.POST("/archive/sweep", s.handleArchiveSweep)
	}

	if s.deps.Metrics != nil {
		path := s.deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.router.GET(path, gin.WrapH(s.deps.Metrics))
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>Surveillance</title></head>
<body>
<h1>Cameras</h1>
<ul>
{{range .}}<li><a href="/video_feed/{{.}}">{{.}}</a> (<a href="/snapshot/{{.}}">snapshot</a>)</li>
{{else}}<li>No cameras configured</li>
{{end}}</ul>
<p><a href="/resources">Resources</a></p>
</body>
</html>
`))

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// corsMiddleware creates a CORS middleware for local network access
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
