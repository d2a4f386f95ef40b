package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/SergueiMoscow/surveillance/internal/camera"
	"github.com/SergueiMoscow/surveillance/internal/logger"
	"github.com/SergueiMoscow/surveillance/internal/service"
)

const defaultSyncInterval = 5 * time.Second

// CameraStates lists the camera pipelines
type CameraStates interface {
	Statuses() []camera.Status
}

// CameraServiceName is the health service name reported for a camera
func CameraServiceName(cameraID string) string {
	return "camera/" + cameraID
}

// HealthServer exposes the standard grpc.health.v1 service. The overall
// service "" is SERVING while the server runs; "camera/<id>" is SERVING
// while that camera is streaming.
type HealthServer struct {
	*service.ServiceBase
	listen   string
	cameras  CameraStates
	interval time.Duration

	mu       sync.RWMutex
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewHealthServer creates a gRPC health server listening on listen
func NewHealthServer(listen string, cameras CameraStates, log *logger.Logger) *HealthServer {
	return &HealthServer{
		ServiceBase: service.NewServiceBase("grpc-health", log),
		listen:      listen,
		cameras:     cameras,
		interval:    defaultSyncInterval,
	}
}

// Name returns the service name
func (h *HealthServer) Name() string {
	return "grpc-health"
}

// Start starts serving and tracking camera states
func (h *HealthServer) Start(ctx context.Context) error {
	h.GetStatus().SetStatus(service.StatusStarting)

	lis, err := net.Listen("tcp", h.listen)
	if err != nil {
		err = fmt.Errorf("failed to listen on %s: %w", h.listen, err)
		h.GetStatus().SetError(err)
		return err
	}

	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(server, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	h.mu.Lock()
	h.server = server
	h.health = healthSrv
	h.listener = lis
	h.cancel = cancel
	h.done = done
	h.mu.Unlock()

	h.Sync()

	go func() {
		if err := server.Serve(lis); err != nil {
			h.LogError("gRPC server stopped", err)
		}
	}()
	go func() {
		defer close(done)
		h.watch(runCtx)
	}()

	h.LogInfo("gRPC health server started", "address", lis.Addr().String())
	h.GetStatus().SetStatus(service.StatusRunning)
	return nil
}

// Stop marks every service NOT_SERVING and stops the server
func (h *HealthServer) Stop(ctx context.Context) error {
	h.GetStatus().SetStatus(service.StatusStopping)

	h.mu.RLock()
	server, healthSrv, cancel, done := h.server, h.health, h.cancel, h.done
	h.mu.RUnlock()

	if server == nil {
		h.GetStatus().SetStatus(service.StatusStopped)
		return nil
	}

	cancel()
	<-done
	healthSrv.Shutdown()

	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		server.Stop()
	}

	h.LogInfo("gRPC health server stopped")
	h.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

// Addr returns the listening address, or nil before Start
func (h *HealthServer) Addr() net.Addr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Sync updates every camera's serving status from the current camera states
func (h *HealthServer) Sync() {
	h.mu.RLock()
	healthSrv := h.health
	h.mu.RUnlock()
	if healthSrv == nil || h.cameras == nil {
		return
	}

	for _, st := range h.cameras.Statuses() {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if st.State == camera.StateStreaming {
			status = healthpb.HealthCheckResponse_SERVING
		}
		healthSrv.SetServingStatus(CameraServiceName(st.ID), status)
	}
}

// watch resyncs on camera connection events and on a timer
func (h *HealthServer) watch(ctx context.Context) {
	var connected, disconnected <-chan service.Event
	if bus := h.GetEventBus(); bus != nil {
		connected = bus.Subscribe(service.EventTypeCameraConnected)
		disconnected = bus.Subscribe(service.EventTypeCameraDisconnected)
		defer bus.Unsubscribe(service.EventTypeCameraConnected, connected)
		defer bus.Unsubscribe(service.EventTypeCameraDisconnected, disconnected)
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-connected:
			if !ok {
				connected = nil
			}
		case _, ok := <-disconnected:
			if !ok {
				disconnected = nil
			}
		}
		h.Sync()
	}
}
