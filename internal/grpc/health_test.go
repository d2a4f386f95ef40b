package grpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/SergueiMoscow/surveillance/internal/camera"
	"github.com/SergueiMoscow/surveillance/internal/logger"
	"github.com/SergueiMoscow/surveillance/internal/service"
)

type mutableCameras struct {
	mu       sync.Mutex
	statuses []camera.Status
}

func (m *mutableCameras) Statuses() []camera.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]camera.Status(nil), m.statuses...)
}

func (m *mutableCameras) set(id string, state camera.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.statuses {
		if m.statuses[i].ID == id {
			m.statuses[i].State = state
		}
	}
}

func startHealthServer(t *testing.T, cams CameraStates, bus *service.EventBus) (*HealthServer, healthpb.HealthClient) {
	t.Helper()

	h := NewHealthServer("127.0.0.1:0", cams, logger.NewNopLogger())
	if bus != nil {
		h.SetEventBus(bus)
	}
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Stop(ctx)
	})

	conn, err := grpc.NewClient(h.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return h, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, name string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: name})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func TestHealthServer_ReportsCameraStates(t *testing.T) {
	cams := &mutableCameras{statuses: []camera.Status{
		{ID: "gate", State: camera.StateStreaming},
		{ID: "yard", State: camera.StateConnecting},
	}}
	_, client := startHealthServer(t, cams, nil)

	st, err := check(t, client, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	st, err = check(t, client, CameraServiceName("gate"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	st, err = check(t, client, CameraServiceName("yard"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	_, err = check(t, client, CameraServiceName("porch"))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestHealthServer_FollowsConnectionEvents(t *testing.T) {
	cams := &mutableCameras{statuses: []camera.Status{{ID: "gate", State: camera.StateConnecting}}}
	bus := service.NewEventBus(10)
	_, client := startHealthServer(t, cams, bus)

	st, err := check(t, client, "camera/gate")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	cams.set("gate", camera.StateStreaming)
	bus.Publish(service.Event{Type: service.EventTypeCameraConnected, Source: "camera/gate"})

	require.Eventually(t, func() bool {
		st, err := check(t, client, "camera/gate")
		return err == nil && st == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealthServer_StopWithoutStart(t *testing.T) {
	h := NewHealthServer("127.0.0.1:0", nil, logger.NewNopLogger())
	assert.Nil(t, h.Addr())
	assert.NoError(t, h.Stop(context.Background()))
	assert.Equal(t, "grpc-health", h.Name())
}

func TestHealthServer_ListenError(t *testing.T) {
	h := NewHealthServer("256.0.0.1:bad", nil, logger.NewNopLogger())
	assert.Error(t, h.Start(context.Background()))
}
