package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SergueiMoscow/surveillance/internal/logger"
)

// fakeService records lifecycle calls into a shared journal
type fakeService struct {
	name     string
	startErr error
	stopErr  error
	block    chan struct{}

	journal *journal
	bus     *EventBus
}

type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(call string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, call)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Start(ctx context.Context) error {
	if f.journal != nil {
		f.journal.add("start " + f.name)
	}
	return f.startErr
}

func (f *fakeService) Stop(ctx context.Context) error {
	if f.journal != nil {
		f.journal.add("stop " + f.name)
	}
	if f.block != nil {
		<-f.block
	}
	return f.stopErr
}

type fakeEventService struct {
	fakeService
}

func (f *fakeEventService) SetEventBus(bus *EventBus) { f.bus = bus }

func newTestManager() *Manager {
	return NewManager(logger.NewNopLogger())
}

func TestManager_Register(t *testing.T) {
	mgr := newTestManager()
	require.NotNil(t, mgr.GetEventBus())
	assert.Equal(t, 0, mgr.GetServiceCount())

	plain := &fakeService{name: "archive-manager"}
	withEvents := &fakeEventService{fakeService{name: "segment-index"}}
	mgr.Register(plain)
	mgr.Register(withEvents)

	assert.Equal(t, 2, mgr.GetServiceCount())
	assert.Same(t, mgr.GetEventBus(), withEvents.bus)

	status := mgr.GetServiceStatus("archive-manager")
	require.NotNil(t, status)
	assert.Equal(t, StatusStopped, status.GetStatus())
	assert.Nil(t, mgr.GetServiceStatus("unknown"))
	assert.Len(t, mgr.GetAllStatuses(), 2)
}

func TestManager_StartAndShutdownOrder(t *testing.T) {
	mgr := newTestManager()
	j := &journal{}
	for _, name := range []string{"segment-index", "camera-manager", "archive-manager", "web-server"} {
		mgr.Register(&fakeService{name: name, journal: j})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mgr.Start(ctx))

	for name, status := range mgr.GetAllStatuses() {
		assert.True(t, status.IsRunning(), name)
	}

	require.NoError(t, mgr.Shutdown(context.Background()))

	assert.Equal(t, []string{
		"start segment-index",
		"start camera-manager",
		"start archive-manager",
		"start web-server",
		"stop web-server",
		"stop archive-manager",
		"stop camera-manager",
		"stop segment-index",
	}, j.list())

	for name, status := range mgr.GetAllStatuses() {
		assert.Equal(t, StatusStopped, status.GetStatus(), name)
	}
}

func TestManager_StartContinuesPastFailure(t *testing.T) {
	mgr := newTestManager()
	j := &journal{}
	bootErr := errors.New("database is locked")

	mgr.Register(&fakeService{name: "segment-index", startErr: bootErr, journal: j})
	mgr.Register(&fakeService{name: "camera-manager", journal: j})

	errCh := mgr.GetEventBus().Subscribe(EventTypeServiceError)

	err := mgr.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, bootErr)
	assert.Contains(t, err.Error(), "segment-index")

	ev := receive(t, errCh)
	assert.Equal(t, "segment-index", ev.Source)
	assert.Equal(t, "database is locked", ev.Data["error"])

	failed := mgr.GetServiceStatus("segment-index")
	assert.Equal(t, StatusError, failed.GetStatus())
	assert.Equal(t, bootErr, failed.GetError())
	assert.True(t, mgr.GetServiceStatus("camera-manager").IsRunning())

	// only started services are stopped
	require.NoError(t, mgr.Shutdown(context.Background()))
	assert.Equal(t, []string{
		"start segment-index",
		"start camera-manager",
		"stop camera-manager",
	}, j.list())
}

func TestManager_PublishesLifecycleEvents(t *testing.T) {
	mgr := newTestManager()
	mgr.Register(&fakeService{name: "web-server"})

	bus := mgr.GetEventBus()
	started := bus.Subscribe(EventTypeServiceStarted)
	stopped := bus.Subscribe(EventTypeServiceStopped)

	require.NoError(t, mgr.Start(context.Background()))
	ev := receive(t, started)
	assert.Equal(t, "manager", ev.Source)
	assert.Equal(t, "web-server", ev.Data["service"])
	assert.False(t, ev.Timestamp.IsZero())

	require.NoError(t, mgr.Shutdown(context.Background()))
	ev = receive(t, stopped)
	assert.Equal(t, "web-server", ev.Data["service"])

	// Shutdown closes the bus and every subscriber channel with it
	select {
	case _, ok := <-started:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed after shutdown")
	}
}

func TestManager_StopErrorMarksStatus(t *testing.T) {
	mgr := newTestManager()
	stopErr := errors.New("flush failed")
	mgr.Register(&fakeService{name: "segment-index", stopErr: stopErr})

	require.NoError(t, mgr.Start(context.Background()))
	require.NoError(t, mgr.Shutdown(context.Background()))

	status := mgr.GetServiceStatus("segment-index")
	assert.Equal(t, StatusError, status.GetStatus())
	assert.Equal(t, stopErr, status.GetError())
}

func TestManager_ShutdownTimeout(t *testing.T) {
	mgr := newTestManager()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	mgr.Register(&fakeService{name: "camera-manager", block: release})
	require.NoError(t, mgr.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := mgr.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "shutdown timeout")
}

func TestManager_ShutdownWithoutStart(t *testing.T) {
	mgr := newTestManager()
	j := &journal{}
	mgr.Register(&fakeService{name: "archive-manager", journal: j})

	require.NoError(t, mgr.Shutdown(context.Background()))
	assert.Empty(t, j.list())
}
