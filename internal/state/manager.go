package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/SergueiMoscow/surveillance/internal/config"
	"github.com/SergueiMoscow/surveillance/internal/logger"
	"github.com/SergueiMoscow/surveillance/internal/service"
)

// LastSweepKey is the system_state key holding the latest archive sweep
const LastSweepKey = "archive.last_sweep"

// Manager owns the segment index. As a service it follows segment and
// archive events on the bus and persists them.
type Manager struct {
	*service.ServiceBase
	db *Database
	mu sync.RWMutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager opens the index database configured in cfg.State
func NewManager(cfg *config.Config, log *logger.Logger) (*Manager, error) {
	db, err := NewDatabase(cfg.State.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	return &Manager{
		ServiceBase: service.NewServiceBase("segment-index", log),
		db:          db,
	}, nil
}

// Name returns the service name
func (m *Manager) Name() string {
	return "segment-index"
}

// Close closes the database
func (m *Manager) Close() error {
	return m.db.Close()
}

// GetDB returns the database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db.GetDB()
}

// Start recovers state left by a previous run and begins indexing events
func (m *Manager) Start(ctx context.Context) error {
	m.GetStatus().SetStatus(service.StatusStarting)

	recovered, err := m.RecoverState(ctx)
	if err != nil {
		m.GetStatus().SetError(err)
		return err
	}
	if recovered.InterruptedSegments > 0 {
		m.LogWarn("Closed segments left open by a previous run", "count", recovered.InterruptedSegments)
	}

	bus := m.GetEventBus()
	if bus == nil {
		m.LogWarn("No event bus, segment events will not be indexed")
		m.GetStatus().SetStatus(service.StatusRunning)
		return nil
	}

	opened := bus.Subscribe(service.EventTypeSegmentOpened)
	closed := bus.Subscribe(service.EventTypeSegmentClosed)
	swept := bus.Subscribe(service.EventTypeArchiveSwept)

	// Indexing outlives the root context so segments closed during shutdown
	// are still recorded; Stop ends it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		defer func() {
			bus.Unsubscribe(service.EventTypeSegmentOpened, opened)
			bus.Unsubscribe(service.EventTypeSegmentClosed, closed)
			bus.Unsubscribe(service.EventTypeArchiveSwept, swept)
		}()
		for {
			var (
				evt service.Event
				ok  bool
			)
			select {
			case <-runCtx.Done():
				m.drain(opened, closed, swept)
				return
			case evt, ok = <-opened:
			case evt, ok = <-closed:
			case evt, ok = <-swept:
			}
			if !ok {
				return
			}
			if err := m.handleEvent(runCtx, evt); err != nil {
				m.LogError("Failed to index event", err, "type", evt.Type, "source", evt.Source)
			}
		}
	}()

	m.LogInfo("Segment index started", "db_path", m.db.Path())
	m.GetStatus().SetStatus(service.StatusRunning)
	return nil
}

// drain indexes events already buffered when indexing stops
func (m *Manager) drain(chans ...<-chan service.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, ch := range chans {
	pending:
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					break pending
				}
				if err := m.handleEvent(ctx, evt); err != nil {
					m.LogError("Failed to index event", err, "type", evt.Type, "source", evt.Source)
				}
			default:
				break pending
			}
		}
	}
}

// Stop stops indexing and closes the database
func (m *Manager) Stop(ctx context.Context) error {
	m.GetStatus().SetStatus(service.StatusStopping)

	if m.cancel != nil {
		m.cancel()
		select {
		case <-m.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := m.Close(); err != nil {
		m.GetStatus().SetError(err)
		return fmt.Errorf("failed to close database: %w", err)
	}

	m.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

func (m *Manager) handleEvent(ctx context.Context, evt service.Event) error {
	switch evt.Type {
	case service.EventTypeSegmentOpened:
		return m.SaveSegmentOpened(ctx, segmentFromEvent(evt.Data))
	case service.EventTypeSegmentClosed:
		return m.SaveSegmentClosed(ctx, segmentFromEvent(evt.Data))
	case service.EventTypeArchiveSwept:
		data, err := json.Marshal(evt.Data)
		if err != nil {
			return fmt.Errorf("failed to encode sweep: %w", err)
		}
		return m.SaveSystemState(ctx, LastSweepKey, string(data))
	}
	return nil
}

func segmentFromEvent(data map[string]interface{}) Segment {
	seg := Segment{
		ID:          stringField(data, "segment_id"),
		CameraID:    stringField(data, "camera_id"),
		Path:        stringField(data, "path"),
		Width:       int(intField(data, "width")),
		Height:      int(intField(data, "height")),
		Frames:      int(intField(data, "frames")),
		SizeBytes:   intField(data, "size_bytes"),
		OpenedAt:    timeField(data, "opened_at"),
		CloseReason: stringField(data, "reason"),
	}
	if closedAt := timeField(data, "closed_at"); !closedAt.IsZero() {
		seg.ClosedAt = &closedAt
	}
	return seg
}

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func intField(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func timeField(data map[string]interface{}, key string) time.Time {
	t, _ := data[key].(time.Time)
	return t
}

// SaveSystemState saves a system state value
func (m *Manager) SaveSystemState(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`

	_, err := m.db.GetDB().ExecContext(ctx, query, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save system state: %w", err)
	}

	return nil
}

// GetSystemState retrieves a system state value
func (m *Manager) GetSystemState(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var value string
	query := `SELECT value FROM system_state WHERE key = ?`
	err := m.db.GetDB().QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get system state: %w", err)
	}

	return value, nil
}

// RecoveredState represents the state recovered on startup
type RecoveredState struct {
	InterruptedSegments int
	SystemState         map[string]string
}

// RecoverState closes segments that were still open when the previous run
// ended and loads the system state
func (m *Manager) RecoverState(ctx context.Context) (*RecoveredState, error) {
	m.LogInfo("Recovering segment index state")

	m.mu.Lock()
	res, err := m.db.GetDB().ExecContext(ctx, `
		UPDATE segments
		SET closed_at = ?, close_reason = 'interrupted'
		WHERE closed_at IS NULL`, time.Now().UTC())
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to close interrupted segments: %w", err)
	}
	interrupted, _ := res.RowsAffected()

	systemState, err := m.recoverSystemState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover system state: %w", err)
	}

	return &RecoveredState{
		InterruptedSegments: int(interrupted),
		SystemState:         systemState,
	}, nil
}

func (m *Manager) recoverSystemState(ctx context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.GetDB().QueryContext(ctx, `SELECT key, value FROM system_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	state := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		state[key] = value
	}

	return state, rows.Err()
}
