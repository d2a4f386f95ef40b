package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Segment is the index record of one recorded video segment
type Segment struct {
	ID          string     `json:"id"`
	CameraID    string     `json:"camera_id"`
	Path        string     `json:"path"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	Frames      int        `json:"frames"`
	SizeBytes   int64      `json:"size_bytes"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	EvictedAt   *time.Time `json:"evicted_at,omitempty"`
}

// Eviction records one file deleted by the archive manager
type Eviction struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	SegmentID string    `json:"segment_id,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	EvictedAt time.Time `json:"evicted_at"`
}

// SegmentFilter narrows ListSegments
type SegmentFilter struct {
	CameraID       string
	Limit          int
	IncludeEvicted bool
}

// SegmentStats summarizes the index
type SegmentStats struct {
	Segments       int   `json:"segments"`
	OpenSegments   int   `json:"open_segments"`
	Evicted        int   `json:"evicted"`
	StoredBytes    int64 `json:"stored_bytes"`
	RecordedFrames int64 `json:"recorded_frames"`
}

const defaultSegmentLimit = 100

// SaveSegmentOpened inserts a segment that has just been opened
func (m *Manager) SaveSegmentOpened(ctx context.Context, seg Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seg.ID == "" {
		seg.ID = uuid.New().String()
	}

	query := `
		INSERT INTO segments (id, camera_id, path, width, height, opened_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			width = excluded.width,
			height = excluded.height
	`

	_, err := m.db.GetDB().ExecContext(ctx, query,
		seg.ID, seg.CameraID, seg.Path, seg.Width, seg.Height, seg.OpenedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save opened segment: %w", err)
	}

	return nil
}

// SaveSegmentClosed records the final state of a segment. A segment whose
// open was never indexed is inserted.
func (m *Manager) SaveSegmentClosed(ctx context.Context, seg Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seg.ID == "" {
		seg.ID = uuid.New().String()
	}
	closedAt := time.Now().UTC()
	if seg.ClosedAt != nil {
		closedAt = seg.ClosedAt.UTC()
	}

	query := `
		INSERT INTO segments (id, camera_id, path, width, height, frames, size_bytes, opened_at, closed_at, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			width = excluded.width,
			height = excluded.height,
			frames = excluded.frames,
			size_bytes = excluded.size_bytes,
			closed_at = excluded.closed_at,
			close_reason = excluded.close_reason
	`

	_, err := m.db.GetDB().ExecContext(ctx, query,
		seg.ID, seg.CameraID, seg.Path, seg.Width, seg.Height, seg.Frames, seg.SizeBytes,
		seg.OpenedAt.UTC(), closedAt, seg.CloseReason,
	)
	if err != nil {
		return fmt.Errorf("failed to save closed segment: %w", err)
	}

	return nil
}

// GetSegment retrieves a segment by path. It returns nil when the path is
// not indexed.
func (m *Manager) GetSegment(ctx context.Context, path string) (*Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row := m.db.GetDB().QueryRowContext(ctx, `
		SELECT id, camera_id, path, width, height, frames, size_bytes, opened_at, closed_at, close_reason, evicted_at
		FROM segments WHERE path = ?`, path)

	seg, err := scanSegment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment: %w", err)
	}
	return seg, nil
}

// ListSegments returns segments newest first
func (m *Manager) ListSegments(ctx context.Context, filter SegmentFilter) ([]Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		where []string
		args  []interface{}
	)
	if filter.CameraID != "" {
		where = append(where, "camera_id = ?")
		args = append(args, filter.CameraID)
	}
	if !filter.IncludeEvicted {
		where = append(where, "evicted_at IS NULL")
	}

	query := `
		SELECT id, camera_id, path, width, height, frames, size_bytes, opened_at, closed_at, close_reason, evicted_at
		FROM segments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY opened_at DESC, path DESC LIMIT ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultSegmentLimit
	}
	args = append(args, limit)

	rows, err := m.db.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	segments := make([]Segment, 0)
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, *seg)
	}

	return segments, rows.Err()
}

// MarkEvicted records that the archive manager deleted a file. Indexed
// segments are flagged; every eviction is appended to the eviction log.
func (m *Manager) MarkEvicted(ctx context.Context, path string, sizeBytes int64, evictedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var segmentID sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT id FROM segments WHERE path = ?`, path).Scan(&segmentID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to look up segment: %w", err)
	}

	if segmentID.Valid {
		if _, err := tx.ExecContext(ctx,
			`UPDATE segments SET evicted_at = ? WHERE id = ?`,
			evictedAt.UTC(), segmentID.String,
		); err != nil {
			return fmt.Errorf("failed to mark segment evicted: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO evictions (id, path, segment_id, size_bytes, evicted_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), path, segmentID, sizeBytes, evictedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to record eviction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit eviction: %w", err)
	}
	return nil
}

// ListEvictions returns the most recent evictions first
func (m *Manager) ListEvictions(ctx context.Context, limit int) ([]Eviction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = defaultSegmentLimit
	}

	rows, err := m.db.GetDB().QueryContext(ctx, `
		SELECT id, path, segment_id, size_bytes, evicted_at
		FROM evictions
		ORDER BY evicted_at DESC, path DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list evictions: %w", err)
	}
	defer rows.Close()

	evictions := make([]Eviction, 0)
	for rows.Next() {
		var (
			e         Eviction
			segmentID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Path, &segmentID, &e.SizeBytes, &e.EvictedAt); err != nil {
			return nil, fmt.Errorf("failed to scan eviction: %w", err)
		}
		e.SegmentID = segmentID.String
		evictions = append(evictions, e)
	}

	return evictions, rows.Err()
}

// Stats returns aggregate counts over the index
func (m *Manager) Stats(ctx context.Context) (*SegmentStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats SegmentStats
	err := m.db.GetDB().QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN closed_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN evicted_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN evicted_at IS NULL THEN size_bytes ELSE 0 END), 0),
			COALESCE(SUM(frames), 0)
		FROM segments`,
	).Scan(&stats.Segments, &stats.OpenSegments, &stats.Evicted, &stats.StoredBytes, &stats.RecordedFrames)
	if err != nil {
		return nil, fmt.Errorf("failed to get segment stats: %w", err)
	}

	return &stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSegment(row rowScanner) (*Segment, error) {
	var (
		seg         Segment
		closedAt    sql.NullTime
		closeReason sql.NullString
		evictedAt   sql.NullTime
	)
	if err := row.Scan(
		&seg.ID, &seg.CameraID, &seg.Path, &seg.Width, &seg.Height, &seg.Frames, &seg.SizeBytes,
		&seg.OpenedAt, &closedAt, &closeReason, &evictedAt,
	); err != nil {
		return nil, err
	}
	if closedAt.Valid {
		seg.ClosedAt = &closedAt.Time
	}
	if evictedAt.Valid {
		seg.EvictedAt = &evictedAt.Time
	}
	seg.CloseReason = closeReason.String
	return &seg, nil
}
