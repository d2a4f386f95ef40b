package video

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const maxSnapshotBytes = 32 * 1024 * 1024

// HTTPSource polls a camera snapshot URL for JPEG images. A failed poll
// is reported as ErrFrameUnavailable; the source stays open.
type HTTPSource struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu       sync.Mutex
	lastPoll time.Time
	closed   bool
}

// NewHTTPSource creates a poller for url
func NewHTTPSource(url string, interval time.Duration, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{url: url, interval: interval, client: client}
}

// Pull waits for the next poll slot and fetches one snapshot
func (s *HTTPSource) Pull(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSourceClosed
	}
	var wait time.Duration
	if !s.lastPoll.IsZero() {
		wait = time.Until(s.lastPoll.Add(s.interval))
	}
	s.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	s.lastPoll = time.Now()
	s.mu.Unlock()

	data, err := s.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrFrameUnavailable, err)
	}

	frame, err := DecodeJPEG(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameUnavailable, err)
	}
	return frame, nil
}

func (s *HTTPSource) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return data, nil
}

// Close marks the source closed
func (s *HTTPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
