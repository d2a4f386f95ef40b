package video

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SergueiMoscow/surveillance/internal/logger"
)

var (
	// ErrFrameUnavailable reports a transient miss: no frame this time, but
	// the source is still usable.
	ErrFrameUnavailable = errors.New("frame unavailable")
	// ErrSourceClosed reports that the source ended and must be reopened.
	ErrSourceClosed = errors.New("source closed")
)

// Source yields decoded frames from a camera
type Source interface {
	// Pull blocks until the next frame is available
	Pull(ctx context.Context) (*Frame, error)
	Close() error
}

// Kind identifies the transport behind a locator
type Kind string

const (
	KindStream Kind = "stream" // rtsp(s) or file, decoded by ffmpeg
	KindHTTP   Kind = "http"   // JPEG snapshot polled over HTTP
)

// SourceOpener opens a frame source for a locator
type SourceOpener interface {
	Open(ctx context.Context, locator string) (Source, error)
}

// OpenerConfig contains frame source settings shared by all cameras
type OpenerConfig struct {
	RTSPTransport string
	RTSPProbe     bool
	ProbeTimeout  time.Duration
	ReadTimeout   time.Duration
	HTTPInterval  time.Duration
	HTTPClient    *http.Client
}

// Opener selects a source implementation from the locator scheme
type Opener struct {
	cfg    OpenerConfig
	ffmpeg *FFmpegWrapper
	probe  *RTSPProbe
	logger *logger.Logger
}

// NewOpener creates an opener. ffmpeg may be nil when only HTTP cameras
// are configured.
func NewOpener(cfg OpenerConfig, ffmpeg *FFmpegWrapper, log *logger.Logger) *Opener {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.HTTPInterval <= 0 {
		cfg.HTTPInterval = time.Second
	}
	o := &Opener{cfg: cfg, ffmpeg: ffmpeg, logger: log}
	if cfg.RTSPProbe {
		o.probe = NewRTSPProbe(cfg.RTSPTransport, cfg.ProbeTimeout, log)
	}
	return o
}

// LocatorKind classifies a locator by scheme
func LocatorKind(locator string) (Kind, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("invalid locator: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "rtsp", "rtsps", "file", "":
		return KindStream, nil
	case "http", "https":
		return KindHTTP, nil
	default:
		return "", fmt.Errorf("unsupported locator scheme %q", u.Scheme)
	}
}

// Open opens a source for locator
func (o *Opener) Open(ctx context.Context, locator string) (Source, error) {
	kind, err := LocatorKind(locator)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindHTTP:
		return NewHTTPSource(locator, o.cfg.HTTPInterval, o.cfg.HTTPClient), nil
	default:
		if o.ffmpeg == nil {
			return nil, fmt.Errorf("ffmpeg is required for %s", Redact(locator))
		}
		if o.probe != nil && IsRTSP(locator) {
			if _, err := o.probe.Probe(ctx, locator); err != nil {
				return nil, fmt.Errorf("rtsp probe failed: %w", err)
			}
		}
		return StartStreamSource(ctx, o.ffmpeg, StreamSourceConfig{
			Locator:       locator,
			RTSPTransport: o.cfg.RTSPTransport,
			ReadTimeout:   o.cfg.ReadTimeout,
		}, o.logger)
	}
}

// IsRTSP reports whether locator uses an RTSP scheme
func IsRTSP(locator string) bool {
	l := strings.ToLower(locator)
	return strings.HasPrefix(l, "rtsp://") || strings.HasPrefix(l, "rtsps://")
}

// Redact removes credentials from a locator for logging
func Redact(locator string) string {
	u, err := url.Parse(locator)
	if err != nil || u.User == nil {
		return locator
	}
	u.User = url.User("redacted")
	return u.String()
}
