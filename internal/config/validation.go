package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	if len(c.Cameras.List) == 0 {
		errors = append(errors, "at least one camera is required (cameras.list or cameras.file)")
	}
	seen := make(map[string]bool)
	for i, cam := range c.Cameras.List {
		if cam.ID == "" {
			errors = append(errors, fmt.Sprintf("cameras.list[%d].id is required", i))
			continue
		}
		if strings.ContainsAny(cam.ID, `/\`) || cam.ID == "." || cam.ID == ".." {
			errors = append(errors, fmt.Sprintf("camera id %q must be a single path element", cam.ID))
		}
		if seen[cam.ID] {
			errors = append(errors, fmt.Sprintf("duplicate camera id: %s", cam.ID))
		}
		seen[cam.ID] = true

		if err := validateLocator(cam.Source); err != nil {
			errors = append(errors, fmt.Sprintf("camera %s: %v", cam.ID, err))
		}
		if cam.SkipFrames != nil && *cam.SkipFrames < 0 {
			errors = append(errors, fmt.Sprintf("camera %s: skip_frames must be >= 0, got: %d", cam.ID, *cam.SkipFrames))
		}
	}

	if c.Cameras.SkipFrames < 0 {
		errors = append(errors, fmt.Sprintf("cameras.skip_frames must be >= 0, got: %d", c.Cameras.SkipFrames))
	}
	if c.Cameras.ReconnectBackoff <= 0 {
		errors = append(errors, fmt.Sprintf("cameras.reconnect_backoff must be > 0, got: %v", c.Cameras.ReconnectBackoff.Duration()))
	}
	if c.Cameras.ReadTimeout < 0 {
		errors = append(errors, fmt.Sprintf("cameras.read_timeout must be >= 0, got: %v", c.Cameras.ReadTimeout.Duration()))
	}
	if c.Cameras.HTTPInterval <= 0 {
		errors = append(errors, fmt.Sprintf("cameras.http_interval must be > 0, got: %v", c.Cameras.HTTPInterval.Duration()))
	}
	if c.Cameras.FrameWidth <= 0 || c.Cameras.FrameHeight <= 0 {
		errors = append(errors, fmt.Sprintf("cameras.frame_width/frame_height must be > 0, got: %dx%d", c.Cameras.FrameWidth, c.Cameras.FrameHeight))
	}
	if c.Cameras.JPEGQuality < 1 || c.Cameras.JPEGQuality > 100 {
		errors = append(errors, fmt.Sprintf("cameras.jpeg_quality must be between 1 and 100, got: %d", c.Cameras.JPEGQuality))
	}
	if c.Cameras.RTSP.Transport != "tcp" && c.Cameras.RTSP.Transport != "udp" {
		errors = append(errors, fmt.Sprintf("cameras.rtsp.transport must be tcp or udp, got: %s", c.Cameras.RTSP.Transport))
	}

	if c.Motion.MinArea < 0 {
		errors = append(errors, fmt.Sprintf("motion.min_area must be >= 0, got: %d", c.Motion.MinArea))
	}
	if c.Motion.Threshold < 0 || c.Motion.Threshold > 255 {
		errors = append(errors, fmt.Sprintf("motion.threshold must be between 0 and 255, got: %d", c.Motion.Threshold))
	}
	if c.Motion.BlurKernel < 1 || c.Motion.BlurKernel%2 == 0 {
		errors = append(errors, fmt.Sprintf("motion.blur_kernel must be a positive odd number, got: %d", c.Motion.BlurKernel))
	}

	switch c.Detection.Mode {
	case "http":
		if c.Detection.ServiceURL == "" {
			errors = append(errors, "detection.service_url is required when detection.mode is http")
		}
	case "none":
	default:
		errors = append(errors, fmt.Sprintf("invalid detection.mode: %s (must be: http or none)", c.Detection.Mode))
	}
	if c.Detection.MinConfidence < 0 || c.Detection.MinConfidence > 1 {
		errors = append(errors, fmt.Sprintf("detection.min_confidence must be between 0 and 1, got: %.2f", c.Detection.MinConfidence))
	}

	if c.Recording.Root == "" {
		errors = append(errors, "recording.root is required")
	}
	if c.Recording.FPS <= 0 {
		errors = append(errors, fmt.Sprintf("recording.fps must be > 0, got: %d", c.Recording.FPS))
	}
	if c.Recording.MaxFrames <= 0 || c.Recording.MaxFrames > MaxSegmentFrames {
		errors = append(errors, fmt.Sprintf("recording.max_frames must be between 1 and %d, got: %d", MaxSegmentFrames, c.Recording.MaxFrames))
	}

	if c.Archive.MaxSize <= 0 {
		errors = append(errors, fmt.Sprintf("archive.max_size must be > 0, got: %d", c.Archive.MaxSize))
	}
	if c.Archive.Interval <= 0 {
		errors = append(errors, fmt.Sprintf("archive.interval must be > 0, got: %v", c.Archive.Interval.Duration()))
	}
	if c.Archive.BatchSize <= 0 {
		errors = append(errors, fmt.Sprintf("archive.batch_size must be > 0, got: %d", c.Archive.BatchSize))
	}

	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		errors = append(errors, fmt.Sprintf("web.port must be between 1 and 65535, got: %d", c.Web.Port))
	}
	if c.Web.StreamFPS <= 0 {
		errors = append(errors, fmt.Sprintf("web.stream_fps must be > 0, got: %d", c.Web.StreamFPS))
	}
	if c.Health.Port < 0 || c.Health.Port > 65535 {
		errors = append(errors, fmt.Sprintf("health.port must be between 0 and 65535, got: %d", c.Health.Port))
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		errors = append(errors, fmt.Sprintf("metrics.path must start with /, got: %s", c.Metrics.Path))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// validateLocator checks that a camera source is a locator the pipeline can open
func validateLocator(source string) error {
	if source == "" {
		return fmt.Errorf("source is required")
	}
	u, err := url.Parse(source)
	if err != nil {
		return fmt.Errorf("invalid source %q: %w", source, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "rtsp", "rtsps", "http", "https", "file", "":
		return nil
	default:
		return fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
}
