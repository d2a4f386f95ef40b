package video

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/SergueiMoscow/surveillance/internal/logger"
)

// FFmpegWrapper locates the ffmpeg binary and builds commands for it
type FFmpegWrapper struct {
	logger          *logger.Logger
	ffmpegPath      string
	version         string
	availableCodecs map[string]bool
	mu              sync.RWMutex
}

// NewFFmpegWrapper creates a new FFmpeg wrapper. The configured path is
// tried first, then common install locations.
func NewFFmpegWrapper(path string, log *logger.Logger) (*FFmpegWrapper, error) {
	wrapper := &FFmpegWrapper{
		logger:          log,
		availableCodecs: make(map[string]bool),
	}

	ffmpegPath, err := detectFFmpeg(path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	wrapper.ffmpegPath = ffmpegPath

	if version, err := wrapper.GetVersion(); err == nil {
		wrapper.version = version
	}

	codecs, err := wrapper.detectCodecs()
	if err != nil {
		log.Warn("Failed to detect codecs", "error", err)
	} else {
		wrapper.availableCodecs = codecs
	}

	log.Info("FFmpeg wrapper initialized",
		"path", wrapper.ffmpegPath,
		"version", wrapper.version,
		"mjpeg", wrapper.IsCodecAvailable("mjpeg"),
	)

	return wrapper, nil
}

// detectFFmpeg finds FFmpeg executable
func detectFFmpeg(preferred string) (string, error) {
	paths := []string{"ffmpeg", "/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg"}
	if preferred != "" {
		paths = append([]string{preferred}, paths...)
	}

	for _, path := range paths {
		cmd := exec.Command(path, "-version")
		if err := cmd.Run(); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("ffmpeg not found in PATH or common locations")
}

// detectCodecs collects encoder and decoder names reported by ffmpeg
func (f *FFmpegWrapper) detectCodecs() (map[string]bool, error) {
	codecs := make(map[string]bool)

	output, err := exec.Command(f.ffmpegPath, "-hide_banner", "-decoders").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to get decoders: %w", err)
	}
	parseCodecList(string(output), codecs)

	output, err = exec.Command(f.ffmpegPath, "-hide_banner", "-encoders").Output()
	if err != nil {
		return codecs, nil // Return decoders even if encoders fail
	}
	parseCodecList(string(output), codecs)

	return codecs, nil
}

// parseCodecList reads the " V....D name  description" table printed by
// ffmpeg -encoders / -decoders
func parseCodecList(output string, into map[string]bool) {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 || fields[1] == "=" {
			continue
		}
		switch fields[0][0] {
		case 'V', 'A', 'S':
			into[fields[1]] = true
		}
	}
}

// Path returns the resolved ffmpeg executable
func (f *FFmpegWrapper) Path() string {
	return f.ffmpegPath
}

// IsCodecAvailable checks if a codec is available
func (f *FFmpegWrapper) IsCodecAvailable(codec string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.availableCodecs[codec]
}

// BuildCommand builds an FFmpeg command bound to ctx
func (f *FFmpegWrapper) BuildCommand(ctx context.Context, args []string) *exec.Cmd {
	return exec.CommandContext(ctx, f.ffmpegPath, args...)
}

// GetVersion returns FFmpeg version
func (f *FFmpegWrapper) GetVersion() (string, error) {
	output, err := exec.Command(f.ffmpegPath, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to get ffmpeg version: %w", err)
	}

	lines := strings.Split(string(output), "\n")
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0]), nil
	}

	return "unknown", nil
}
