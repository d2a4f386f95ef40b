package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to configuration.
// CAMERAS and SAVE_PATH are accepted for compatibility with existing deployments.
func applyEnvOverrides(cfg *Config) {
	if val := firstEnv("SURVEILLANCE_CAMERAS", "CAMERAS"); val != "" {
		cfg.Cameras.File = val
	}
	if val := firstEnv("SURVEILLANCE_SAVE_PATH", "SAVE_PATH"); val != "" {
		cfg.Recording.Root = val
	}
	if val := os.Getenv("SURVEILLANCE_MAX_ARCHIVE_SIZE"); val != "" {
		if size, err := ParseByteSize(val); err == nil {
			cfg.Archive.MaxSize = size
		}
	}
	if val := os.Getenv("SURVEILLANCE_SKIP_FRAMES"); val != "" {
		if n, err := parseInt(val); err == nil {
			cfg.Cameras.SkipFrames = n
		}
	}
	if val := os.Getenv("SURVEILLANCE_HTTP_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Cameras.HTTPInterval = Duration(d)
		}
	}
	if val := os.Getenv("SURVEILLANCE_DETECTION_URL"); val != "" {
		cfg.Detection.ServiceURL = val
	}
	if val := os.Getenv("SURVEILLANCE_PORT"); val != "" {
		if port, err := parseInt(val); err == nil {
			cfg.Web.Port = port
		}
	}
	if val := os.Getenv("SURVEILLANCE_DB_PATH"); val != "" {
		cfg.State.DBPath = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		cfg.Log.Output = val
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			return val
		}
	}
	return ""
}

func parseInt(s string) (int, error) {
	var result int
	_, err := fmt.Sscanf(s, "%d", &result)
	return result, err
}
