package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxSegmentFrames is the upper bound for recording.max_frames
const MaxSegmentFrames = 500

// Config represents the application configuration
type Config struct {
	Log       LogConfig       `yaml:"log,omitempty"`
	Cameras   CamerasConfig   `yaml:"cameras"`
	Motion    MotionConfig    `yaml:"motion"`
	Detection DetectionConfig `yaml:"detection"`
	Recording RecordingConfig `yaml:"recording"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Web       WebConfig       `yaml:"web"`
	Health    HealthConfig    `yaml:"health"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	State     StateConfig     `yaml:"state"`
}

// CamerasConfig contains camera sources and pipeline settings shared by all cameras
type CamerasConfig struct {
	// File is a JSON document mapping camera id to source locator.
	File string         `yaml:"file"`
	List []CameraConfig `yaml:"list"`

	SkipFrames       int        `yaml:"skip_frames"`
	ReconnectBackoff Duration   `yaml:"reconnect_backoff"`
	ReadTimeout      Duration   `yaml:"read_timeout"`
	HTTPInterval     Duration   `yaml:"http_interval"`
	RestartDelay     Duration   `yaml:"restart_delay"`
	FrameWidth       int        `yaml:"frame_width"`
	FrameHeight      int        `yaml:"frame_height"`
	JPEGQuality      int        `yaml:"jpeg_quality"`
	FFmpegPath       string     `yaml:"ffmpeg_path"`
	RTSP             RTSPConfig `yaml:"rtsp"`
}

// CameraConfig describes a single camera
type CameraConfig struct {
	ID     string `yaml:"id" json:"id"`
	Source string `yaml:"source" json:"source"`
	// SkipFrames overrides cameras.skip_frames when set
	SkipFrames *int `yaml:"skip_frames,omitempty" json:"skip_frames,omitempty"`
}

// RTSPConfig contains RTSP client configuration
type RTSPConfig struct {
	Transport    string   `yaml:"transport"`
	Probe        bool     `yaml:"probe"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
}

// MotionConfig contains motion detector tuning
type MotionConfig struct {
	MinArea            int  `yaml:"min_area"`
	Threshold          int  `yaml:"threshold"`
	BlurKernel         int  `yaml:"blur_kernel"`
	DilateIterations   int  `yaml:"dilate_iterations"`
	DisplayChangeZones bool `yaml:"display_change_zones"`
}

// DetectionConfig contains object classifier configuration
type DetectionConfig struct {
	// Mode is "http" (remote inference service) or "none" (every frame counts as an object).
	Mode          string   `yaml:"mode"`
	ServiceURL    string   `yaml:"service_url"`
	Timeout       Duration `yaml:"timeout"`
	MinConfidence float64  `yaml:"min_confidence"`
	IgnoreClasses []string `yaml:"ignore_classes"`
}

// RecordingConfig contains segment recording configuration
type RecordingConfig struct {
	Root      string `yaml:"root"`
	FPS       int    `yaml:"fps"`
	MaxFrames int    `yaml:"max_frames"`
}

// ArchiveConfig contains archive eviction configuration
type ArchiveConfig struct {
	MaxSize   ByteSize `yaml:"max_size"`
	Interval  Duration `yaml:"interval"`
	BatchSize int      `yaml:"batch_size"`
	// AllowTodayEviction lets the sweep delete files from the current day's
	// camera directories. Open segments are never deleted.
	AllowTodayEviction bool `yaml:"allow_today_eviction"`
}

// WebConfig contains web server configuration
type WebConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	StreamFPS int    `yaml:"stream_fps"`
}

// HealthConfig contains health check server configuration
type HealthConfig struct {
	Port int `yaml:"port"`
}

// GRPCConfig contains the gRPC health service configuration
type GRPCConfig struct {
	// Listen address, empty disables the gRPC server
	Listen string `yaml:"listen"`
}

// MetricsConfig contains prometheus exposition configuration
type MetricsConfig struct {
	Path string `yaml:"path"`
}

// StateConfig contains the segment index database configuration
type StateConfig struct {
	DBPath string `yaml:"db_path"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.setDefaults()

	if cfg.Cameras.File != "" {
		if !filepath.IsAbs(cfg.Cameras.File) {
			cfg.Cameras.File = filepath.Join(filepath.Dir(configPath), cfg.Cameras.File)
		}
		if err := cfg.loadCameraFile(); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	paths := []string{
		"./config/config.dev.yaml",
		"./config/config.yaml",
		"../config/config.yaml",
		"/etc/surveillance/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return paths[0]
}

// loadCameraFile merges cameras from the JSON camera file. Inline cameras
// take precedence over file entries with the same id.
func (c *Config) loadCameraFile() error {
	data, err := os.ReadFile(c.Cameras.File)
	if err != nil {
		return fmt.Errorf("failed to read camera file: %w", err)
	}

	var sources map[string]string
	if err := json.Unmarshal(data, &sources); err != nil {
		return fmt.Errorf("failed to parse camera file %s: %w", c.Cameras.File, err)
	}

	known := make(map[string]bool, len(c.Cameras.List))
	for _, cam := range c.Cameras.List {
		known[cam.ID] = true
	}

	ids := make([]string, 0, len(sources))
	for id := range sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if known[id] {
			continue
		}
		c.Cameras.List = append(c.Cameras.List, CameraConfig{ID: id, Source: sources[id]})
	}
	return nil
}

// SkipFramesFor returns the skip interval for a camera
func (c *Config) SkipFramesFor(cam CameraConfig) int {
	if cam.SkipFrames != nil {
		return *cam.SkipFrames
	}
	return c.Cameras.SkipFrames
}

// Camera looks up a configured camera by id
func (c *Config) Camera(id string) (CameraConfig, bool) {
	for _, cam := range c.Cameras.List {
		if cam.ID == id {
			return cam, true
		}
	}
	return CameraConfig{}, false
}

// setDefaults sets default values for configuration
// Default returns a configuration with every default applied and no cameras
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Cameras.ReconnectBackoff == 0 {
		c.Cameras.ReconnectBackoff = Duration(60 * time.Second)
	}
	if c.Cameras.ReadTimeout == 0 {
		c.Cameras.ReadTimeout = Duration(30 * time.Second)
	}
	if c.Cameras.HTTPInterval == 0 {
		c.Cameras.HTTPInterval = Duration(time.Second)
	}
	if c.Cameras.RestartDelay == 0 {
		c.Cameras.RestartDelay = Duration(5 * time.Second)
	}
	if c.Cameras.FrameWidth == 0 {
		c.Cameras.FrameWidth = 640
	}
	if c.Cameras.FrameHeight == 0 {
		c.Cameras.FrameHeight = 360
	}
	if c.Cameras.JPEGQuality == 0 {
		c.Cameras.JPEGQuality = 85
	}
	if c.Cameras.FFmpegPath == "" {
		c.Cameras.FFmpegPath = "ffmpeg"
	}
	if c.Cameras.RTSP.Transport == "" {
		c.Cameras.RTSP.Transport = "tcp"
	}
	if c.Cameras.RTSP.ProbeTimeout == 0 {
		c.Cameras.RTSP.ProbeTimeout = Duration(10 * time.Second)
	}

	if c.Motion.MinArea == 0 {
		c.Motion.MinArea = 500
	}
	if c.Motion.Threshold == 0 {
		c.Motion.Threshold = 25
	}
	if c.Motion.BlurKernel == 0 {
		c.Motion.BlurKernel = 21
	}
	if c.Motion.DilateIterations == 0 {
		c.Motion.DilateIterations = 2
	}

	if c.Detection.Mode == "" {
		c.Detection.Mode = "http"
	}
	if c.Detection.ServiceURL == "" {
		c.Detection.ServiceURL = "http://localhost:8080"
	}
	if c.Detection.Timeout == 0 {
		c.Detection.Timeout = Duration(5 * time.Second)
	}
	if c.Detection.MinConfidence == 0 {
		c.Detection.MinConfidence = 0.5
	}
	if c.Detection.IgnoreClasses == nil {
		c.Detection.IgnoreClasses = []string{"bottle", "boat", "train", "bus", "aeroplane", "diningtable"}
	}

	if c.Recording.Root == "" {
		c.Recording.Root = "./data/archive"
	}
	if c.Recording.FPS == 0 {
		c.Recording.FPS = 20
	}
	if c.Recording.MaxFrames == 0 {
		c.Recording.MaxFrames = MaxSegmentFrames
	}

	if c.Archive.MaxSize == 0 {
		c.Archive.MaxSize = 50 * GB
	}
	if c.Archive.Interval == 0 {
		c.Archive.Interval = Duration(60 * time.Second)
	}
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = 10
	}

	if c.Web.Port == 0 {
		c.Web.Port = 8000
	}
	if c.Web.StreamFPS == 0 {
		c.Web.StreamFPS = 15
	}

	if c.Health.Port == 0 {
		c.Health.Port = 8081
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.State.DBPath == "" {
		c.State.DBPath = "./data/db/surveillance.db"
	}
}
