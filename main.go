package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SergueiMoscow/surveillance/internal/ai"
	"github.com/SergueiMoscow/surveillance/internal/camera"
	"github.com/SergueiMoscow/surveillance/internal/config"
	"github.com/SergueiMoscow/surveillance/internal/framecache"
	grpchealth "github.com/SergueiMoscow/surveillance/internal/grpc"
	"github.com/SergueiMoscow/surveillance/internal/health"
	"github.com/SergueiMoscow/surveillance/internal/logger"
	"github.com/SergueiMoscow/surveillance/internal/metrics"
	"github.com/SergueiMoscow/surveillance/internal/service"
	"github.com/SergueiMoscow/surveillance/internal/state"
	"github.com/SergueiMoscow/surveillance/internal/storage"
	"github.com/SergueiMoscow/surveillance/internal/telemetry"
	"github.com/SergueiMoscow/surveillance/internal/video"
	"github.com/SergueiMoscow/surveillance/internal/web"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const (
	shutdownTimeout   = 30 * time.Second
	telemetryInterval = 30 * time.Second
	diskFullPercent   = 95.0
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting surveillance",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"cameras", len(cfg.Cameras.List),
	)

	if err := run(cfg, log); err != nil {
		log.Error("Surveillance stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ffmpeg, err := video.NewFFmpegWrapper(cfg.Cameras.FFmpegPath, log.Component("ffmpeg"))
	if err != nil {
		// HTTP cameras still stream; RTSP cameras and recording report errors.
		log.Warn("ffmpeg not available", "error", err)
		ffmpeg = nil
	}

	classifier, err := ai.NewClassifier(cfg.Detection, log)
	if err != nil {
		return err
	}

	opener := video.NewOpener(video.OpenerConfig{
		RTSPTransport: cfg.Cameras.RTSP.Transport,
		RTSPProbe:     cfg.Cameras.RTSP.Probe,
		ProbeTimeout:  cfg.Cameras.RTSP.ProbeTimeout.Duration(),
		ReadTimeout:   cfg.Cameras.ReadTimeout.Duration(),
		HTTPInterval:  cfg.Cameras.HTTPInterval.Duration(),
	}, ffmpeg, log.Component("source"))

	cache := framecache.New()
	active := video.NewActiveSegments()

	svcMgr := service.NewManager(log)

	stateMgr, err := state.NewManager(cfg, log.Component("state"))
	if err != nil {
		return fmt.Errorf("failed to open segment index: %w", err)
	}

	cameraMgr := camera.NewManager(cfg, camera.Dependencies{
		Opener:     opener,
		Classifier: classifier,
		Sinks:      video.NewFFmpegSinkFactory(ffmpeg, cfg.Cameras.JPEGQuality, log.Component("recorder")),
		Cache:      cache,
		Active:     active,
	}, log.Component("camera"))

	archive := storage.NewArchiveManager(storage.ArchiveConfig{
		Root:               cfg.Recording.Root,
		MaxBytes:           int64(cfg.Archive.MaxSize),
		Interval:           cfg.Archive.Interval.Duration(),
		BatchSize:          cfg.Archive.BatchSize,
		AllowTodayEviction: cfg.Archive.AllowTodayEviction,
	}, active, stateMgr, log.Component("archive"))

	disk := storage.NewDiskMonitor(cfg.Recording.Root, diskFullPercent, log.Component("disk"))
	collector := telemetry.NewCollector(cameraMgr, disk, telemetryInterval, log.Component("telemetry"))

	webServer := web.NewServer(&cfg.Web, web.Dependencies{
		Cameras:     cameraMgr,
		Frames:      cache,
		Segments:    stateMgr,
		Archive:     archive,
		Resources:   collector,
		Metrics:     metrics.Handler(),
		MetricsPath: cfg.Metrics.Path,
	}, log.Component("web"))

	healthMgr := health.NewManager(cfg.Health.Port, log.Component("health"), svcMgr)
	healthMgr.RegisterChecker(health.NewStorageChecker(cfg.Recording.Root, disk))
	healthMgr.RegisterChecker(health.NewDatabaseChecker(stateMgr.GetDB()))
	healthMgr.RegisterChecker(health.NewCameraChecker(cameraMgr))
	var ffmpegBinary health.FFmpegBinary
	if ffmpeg != nil {
		ffmpegBinary = ffmpeg
	}
	healthMgr.RegisterChecker(health.NewFFmpegChecker(ffmpegBinary))
	if httpClassifier, ok := classifier.(*ai.HTTPClassifier); ok {
		healthMgr.RegisterChecker(health.NewAIServiceChecker(httpClassifier.Client(), cfg.Detection.ServiceURL))
	}

	// Start order matters: the index subscribes before cameras publish
	// segment events, and shutdown runs in reverse.
	svcMgr.Register(stateMgr)
	svcMgr.Register(cameraMgr)
	svcMgr.Register(archive)
	svcMgr.Register(collector)
	svcMgr.Register(webServer)
	if cfg.GRPC.Listen != "" {
		svcMgr.Register(grpchealth.NewHealthServer(cfg.GRPC.Listen, cameraMgr, log.Component("grpc")))
	}
	svcMgr.Register(healthMgr)

	if err := svcMgr.Start(ctx); err != nil {
		log.Error("Some services failed to start", "error", err)
		shutdown(svcMgr, log)
		return err
	}

	<-ctx.Done()
	log.Info("Received shutdown signal")
	return shutdown(svcMgr, log)
}

func shutdown(svcMgr *service.Manager, log *logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := svcMgr.Shutdown(ctx); err != nil {
		log.Error("Error during shutdown", "error", err)
		return err
	}
	return nil
}
