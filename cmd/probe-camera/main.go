package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/SergueiMoscow/surveillance/internal/config"
	"github.com/SergueiMoscow/surveillance/internal/logger"
	"github.com/SergueiMoscow/surveillance/internal/motion"
	"github.com/SergueiMoscow/surveillance/internal/video"
)

func main() {
	var (
		configPath string
		cameraID   string
		source     string
		frames     int
		outDir     string
		timeout    time.Duration
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&cameraID, "camera", "", "Probe only this configured camera")
	flag.StringVar(&source, "source", "", "Probe this locator instead of the configured cameras")
	flag.IntVar(&frames, "frames", 10, "Frames to pull from each camera")
	flag.StringVar(&outDir, "out", "", "Directory to save the last frame of each camera as JPEG")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Time limit per camera")
	flag.Parse()
	if frames < 1 {
		frames = 1
	}

	fmt.Println("=== Camera Probe ===")
	fmt.Println()

	log, err := logger.New(logger.LogConfig{
		Level:  "info",
		Format: "text",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, cameras, err := loadTargets(configPath, cameraID, source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ffmpeg, err := video.NewFFmpegWrapper(cfg.Cameras.FFmpegPath, log)
	if err != nil {
		fmt.Printf("ffmpeg not available (%v), only HTTP cameras can be probed\n\n", err)
		ffmpeg = nil
	} else if version, err := ffmpeg.GetVersion(); err == nil {
		fmt.Printf("Using %s\n\n", version)
	}

	opener := video.NewOpener(video.OpenerConfig{
		RTSPTransport: cfg.Cameras.RTSP.Transport,
		ReadTimeout:   cfg.Cameras.ReadTimeout.Duration(),
		HTTPInterval:  cfg.Cameras.HTTPInterval.Duration(),
	}, ffmpeg, log)
	probe := video.NewRTSPProbe(cfg.Cameras.RTSP.Transport, cfg.Cameras.RTSP.ProbeTimeout.Duration(), log)

	failed := 0
	for _, cam := range cameras {
		fmt.Printf("=== %s (%s) ===\n", cam.ID, video.Redact(cam.Source))
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := probeCamera(ctx, cfg, cam, opener, probe, frames, outDir); err != nil {
			fmt.Printf("  FAILED: %v\n", err)
			failed++
		}
		cancel()
		fmt.Println()
	}

	fmt.Println("=== Summary ===")
	fmt.Printf("%d of %d camera(s) delivered frames\n", len(cameras)-failed, len(cameras))
	if failed > 0 {
		os.Exit(1)
	}
}

// loadTargets returns the cameras to probe. A -source locator works
// without a configuration file.
func loadTargets(configPath, cameraID, source string) (*config.Config, []config.CameraConfig, error) {
	if source != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			cfg = config.Default()
		}
		return cfg, []config.CameraConfig{{ID: "source", Source: source}}, nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cameraID == "" {
		return cfg, cfg.Cameras.List, nil
	}
	cam, ok := cfg.Camera(cameraID)
	if !ok {
		return nil, nil, fmt.Errorf("camera %q is not configured", cameraID)
	}
	return cfg, []config.CameraConfig{cam}, nil
}

func probeCamera(
	ctx context.Context,
	cfg *config.Config,
	cam config.CameraConfig,
	opener *video.Opener,
	probe *video.RTSPProbe,
	frames int,
	outDir string,
) error {
	if video.IsRTSP(cam.Source) {
		res, err := probe.Probe(ctx, cam.Source)
		if err != nil {
			return fmt.Errorf("rtsp probe: %w", err)
		}
		fmt.Printf("  RTSP: %d media, formats %v, first packet after %s\n", res.Medias, res.Formats, res.FirstPacket)
	}

	src, err := opener.Open(ctx, cam.Source)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer src.Close()

	detector := motion.NewDetector(cfg.Motion)
	var last *video.Frame
	motionFrames := 0
	start := time.Now()

	for i := 0; i < frames; i++ {
		frame, err := src.Pull(ctx)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i+1, err)
		}
		if detector.Detect(frame.Image).Motion {
			motionFrames++
		}
		last = frame
	}

	elapsed := time.Since(start)
	fmt.Printf("  %d frame(s) %dx%d in %s (%.1f fps), motion in %d\n",
		frames, last.Width, last.Height, elapsed.Round(time.Millisecond),
		float64(frames)/elapsed.Seconds(), motionFrames)

	if outDir != "" && last != nil {
		data, err := video.EncodeJPEG(last.Image, cfg.Cameras.JPEGQuality)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		if err := os.MkdirAll(outDir, 0755); err != nil {
			return err
		}
		path := filepath.Join(outDir, cam.ID+".jpg")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return err
		}
		fmt.Printf("  Saved %s\n", path)
	}
	return nil
}
