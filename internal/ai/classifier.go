package ai

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/SergueiMoscow/surveillance/internal/config"
	"github.com/SergueiMoscow/surveillance/internal/logger"
	"github.com/SergueiMoscow/surveillance/internal/video"
)

// Classifier decides whether a frame contains an object worth recording
type Classifier interface {
	Detect(ctx context.Context, img image.Image) (Detection, error)
}

// NewClassifier builds the classifier selected by detection.mode
func NewClassifier(cfg config.DetectionConfig, log *logger.Logger) (Classifier, error) {
	switch cfg.Mode {
	case "http":
		client := NewClient(ClientConfig{
			ServiceURL: cfg.ServiceURL,
			Timeout:    cfg.Timeout.Duration(),
		}, log.Component("inference"))
		return NewHTTPClassifier(client, cfg.MinConfidence, cfg.IgnoreClasses), nil
	case "none":
		return PassThrough{}, nil
	default:
		return nil, fmt.Errorf("unknown detection mode: %s", cfg.Mode)
	}
}

// HTTPClassifier classifies frames with the remote inference service
type HTTPClassifier struct {
	client        *Client
	minConfidence float64
	ignore        map[string]bool
}

// NewHTTPClassifier creates a classifier that drops boxes at or below
// minConfidence and boxes whose class is in ignoreClasses.
func NewHTTPClassifier(client *Client, minConfidence float64, ignoreClasses []string) *HTTPClassifier {
	ignore := make(map[string]bool, len(ignoreClasses))
	for _, class := range ignoreClasses {
		ignore[strings.ToLower(class)] = true
	}
	return &HTTPClassifier{
		client:        client,
		minConfidence: minConfidence,
		ignore:        ignore,
	}
}

// Client returns the inference service client
func (c *HTTPClassifier) Client() *Client {
	return c.client
}

// Detect sends the frame to the service and annotates qualifying boxes
func (c *HTTPClassifier) Detect(ctx context.Context, img image.Image) (Detection, error) {
	jpeg, err := video.EncodeJPEG(img, 90)
	if err != nil {
		return Detection{Frame: img}, fmt.Errorf("failed to encode frame: %w", err)
	}

	resp, err := c.client.Infer(ctx, jpeg, c.minConfidence)
	if err != nil {
		return Detection{Frame: img}, err
	}

	objects := c.filter(resp.BoundingBoxes)
	if len(objects) == 0 {
		return Detection{Frame: img}, nil
	}

	return Detection{
		Found:   true,
		Objects: objects,
		Frame:   Annotate(img, objects),
	}, nil
}

func (c *HTTPClassifier) filter(boxes []BoundingBox) []BoundingBox {
	var kept []BoundingBox
	for _, box := range boxes {
		if box.Confidence <= c.minConfidence {
			continue
		}
		if c.ignore[strings.ToLower(box.ClassName)] {
			continue
		}
		kept = append(kept, box)
	}
	return kept
}

// PassThrough reports every frame as containing an object. Used when no
// inference service is deployed so motion alone drives recording.
type PassThrough struct{}

func (PassThrough) Detect(_ context.Context, img image.Image) (Detection, error) {
	return Detection{Found: true, Frame: img}, nil
}
