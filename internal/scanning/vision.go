package scanning

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"
)

// VisionConfidence is reported for Cloud Vision text, which carries no
// usable overall score.
const VisionConfidence = 0.95

// VisionConfig configures the Cloud Vision tier
type VisionConfig struct {
	APIKey            string
	Endpoint          string // override for testing, e.g. "http://127.0.0.1:1234/"
	LanguageHints     []string
	Attempts          uint
	RetryDelay        time.Duration
	RequestsPerSecond float64
	Timeout           time.Duration
}

// CloudVision reads receipts with Google Cloud Vision TEXT_DETECTION
type CloudVision struct {
	svc     *vision.Service
	cfg     VisionConfig
	limiter *rate.Limiter
}

// NewCloudVision creates a new CloudVision tier
func NewCloudVision(ctx context.Context, cfg VisionConfig) (*CloudVision, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("vision api key is required")
	}
	if len(cfg.LanguageHints) == 0 {
		cfg.LanguageHints = []string{"zh-TW", "en"}
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := vision.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating vision client: %w", err)
	}

	return &CloudVision{
		svc:     svc,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}, nil
}

func (v *CloudVision) Name() string { return "vision" }

// Recognize sends the image to images:annotate and returns the full text
// annotation.
func (v *CloudVision) Recognize(ctx context.Context, pngData []byte) (*Recognition, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	req := &vision.BatchAnnotateImagesRequest{
		Requests: []*vision.AnnotateImageRequest{{
			Image:        &vision.Image{Content: base64.StdEncoding.EncodeToString(pngData)},
			Features:     []*vision.Feature{{Type: "TEXT_DETECTION"}},
			ImageContext: &vision.ImageContext{LanguageHints: v.cfg.LanguageHints},
		}},
	}

	var resp *vision.BatchAnnotateImagesResponse
	err := retry.Do(
		func() error {
			if err := v.limiter.Wait(ctx); err != nil {
				return err
			}
			var err error
			resp, err = v.svc.Images.Annotate(req).Context(ctx).Do()
			return err
		},
		retry.RetryIf(func(err error) bool {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && (apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500) {
				slog.Warn("Vision request failed, will retry", "code", apiErr.Code, "error", err)
				return true
			}
			return false
		}),
		retry.Context(ctx),
		retry.Attempts(v.cfg.Attempts),
		retry.Delay(v.cfg.RetryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("annotating image: %w", err)
	}

	if len(resp.Responses) == 0 {
		return nil, errNoText
	}
	first := resp.Responses[0]
	if first.Error != nil && first.Error.Code != 0 {
		return nil, fmt.Errorf("vision error %d: %s", first.Error.Code, first.Error.Message)
	}
	if len(first.TextAnnotations) == 0 || first.TextAnnotations[0].Description == "" {
		return nil, errNoText
	}

	return &Recognition{
		Text:       first.TextAnnotations[0].Description,
		Confidence: VisionConfidence,
		Source:     SourceCloud,
	}, nil
}

func (v *CloudVision) Close() error { return nil }
