// Package detectiondashboard compares object detection services on the
// same image.
//
// Each vendor (Azure Custom Vision, Google AutoML / Vertex AI, or a local
// vision-language model) answers in its own format. The dashboard sends the
// image to a vendor, converts the answer into canonical detections with
// normalized bounding boxes, filters them by confidence and draws them onto
// the image with one color per tag.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//		"os"
//
//		detectiondashboard "github.com/menta2k/detection-dashboard"
//	)
//
//	func main() {
//		cfg, err := detectiondashboard.LoadConfig("config.yaml")
//		if err != nil {
//			log.Fatal(err)
//		}
//		dash, err := detectiondashboard.New(cfg, nil)
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer dash.Close()
//
//		data, err := os.ReadFile("street.jpg")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		outcome, err := dash.Detect(context.Background(), "azure", data, 0.5)
//		if err != nil {
//			log.Fatal(err)
//		}
//		for _, group := range outcome.Groups {
//			fmt.Printf("%s: %d\n", group.Tag, len(group.Detections))
//		}
//	}
//
// The package wires together:
//
//  1. Transport (pkg/transport): one Caller per vendor
//  2. Normalize (pkg/normalize): vendor payload to canonical detections
//  3. Detection (pkg/detection): per-vendor services built from configuration
//  4. Annotate (pkg/annotate) and Palette (pkg/palette): drawing the results
//  5. Processing (pkg/processing): decoding, resizing and encoding images
package detectiondashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/menta2k/detection-dashboard/internal/config"
	applog "github.com/menta2k/detection-dashboard/internal/logger"
	"github.com/menta2k/detection-dashboard/internal/utils"
	"github.com/menta2k/detection-dashboard/pkg/annotate"
	"github.com/menta2k/detection-dashboard/pkg/detection"
	"github.com/menta2k/detection-dashboard/pkg/metrics"
	"github.com/menta2k/detection-dashboard/pkg/normalize"
	"github.com/menta2k/detection-dashboard/pkg/palette"
	"github.com/menta2k/detection-dashboard/pkg/processing"
	"github.com/menta2k/detection-dashboard/pkg/types"
)

// Version of the detection dashboard
const Version = "1.0.0"

// ErrInvalidImage is returned when the uploaded bytes are not a usable image
var ErrInvalidImage = errors.New("invalid image")

// Dashboard runs detections and renders their results
type Dashboard struct {
	cfg        *config.Config
	logger     *zap.Logger
	metrics    *metrics.Collector
	normalizer *normalize.Normalizer
	factory    *detection.Factory
	annotator  *annotate.Annotator
	processor  *processing.Processor
}

// Outcome is one vendor's answer for one image
type Outcome struct {
	Service   string                `json:"service"`
	Result    types.DetectionResult `json:"result"`
	Filtered  []types.Detection     `json:"filtered"`
	Groups    types.TagGroups       `json:"groups"`
	Colors    map[string]string     `json:"colors"`
	Image     image.Image           `json:"-"`
	Annotated image.Image           `json:"-"`
	Err       error                 `json:"-"`
}

// LoadConfig reads path and the environment, see config.Load
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

// New creates a dashboard from configuration. logger may be nil.
func New(cfg *config.Config, logger *zap.Logger) (*Dashboard, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger = applog.OrNop(logger)

	opts := annotate.DefaultOptions()
	if len(cfg.Annotation.Palette) > 0 {
		p, err := palette.FromHex(cfg.Annotation.Palette)
		if err != nil {
			return nil, fmt.Errorf("invalid annotation palette: %w", err)
		}
		opts.Palette = p
	}
	opts.StrokeWidth = cfg.Annotation.StrokeWidth
	opts.FontPath = cfg.Annotation.FontPath
	opts.FontSize = cfg.Annotation.FontSize
	opts.LabelAlpha = uint8(cfg.Annotation.LabelAlpha)

	collector := metrics.New()
	normalizer := normalize.New(logger.Named("normalize"), collector)
	procCfg := processing.DefaultConfig()
	procCfg.MaxWidth = cfg.Detection.MaxWidth
	procCfg.MaxHeight = cfg.Detection.MaxHeight

	return &Dashboard{
		cfg:        cfg,
		logger:     logger,
		metrics:    collector,
		normalizer: normalizer,
		factory:    detection.NewFactory(cfg, normalizer, collector, logger.Named("detection")),
		annotator:  annotate.New(opts, logger.Named("annotate"), collector),
		processor:  processing.NewProcessorWithConfig(procCfg),
	}, nil
}

// Config returns the configuration the dashboard was built with
func (d *Dashboard) Config() *config.Config { return d.cfg }

// Metrics returns the Prometheus collector
func (d *Dashboard) Metrics() *metrics.Collector { return d.metrics }

// Factory returns the detection service factory
func (d *Dashboard) Factory() *detection.Factory { return d.factory }

// Processor returns the image processor
func (d *Dashboard) Processor() *processing.Processor { return d.processor }

// Normalizer returns the payload normalizer
func (d *Dashboard) Normalizer() *normalize.Normalizer { return d.normalizer }

// AvailableServices lists the usable service keys
func (d *Dashboard) AvailableServices() []string {
	return d.factory.Available()
}

// PrepareImage decodes data and shrinks it to the display size
func (d *Dashboard) PrepareImage(data []byte) (image.Image, error) {
	img, _, err := processing.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	if err := d.processor.ValidateImage(img); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	return processing.ToNRGBA(d.processor.Fit(img)), nil
}

// Detect sends data to one service and annotates the displayed image.
// A negative threshold selects the service default.
func (d *Dashboard) Detect(ctx context.Context, service string, data []byte, threshold float64) (*Outcome, error) {
	svc, err := d.factory.Get(service)
	if err != nil {
		return nil, err
	}
	img, err := d.PrepareImage(data)
	if err != nil {
		return nil, err
	}
	return d.detect(ctx, svc, data, img, threshold)
}

func (d *Dashboard) detectPrepared(ctx context.Context, service string, data []byte, img image.Image, threshold float64) (*Outcome, error) {
	svc, err := d.factory.Get(service)
	if err != nil {
		return nil, err
	}
	return d.detect(ctx, svc, data, img, threshold)
}

func (d *Dashboard) detect(ctx context.Context, svc *detection.Service, data []byte, img image.Image, threshold float64) (*Outcome, error) {
	result, err := svc.DetectObjects(ctx, data, threshold)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	result, err = result.WithImageDimensions(b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}
	return d.render(svc.Key(), result, img), nil
}

// Render filters, groups and draws an existing result onto img
func (d *Dashboard) Render(service string, result types.DetectionResult, img image.Image) *Outcome {
	return d.render(service, result, img)
}

func (d *Dashboard) render(service string, result types.DetectionResult, img image.Image) *Outcome {
	threshold := result.ConfidenceThreshold()
	filtered := result.FilterByConfidence(threshold)

	colors := make(map[string]string)
	for tag, c := range d.annotator.Colors(filtered) {
		colors[tag] = palette.Hex(c)
	}

	return &Outcome{
		Service:   service,
		Result:    result,
		Filtered:  filtered,
		Groups:    types.GroupByTag(filtered),
		Colors:    colors,
		Image:     img,
		Annotated: d.annotator.Annotate(img, result, threshold),
	}
}

// DetectAll queries every available service concurrently. Outcomes follow
// AvailableServices order; a failing service only sets its own Err.
func (d *Dashboard) DetectAll(ctx context.Context, data []byte, threshold float64) ([]Outcome, error) {
	img, err := d.PrepareImage(data)
	if err != nil {
		return nil, err
	}

	services := d.AvailableServices()
	outcomes := make([]Outcome, len(services))
	var wg sync.WaitGroup
	for i, service := range services {
		wg.Add(1)
		go func(i int, service string) {
			defer wg.Done()
			out, err := d.detectPrepared(ctx, service, data, img, threshold)
			if err != nil {
				d.logger.Warn("service failed", zap.String("service", service), zap.Error(err))
				outcomes[i] = Outcome{Service: service, Image: img, Err: err}
				return
			}
			outcomes[i] = *out
		}(i, service)
	}
	wg.Wait()
	return outcomes, nil
}

// ProcessImageFile runs one service on a file and writes the annotated image
// and the exported result into outputDir. It returns the written paths.
func (d *Dashboard) ProcessImageFile(ctx context.Context, service, source, outputDir string, threshold float64) (string, string, error) {
	data, err := d.processor.ReadSource(ctx, source)
	if err != nil {
		return "", "", fmt.Errorf("failed to load image: %w", err)
	}

	outcome, err := d.Detect(ctx, service, data, threshold)
	if err != nil {
		return "", "", err
	}

	if err := utils.EnsureDir(outputDir); err != nil {
		return "", "", fmt.Errorf("failed to create output directory: %w", err)
	}
	imagePath, resultPath := utils.OutputPaths(source, outputDir, d.cfg.Output.Suffix, d.cfg.Output.DefaultFormat)

	if err := processing.SaveImage(outcome.Annotated, imagePath, d.cfg.Output.DefaultFormat, d.cfg.Output.Quality); err != nil {
		return "", "", fmt.Errorf("failed to save annotated image: %w", err)
	}

	data, err = json.MarshalIndent(outcome.Result.ToSerializable(), "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("failed to encode result: %w", err)
	}
	if err := os.WriteFile(resultPath, data, 0644); err != nil {
		return "", "", fmt.Errorf("failed to write result: %w", err)
	}
	return imagePath, resultPath, nil
}

// Close releases vendor connections
func (d *Dashboard) Close() error {
	return d.factory.Close()
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
