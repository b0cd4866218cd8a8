package detection

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/menta2k/detection-dashboard/internal/config"
	"github.com/menta2k/detection-dashboard/pkg/normalize"
	"github.com/menta2k/detection-dashboard/pkg/transport"
	"github.com/menta2k/detection-dashboard/pkg/transport/azure"
	"github.com/menta2k/detection-dashboard/pkg/transport/google"
	"github.com/menta2k/detection-dashboard/pkg/transport/vlm"
)

var (
	// ErrUnknownService is returned for a service key nothing knows about
	ErrUnknownService = errors.New("unknown detection service")
	// ErrServiceUnavailable is returned for a known but unconfigured service
	ErrServiceUnavailable = errors.New("detection service unavailable")
)

// Factory builds services from configuration on first use and caches them
type Factory struct {
	cfg        *config.Config
	normalizer *normalize.Normalizer
	recorder   Recorder
	logger     *zap.Logger

	mu       sync.Mutex
	services map[string]*Service
}

// NewFactory creates a factory. normalizer, recorder and logger may be nil.
func NewFactory(cfg *config.Config, normalizer *normalize.Normalizer, recorder Recorder, logger *zap.Logger) *Factory {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if normalizer == nil {
		normalizer = normalize.New(logger, nil)
	}
	return &Factory{
		cfg:        cfg,
		normalizer: normalizer,
		recorder:   recorder,
		logger:     logger,
		services:   make(map[string]*Service),
	}
}

// DisplayName maps a service key to the vendor display name
func DisplayName(key string) string {
	switch key {
	case config.ServiceAzure:
		return normalize.ServiceAzure
	case config.ServiceGoogle:
		return normalize.ServiceGoogle
	case config.ServiceVision:
		return normalize.ServiceVLM
	}
	return key
}

// Register installs a prebuilt service under its key
func (f *Factory) Register(svc *Service) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[svc.Key()] = svc
}

// Available lists usable service keys: configured vendors in their fixed
// order, then registered extras sorted
func (f *Factory) Available() []string {
	out := f.cfg.AvailableServices()

	f.mu.Lock()
	var extra []string
	for key := range f.services {
		if !slices.Contains(out, key) {
			extra = append(extra, key)
		}
	}
	f.mu.Unlock()

	slices.Sort(extra)
	return append(out, extra...)
}

// Get returns the service for key, building it on first use
func (f *Factory) Get(key string) (*Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if svc, ok := f.services[key]; ok {
		return svc, nil
	}
	if !slices.Contains(config.Services(), key) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, key)
	}
	if err := f.cfg.RequireService(key); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}

	caller, variant, err := f.build(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrServiceUnavailable, key, err)
	}
	svc, err := NewService(key, variant, caller, f.normalizer, f.recorder, f.logger)
	if err != nil {
		return nil, err
	}
	svc.SetDefaultThreshold(f.cfg.Detection.ConfidenceThreshold)

	f.services[key] = svc
	f.logger.Info("detection service ready",
		zap.String("service", key),
		zap.String("name", svc.Name()),
		zap.String("variant", string(variant)))
	return svc, nil
}

func (f *Factory) build(key string) (transport.Caller, normalize.Variant, error) {
	switch key {
	case config.ServiceAzure:
		c, err := azure.New(azure.Options{
			PredictionURL: f.cfg.Azure.PredictionURL,
			PredictionKey: f.cfg.Azure.PredictionKey,
			Timeout:       f.cfg.Azure.Timeout,
		}, f.logger)
		return c, normalize.VariantAzure, err

	case config.ServiceGoogle:
		opts := google.Options{
			ProjectID:       f.cfg.Google.ProjectID,
			Location:        f.cfg.Google.Location,
			EndpointID:      f.cfg.Google.EndpointID,
			ModelID:         f.cfg.Google.ModelID,
			CredentialsFile: f.cfg.Google.CredentialsFile,
			MaxPredictions:  f.cfg.Google.MaxPredictions,
			Timeout:         f.cfg.Google.Timeout,
		}
		if f.cfg.Google.API == config.GoogleAPIAutoML {
			c, err := google.NewAutoMLCaller(opts, f.logger)
			return c, normalize.VariantGoogleAutoML, err
		}
		c, err := google.NewVertexCaller(opts, f.logger)
		return c, normalize.VariantGoogleVertex, err

	case config.ServiceVision:
		var backend vlm.Backend
		if f.cfg.Vision.Backend == config.VisionBackendLlamaCpp {
			backend = vlm.NewLlamaCppBackend(f.cfg.Vision.URL, f.cfg.Vision.Timeout)
		} else {
			b, err := vlm.NewOllamaBackend(f.cfg.Vision.URL)
			if err != nil {
				return nil, "", err
			}
			backend = b
		}
		c, err := vlm.New(backend, vlm.Options{
			Model:       f.cfg.Vision.Model,
			MaxImageDim: f.cfg.Vision.MaxImageDim,
			Timeout:     f.cfg.Vision.Timeout,
		}, f.logger)
		return c, normalize.VariantVLM, err
	}
	return nil, "", fmt.Errorf("%w: %q", ErrUnknownService, key)
}

// Close releases callers holding connections and empties the service
// cache. A later Get builds a fresh service; registered services must be
// registered again.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for _, svc := range f.services {
		if c, ok := svc.caller.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	clear(f.services)
	return errors.Join(errs...)
}
