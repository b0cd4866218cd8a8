// Package detection runs vendor detection calls end to end: transport,
// normalization, timing and metrics.
package detection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/detection-dashboard/pkg/normalize"
	"github.com/menta2k/detection-dashboard/pkg/transport"
	"github.com/menta2k/detection-dashboard/pkg/types"
)

// DefaultThreshold is stamped on results when the caller gives none
const DefaultThreshold = 0.3

// Recorder receives one observation per vendor call
type Recorder interface {
	ObserveRequest(service string, elapsed time.Duration, detections int, err error)
}

// Service detects objects with one vendor
type Service struct {
	key        string
	variant    normalize.Variant
	name       string
	caller     transport.Caller
	normalizer *normalize.Normalizer
	recorder   Recorder
	logger     *zap.Logger
	threshold  float64
	now        func() time.Time
}

// NewService wires a caller to the parser registered for variant.
// recorder and logger may be nil.
func NewService(key string, variant normalize.Variant, caller transport.Caller, normalizer *normalize.Normalizer, recorder Recorder, logger *zap.Logger) (*Service, error) {
	if caller == nil {
		return nil, errors.New("detection: caller is required")
	}
	if normalizer == nil {
		normalizer = normalize.New(logger, nil)
	}
	parser, ok := normalizer.Parser(variant)
	if !ok {
		return nil, fmt.Errorf("detection: %w: %q", normalize.ErrUnknownVariant, variant)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		key:        key,
		variant:    variant,
		name:       parser.ServiceName(),
		caller:     caller,
		normalizer: normalizer,
		recorder:   recorder,
		logger:     logger.With(zap.String("service", key)),
		threshold:  DefaultThreshold,
		now:        time.Now,
	}, nil
}

// Key returns the configuration key of the vendor
func (s *Service) Key() string { return s.key }

// Name returns the vendor display name
func (s *Service) Name() string { return s.name }

// Variant returns the payload variant the vendor answers with
func (s *Service) Variant() normalize.Variant { return s.variant }

// DefaultThreshold returns the threshold used when DetectObjects gets a negative one
func (s *Service) DefaultThreshold() float64 { return s.threshold }

// SetDefaultThreshold changes the service default threshold
func (s *Service) SetDefaultThreshold(t float64) {
	if t >= 0 && t <= 1 {
		s.threshold = t
	}
}

// DetectObjects sends image to the vendor and normalizes the answer. A
// negative threshold selects the service default. Transport failures are
// returned as *transport.Error; an empty answer is a successful empty
// result.
func (s *Service) DetectObjects(ctx context.Context, image []byte, threshold float64) (types.DetectionResult, error) {
	if threshold < 0 {
		threshold = s.threshold
	}
	started := s.now()

	raw, err := s.caller.Call(ctx, image, threshold)
	if err != nil {
		var terr *transport.Error
		if !errors.As(err, &terr) {
			err = &transport.Error{Service: s.name, Err: err}
		}
		s.observe(s.now().Sub(started), 0, err)
		s.logger.Warn("vendor call failed", zap.Error(err))
		return types.DetectionResult{}, fmt.Errorf("%s detection failed: %w", s.name, err)
	}

	result, err := s.normalizer.Normalize(s.variant, raw, started, threshold)
	if err != nil {
		return types.DetectionResult{}, err
	}

	s.observe(result.ProcessingTime(), result.DetectionCount(), nil)
	s.logger.Info("detection complete",
		zap.Int("detections", result.DetectionCount()),
		zap.Float64("threshold", threshold),
		zap.Float64("processing_seconds", result.ProcessingSeconds()))
	return result, nil
}

func (s *Service) observe(elapsed time.Duration, detections int, err error) {
	if s.recorder != nil {
		s.recorder.ObserveRequest(s.key, elapsed, detections, err)
	}
}
