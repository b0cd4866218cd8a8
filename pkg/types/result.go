package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDimensionsAlreadySet is returned when image dimensions are bound twice
	ErrDimensionsAlreadySet = errors.New("image dimensions already set")
	// ErrInvalidDimensions is returned for non-positive image sizes
	ErrInvalidDimensions = errors.New("image dimensions must be positive")
)

// DetectionResult is the vendor-neutral outcome of one detection call.
//
// A result is built in two phases: a normalizer creates it from the vendor
// payload with NewDetectionResult, and the caller later binds the decoded
// image size with WithImageDimensions. Both phases return values; nothing
// mutates a result after it has been handed out.
type DetectionResult struct {
	serviceName         string
	detections          []Detection
	processingSeconds   float64
	imageDimensions     ImageDimensions
	confidenceThreshold float64
}

// NewDetectionResult creates a result with unknown image dimensions
func NewDetectionResult(serviceName string, detections []Detection, processingTime time.Duration, threshold float64) DetectionResult {
	return DetectionResult{
		serviceName:         serviceName,
		detections:          append([]Detection(nil), detections...),
		processingSeconds:   processingTime.Seconds(),
		confidenceThreshold: threshold,
	}
}

// WithImageDimensions returns a copy of the result bound to the given image size.
// Dimensions can only be bound once.
func (r DetectionResult) WithImageDimensions(width, height int) (DetectionResult, error) {
	if !r.imageDimensions.IsZero() {
		return r, fmt.Errorf("%w: %dx%d", ErrDimensionsAlreadySet, r.imageDimensions.Width, r.imageDimensions.Height)
	}
	if width <= 0 || height <= 0 {
		return r, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	out := r
	out.detections = append([]Detection(nil), r.detections...)
	out.imageDimensions = ImageDimensions{Width: width, Height: height}
	return out, nil
}

// ServiceName returns the display name of the vendor that produced the result
func (r DetectionResult) ServiceName() string {
	return r.serviceName
}

// Detections returns a copy of the detections in vendor order
func (r DetectionResult) Detections() []Detection {
	return append([]Detection(nil), r.detections...)
}

// DetectionCount returns the number of detections before filtering
func (r DetectionResult) DetectionCount() int {
	return len(r.detections)
}

// ProcessingTime returns the wall-clock time from request start to parse completion
func (r DetectionResult) ProcessingTime() time.Duration {
	return time.Duration(r.processingSeconds * float64(time.Second))
}

// ProcessingSeconds returns ProcessingTime in seconds
func (r DetectionResult) ProcessingSeconds() float64 {
	return r.processingSeconds
}

// ImageDimensions returns the bound image size, or the zero value
func (r DetectionResult) ImageDimensions() ImageDimensions {
	return r.imageDimensions
}

// ConfidenceThreshold returns the result's default threshold
func (r DetectionResult) ConfidenceThreshold() float64 {
	return r.confidenceThreshold
}

// FilterByConfidence keeps detections whose confidence is at least the
// threshold, preserving order. Without an argument the result's own
// threshold is used.
func (r DetectionResult) FilterByConfidence(threshold ...float64) []Detection {
	t := r.confidenceThreshold
	if len(threshold) > 0 {
		t = threshold[0]
	}
	out := make([]Detection, 0, len(r.detections))
	for _, d := range r.detections {
		if d.Confidence >= t {
			out = append(out, d)
		}
	}
	return out
}

// UniqueTags returns the distinct tag names in first-seen order
func (r DetectionResult) UniqueTags() []string {
	return UniqueTags(r.detections)
}

// UniqueTags returns the distinct tag names of detections in first-seen order
func UniqueTags(detections []Detection) []string {
	seen := make(map[string]struct{}, len(detections))
	out := make([]string, 0, len(detections))
	for _, d := range detections {
		if _, ok := seen[d.TagName]; ok {
			continue
		}
		seen[d.TagName] = struct{}{}
		out = append(out, d.TagName)
	}
	return out
}

// Serializable is the export shape of a DetectionResult. Field names and
// nesting are the persisted/exported contract.
type Serializable struct {
	ServiceName         string      `json:"service_name"`
	Detections          []Detection `json:"detections"`
	ProcessingTime      float64     `json:"processing_time"`
	ImageDimensions     [2]int      `json:"image_dimensions"`
	ConfidenceThreshold float64     `json:"confidence_threshold"`
}

// ToSerializable converts the result into its export shape
func (r DetectionResult) ToSerializable() Serializable {
	dets := r.Detections()
	if dets == nil {
		dets = []Detection{}
	}
	return Serializable{
		ServiceName:         r.serviceName,
		Detections:          dets,
		ProcessingTime:      r.processingSeconds,
		ImageDimensions:     [2]int{r.imageDimensions.Width, r.imageDimensions.Height},
		ConfidenceThreshold: r.confidenceThreshold,
	}
}

// FromSerializable rebuilds a result from its export shape
func FromSerializable(s Serializable) DetectionResult {
	return DetectionResult{
		serviceName:         s.ServiceName,
		detections:          append([]Detection(nil), s.Detections...),
		processingSeconds:   s.ProcessingTime,
		imageDimensions:     ImageDimensions{Width: s.ImageDimensions[0], Height: s.ImageDimensions[1]},
		confidenceThreshold: s.ConfidenceThreshold,
	}
}

// MarshalJSON encodes the result using the export shape
func (r DetectionResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ToSerializable())
}

// UnmarshalJSON decodes the export shape
func (r *DetectionResult) UnmarshalJSON(data []byte) error {
	var s Serializable
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = FromSerializable(s)
	return nil
}
