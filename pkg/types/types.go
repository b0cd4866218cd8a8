package types

// BoundingBox represents a normalized bounding box with coordinates in [0,1] range.
// The origin is the top-left corner of the image.
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// NewBoundingBox builds a box as given. No clamping happens here; the
// normalizers are responsible for producing in-range boxes.
func NewBoundingBox(left, top, width, height float64) BoundingBox {
	return BoundingBox{Left: left, Top: top, Width: width, Height: height}
}

// Right returns the normalized x coordinate of the right edge
func (b BoundingBox) Right() float64 {
	return b.Left + b.Width
}

// Bottom returns the normalized y coordinate of the bottom edge
func (b BoundingBox) Bottom() float64 {
	return b.Top + b.Height
}

// HasArea reports whether the box has a positive width and height
func (b BoundingBox) HasArea() bool {
	return b.Width > 0 && b.Height > 0
}

// Detection is a single canonical detection, independent of the vendor
// that produced it.
type Detection struct {
	TagName     string      `json:"tag_name"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"bounding_box"`
}

// NewDetection creates a detection
func NewDetection(tag string, confidence float64, box BoundingBox) Detection {
	return Detection{TagName: tag, Confidence: confidence, BoundingBox: box}
}

// ImageDimensions holds the pixel size of the image a result refers to.
// The zero value means the size is not known yet.
type ImageDimensions struct {
	Width  int
	Height int
}

// IsZero reports whether the dimensions have not been bound yet
func (d ImageDimensions) IsZero() bool {
	return d.Width == 0 && d.Height == 0
}

// Level buckets a confidence score for display
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// ConfidenceLevel maps a score onto a display bucket
func ConfidenceLevel(confidence float64) Level {
	switch {
	case confidence >= 0.8:
		return LevelHigh
	case confidence >= 0.6:
		return LevelMedium
	default:
		return LevelLow
	}
}
