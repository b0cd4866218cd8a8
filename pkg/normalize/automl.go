package normalize

import (
	"math"

	"go.uber.org/zap"

	"github.com/menta2k/detection-dashboard/pkg/types"
)

// AutoMLParser reads Google AutoML object detection responses in their
// protojson form. Boxes arrive as normalized vertices; protojson omits
// coordinates equal to zero, so missing x/y read as 0.
//
//	{"payload": [{"displayName": "cat", "imageObjectDetection": {"score": 0.8,
//	  "boundingBox": {"normalizedVertices": [{"x": 0.2, "y": 0.3}, {"x": 0.6, "y": 0.8}]}}}]}
type AutoMLParser struct {
	reporter
}

// NewAutoMLParser creates the AutoML vertex parser
func NewAutoMLParser(logger *zap.Logger, observer DropObserver) *AutoMLParser {
	return &AutoMLParser{reporter: newReporter(ServiceGoogle, logger, observer)}
}

func (p *AutoMLParser) Variant() Variant    { return VariantGoogleAutoML }
func (p *AutoMLParser) ServiceName() string { return ServiceGoogle }

// Parse returns the valid annotations in vendor order
func (p *AutoMLParser) Parse(raw any) []types.Detection {
	records := p.records(raw, "payload")
	return p.fold(len(records),
		func(i int) any { return records[i] },
		func(i int) (types.Detection, error) { return p.parseRecord(records[i]) })
}

func (p *AutoMLParser) parseRecord(rec any) (types.Detection, error) {
	m, ok := asMap(rec)
	if !ok {
		return types.Detection{}, typeError("object", rec)
	}
	tag, err := stringField(m, UnknownTag, "displayName", "display_name")
	if err != nil {
		return types.Detection{}, err
	}

	rawDetection, ok := field(m, "imageObjectDetection", "image_object_detection")
	if !ok {
		return types.Detection{}, dropf(ReasonMissingBox, "no imageObjectDetection")
	}
	detection, ok := asMap(rawDetection)
	if !ok {
		return types.Detection{}, typeError("object", rawDetection)
	}
	score, err := floatField(detection, 0, "score")
	if err != nil {
		return types.Detection{}, err
	}

	rawBox, ok := field(detection, "boundingBox", "bounding_box")
	if !ok {
		return types.Detection{}, dropf(ReasonMissingBox, "no boundingBox")
	}
	bm, ok := asMap(rawBox)
	if !ok {
		return types.Detection{}, typeError("object", rawBox)
	}
	rawVertices, ok := field(bm, "normalizedVertices", "normalized_vertices")
	if !ok {
		return types.Detection{}, dropf(ReasonTooFewVertices, "no normalizedVertices")
	}
	vertices, ok := asList(rawVertices)
	if !ok {
		return types.Detection{}, typeError("vertex list", rawVertices)
	}

	box, err := boxFromVertices(vertices)
	if err != nil {
		return types.Detection{}, err
	}
	return types.NewDetection(tag, clamp01(score), box), nil
}

// boxFromVertices computes the axis-aligned box enclosing at least two
// normalized vertices
func boxFromVertices(vertices []any) (types.BoundingBox, error) {
	if len(vertices) < 2 {
		return types.BoundingBox{}, dropf(ReasonTooFewVertices, "got %d vertices", len(vertices))
	}
	xmin, ymin := math.Inf(1), math.Inf(1)
	xmax, ymax := math.Inf(-1), math.Inf(-1)
	for _, rv := range vertices {
		v, ok := asMap(rv)
		if !ok {
			return types.BoundingBox{}, typeError("vertex object", rv)
		}
		x, err := floatField(v, 0, "x")
		if err != nil {
			return types.BoundingBox{}, err
		}
		y, err := floatField(v, 0, "y")
		if err != nil {
			return types.BoundingBox{}, err
		}
		x, y = clamp01(x), clamp01(y)
		xmin, xmax = math.Min(xmin, x), math.Max(xmax, x)
		ymin, ymax = math.Min(ymin, y), math.Max(ymax, y)
	}
	return boxFromCorners(xmin, ymin, xmax, ymax)
}
