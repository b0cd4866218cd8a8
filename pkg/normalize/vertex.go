package normalize

import (
	"go.uber.org/zap"

	"github.com/menta2k/detection-dashboard/pkg/types"
)

// VertexParser reads Vertex AI image object detection predictions. Each
// prediction carries parallel arrays, and every box is a tuple ordered
// (xmin, xmax, ymin, ymax), which differs from the vertex layout used by
// AutoML:
//
//	{"predictions": [{"displayNames": ["cat"], "confidences": [0.9],
//	  "bboxes": [[0.1, 0.5, 0.2, 0.9]]}]}
type VertexParser struct {
	reporter
}

// NewVertexParser creates the Vertex AI tuple parser
func NewVertexParser(logger *zap.Logger, observer DropObserver) *VertexParser {
	return &VertexParser{reporter: newReporter(ServiceGoogle, logger, observer)}
}

func (p *VertexParser) Variant() Variant    { return VariantGoogleVertex }
func (p *VertexParser) ServiceName() string { return ServiceGoogle }

// vertexColumns is one prediction's parallel arrays
type vertexColumns struct {
	names, confidences, boxes []any
}

func (c vertexColumns) rows() int {
	return max(len(c.names), len(c.confidences), len(c.boxes))
}

func (c vertexColumns) row(i int) map[string]any {
	out := map[string]any{}
	if i < len(c.names) {
		out["displayName"] = c.names[i]
	}
	if i < len(c.confidences) {
		out["confidence"] = c.confidences[i]
	}
	if i < len(c.boxes) {
		out["bbox"] = c.boxes[i]
	}
	return out
}

// Parse returns the valid detections of every prediction, in vendor order
func (p *VertexParser) Parse(raw any) []types.Detection {
	var out []types.Detection
	for pi, rawPrediction := range p.records(raw, "predictions") {
		prediction, ok := asMap(rawPrediction)
		if !ok {
			p.drop(pi, rawPrediction, typeError("prediction object", rawPrediction))
			continue
		}
		cols := vertexColumns{
			names:       p.column(prediction, "displayNames", "display_names"),
			confidences: p.column(prediction, "confidences"),
			boxes:       p.column(prediction, "bboxes"),
		}
		out = append(out, p.fold(cols.rows(),
			func(i int) any { return cols.row(i) },
			func(i int) (types.Detection, error) { return parseVertexRow(cols, i) })...)
	}
	if out == nil {
		out = []types.Detection{}
	}
	return out
}

func (p *VertexParser) column(prediction map[string]any, keys ...string) []any {
	v, ok := field(prediction, keys...)
	if !ok {
		return nil
	}
	list, ok := asList(v)
	if !ok {
		p.logger.Warn("prediction column has unexpected type", zap.String("key", keys[0]))
		return nil
	}
	return list
}

func parseVertexRow(cols vertexColumns, i int) (types.Detection, error) {
	if i >= len(cols.names) || i >= len(cols.confidences) || i >= len(cols.boxes) {
		return types.Detection{}, dropf(ReasonIndexOutOfRange,
			"row %d beyond columns (names=%d confidences=%d bboxes=%d)",
			i, len(cols.names), len(cols.confidences), len(cols.boxes))
	}

	tag := UnknownTag
	switch name := cols.names[i].(type) {
	case string:
		if name != "" {
			tag = name
		}
	case nil:
	default:
		return types.Detection{}, typeError("string", name)
	}

	confidence, err := toFloat(cols.confidences[i])
	if err != nil {
		return types.Detection{}, err
	}

	tuple, ok := asList(cols.boxes[i])
	if !ok {
		return types.Detection{}, typeError("bbox tuple", cols.boxes[i])
	}
	box, err := boxFromMinMaxTuple(tuple)
	if err != nil {
		return types.Detection{}, err
	}
	return types.NewDetection(tag, clamp01(confidence), box), nil
}

// boxFromMinMaxTuple converts an (xmin, xmax, ymin, ymax) tuple
func boxFromMinMaxTuple(tuple []any) (types.BoundingBox, error) {
	if len(tuple) < 4 {
		return types.BoundingBox{}, dropf(ReasonIndexOutOfRange, "bbox tuple has %d values", len(tuple))
	}
	var c [4]float64
	for i := 0; i < 4; i++ {
		v, err := toFloat(tuple[i])
		if err != nil {
			return types.BoundingBox{}, err
		}
		c[i] = v
	}
	xmin, xmax, ymin, ymax := c[0], c[1], c[2], c[3]
	return boxFromCorners(xmin, ymin, xmax, ymax)
}
