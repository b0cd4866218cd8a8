package normalize

import (
	"go.uber.org/zap"

	"github.com/menta2k/detection-dashboard/pkg/types"
)

// AzureParser reads Azure Custom Vision prediction responses:
//
//	{"predictions": [{"tagName": "cat", "probability": 0.93,
//	  "boundingBox": {"left": 0.1, "top": 0.2, "width": 0.3, "height": 0.4}}]}
type AzureParser struct {
	reporter
}

// NewAzureParser creates the Azure Custom Vision parser
func NewAzureParser(logger *zap.Logger, observer DropObserver) *AzureParser {
	return &AzureParser{reporter: newReporter(ServiceAzure, logger, observer)}
}

func (p *AzureParser) Variant() Variant    { return VariantAzure }
func (p *AzureParser) ServiceName() string { return ServiceAzure }

// Parse returns the valid predictions in vendor order
func (p *AzureParser) Parse(raw any) []types.Detection {
	records := p.records(raw, "predictions")
	return p.fold(len(records),
		func(i int) any { return records[i] },
		func(i int) (types.Detection, error) {
			return parseExtentRecord(records[i], extentKeys{
				label:      []string{"tagName", "tag_name"},
				confidence: []string{"probability", "confidence"},
				box:        []string{"boundingBox", "bounding_box"},
				left:       []string{"left"},
				top:        []string{"top"},
				width:      []string{"width"},
				height:     []string{"height"},
			})
		})
}

// extentKeys names the fields of a record carrying a left/top/width/height box
type extentKeys struct {
	label, confidence, box   []string
	left, top, width, height []string
}

func parseExtentRecord(rec any, keys extentKeys) (types.Detection, error) {
	m, ok := asMap(rec)
	if !ok {
		return types.Detection{}, typeError("object", rec)
	}
	tag, err := stringField(m, UnknownTag, keys.label...)
	if err != nil {
		return types.Detection{}, err
	}
	confidence, err := floatField(m, 0, keys.confidence...)
	if err != nil {
		return types.Detection{}, err
	}

	rawBox, ok := field(m, keys.box...)
	if !ok {
		return types.Detection{}, dropf(ReasonMissingBox, "no %s", keys.box[0])
	}
	bm, ok := asMap(rawBox)
	if !ok {
		return types.Detection{}, typeError("box object", rawBox)
	}

	var extent [4]float64
	for i, k := range [][]string{keys.left, keys.top, keys.width, keys.height} {
		if extent[i], err = floatField(bm, 0, k...); err != nil {
			return types.Detection{}, err
		}
	}
	box, err := boxFromExtent(extent[0], extent[1], extent[2], extent[3])
	if err != nil {
		return types.Detection{}, err
	}
	return types.NewDetection(tag, clamp01(confidence), box), nil
}
