package normalize

import (
	"go.uber.org/zap"

	"github.com/menta2k/detection-dashboard/pkg/types"
)

// VLMParser reads the object list a vision-language model is prompted to
// return. Boxes use the x/y/w/h names of the subject locator prompt.
//
//	{"objects": [{"label": "cat", "confidence": 0.7,
//	  "box": {"x": 0.1, "y": 0.2, "w": 0.3, "h": 0.4}}]}
type VLMParser struct {
	reporter
}

// NewVLMParser creates the vision-language model parser
func NewVLMParser(logger *zap.Logger, observer DropObserver) *VLMParser {
	return &VLMParser{reporter: newReporter(ServiceVLM, logger, observer)}
}

func (p *VLMParser) Variant() Variant    { return VariantVLM }
func (p *VLMParser) ServiceName() string { return ServiceVLM }

// Parse returns the valid objects in model order
func (p *VLMParser) Parse(raw any) []types.Detection {
	records := p.records(raw, "objects", "detections")
	return p.fold(len(records),
		func(i int) any { return records[i] },
		func(i int) (types.Detection, error) {
			return parseExtentRecord(records[i], extentKeys{
				label:      []string{"label", "tag"},
				confidence: []string{"confidence", "score"},
				box:        []string{"box", "bbox"},
				left:       []string{"x", "left"},
				top:        []string{"y", "top"},
				width:      []string{"w", "width"},
				height:     []string{"h", "height"},
			})
		})
}
