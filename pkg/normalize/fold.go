package normalize

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/menta2k/detection-dashboard/pkg/types"
)

// Drop reasons reported to the DropObserver
const (
	ReasonTypeMismatch    = "type_mismatch"
	ReasonMissingBox      = "missing_box"
	ReasonInvalidGeometry = "invalid_geometry"
	ReasonTooFewVertices  = "too_few_vertices"
	ReasonIndexOutOfRange = "index_out_of_range"
	ReasonMalformedRecord = "malformed_record"
	maxFragmentBytes      = 256
)

type recordError struct {
	reason string
	msg    string
}

func (e *recordError) Error() string {
	return e.reason + ": " + e.msg
}

func dropf(reason, format string, args ...any) error {
	return &recordError{reason: reason, msg: fmt.Sprintf(format, args...)}
}

func reasonOf(err error) string {
	var re *recordError
	if errors.As(err, &re) {
		return re.reason
	}
	return ReasonMalformedRecord
}

// reporter logs and counts dropped records for one vendor
type reporter struct {
	service  string
	logger   *zap.Logger
	observer DropObserver
}

func newReporter(service string, logger *zap.Logger, observer DropObserver) reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return reporter{service: service, logger: logger.With(zap.String("service", service)), observer: observer}
}

func (r reporter) drop(index int, raw any, err error) {
	reason := reasonOf(err)
	r.logger.Warn("dropping detection record",
		zap.Int("index", index),
		zap.String("reason", reason),
		zap.String("raw", fragment(raw)),
		zap.Error(err))
	if r.observer != nil {
		r.observer.ObserveDropped(r.service, reason)
	}
}

// fold parses n records in order. Failed records are reported and skipped.
func (r reporter) fold(n int, record func(i int) any, parse func(i int) (types.Detection, error)) []types.Detection {
	out := make([]types.Detection, 0, n)
	for i := 0; i < n; i++ {
		det, err := r.parseOne(i, parse)
		if err != nil {
			r.drop(i, record(i), err)
			continue
		}
		out = append(out, det)
	}
	return out
}

func (r reporter) parseOne(i int, parse func(i int) (types.Detection, error)) (det types.Detection, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = dropf(ReasonMalformedRecord, "panic: %v", p)
		}
	}()
	return parse(i)
}

// records extracts the record list stored under one of keys. A nil payload,
// a missing key or a non-list value all mean "no records".
func (r reporter) records(raw any, keys ...string) []any {
	if raw == nil {
		return nil
	}
	if list, ok := asList(raw); ok {
		return list
	}
	m, ok := asMap(raw)
	if !ok {
		r.logger.Warn("unexpected payload type", zap.String("type", fmt.Sprintf("%T", raw)))
		return nil
	}
	v, ok := field(m, keys...)
	if !ok {
		return nil
	}
	list, ok := asList(v)
	if !ok {
		r.logger.Warn("record list has unexpected type",
			zap.String("key", keys[0]),
			zap.String("type", fmt.Sprintf("%T", v)))
		return nil
	}
	return list
}

func fragment(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	if len(data) > maxFragmentBytes {
		return string(data[:maxFragmentBytes]) + "..."
	}
	return string(data)
}

// boxFromExtent validates an axis-aligned box given as left/top/width/height
// and clips it to the unit square
func boxFromExtent(left, top, width, height float64) (types.BoundingBox, error) {
	if width <= 0 || height <= 0 {
		return types.BoundingBox{}, dropf(ReasonInvalidGeometry, "non-positive size %gx%g", width, height)
	}
	return boxFromCorners(left, top, left+width, top+height)
}

// boxFromCorners clamps the corners to [0,1] and builds the box between them
func boxFromCorners(xmin, ymin, xmax, ymax float64) (types.BoundingBox, error) {
	xmin, ymin, xmax, ymax = clamp01(xmin), clamp01(ymin), clamp01(xmax), clamp01(ymax)
	width, height := xmax-xmin, ymax-ymin
	if width <= 0 || height <= 0 {
		return types.BoundingBox{}, dropf(ReasonInvalidGeometry, "non-positive size %gx%g after clamping", width, height)
	}
	return types.NewBoundingBox(xmin, ymin, width, height), nil
}
