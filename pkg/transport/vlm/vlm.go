// Package vlm turns a vision-language model into an object detector. The
// model is prompted for a JSON object list that pkg/normalize reads with
// its "vlm" variant.
package vlm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/detection-dashboard/pkg/normalize"
	"github.com/menta2k/detection-dashboard/pkg/processing"
	"github.com/menta2k/detection-dashboard/pkg/transport"
)

// ThresholdPlaceholder is replaced in a prompt by the confidence threshold
// formatted with two decimals
const ThresholdPlaceholder = "{threshold}"

// DefaultPrompt asks the model for every visible object
const DefaultPrompt = `You are an object detector.

Return JSON only:
{
  "objects": [
    {"label": "string", "confidence": 0.0, "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}}
  ]
}

HARD RULES
- List every distinct object you can see, one entry per instance.
- All coordinates are normalized to [0,1] (NOT pixels); x,y is the top-left corner.
- Each box should tightly include its object.
- Labels: lowercase, singular nouns.
- Only include objects with confidence >= {threshold}.
- If nothing is found, return {"objects": []}
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Backend completes a prompt about one base64 encoded JPEG
type Backend interface {
	Name() string
	Complete(ctx context.Context, model, prompt, imgB64 string) (string, error)
}

// Options configures the model call
type Options struct {
	Model       string
	Prompt      string
	MaxImageDim int
	Quality     int
	Timeout     time.Duration
}

// Caller implements transport.Caller on top of a Backend
type Caller struct {
	backend Backend
	opts    Options
	logger  *zap.Logger
}

// New creates a vision model caller
func New(backend Backend, opts Options, logger *zap.Logger) (*Caller, error) {
	if backend == nil {
		return nil, fmt.Errorf("vlm: backend is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("vlm: model is required")
	}
	if opts.Prompt == "" {
		opts.Prompt = DefaultPrompt
	}
	if opts.MaxImageDim <= 0 {
		opts.MaxImageDim = 1024
	}
	if opts.Quality <= 0 {
		opts.Quality = 85
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Caller{backend: backend, opts: opts, logger: logger.Named("vlm")}, nil
}

// Call downsizes the image, asks the model for objects and decodes its
// answer. A reply that holds no JSON object is an empty detection list.
func (c *Caller) Call(ctx context.Context, image []byte, threshold float64) (any, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	img, _, err := processing.DecodeImage(image)
	if err != nil {
		return nil, &transport.Error{Service: normalize.ServiceVLM, Err: err}
	}
	imgB64, err := processing.PrepareImageForModel(img, "jpg", c.opts.MaxImageDim, c.opts.Quality)
	if err != nil {
		return nil, &transport.Error{Service: normalize.ServiceVLM, Err: fmt.Errorf("failed to encode image: %w", err)}
	}

	prompt := strings.ReplaceAll(c.opts.Prompt, ThresholdPlaceholder, strconv.FormatFloat(threshold, 'f', 2, 64))

	reply, err := c.backend.Complete(ctx, c.opts.Model, prompt, imgB64)
	if err != nil {
		return nil, err
	}

	raw, ok := parseReply(reply)
	if !ok {
		c.logger.Warn("model reply holds no JSON object",
			zap.String("backend", c.backend.Name()),
			zap.String("model", c.opts.Model),
			zap.Int("reply_bytes", len(reply)))
		return map[string]any{"objects": []any{}}, nil
	}
	return raw, nil
}

// parseReply extracts the JSON object from a model reply
func parseReply(reply string) (any, bool) {
	cleaned := sanitizeModelJSON(reply)
	if !strings.HasPrefix(cleaned, "{") {
		return nil, false
	}
	var raw any
	dec := json.NewDecoder(bytes.NewReader([]byte(cleaned)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, false
	}
	return raw, true
}
