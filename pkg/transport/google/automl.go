package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	automl "cloud.google.com/go/automl/apiv1"
	"cloud.google.com/go/automl/apiv1/automlpb"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/menta2k/detection-dashboard/pkg/normalize"
	"github.com/menta2k/detection-dashboard/pkg/transport"
)

type automlPredictFunc func(ctx context.Context, req *automlpb.PredictRequest) (*automlpb.PredictResponse, error)

// AutoMLCaller sends images to an AutoML Vision object detection model.
// The gRPC client is dialled on first use.
type AutoMLCaller struct {
	opts   Options
	logger *zap.Logger

	once    sync.Once
	initErr error
	client  *automl.PredictionClient
	predict automlPredictFunc
}

// NewAutoMLCaller creates an AutoML caller
func NewAutoMLCaller(opts Options, logger *zap.Logger) (*AutoMLCaller, error) {
	opts = opts.withDefaults()
	if opts.ProjectID == "" || opts.ModelID == "" {
		return nil, ErrMissingModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoMLCaller{opts: opts, logger: logger.Named("automl")}, nil
}

// ModelName returns the fully qualified model resource name
func (c *AutoMLCaller) ModelName() string {
	return fmt.Sprintf("projects/%s/locations/%s/models/%s", c.opts.ProjectID, c.opts.Location, c.opts.ModelID)
}

func (c *AutoMLCaller) init(ctx context.Context) error {
	c.once.Do(func() {
		if c.predict != nil {
			return
		}
		client, err := automl.NewPredictionClient(context.WithoutCancel(ctx), c.opts.clientOptions("")...)
		if err != nil {
			c.initErr = fmt.Errorf("failed to create AutoML client: %w", err)
			return
		}
		c.client = client
		c.predict = func(ctx context.Context, req *automlpb.PredictRequest) (*automlpb.PredictResponse, error) {
			return client.Predict(ctx, req)
		}
	})
	return c.initErr
}

// Call runs a prediction and returns the response in its protojson form
func (c *AutoMLCaller) Call(ctx context.Context, image []byte, threshold float64) (any, error) {
	if err := c.init(ctx); err != nil {
		return nil, &transport.Error{Service: normalize.ServiceGoogle, Err: err}
	}
	ctx, cancel := withTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req := &automlpb.PredictRequest{
		Name: c.ModelName(),
		Payload: &automlpb.ExamplePayload{
			Payload: &automlpb.ExamplePayload_Image{
				Image: &automlpb.Image{
					Data: &automlpb.Image_ImageBytes{ImageBytes: image},
				},
			},
		},
		Params: map[string]string{
			"score_threshold":        formatThreshold(threshold),
			"max_bounding_box_count": fmt.Sprint(c.opts.MaxPredictions),
		},
	}

	resp, err := c.predict(ctx, req)
	if err != nil {
		return nil, classify(err)
	}

	raw, err := responseToMap(resp)
	if err != nil {
		return nil, &transport.Error{Service: normalize.ServiceGoogle, Err: err}
	}
	c.logger.Debug("automl prediction",
		zap.String("model", req.Name),
		zap.Int("annotations", len(resp.GetPayload())))
	return raw, nil
}

// responseToMap renders the response the way the REST API would
func responseToMap(resp *automlpb.PredictResponse) (any, error) {
	data, err := protojson.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return raw, nil
}

// Close releases the gRPC connection
func (c *AutoMLCaller) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
