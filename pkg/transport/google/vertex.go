package google

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/menta2k/detection-dashboard/pkg/normalize"
	"github.com/menta2k/detection-dashboard/pkg/transport"
)

type vertexPredictFunc func(ctx context.Context, req *aiplatformpb.PredictRequest) (*aiplatformpb.PredictResponse, error)

// VertexCaller sends images to a Vertex AI image object detection endpoint.
// The gRPC client is dialled on first use against the regional endpoint.
type VertexCaller struct {
	opts   Options
	logger *zap.Logger

	once    sync.Once
	initErr error
	client  *aiplatform.PredictionClient
	predict vertexPredictFunc
}

// NewVertexCaller creates a Vertex AI caller
func NewVertexCaller(opts Options, logger *zap.Logger) (*VertexCaller, error) {
	opts = opts.withDefaults()
	if opts.ProjectID == "" || opts.EndpointID == "" {
		return nil, ErrMissingModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VertexCaller{opts: opts, logger: logger.Named("vertex")}, nil
}

// EndpointName returns the fully qualified endpoint resource name
func (c *VertexCaller) EndpointName() string {
	return fmt.Sprintf("projects/%s/locations/%s/endpoints/%s", c.opts.ProjectID, c.opts.Location, c.opts.EndpointID)
}

func (c *VertexCaller) init(ctx context.Context) error {
	c.once.Do(func() {
		if c.predict != nil {
			return
		}
		endpoint := fmt.Sprintf("%s-aiplatform.googleapis.com:443", c.opts.Location)
		client, err := aiplatform.NewPredictionClient(context.WithoutCancel(ctx), c.opts.clientOptions(endpoint)...)
		if err != nil {
			c.initErr = fmt.Errorf("failed to create Vertex AI client: %w", err)
			return
		}
		c.client = client
		c.predict = func(ctx context.Context, req *aiplatformpb.PredictRequest) (*aiplatformpb.PredictResponse, error) {
			return client.Predict(ctx, req)
		}
	})
	return c.initErr
}

func (c *VertexCaller) request(image []byte, threshold float64) (*aiplatformpb.PredictRequest, error) {
	instance, err := structpb.NewValue(map[string]any{
		"content": base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build instance: %w", err)
	}
	params, err := structpb.NewValue(map[string]any{
		"confidenceThreshold": threshold,
		"maxPredictions":      c.opts.MaxPredictions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build parameters: %w", err)
	}
	return &aiplatformpb.PredictRequest{
		Endpoint:   c.EndpointName(),
		Instances:  []*structpb.Value{instance},
		Parameters: params,
	}, nil
}

// Call runs a prediction and returns {"predictions": [...], "deployedModelId": ...}
func (c *VertexCaller) Call(ctx context.Context, image []byte, threshold float64) (any, error) {
	if err := c.init(ctx); err != nil {
		return nil, &transport.Error{Service: normalize.ServiceGoogle, Err: err}
	}
	ctx, cancel := withTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := c.request(image, threshold)
	if err != nil {
		return nil, &transport.Error{Service: normalize.ServiceGoogle, Err: err}
	}

	resp, err := c.predict(ctx, req)
	if err != nil {
		return nil, classify(err)
	}

	predictions := make([]any, 0, len(resp.GetPredictions()))
	for _, p := range resp.GetPredictions() {
		predictions = append(predictions, p.AsInterface())
	}
	c.logger.Debug("vertex prediction",
		zap.String("endpoint", req.Endpoint),
		zap.String("deployed_model", resp.GetDeployedModelId()),
		zap.Int("predictions", len(predictions)))

	return map[string]any{
		"predictions":     predictions,
		"deployedModelId": resp.GetDeployedModelId(),
	}, nil
}

// Close releases the gRPC connection
func (c *VertexCaller) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
