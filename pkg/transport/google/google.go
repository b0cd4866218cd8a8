// Package google calls Google Cloud object detection models, either a
// legacy AutoML Vision model or a Vertex AI endpoint.
package google

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/menta2k/detection-dashboard/pkg/normalize"
	"github.com/menta2k/detection-dashboard/pkg/transport"
)

// ErrMissingModel is returned when the project or model location is incomplete
var ErrMissingModel = errors.New("google: project, location and model are required")

// Options locates the model and configures the gRPC client
type Options struct {
	ProjectID       string
	Location        string
	EndpointID      string // Vertex AI endpoint
	ModelID         string // AutoML model
	CredentialsFile string
	APIEndpoint     string // overrides the regional default
	MaxPredictions  int
	Timeout         time.Duration
}

func (o Options) withDefaults() Options {
	if o.Location == "" {
		o.Location = "us-central1"
	}
	if o.MaxPredictions <= 0 {
		o.MaxPredictions = 100
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	return o
}

func (o Options) clientOptions(defaultEndpoint string) []option.ClientOption {
	var out []option.ClientOption
	if o.CredentialsFile != "" {
		out = append(out, option.WithCredentialsFile(o.CredentialsFile))
	}
	endpoint := o.APIEndpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if endpoint != "" {
		out = append(out, option.WithEndpoint(endpoint))
	}
	return out
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// classify wraps a gRPC failure, keeping its status code name
func classify(err error) error {
	terr := &transport.Error{Service: normalize.ServiceGoogle, Err: err}
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		terr.Code = st.Code().String()
	}
	return terr
}

func formatThreshold(threshold float64) string {
	return fmt.Sprintf("%g", threshold)
}
