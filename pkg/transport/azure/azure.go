// Package azure calls the Azure Custom Vision prediction API.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/menta2k/detection-dashboard/pkg/normalize"
	"github.com/menta2k/detection-dashboard/pkg/transport"
)

// ErrMissingCredentials is returned by New without a URL or key
var ErrMissingCredentials = errors.New("azure: prediction URL and key are required")

// Options configures the Custom Vision endpoint
type Options struct {
	PredictionURL string
	PredictionKey string
	Timeout       time.Duration
}

// Caller posts images to a published Custom Vision iteration
type Caller struct {
	url    string
	http   *resty.Client
	logger *zap.Logger
}

// apiError is the Custom Vision error body
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New creates a Custom Vision caller
func New(opts Options, logger *zap.Logger) (*Caller, error) {
	if opts.PredictionURL == "" || opts.PredictionKey == "" {
		return nil, ErrMissingCredentials
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(0).
		SetHeader("Prediction-Key", opts.PredictionKey).
		SetHeader("Content-Type", "application/octet-stream")
	return &Caller{url: opts.PredictionURL, http: client, logger: logger.Named("azure")}, nil
}

// Call sends the raw image bytes. Custom Vision has no request-side
// threshold, so every prediction comes back and filtering happens later.
func (c *Caller) Call(ctx context.Context, image []byte, _ float64) (any, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(image).
		Post(c.url)
	if err != nil {
		return nil, &transport.Error{Service: normalize.ServiceAzure, Err: err}
	}

	if resp.IsError() {
		var body apiError
		msg := string(resp.Body())
		if json.Unmarshal(resp.Body(), &body) == nil && body.Message != "" {
			msg = body.Message
		}
		return nil, &transport.Error{
			Service:    normalize.ServiceAzure,
			StatusCode: resp.StatusCode(),
			Code:       body.Code,
			Err:        errors.New(msg),
		}
	}

	var raw any
	dec := json.NewDecoder(bytes.NewReader(resp.Body()))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, &transport.Error{
			Service:    normalize.ServiceAzure,
			StatusCode: resp.StatusCode(),
			Err:        fmt.Errorf("failed to decode response: %w", err),
		}
	}

	c.logger.Debug("custom vision responded",
		zap.Int("status", resp.StatusCode()),
		zap.Duration("elapsed", resp.Time()))
	return raw, nil
}
