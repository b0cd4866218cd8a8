package vlm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/detection-dashboard/pkg/normalize"
	"github.com/menta2k/detection-dashboard/pkg/transport"
)

// OllamaBackend talks to an Ollama server through its Go API client
type OllamaBackend struct {
	client *api.Client
}

// NewOllamaBackend creates a backend for the server at ollamaURL
func NewOllamaBackend(ollamaURL string) (*OllamaBackend, error) {
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q", ollamaURL)
	}

	// Drop any path like /api/chat; the client adds its own
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}
	return &OllamaBackend{client: api.NewClient(baseURL, http.DefaultClient)}, nil
}

func (b *OllamaBackend) Name() string { return "ollama" }

// Complete runs a non-streaming chat with the image attached
func (b *OllamaBackend) Complete(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	imgBytes, err := base64.StdEncoding.DecodeString(imgB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 image: %w", err)
	}

	options := map[string]any{"temperature": 0.1}
	// MiniCPM-V needs a larger context for dense scenes
	if m := strings.ToLower(model); strings.Contains(m, "minicpm-v") {
		options["num_ctx"] = 4096
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: prompt,
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream:  &streamFalse,
		Options: options,
	}

	var content strings.Builder
	err = b.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		terr := &transport.Error{Service: normalize.ServiceVLM, Err: fmt.Errorf("ollama chat error: %w", err)}
		var se api.StatusError
		if errors.As(err, &se) {
			terr.StatusCode = se.StatusCode
		}
		return "", terr
	}
	return content.String(), nil
}
