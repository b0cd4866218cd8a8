package vlm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/menta2k/detection-dashboard/pkg/normalize"
	"github.com/menta2k/detection-dashboard/pkg/transport"
)

// LlamaCppBackend talks to a llama.cpp server through its OpenAI-compatible
// chat completions endpoint
type LlamaCppBackend struct {
	http *resty.Client
}

// OpenAI-compatible message format
type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentPart
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewLlamaCppBackend creates a backend for the server at serverURL
func NewLlamaCppBackend(serverURL string, timeout time.Duration) *LlamaCppBackend {
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(serverURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &LlamaCppBackend{http: client}
}

func (b *LlamaCppBackend) Name() string { return "llamacpp" }

// Complete sends the prompt and the image as a data URL
func (b *LlamaCppBackend) Complete(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	content := []contentPart{{Type: "text", Text: prompt}}
	if imgB64 != "" {
		content = append(content, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:image/jpeg;base64," + imgB64},
		})
	}

	req := chatCompletionRequest{
		Model:       model,
		Messages:    []message{{Role: "user", Content: content}},
		Temperature: 0.1,
		MaxTokens:   4096,
		Stream:      false,
	}

	var out chatCompletionResponse
	var apiErr errorResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/chat/completions")
	if err != nil {
		return "", &transport.Error{Service: normalize.ServiceVLM, Err: fmt.Errorf("request failed: %w", err)}
	}
	if resp.IsError() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(string(resp.Body()))
		}
		return "", &transport.Error{
			Service:    normalize.ServiceVLM,
			StatusCode: resp.StatusCode(),
			Code:       apiErr.Error.Type,
			Err:        errors.New(msg),
		}
	}

	if len(out.Choices) == 0 {
		return "", &transport.Error{Service: normalize.ServiceVLM, StatusCode: resp.StatusCode(), Err: errors.New("no choices in response")}
	}

	// Content may be a plain string or a list of parts
	switch c := out.Choices[0].Message.Content.(type) {
	case string:
		return c, nil
	case []any:
		var sb strings.Builder
		for _, item := range c {
			if part, ok := item.(map[string]any); ok {
				if text, ok := part["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
		return sb.String(), nil
	}
	return "", nil
}
