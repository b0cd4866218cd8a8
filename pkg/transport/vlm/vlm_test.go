package vlm

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/menta2k/detection-dashboard/pkg/normalize"
	"github.com/menta2k/detection-dashboard/pkg/transport"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x * 4), uint8(y * 5), 90, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeBackend struct {
	reply  string
	err    error
	prompt string
	image  string
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Complete(_ context.Context, _, prompt, imgB64 string) (string, error) {
	f.prompt, f.image = prompt, imgB64
	return f.reply, f.err
}

func TestSanitizeModelJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"fenced", "```json\n{\"objects\": []}\n```", `{"objects": []}`},
		{"chatty", "Sure! Here you go: {\"a\": 1} hope it helps", `{"a": 1}`},
		{"trailing comma", "{\"a\": [1, 2,],}", `{"a": [1, 2]}`},
		{"comments", "{\n  // objects\n  \"a\": 1 /* one */\n}", "{\n\n  \"a\": 1 \n}"},
		{"url kept", `{"src": "http://example.com/x"}`, `{"src": "http://example.com/x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeModelJSON(tt.in))
		})
	}
}

func TestCallerParsesObjects(t *testing.T) {
	backend := &fakeBackend{reply: "```json\n" + `{"objects": [
		{"label": "mug", "confidence": 0.82, "box": {"x": 0.1, "y": 0.2, "w": 0.3, "h": 0.4}},
	]}` + "\n```"}
	c, err := New(backend, Options{Model: "llava"}, nil)
	require.NoError(t, err)

	raw, err := c.Call(context.Background(), testPNG(t), 0.3)
	require.NoError(t, err)

	assert.Contains(t, backend.prompt, "confidence >= 0.30")
	assert.NotEmpty(t, backend.image)

	dets := normalize.NewVLMParser(zap.NewNop(), nil).Parse(raw)
	require.Len(t, dets, 1)
	assert.Equal(t, "mug", dets[0].TagName)
	assert.InDelta(t, 0.82, dets[0].Confidence, 1e-9)
}

func TestCallerCustomPromptKeepsPercentSigns(t *testing.T) {
	backend := &fakeBackend{reply: `{"objects": []}`}
	c, err := New(backend, Options{Model: "llava", Prompt: "Report objects seen with 50% certainty or above {threshold}."}, nil)
	require.NoError(t, err)

	_, err = c.Call(context.Background(), testPNG(t), 0.45)
	require.NoError(t, err)
	assert.Equal(t, "Report objects seen with 50% certainty or above 0.45.", backend.prompt)
}

func TestCallerNonJSONReplyIsEmpty(t *testing.T) {
	c, err := New(&fakeBackend{reply: "I see a cat on a sofa."}, Options{Model: "llava"}, nil)
	require.NoError(t, err)

	raw, err := c.Call(context.Background(), testPNG(t), 0.5)
	require.NoError(t, err)
	assert.Empty(t, normalize.NewVLMParser(nil, nil).Parse(raw))
}

func TestCallerRejectsUndecodableImage(t *testing.T) {
	c, err := New(&fakeBackend{}, Options{Model: "llava"}, nil)
	require.NoError(t, err)

	_, err = c.Call(context.Background(), []byte("nope"), 0.5)
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, normalize.ServiceVLM, terr.Service)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Options{Model: "m"}, nil)
	assert.Error(t, err)
	_, err = New(&fakeBackend{}, Options{}, nil)
	assert.Error(t, err)
}

func TestLlamaCppBackend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen2-vl", req.Model)
		assert.False(t, req.Stream)

		parts, ok := req.Messages[0].Content.([]any)
		require.True(t, ok)
		require.Len(t, parts, 2)
		assert.Equal(t, "data:image/jpeg;base64,aGVsbG8=", parts[1].(map[string]any)["image_url"].(map[string]any)["url"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"objects\":[]}"}}]}`))
	}))
	defer server.Close()

	b := NewLlamaCppBackend(server.URL+"/", 0)
	reply, err := b.Complete(context.Background(), "qwen2-vl", "find objects", "aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, `{"objects":[]}`, reply)
}

func TestLlamaCppBackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"code":503,"message":"Loading model","type":"unavailable_error"}}`))
	}))
	defer server.Close()

	_, err := NewLlamaCppBackend(server.URL, 0).Complete(context.Background(), "m", "p", "")
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusServiceUnavailable, terr.StatusCode)
	assert.Equal(t, "unavailable_error", terr.Code)
	assert.Contains(t, err.Error(), "Loading model")
}

func TestOllamaBackend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llava", req["model"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"llava","created_at":"2024-01-01T00:00:00Z","message":{"role":"assistant","content":"{\"objects\":[]}"},"done":true}` + "\n"))
	}))
	defer server.Close()

	b, err := NewOllamaBackend(server.URL + "/api/chat")
	require.NoError(t, err)

	reply, err := b.Complete(context.Background(), "llava", "find objects", "aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, `{"objects":[]}`, reply)
}

func TestOllamaBackendStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model \"llava\" not found"}` + "\n"))
	}))
	defer server.Close()

	b, err := NewOllamaBackend(server.URL)
	require.NoError(t, err)

	_, err = b.Complete(context.Background(), "llava", "p", "aGVsbG8=")
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusNotFound, terr.StatusCode)
}

func TestNewOllamaBackendRejectsBadURL(t *testing.T) {
	_, err := NewOllamaBackend("localhost")
	assert.Error(t, err)
}
