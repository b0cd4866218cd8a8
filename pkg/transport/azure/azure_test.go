package azure

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/detection-dashboard/pkg/transport"
)

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Options{PredictionURL: "http://x"}, nil)
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestCallSendsImageAndDecodes(t *testing.T) {
	image := []byte{0x89, 'P', 'N', 'G'}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("Prediction-Key"))
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, image, body)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"predictions":[{"tagName":"cat","probability":0.9,
			"boundingBox":{"left":0.1,"top":0.1,"width":0.2,"height":0.2}}]}`))
	}))
	defer server.Close()

	c, err := New(Options{PredictionURL: server.URL, PredictionKey: "secret"}, nil)
	require.NoError(t, err)

	raw, err := c.Call(context.Background(), image, 0.3)
	require.NoError(t, err)

	m, ok := raw.(map[string]any)
	require.True(t, ok)
	preds, ok := m["predictions"].([]any)
	require.True(t, ok)
	require.Len(t, preds, 1)
	assert.Equal(t, "cat", preds[0].(map[string]any)["tagName"])
}

func TestCallReportsVendorErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":"Unauthorized","message":"Invalid prediction key"}`))
	}))
	defer server.Close()

	c, err := New(Options{PredictionURL: server.URL, PredictionKey: "wrong"}, nil)
	require.NoError(t, err)

	_, err = c.Call(context.Background(), []byte("img"), 0.3)
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusUnauthorized, terr.StatusCode)
	assert.Equal(t, "Unauthorized", terr.Code)
	assert.True(t, terr.IsAuth())
	assert.Contains(t, err.Error(), "Invalid prediction key")
}

func TestCallHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	c, err := New(Options{PredictionURL: server.URL, PredictionKey: "k"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Call(ctx, []byte("img"), 0.3)

	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Zero(t, terr.StatusCode)
}

func TestCallRejectsMalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"predictions": [`))
	}))
	defer server.Close()

	c, err := New(Options{PredictionURL: server.URL, PredictionKey: "k"}, nil)
	require.NoError(t, err)

	_, err = c.Call(context.Background(), []byte("img"), 0.3)
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusOK, terr.StatusCode)
}
