package detectiondashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/menta2k/detection-dashboard/internal/config"
	"github.com/menta2k/detection-dashboard/pkg/detection"
	"github.com/menta2k/detection-dashboard/pkg/normalize"
	"github.com/menta2k/detection-dashboard/pkg/palette"
	"github.com/menta2k/detection-dashboard/pkg/transport"
	"github.com/menta2k/detection-dashboard/pkg/types"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{40, 40, 40, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

const azureReply = `{"predictions":[
	{"tagName":"cat","probability":0.9,"boundingBox":{"left":0.1,"top":0.1,"width":0.3,"height":0.3}},
	{"tagName":"dog","probability":0.1,"boundingBox":{"left":0.5,"top":0.5,"width":0.2,"height":0.2}}
]}`

func azureServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("Prediction-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(azureReply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newDashboard(t *testing.T, cfg *config.Config) *Dashboard {
	t.Helper()
	d, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestNewDefaults(t *testing.T) {
	d := newDashboard(t, nil)
	assert.NotNil(t, d.Config())
	assert.NotNil(t, d.Metrics())
	assert.NotNil(t, d.Factory())
	assert.NotNil(t, d.Processor())
	assert.NotNil(t, d.Normalizer())
	assert.Empty(t, d.AvailableServices())
}

func TestNewRejectsBadPalette(t *testing.T) {
	cfg := config.Default()
	cfg.Annotation.Palette = []string{"not-a-color"}
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestDetectAzure(t *testing.T) {
	srv := azureServer(t)
	cfg := config.Default()
	cfg.Azure.PredictionURL = srv.URL
	cfg.Azure.PredictionKey = "secret"

	d := newDashboard(t, cfg)
	assert.Equal(t, []string{config.ServiceAzure}, d.AvailableServices())

	out, err := d.Detect(context.Background(), config.ServiceAzure, testPNG(t, 1600, 1200), 0.5)
	require.NoError(t, err)

	assert.Equal(t, config.ServiceAzure, out.Service)
	assert.Equal(t, normalize.ServiceAzure, out.Result.ServiceName())
	assert.Equal(t, types.ImageDimensions{Width: 800, Height: 600}, out.Result.ImageDimensions())
	assert.Equal(t, 2, out.Result.DetectionCount())
	require.Len(t, out.Filtered, 1)
	assert.Equal(t, "cat", out.Filtered[0].TagName)
	assert.Equal(t, []string{"cat"}, out.Groups.Tags())
	assert.Equal(t, map[string]string{"cat": palette.Hex(palette.Default()[0])}, out.Colors)

	require.NotNil(t, out.Annotated)
	assert.Equal(t, image.Rect(0, 0, 800, 600), out.Annotated.Bounds())
	got := color.NRGBAModel.Convert(out.Annotated.At(200, 239)).(color.NRGBA)
	assert.Equal(t, palette.Default()[0], got)
	src := color.NRGBAModel.Convert(out.Image.At(200, 239)).(color.NRGBA)
	assert.Equal(t, color.NRGBA{40, 40, 40, 255}, src)
}

func TestDetectErrors(t *testing.T) {
	d := newDashboard(t, nil)
	ctx := context.Background()

	svc, err := detection.NewService("mock", normalize.VariantVLM, transport.CallerFunc(func(context.Context, []byte, float64) (any, error) {
		return map[string]any{"objects": []any{}}, nil
	}), d.Normalizer(), nil, nil)
	require.NoError(t, err)
	d.Factory().Register(svc)

	_, err = d.Detect(ctx, "mock", []byte("not an image"), -1)
	assert.ErrorIs(t, err, ErrInvalidImage)

	out, err := d.Detect(ctx, "mock", testPNG(t, 50, 40), -1)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Result.DetectionCount())
	assert.Empty(t, out.Groups)

	_, err = d.Detect(ctx, "unknown", testPNG(t, 200, 200), -1)
	assert.ErrorIs(t, err, detection.ErrUnknownService)

	_, err = d.Detect(ctx, config.ServiceAzure, testPNG(t, 200, 200), -1)
	assert.ErrorIs(t, err, detection.ErrServiceUnavailable)
	assert.ErrorIs(t, err, config.ErrNotConfigured)
}

func TestDetectAllIsolatesFailures(t *testing.T) {
	srv := azureServer(t)
	cfg := config.Default()
	cfg.Azure.PredictionURL = srv.URL
	cfg.Azure.PredictionKey = "secret"
	d := newDashboard(t, cfg)

	failing := transport.CallerFunc(func(context.Context, []byte, float64) (any, error) {
		return nil, errors.New("boom")
	})
	svc, err := detection.NewService("zz-broken", normalize.VariantVLM, failing, d.Normalizer(), nil, nil)
	require.NoError(t, err)
	d.Factory().Register(svc)

	outcomes, err := d.DetectAll(context.Background(), testPNG(t, 400, 300), 0.5)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	assert.Equal(t, config.ServiceAzure, outcomes[0].Service)
	assert.NoError(t, outcomes[0].Err)
	assert.Len(t, outcomes[0].Filtered, 1)

	assert.Equal(t, "zz-broken", outcomes[1].Service)
	assert.Error(t, outcomes[1].Err)
	assert.Nil(t, outcomes[1].Annotated)
}

func TestProcessImageFile(t *testing.T) {
	srv := azureServer(t)
	cfg := config.Default()
	cfg.Azure.PredictionURL = srv.URL
	cfg.Azure.PredictionKey = "secret"
	d := newDashboard(t, cfg)

	dir := t.TempDir()
	input := filepath.Join(dir, "street.png")
	require.NoError(t, os.WriteFile(input, testPNG(t, 320, 240), 0644))

	outDir := filepath.Join(dir, "out")
	imagePath, resultPath, err := d.ProcessImageFile(context.Background(), config.ServiceAzure, input, outDir, -1)
	require.NoError(t, err)

	assert.FileExists(t, imagePath)
	data, err := os.ReadFile(resultPath)
	require.NoError(t, err)

	var s types.Serializable
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, normalize.ServiceAzure, s.ServiceName)
	assert.Equal(t, [2]int{320, 240}, s.ImageDimensions)
	assert.Equal(t, 0.3, s.ConfidenceThreshold)
	assert.Len(t, s.Detections, 2)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 800, cfg.Detection.MaxWidth)
	assert.Equal(t, 600, cfg.Detection.MaxHeight)
}

func TestGetVersion(t *testing.T) {
	assert.Equal(t, Version, GetVersion())
}
