package annotate

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/menta2k/detection-dashboard/pkg/palette"
	"github.com/menta2k/detection-dashboard/pkg/types"
)

var gray = color.NRGBA{64, 64, 64, 255}

// createTestImage creates a flat gray test image
func createTestImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, gray)
		}
	}
	return img
}

func newResult(dets ...types.Detection) types.DetectionResult {
	return types.NewDetectionResult("Test", dets, time.Millisecond, 0.5)
}

type outcomeCounter struct {
	ok, failed int
}

func (c *outcomeCounter) ObserveAnnotation(failed bool) {
	if failed {
		c.failed++
		return
	}
	c.ok++
}

func TestAnnotateNoDetectionsIsPixelIdentical(t *testing.T) {
	src := createTestImage(64, 48)
	src.SetNRGBA(10, 10, color.NRGBA{200, 10, 10, 255})
	counter := &outcomeCounter{}
	a := New(DefaultOptions(), nil, counter)

	result := newResult(types.NewDetection("cat", 0.2, types.NewBoundingBox(0.1, 0.1, 0.5, 0.5)))
	out := a.Annotate(src, result, 0.5)

	got, ok := out.(*image.NRGBA)
	if !ok {
		t.Fatalf("expected *image.NRGBA, got %T", out)
	}
	if got.Bounds() != src.Bounds() {
		t.Fatalf("bounds changed: %v != %v", got.Bounds(), src.Bounds())
	}
	if !bytes.Equal(got.Pix, src.Pix) {
		t.Error("annotation without surviving detections changed pixels")
	}
	if counter.ok != 1 || counter.failed != 0 {
		t.Errorf("unexpected outcomes ok=%d failed=%d", counter.ok, counter.failed)
	}
}

func TestAnnotateDrawsBoxInTagColor(t *testing.T) {
	src := createTestImage(100, 100)
	before := append([]byte(nil), src.Pix...)
	opts := DefaultOptions()
	a := New(opts, nil, nil)

	result := newResult(types.NewDetection("cat", 0.9, types.NewBoundingBox(0.25, 0.25, 0.5, 0.5)))
	out := a.Annotate(src, result, 0.5)

	if !bytes.Equal(src.Pix, before) {
		t.Fatal("source image was modified")
	}

	want := opts.Palette[0]
	cases := []struct {
		name string
		x, y int
		want color.NRGBA
	}{
		{"left edge", 25, 50, want},
		{"left edge inner stroke", 26, 50, want},
		{"right edge", 75, 50, want},
		{"right edge inner stroke", 74, 50, want},
		{"bottom edge", 50, 75, want},
		{"bottom edge inner stroke", 50, 74, want},
		{"inside", 50, 50, gray},
		{"inside next to stroke", 27, 50, gray},
		{"outside", 90, 90, gray},
	}
	for _, tc := range cases {
		got := color.NRGBAModel.Convert(out.At(tc.x, tc.y)).(color.NRGBA)
		if got != tc.want {
			t.Errorf("%s (%d,%d): got %v, want %v", tc.name, tc.x, tc.y, got, tc.want)
		}
	}
}

func TestAnnotateUsesSortedTagColors(t *testing.T) {
	p := palette.Palette{{R: 255, A: 255}, {G: 255, A: 255}}
	a := New(Options{Palette: p}, nil, nil)
	src := createTestImage(100, 100)

	result := newResult(
		types.NewDetection("zebra", 0.9, types.NewBoundingBox(0.1, 0.5, 0.3, 0.3)),
		types.NewDetection("ant", 0.9, types.NewBoundingBox(0.6, 0.5, 0.3, 0.3)),
	)
	out := a.Annotate(src, result, 0.5)

	if got := color.NRGBAModel.Convert(out.At(10, 60)); got != p[1] {
		t.Errorf("zebra box color = %v, want %v", got, p[1])
	}
	if got := color.NRGBAModel.Convert(out.At(60, 60)); got != p[0] {
		t.Errorf("ant box color = %v, want %v", got, p[0])
	}
}

// samePixels reports the first point where a and b disagree
func samePixels(t *testing.T, a, b image.Image) {
	t.Helper()
	if a.Bounds() != b.Bounds() {
		t.Fatalf("bounds differ: %v vs %v", a.Bounds(), b.Bounds())
	}
	r := a.Bounds()
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			ar, ag, ab, aa := a.At(x, y).RGBA()
			br, bg, bb, ba := b.At(x, y).RGBA()
			if ar != br || ag != bg || ab != bb || aa != ba {
				t.Fatalf("pixel (%d,%d) differs: %v vs %v", x, y, a.At(x, y), b.At(x, y))
			}
		}
	}
}

func TestAnnotateNoOpKeepsTranslucentRGBA(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			a := uint8(x*16 + y)
			src.SetRGBA(x, y, color.RGBA{R: a / 3, G: a / 2, B: a, A: a})
		}
	}
	a := New(DefaultOptions(), nil, nil)
	result := newResult(types.NewDetection("cat", 0.2, types.NewBoundingBox(0.1, 0.1, 0.5, 0.5)))

	out := a.Annotate(src, result, 0.5)
	got, ok := out.(*image.RGBA)
	if !ok {
		t.Fatalf("expected *image.RGBA, got %T", out)
	}
	if !bytes.Equal(got.Pix, src.Pix) {
		t.Error("translucent pixels changed on a no-op annotation")
	}
}

func TestAnnotateSubImageKeepsBounds(t *testing.T) {
	full := createTestImage(50, 50)
	for y := 10; y < 40; y++ {
		for x := 10; x < 40; x++ {
			full.SetNRGBA(x, y, color.NRGBA{200, 10, 10, 255})
		}
	}
	src := full.SubImage(image.Rect(10, 10, 40, 40))
	a := New(DefaultOptions(), nil, nil)

	noop := a.Annotate(src, newResult(types.NewDetection("cat", 0.2, types.NewBoundingBox(0, 0, 1, 1))), 0.5)
	samePixels(t, src, noop)

	// box right and bottom edges: floor(0.9*30) = 27, offset by the origin
	result := newResult(types.NewDetection("cat", 0.9, types.NewBoundingBox(0.5, 0.5, 0.4, 0.4)))
	out := a.Annotate(src, result, 0.5)
	if out.Bounds() != src.Bounds() {
		t.Fatalf("bounds changed: %v", out.Bounds())
	}
	want := palette.Default()[0]
	if got := color.NRGBAModel.Convert(out.At(30, 37)); got != want {
		t.Errorf("bottom edge: expected %v, got %v", want, got)
	}
	if got := color.NRGBAModel.Convert(out.At(37, 30)); got != want {
		t.Errorf("right edge: expected %v, got %v", want, got)
	}
	if got := color.NRGBAModel.Convert(out.At(30, 30)); got != (color.NRGBA{200, 10, 10, 255}) {
		t.Errorf("box interior changed: %v", got)
	}
	if got := full.NRGBAAt(30, 37); got != (color.NRGBA{200, 10, 10, 255}) {
		t.Errorf("source modified: %v", got)
	}
}

func TestAnnotateNoOpOtherImageTypes(t *testing.T) {
	src := image.NewGray(image.Rect(5, 5, 25, 20))
	for i := range src.Pix {
		src.Pix[i] = uint8(i * 7)
	}
	a := New(DefaultOptions(), nil, nil)
	out := a.Annotate(src, newResult(), 0.5)
	samePixels(t, src, out)
}

func TestAnnotateLabelClampedToTop(t *testing.T) {
	src := createTestImage(200, 200)
	opts := DefaultOptions()
	a := New(opts, nil, nil)

	result := newResult(types.NewDetection("cat", 0.9, types.NewBoundingBox(0.1, 0, 0.5, 0.5)))
	out := a.Annotate(src, result, 0.5)

	// "cat" in the 7px bitmap face is 21px wide; the panel extends one
	// pixel past the text
	x, y := 20+21+1, 5
	c := opts.Palette[0]
	got := color.NRGBAModel.Convert(out.At(x, y)).(color.NRGBA)
	wantR := blend(c.R, gray.R, opts.LabelAlpha)
	if diff(got.R, wantR) > 2 || got.A != 255 {
		t.Errorf("label panel pixel = %v, want red near %d", got, wantR)
	}
	if got == c || got == gray {
		t.Errorf("label panel was not blended: %v", got)
	}
}

func blend(fg, bg, alpha uint8) uint8 {
	a := float64(alpha) / 255
	return uint8(float64(fg)*a + float64(bg)*(1-a) + 0.5)
}

func diff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestAnnotateBoxOnImageEdge(t *testing.T) {
	src := createTestImage(50, 40)
	a := New(DefaultOptions(), nil, nil)

	result := newResult(types.NewDetection("edge", 1, types.NewBoundingBox(0, 0, 1, 1)))
	out := a.Annotate(src, result, 0.5)

	want := a.Options().Palette[0]
	for _, p := range []image.Point{{49, 20}, {25, 39}, {0, 39}} {
		if got := color.NRGBAModel.Convert(out.At(p.X, p.Y)); got != want {
			t.Errorf("edge pixel %v = %v, want %v", p, got, want)
		}
	}
}

func TestFontFallback(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	opts := DefaultOptions()
	opts.FontPath = filepath.Join(t.TempDir(), "missing.ttf")

	a := New(opts, zap.New(core), nil)
	if a.face != basicfont.Face7x13 {
		t.Error("expected basicfont fallback for a missing font")
	}
	if logs.Len() != 1 {
		t.Errorf("expected one warning, got %d", logs.Len())
	}
}

func TestLoadTrueTypeFont(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goregular.ttf")
	if err := os.WriteFile(path, goregular.TTF, 0o644); err != nil {
		t.Fatal(err)
	}
	opts := DefaultOptions()
	opts.FontPath = path
	opts.FontSize = 14

	a := New(opts, nil, nil)
	if a.face == basicfont.Face7x13 {
		t.Fatal("expected the TrueType face to be loaded")
	}

	result := newResult(types.NewDetection("dog", 0.9, types.NewBoundingBox(0.2, 0.3, 0.4, 0.4)))
	out := a.Annotate(createTestImage(120, 120), result, 0.5)
	if out.Bounds().Dx() != 120 {
		t.Errorf("unexpected output size %v", out.Bounds())
	}
}

type panicImage struct{ image.Rectangle }

func (p panicImage) ColorModel() color.Model { return color.NRGBAModel }
func (p panicImage) Bounds() image.Rectangle { return p.Rectangle }
func (p panicImage) At(x, y int) color.Color { panic("broken pixel source") }

func TestAnnotateRecoversAndReturnsSource(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	counter := &outcomeCounter{}
	a := New(DefaultOptions(), zap.New(core), counter)

	src := panicImage{image.Rect(0, 0, 10, 10)}
	result := newResult(types.NewDetection("cat", 0.9, types.NewBoundingBox(0.1, 0.1, 0.5, 0.5)))
	out := a.Annotate(src, result, 0.5)

	if out != image.Image(src) {
		t.Errorf("expected the source image back, got %T", out)
	}
	if counter.failed != 1 {
		t.Errorf("expected one failed annotation, got %d", counter.failed)
	}
	if logs.Len() != 1 {
		t.Errorf("expected one error log, got %d", logs.Len())
	}
}

func BenchmarkAnnotate(b *testing.B) {
	src := createTestImage(800, 600)
	a := New(DefaultOptions(), nil, nil)
	dets := make([]types.Detection, 0, 20)
	for i := 0; i < 20; i++ {
		f := float64(i) / 25
		dets = append(dets, types.NewDetection(string(rune('a'+i%5)), 0.9, types.NewBoundingBox(f, f, 0.2, 0.2)))
	}
	result := newResult(dets...)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		a.Annotate(src, result, 0.5)
	}
}
