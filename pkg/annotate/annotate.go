// Package annotate draws detection boxes and tag labels onto images.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/menta2k/detection-dashboard/pkg/palette"
	"github.com/menta2k/detection-dashboard/pkg/types"
)

// Options configures how boxes and labels are drawn
type Options struct {
	Palette     palette.Palette
	StrokeWidth int
	FontPath    string  // TrueType/OpenType file; empty uses the built-in bitmap face
	FontSize    float64 // points, only used with FontPath
	LabelAlpha  uint8
	TextColor   color.NRGBA
}

// DefaultOptions returns the standard dashboard look
func DefaultOptions() Options {
	return Options{
		Palette:     palette.Default(),
		StrokeWidth: 2,
		FontSize:    12,
		LabelAlpha:  0xCC,
		TextColor:   color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF},
	}
}

// Observer is told the outcome of every Annotate call
type Observer interface {
	ObserveAnnotation(failed bool)
}

// Annotator renders detection results. It is safe for concurrent use.
type Annotator struct {
	opts     Options
	logger   *zap.Logger
	observer Observer

	faceMu sync.Mutex
	face   font.Face
}

// New creates an annotator. A font that cannot be loaded is logged and
// replaced by basicfont.Face7x13. logger and observer may be nil.
func New(opts Options, logger *zap.Logger, observer Observer) *Annotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if len(opts.Palette) == 0 {
		opts.Palette = def.Palette
	}
	if opts.StrokeWidth <= 0 {
		opts.StrokeWidth = def.StrokeWidth
	}
	if opts.FontSize <= 0 {
		opts.FontSize = def.FontSize
	}
	if opts.TextColor == (color.NRGBA{}) {
		opts.TextColor = def.TextColor
	}

	a := &Annotator{opts: opts, logger: logger, observer: observer, face: basicfont.Face7x13}
	if opts.FontPath != "" {
		face, err := loadFace(opts.FontPath, opts.FontSize)
		if err != nil {
			logger.Warn("falling back to built-in font", zap.String("path", opts.FontPath), zap.Error(err))
		} else {
			a.face = face
		}
	}
	return a
}

func loadFace(path string, size float64) (font.Face, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read font: %w", err)
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("failed to create font face: %w", err)
	}
	return face, nil
}

// Options returns the effective options
func (a *Annotator) Options() Options {
	return a.opts
}

// Colors returns the tag colors Annotate would use for the detections
func (a *Annotator) Colors(detections []types.Detection) map[string]color.NRGBA {
	return a.opts.Palette.Assign(types.UniqueTags(detections))
}

// Annotate returns a copy of img with every detection at or above threshold
// outlined in its tag color and labeled with its tag name. img is never
// modified. If drawing fails the unannotated source is returned.
func (a *Annotator) Annotate(img image.Image, result types.DetectionResult, threshold float64) (out image.Image) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("annotation failed",
				zap.String("service", result.ServiceName()),
				zap.Any("panic", r))
			a.observe(true)
			out = img
		}
	}()

	detections := result.FilterByConfidence(threshold)
	dst := cloneImage(img)
	if len(detections) == 0 {
		a.observe(false)
		return dst
	}

	colors := a.Colors(detections)
	bounds := dst.Bounds()
	for _, d := range detections {
		c := colors[d.TagName]
		x0, y0, x1, y1 := boxToPixels(d.BoundingBox, bounds.Dx(), bounds.Dy())
		x0, y0 = x0+bounds.Min.X, y0+bounds.Min.Y
		x1, y1 = x1+bounds.Min.X, y1+bounds.Min.Y
		drawBox(dst, x0, y0, x1, y1, c, a.opts.StrokeWidth)
		a.drawLabel(dst, d.TagName, x0, y0, c)
	}

	a.logger.Debug("annotated image",
		zap.String("service", result.ServiceName()),
		zap.Int("boxes", len(detections)),
		zap.Int("tags", len(colors)))
	a.observe(false)
	return dst
}

// cloneImage copies img keeping its bounds and, for the common RGBA and
// NRGBA buffers, its exact pixel bytes. Other image types are copied into
// an RGBA64 buffer, which holds every color.Color value without loss.
func cloneImage(img image.Image) draw.Image {
	b := img.Bounds()
	switch src := img.(type) {
	case *image.NRGBA:
		dst := image.NewNRGBA(b)
		copyRows(dst.Pix, dst.Stride, src.Pix[src.PixOffset(b.Min.X, b.Min.Y):], src.Stride, b.Dx()*4, b.Dy())
		return dst
	case *image.RGBA:
		dst := image.NewRGBA(b)
		copyRows(dst.Pix, dst.Stride, src.Pix[src.PixOffset(b.Min.X, b.Min.Y):], src.Stride, b.Dx()*4, b.Dy())
		return dst
	default:
		dst := image.NewRGBA64(b)
		draw.Draw(dst, b, img, b.Min, draw.Src)
		return dst
	}
}

func copyRows(dst []byte, dstStride int, src []byte, srcStride, rowLen, rows int) {
	for y := 0; y < rows; y++ {
		copy(dst[y*dstStride:y*dstStride+rowLen], src[y*srcStride:y*srcStride+rowLen])
	}
}

func (a *Annotator) observe(failed bool) {
	if a.observer != nil {
		a.observer.ObserveAnnotation(failed)
	}
}

// drawLabel puts the tag name on a translucent panel just above the box,
// moved inside the image when the box touches the top edge
func (a *Annotator) drawLabel(dst draw.Image, label string, x, top int, c color.NRGBA) {
	a.faceMu.Lock()
	defer a.faceMu.Unlock()

	metrics := a.face.Metrics()
	ascent := metrics.Ascent.Ceil()
	textH := ascent + metrics.Descent.Ceil()
	textW := font.MeasureString(a.face, label).Ceil()

	minY := dst.Bounds().Min.Y
	y := top - textH - 2
	if y < minY {
		y = minY
	}

	panel := image.Rect(x-1, y-1, x+textW+2, y+textH+1).Intersect(dst.Bounds())
	bg := color.NRGBA{R: c.R, G: c.G, B: c.B, A: a.opts.LabelAlpha}
	draw.Draw(dst, panel, image.NewUniform(bg), image.Point{}, draw.Over)

	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(a.opts.TextColor),
		Face: a.face,
		Dot:  fixed.P(x, y+ascent),
	}
	d.DrawString(label)
}

// boxToPixels maps a normalized box onto inclusive pixel edges relative to
// the image origin
func boxToPixels(box types.BoundingBox, w, h int) (int, int, int, int) {
	x0 := clampInt(int(math.Floor(box.Left*float64(w))), 0, w-1)
	y0 := clampInt(int(math.Floor(box.Top*float64(h))), 0, h-1)
	x1 := clampInt(int(math.Floor(box.Right()*float64(w))), 0, w-1)
	y1 := clampInt(int(math.Floor(box.Bottom()*float64(h))), 0, h-1)
	if x1 < x0 {
		x1 = x0
	}
	if y1 < y0 {
		y1 = y0
	}
	return x0, y0, x1, y1
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// drawBox outlines the inclusive rectangle, growing the stroke inward
func drawBox(img draw.Image, x0, y0, x1, y1 int, c color.NRGBA, stroke int) {
	for s := 0; s < stroke; s++ {
		if x0+s > x1-s || y0+s > y1-s {
			break
		}
		drawHLine(img, y0+s, x0, x1+1, c)
		drawHLine(img, y1-s, x0, x1+1, c)
		drawVLine(img, x0+s, y0, y1+1, c)
		drawVLine(img, x1-s, y0, y1+1, c)
	}
}

func drawHLine(img draw.Image, y, x0, x1 int, c color.NRGBA) {
	b := img.Bounds()
	if y < b.Min.Y || y >= b.Max.Y {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	x0, x1 = max(x0, b.Min.X), min(x1, b.Max.X)
	for x := x0; x < x1; x++ {
		img.Set(x, y, c)
	}
}

func drawVLine(img draw.Image, x, y0, y1 int, c color.NRGBA) {
	b := img.Bounds()
	if x < b.Min.X || x >= b.Max.X {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	y0, y1 = max(y0, b.Min.Y), min(y1, b.Max.Y)
	for y := y0; y < y1; y++ {
		img.Set(x, y, c)
	}
}
