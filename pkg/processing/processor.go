// Package processing loads, converts and encodes the images detection
// requests operate on.
package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"
)

// ErrUnknownFormat is returned when no registered decoder accepts the data
var ErrUnknownFormat = errors.New("image: unknown or unsupported format")

// Config holds the image limits applied before detection
type Config struct {
	MaxWidth        int
	MaxHeight       int
	MinImageSize    int
	DownloadTimeout time.Duration
	UserAgent       string
}

// DefaultConfig returns the dashboard defaults: images are shrunk to fit
// 800x600 before they are shown or sent to a vendor
func DefaultConfig() Config {
	return Config{
		MaxWidth:        800,
		MaxHeight:       600,
		MinImageSize:    1,
		DownloadTimeout: 30 * time.Second,
		UserAgent:       "Detection-Dashboard/1.0",
	}
}

// Processor handles image processing operations
type Processor struct {
	config Config
	http   *resty.Client
}

// NewProcessor creates a new image processor with the default configuration
func NewProcessor() *Processor {
	return NewProcessorWithConfig(DefaultConfig())
}

// NewProcessorWithConfig creates a new image processor
func NewProcessorWithConfig(cfg Config) *Processor {
	def := DefaultConfig()
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = def.DownloadTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	client := resty.New().
		SetTimeout(cfg.DownloadTimeout).
		SetHeader("User-Agent", cfg.UserAgent)
	return &Processor{config: cfg, http: client}
}

// Config returns the processor configuration
func (p *Processor) Config() Config {
	return p.config
}

// ReadSource returns the raw bytes of a file path or http(s) URL
func (p *Processor) ReadSource(ctx context.Context, source string) ([]byte, error) {
	if isURL(source) {
		return p.download(ctx, source)
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return data, nil
}

func isURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

func (p *Processor) download(ctx context.Context, imageURL string) ([]byte, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	resp, err := p.http.R().SetContext(ctx).Get(imageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %d %s", resp.StatusCode(), resp.Status())
	}
	contentType := resp.Header().Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}
	return resp.Body(), nil
}

// LoadImageFromURL downloads and decodes an image
func (p *Processor) LoadImageFromURL(ctx context.Context, imageURL string) (image.Image, error) {
	data, err := p.download(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	img, _, err := DecodeImage(data)
	return img, err
}

// LoadImage loads an image from a file path with WebP support
func (p *Processor) LoadImage(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	img, _, err := DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// LoadImageSmart loads an image from either a file path or URL
func (p *Processor) LoadImageSmart(ctx context.Context, source string) (image.Image, error) {
	if isURL(source) {
		return p.LoadImageFromURL(ctx, source)
	}
	return p.LoadImage(source)
}

// DecodeImage decodes image bytes, honouring EXIF orientation, and returns
// the detected format name
func DecodeImage(data []byte) (image.Image, string, error) {
	format := "unknown"
	if _, f, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		format = f
	}

	// chai2010/webp registers "webp" with the image package, so imaging
	// decodes it alongside the standard formats
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", ErrUnknownFormat
	}
	return img, format, nil
}

// ResizeToFit shrinks img to fit within maxWidth x maxHeight keeping its
// aspect ratio. Images that already fit are returned unchanged.
func ResizeToFit(img image.Image, maxWidth, maxHeight int) image.Image {
	b := img.Bounds()
	if maxWidth <= 0 || maxHeight <= 0 || (b.Dx() <= maxWidth && b.Dy() <= maxHeight) {
		return img
	}
	return imaging.Fit(img, maxWidth, maxHeight, imaging.Lanczos)
}

// Fit applies the processor's size limits
func (p *Processor) Fit(img image.Image) image.Image {
	return ResizeToFit(img, p.config.MaxWidth, p.config.MaxHeight)
}

// ToNRGBA returns img as an opaque-compatible *image.NRGBA, copying only
// when needed
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Bounds().Min == (image.Point{}) {
		return n
	}
	return imaging.Clone(img)
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Format      string  `json:"format"`
	AspectRatio float64 `json:"aspect_ratio"`
	Area        int     `json:"area"`
}

// GetImageInfo reads the header of encoded image data
func GetImageInfo(data []byte) (ImageInfo, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		img, f, derr := DecodeImage(data)
		if derr != nil {
			return ImageInfo{}, derr
		}
		cfg.Width, cfg.Height, format = img.Bounds().Dx(), img.Bounds().Dy(), f
	}
	info := ImageInfo{Width: cfg.Width, Height: cfg.Height, Format: format, Area: cfg.Width * cfg.Height}
	if cfg.Height > 0 {
		info.AspectRatio = float64(cfg.Width) / float64(cfg.Height)
	}
	return info, nil
}

// ValidateImage checks that an image meets the minimum size
func (p *Processor) ValidateImage(img image.Image) error {
	if img == nil {
		return errors.New("image is nil")
	}
	b := img.Bounds()
	if b.Dx() < p.config.MinImageSize || b.Dy() < p.config.MinImageSize || b.Empty() {
		return fmt.Errorf("image too small: %dx%d (minimum: %d)", b.Dx(), b.Dy(), p.config.MinImageSize)
	}
	return nil
}

// ValidateBytes checks that data decodes to a usable image
func (p *Processor) ValidateBytes(data []byte) error {
	img, _, err := DecodeImage(data)
	if err != nil {
		return err
	}
	return p.ValidateImage(img)
}

// Encode writes img as png, jpg/jpeg or webp
func Encode(w io.Writer, img image.Image, format string, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "webp":
		return webp.Encode(w, img, &webp.Options{Quality: float32(quality)})
	case "png":
		return png.Encode(w, img)
	case "jpg", "jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// EncodeBytes encodes img into memory
func EncodeBytes(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img, format, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SaveImage saves an image to a file with the specified format and quality
func SaveImage(img image.Image, path, format string, quality int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := Encode(f, img, format, quality); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
