package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/chai2010/webp"
	"github.com/google/uuid"
	"golang.org/x/image/draw"

	"github.com/bdougie/thumbgrab/internal/metrics"
	"github.com/bdougie/thumbgrab/internal/models"
)

// DefaultQuality is used when a caller passes a quality outside (0, 1]
const DefaultQuality = 0.92

// ErrRasterization is returned when a capture cannot produce an image
var ErrRasterization = errors.New("rasterization failed")

// ErrNoFrame is returned by a FrameSource that has nothing decoded yet
var ErrNoFrame = errors.New("no decodable frame available")

// FrameSource exposes the frame currently presented by a player
type FrameSource interface {
	// CurrentFrame returns the visible frame and its presentation time in seconds
	CurrentFrame() (image.Image, float64, error)
}

// Rasterizer draws frames onto a reused surface and encodes them.
// Captures are serialized; the surface is never shared between two in-flight captures.
type Rasterizer struct {
	mu      sync.Mutex
	surface *image.RGBA
	scaler  draw.Scaler
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Rasterizer
type Option func(*Rasterizer)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Rasterizer) { r.logger = l }
}

// WithScaler replaces the resampling kernel (CatmullRom by default)
func WithScaler(s draw.Scaler) Option {
	return func(r *Rasterizer) { r.scaler = s }
}

// New creates a Rasterizer
func New(opts ...Option) *Rasterizer {
	r := &Rasterizer{
		scaler: draw.CatmullRom,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "raster")
	return r
}

// Capture stretches the current frame of src to width x height and encodes it.
// The aspect ratio of the source is not preserved.
func (r *Rasterizer) Capture(src FrameSource, width, height int, format models.Format, quality float64) (models.CapturedImage, error) {
	if src == nil {
		return r.fail(format, fmt.Errorf("%w: nil source", ErrRasterization))
	}
	frame, at, err := src.CurrentFrame()
	if err != nil {
		return r.fail(format, fmt.Errorf("%w: %w", ErrRasterization, err))
	}
	if frame == nil {
		return r.fail(format, fmt.Errorf("%w: %w", ErrRasterization, ErrNoFrame))
	}

	img, err := r.render(frame, width, height, format, quality)
	if err != nil {
		return r.fail(format, err)
	}
	img.SourceTime = at
	img.Origin = models.Captured

	r.logger.Debug("frame captured",
		"seconds", at,
		"width", width,
		"height", height,
		"format", format.String(),
		"bytes", img.SizeBytes,
	)
	return img, nil
}

// Encode rasterizes a still image, such as a fetched thumbnail, at the given size.
// The result is marked as Fetched.
func (r *Rasterizer) Encode(still image.Image, width, height int, format models.Format, quality float64) (models.CapturedImage, error) {
	if still == nil {
		return r.fail(format, fmt.Errorf("%w: %w", ErrRasterization, ErrNoFrame))
	}
	img, err := r.render(still, width, height, format, quality)
	if err != nil {
		return r.fail(format, err)
	}
	img.Origin = models.Fetched
	return img, nil
}

func (r *Rasterizer) render(frame image.Image, width, height int, format models.Format, quality float64) (models.CapturedImage, error) {
	if width <= 0 || height <= 0 {
		return models.CapturedImage{}, fmt.Errorf("%w: invalid target size %dx%d", ErrRasterization, width, height)
	}
	if frame.Bounds().Empty() {
		return models.CapturedImage{}, fmt.Errorf("%w: empty frame", ErrRasterization)
	}

	start := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	surface := r.resize(width, height)
	r.scaler.Scale(surface, surface.Bounds(), frame, frame.Bounds(), draw.Src, nil)

	data, err := encode(surface, format, quality)
	if err != nil {
		return models.CapturedImage{}, fmt.Errorf("%w: encode %s: %w", ErrRasterization, format, err)
	}

	metrics.CaptureDuration.Observe(time.Since(start).Seconds())
	metrics.CapturesTotal.WithLabelValues(format.String(), "ok").Inc()

	return models.CapturedImage{
		ID:        uuid.NewString(),
		Data:      data,
		Width:     width,
		Height:    height,
		Format:    format,
		SizeBytes: len(data),
		CreatedAt: r.now(),
	}, nil
}

// resize reuses the surface when the size is unchanged
func (r *Rasterizer) resize(width, height int) *image.RGBA {
	if r.surface == nil || r.surface.Bounds().Dx() != width || r.surface.Bounds().Dy() != height {
		r.surface = image.NewRGBA(image.Rect(0, 0, width, height))
	}
	return r.surface
}

func (r *Rasterizer) fail(format models.Format, err error) (models.CapturedImage, error) {
	metrics.CapturesTotal.WithLabelValues(format.String(), "error").Inc()
	r.logger.Warn("capture failed", "error", err)
	return models.CapturedImage{}, err
}

func encode(img image.Image, format models.Format, quality float64) ([]byte, error) {
	if quality <= 0 || quality > 1 {
		quality = DefaultQuality
	}

	var buf bytes.Buffer
	var err error
	switch format {
	case models.JPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality(quality)})
	case models.WEBP:
		err = webp.Encode(&buf, img, &webp.Options{Quality: float32(quality * 100)})
	default:
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func jpegQuality(q float64) int {
	v := int(math.Round(q * 100))
	if v < 1 {
		return 1
	}
	if v > 100 {
		return 100
	}
	return v
}
