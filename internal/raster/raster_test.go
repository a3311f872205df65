package raster

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/chai2010/webp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/thumbgrab/internal/models"
)

type stubSource struct {
	img image.Image
	at  float64
	err error
}

func (s stubSource) CurrentFrame() (image.Image, float64, error) {
	return s.img, s.at, s.err
}

func solid(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestCaptureStretchesToRequestedSize(t *testing.T) {
	r := New()
	src := stubSource{img: solid(192, 108, color.RGBA{200, 10, 10, 255}), at: 12.5}

	tests := []struct {
		name   string
		format models.Format
		w, h   int
	}{
		{"png wide", models.PNG, 320, 180},
		{"jpeg square", models.JPEG, 100, 100},
		{"webp portrait", models.WEBP, 90, 160},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := r.Capture(src, tt.w, tt.h, tt.format, 0.8)
			require.NoError(t, err)

			assert.Equal(t, tt.w, img.Width)
			assert.Equal(t, tt.h, img.Height)
			assert.Equal(t, tt.format, img.Format)
			assert.Equal(t, len(img.Data), img.SizeBytes)
			assert.Equal(t, 12.5, img.SourceTime)
			assert.Equal(t, models.Captured, img.Origin)
			assert.NotEmpty(t, img.ID)

			var cfg image.Config
			switch tt.format {
			case models.PNG:
				cfg, err = png.DecodeConfig(bytes.NewReader(img.Data))
			case models.JPEG:
				cfg, err = jpeg.DecodeConfig(bytes.NewReader(img.Data))
			case models.WEBP:
				cfg, err = webp.DecodeConfig(bytes.NewReader(img.Data))
			}
			require.NoError(t, err)
			assert.Equal(t, tt.w, cfg.Width)
			assert.Equal(t, tt.h, cfg.Height)
		})
	}
}

func TestCaptureWithoutFrame(t *testing.T) {
	r := New()

	_, err := r.Capture(stubSource{err: ErrNoFrame}, 10, 10, models.PNG, 1)
	assert.True(t, errors.Is(err, ErrRasterization))
	assert.True(t, errors.Is(err, ErrNoFrame))

	_, err = r.Capture(stubSource{}, 10, 10, models.PNG, 1)
	assert.ErrorIs(t, err, ErrRasterization)

	_, err = r.Capture(nil, 10, 10, models.PNG, 1)
	assert.ErrorIs(t, err, ErrRasterization)
}

func TestCaptureRejectsInvalidSize(t *testing.T) {
	r := New()
	src := stubSource{img: solid(10, 10, color.White)}

	_, err := r.Capture(src, 0, 10, models.PNG, 1)
	assert.ErrorIs(t, err, ErrRasterization)
	_, err = r.Capture(src, 10, -1, models.JPEG, 1)
	assert.ErrorIs(t, err, ErrRasterization)
}

func TestJPEGQualityChangesPayload(t *testing.T) {
	r := New()
	noisy := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			noisy.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 4), uint8((x ^ y) * 4), 255})
		}
	}
	src := stubSource{img: noisy}

	low, err := r.Capture(src, 64, 64, models.JPEG, 0.1)
	require.NoError(t, err)
	high, err := r.Capture(src, 64, 64, models.JPEG, 1.0)
	require.NoError(t, err)

	assert.Less(t, low.SizeBytes, high.SizeBytes)
}

func TestEncodeStill(t *testing.T) {
	r := New()
	img, err := r.Encode(solid(4, 4, color.Black), 8, 2, models.PNG, 0)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Width)
	assert.Equal(t, 2, img.Height)
	assert.Equal(t, models.Fetched, img.Origin)

	_, err = r.Encode(nil, 8, 2, models.PNG, 0)
	assert.ErrorIs(t, err, ErrRasterization)
}

func TestJPEGQualityClamp(t *testing.T) {
	assert.Equal(t, 1, jpegQuality(0.001))
	assert.Equal(t, 92, jpegQuality(0.92))
	assert.Equal(t, 100, jpegQuality(1))
}
