package embeddings

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/bdougie/thumbgrab/internal/models"
)

const (
	// gridSize is the side of the grayscale grid a signature is sampled on
	gridSize = 8
	// Dimensions is the length of every signature vector
	Dimensions = gridSize * gridSize
)

// Result represents the result of signature generation
type Result struct {
	ImageID   string
	Signature []float32
	Error     error
}

// Work represents a unit of signature work
type Work struct {
	Image  models.CapturedImage
	Result chan<- Result
}

// Service computes perceptual signatures for thumbnails with a worker pool.
// Signatures are cached by image ID, since captured images never change.
type Service struct {
	numWorkers int
	workQueue  chan Work
	cache      sync.Map
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewService creates a new signature service with the specified number of workers
func NewService(numWorkers int) *Service {
	if numWorkers <= 0 {
		numWorkers = 4
	}

	service := &Service{
		numWorkers: numWorkers,
		workQueue:  make(chan Work, 100),
	}
	service.startWorkers()
	return service
}

// startWorkers starts a pool of goroutines for generating signatures
func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for work := range s.workQueue {
				work.Result <- s.compute(work.Image)
			}
		}()
	}
}

func (s *Service) compute(img models.CapturedImage) Result {
	if img.ID != "" {
		if cached, ok := s.cache.Load(img.ID); ok {
			return Result{ImageID: img.ID, Signature: cached.([]float32)}
		}
	}

	sig, err := Signature(img.Data)
	if err == nil && img.ID != "" {
		s.cache.Store(img.ID, sig)
	}
	return Result{ImageID: img.ID, Signature: sig, Error: err}
}

// GetSignature requests a signature asynchronously.
// A full queue is reported immediately instead of blocking the caller.
func (s *Service) GetSignature(img models.CapturedImage) <-chan Result {
	resultChan := make(chan Result, 1)

	select {
	case s.workQueue <- Work{Image: img, Result: resultChan}:
	default:
		resultChan <- Result{
			ImageID: img.ID,
			Error:   fmt.Errorf("signature queue is full, try again later"),
		}
	}
	return resultChan
}

// Signatures computes signatures for every image, preserving order
func (s *Service) Signatures(ctx context.Context, images []models.CapturedImage) ([][]float32, error) {
	pending := make([]<-chan Result, len(images))
	for i, img := range images {
		pending[i] = s.GetSignature(img)
	}

	out := make([][]float32, len(images))
	for i, ch := range pending {
		select {
		case res := <-ch:
			if res.Error != nil {
				return nil, fmt.Errorf("signature for image %d: %w", i, res.Error)
			}
			out[i] = res.Signature
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// Close shuts down the service and waits for all workers to finish
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.workQueue)
	})
	s.wg.Wait()
}

// Signature decodes an encoded image and samples it onto an 8x8 grayscale grid.
// Values are luminance in [0, 1], row by row.
func Signature(data []byte) ([]float32, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	grid := image.NewGray(image.Rect(0, 0, gridSize, gridSize))
	draw.ApproxBiLinear.Scale(grid, grid.Bounds(), src, src.Bounds(), draw.Src, nil)

	sig := make([]float32, Dimensions)
	for i, v := range grid.Pix[:Dimensions] {
		sig[i] = float32(v) / 255
	}
	return sig, nil
}
