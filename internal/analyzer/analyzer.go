package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bdougie/thumbgrab/internal/models"
)

const maxWorkers = 4 // Adjust based on your CPU cores

// Describer produces a caption for an image file
type Describer interface {
	Describe(ctx context.Context, imagePath string) (string, error)
}

// Captioner fills the Caption of gallery images using a Describer
type Captioner struct {
	describer Describer
	workers   int
	logger    *slog.Logger
}

func NewCaptioner(d Describer, workers int, logger *slog.Logger) *Captioner {
	if workers <= 0 {
		workers = maxWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Captioner{
		describer: d,
		workers:   workers,
		logger:    logger.With("component", "captioner"),
	}
}

// Caption returns a copy of images with captions filled in, in the same order.
// Images that fail keep an empty caption; the failures are joined into the error.
func (c *Captioner) Caption(ctx context.Context, images []models.CapturedImage) ([]models.CapturedImage, error) {
	out := make([]models.CapturedImage, len(images))
	copy(out, images)
	if len(images) == 0 {
		return out, nil
	}

	dir, err := os.MkdirTemp("", "thumbgrab-captions-*")
	if err != nil {
		return out, fmt.Errorf("failed to create caption workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	workChan := make(chan models.WorkItem, len(images))
	resultsChan := make(chan captioned, len(images))
	errorsChan := make(chan error, len(images))

	var wg sync.WaitGroup

	remaining := atomic.Int64{}
	remaining.Store(int64(len(images)))

	// Start worker pool
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for work := range workChan {
				if err := ctx.Err(); err != nil {
					errorsChan <- err
					continue
				}
				caption, err := c.describe(ctx, dir, work)
				if err != nil {
					errorsChan <- fmt.Errorf("thumbnail %d/%d failed: %v", work.Index+1, work.Total, err)
					continue
				}
				resultsChan <- captioned{index: work.Index, result: models.CaptionResult{ImageID: work.Image.ID, Content: caption}}

				left := remaining.Add(-1)
				c.logger.Debug("thumbnail captioned", "remaining", left, "total", work.Total)
			}
		}()
	}

	// Send work to workers
	for i, img := range images {
		workChan <- models.WorkItem{Index: i, Total: len(images), Image: img}
	}
	close(workChan)

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	for r := range resultsChan {
		out[r.index].Caption = strings.TrimSpace(r.result.Content)
	}

	var errorMessages []string
	for err := range errorsChan {
		errorMessages = append(errorMessages, err.Error())
	}
	if len(errorMessages) > 0 {
		return out, fmt.Errorf("encountered errors during captioning: %v", strings.Join(errorMessages, "; "))
	}
	return out, nil
}

type captioned struct {
	index  int
	result models.CaptionResult
}

func (c *Captioner) describe(ctx context.Context, dir string, work models.WorkItem) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("thumbnail_%03d.%s", work.Index+1, work.Image.Format.Ext()))
	if err := os.WriteFile(path, work.Image.Data, 0600); err != nil {
		return "", fmt.Errorf("failed to stage image: %w", err)
	}
	return c.describer.Describe(ctx, path)
}
