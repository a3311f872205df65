package thumbgrab

import (
	"context"
	"errors"

	"github.com/bdougie/thumbgrab/internal/models"
	"github.com/bdougie/thumbgrab/internal/notify"
	"github.com/bdougie/thumbgrab/internal/platform"
)

var (
	// ErrNothingSelected is returned by ExportSelected without a selection
	ErrNothingSelected = errors.New("thumbgrab: no image selected")
	// ErrNoThumbnail is returned by AddFetched when no tier is available
	ErrNoThumbnail = errors.New("thumbgrab: no thumbnail available")
	// ErrNoFetcher is returned by AddFetched when the session has no fetcher
	ErrNoFetcher = errors.New("thumbgrab: platform fetch is not configured")
)

// Captioner describes images before they are exported
type Captioner interface {
	Caption(ctx context.Context, images []models.CapturedImage) ([]models.CapturedImage, error)
}

// Notifier announces finished downloads
type Notifier interface {
	PublishExport(ctx context.Context, ev notify.ExportEvent) error
}

// Fetcher probes and downloads pre-generated platform thumbnails
type Fetcher interface {
	Probe(ctx context.Context, input string) ([]platform.Availability, error)
	Fetch(ctx context.Context, c platform.Candidate) (models.CapturedImage, error)
}
