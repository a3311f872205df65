package thumbgrab

import (
	"log/slog"
	"time"

	"github.com/bdougie/thumbgrab/internal/exporter"
	"github.com/bdougie/thumbgrab/internal/models"
	"github.com/bdougie/thumbgrab/internal/playback"
)

// Defaults used when Options leaves a value unset
const (
	DefaultQuality = 0.92
	DefaultSettle  = 200 * time.Millisecond
	DefaultCadence = 400 * time.Millisecond
)

// Options wires a Session. Decoder and Sink are required.
type Options struct {
	Decoder playback.Decoder
	Sink    exporter.Sink

	// Optional collaborators
	Captioner Captioner
	Notifier  Notifier
	Fetcher   Fetcher

	// Output size; zero means the natural size of the loaded media
	Width   int
	Height  int
	Format  models.Format
	Quality float64

	Settle       time.Duration
	Cadence      time.Duration
	KeepExisting bool
	TempDir      string

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Quality <= 0 || o.Quality > 1 {
		o.Quality = DefaultQuality
	}
	if o.Settle < 0 {
		o.Settle = DefaultSettle
	}
	if o.Cadence < 0 {
		o.Cadence = DefaultCadence
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
