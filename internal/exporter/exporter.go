package exporter

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bdougie/thumbgrab/internal/metrics"
	"github.com/bdougie/thumbgrab/internal/models"
	"github.com/bdougie/thumbgrab/internal/tracing"
)

const (
	archiveFolder = "thumbnails"
	archiveExt    = ".zip"
)

// Object is a single download handed to a Sink
type Object struct {
	Name        string
	ContentType string
	Data        []byte
}

// Sink is a download destination
type Sink interface {
	Put(ctx context.Context, obj Object) error
}

// Indexer is implemented by sinks that also catalogue the images of a delivered archive
type Indexer interface {
	Index(ctx context.Context, archive string, images []models.CapturedImage) error
}

// ExportError reports a failed download. Nothing was delivered when it is returned.
type ExportError struct {
	Name string
	Err  error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s: %v", e.Name, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// Exporter packages gallery images and delivers them to a Sink
type Exporter struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Exporter writing to sink
func New(sink Sink, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		sink:   sink,
		logger: logger.With("component", "exporter"),
		now:    time.Now,
	}
}

// FormatTime renders seconds with two decimals and an underscore for the point, e.g. 12_50
func FormatTime(seconds float64) string {
	return strings.Replace(strconv.FormatFloat(seconds, 'f', 2, 64), ".", "_", 1)
}

// SingleName is the download name of one image: thumbnail_<time>_<w>x<h>.<ext>
func SingleName(img models.CapturedImage) string {
	return fmt.Sprintf("thumbnail_%s_%dx%d.%s", FormatTime(img.SourceTime), img.Width, img.Height, img.Format.Ext())
}

// EntryName is the path of the seq-th image (1-based) inside an archive
func EntryName(seq int, img models.CapturedImage) string {
	return fmt.Sprintf("%s/thumbnail_%03d_%s.%s", archiveFolder, seq, FormatTime(img.SourceTime), img.Format.Ext())
}

// ArchiveName appends the archive extension to baseName
func ArchiveName(baseName string) string {
	baseName = strings.TrimSuffix(strings.TrimSpace(baseName), archiveExt)
	if baseName == "" {
		baseName = archiveFolder
	}
	return baseName + archiveExt
}

// DownloadSingle delivers one encoded image
func (e *Exporter) DownloadSingle(ctx context.Context, img models.CapturedImage) error {
	name := SingleName(img)
	ctx, span := tracing.Tracer("exporter").Start(ctx, "exporter.single")
	defer span.End()

	if len(img.Data) == 0 {
		return e.fail(span, "single", name, fmt.Errorf("image has no encoded data"))
	}

	err := e.sink.Put(ctx, Object{Name: name, ContentType: img.MIME(), Data: img.Data})
	if err != nil {
		return e.fail(span, "single", name, err)
	}

	metrics.ExportsTotal.WithLabelValues("single", "ok").Inc()
	metrics.ExportBytes.Add(float64(len(img.Data)))
	e.logger.Info("image downloaded", "name", name, "bytes", len(img.Data))
	return nil
}

// DownloadAll packages every image into <baseName>.zip and delivers it as one download.
// An empty collection is a no-op.
func (e *Exporter) DownloadAll(ctx context.Context, images []models.CapturedImage, baseName string) error {
	if len(images) == 0 {
		return nil
	}

	name := ArchiveName(baseName)
	ctx, span := tracing.Tracer("exporter").Start(ctx, "exporter.archive")
	defer span.End()
	span.SetAttributes(attribute.String("archive", name), attribute.Int("images", len(images)))

	data, err := e.Archive(ctx, images)
	if err != nil {
		return e.fail(span, "archive", name, err)
	}

	if err := e.sink.Put(ctx, Object{Name: name, ContentType: "application/zip", Data: data}); err != nil {
		return e.fail(span, "archive", name, err)
	}

	metrics.ExportsTotal.WithLabelValues("archive", "ok").Inc()
	metrics.ExportBytes.Add(float64(len(data)))
	e.logger.Info("archive downloaded", "name", name, "images", len(images), "bytes", len(data))

	if idx, ok := e.sink.(Indexer); ok {
		if err := idx.Index(ctx, name, images); err != nil {
			// The download itself succeeded; the catalogue is best effort
			e.logger.Warn("failed to index archive", "name", name, "error", err)
		}
	}
	return nil
}

// Archive builds the zip payload in memory. Entries are deflated and named
// thumbnails/thumbnail_<NNN>_<time>.<ext> in gallery order.
func (e *Exporter) Archive(ctx context.Context, images []models.CapturedImage) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for i, img := range images {
		select {
		case <-ctx.Done():
			zw.Close()
			return nil, ctx.Err()
		default:
		}

		if err := e.addEntry(zw, EntryName(i+1, img), img); err != nil {
			zw.Close()
			return nil, fmt.Errorf("add %s to zip: %w", EntryName(i+1, img), err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize zip: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *Exporter) addEntry(zw *zip.Writer, name string, img models.CapturedImage) error {
	modified := img.CreatedAt
	if modified.IsZero() {
		modified = e.now()
	}

	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	}
	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = w.Write(img.Data)
	return err
}

func (e *Exporter) fail(span trace.Span, kind, name string, err error) error {
	span.RecordError(err)
	metrics.ExportsTotal.WithLabelValues(kind, "error").Inc()
	e.logger.Error("download failed", "name", name, "error", err)
	return &ExportError{Name: name, Err: err}
}
