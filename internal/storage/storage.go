package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bdougie/thumbgrab/internal/exporter"
	"github.com/bdougie/thumbgrab/internal/models"
)

const (
	batchSize = 10 // Number of index records to batch write
	indexFile = "thumbgrab_index.json"
)

// IndexRecord describes one thumbnail inside a delivered archive
type IndexRecord struct {
	Archive    string    `json:"archive"`
	EntryName  string    `json:"entry_name"`
	SourceTime float64   `json:"source_time"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Format     string    `json:"format"`
	Origin     string    `json:"origin"`
	Caption    string    `json:"caption,omitempty"`
	IndexedAt  time.Time `json:"indexed_at"`
}

// NewIndexRecords builds the catalog rows for an archive in gallery order
func NewIndexRecords(archive string, images []models.CapturedImage, now time.Time) []IndexRecord {
	records := make([]IndexRecord, 0, len(images))
	for i, img := range images {
		records = append(records, IndexRecord{
			Archive:    archive,
			EntryName:  exporter.EntryName(i+1, img),
			SourceTime: img.SourceTime,
			Width:      img.Width,
			Height:     img.Height,
			Format:     img.Format.String(),
			Origin:     img.Origin.String(),
			Caption:    img.Caption,
			IndexedAt:  now,
		})
	}
	return records
}

// DirSink writes downloads into a local directory and keeps a JSON index
// of every archived thumbnail next to them.
type DirSink struct {
	dir     string
	pending []IndexRecord
	mu      sync.Mutex
	logger  *slog.Logger
}

// NewDirSink creates a sink rooted at dir
func NewDirSink(dir string, logger *slog.Logger) *DirSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirSink{
		dir:    dir,
		logger: logger.With("component", "dirsink"),
	}
}

// Dir returns the output directory
func (s *DirSink) Dir() string {
	return s.dir
}

// Staged is an object written out of sight. Exactly one of Commit or Abort
// should be called.
type Staged interface {
	Commit() error
	Abort()
}

// Stager is implemented by sinks that can write an object without exposing it
type Stager interface {
	Stage(ctx context.Context, obj exporter.Object) (Staged, error)
}

// Deleter is implemented by sinks that can take back a delivered object
type Deleter interface {
	Delete(ctx context.Context, name string) error
}

// Put writes the object atomically. Names may not escape the directory.
func (s *DirSink) Put(ctx context.Context, obj exporter.Object) error {
	st, err := s.Stage(ctx, obj)
	if err != nil {
		return err
	}
	return st.Commit()
}

// Stage writes the object to a temp file next to its destination.
// Commit renames it into place; Abort removes it.
func (s *DirSink) Stage(ctx context.Context, obj exporter.Object) (Staged, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := s.path(obj.Name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".thumbgrab-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tmp.Write(obj.Data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write %s: %w", obj.Name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to close %s: %w", obj.Name, err)
	}

	return &stagedFile{sink: s, tmp: tmp.Name(), path: path, size: len(obj.Data)}, nil
}

// Delete removes a delivered object. A missing object is not an error.
func (s *DirSink) Delete(ctx context.Context, name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	s.logger.Debug("object deleted", "path", path)
	return nil
}

func (s *DirSink) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(s.dir, clean), nil
}

type stagedFile struct {
	sink *DirSink
	tmp  string
	path string
	size int
}

func (f *stagedFile) Commit() error {
	if err := os.Rename(f.tmp, f.path); err != nil {
		os.Remove(f.tmp)
		return fmt.Errorf("failed to move %s into place: %w", filepath.Base(f.path), err)
	}
	f.sink.logger.Debug("object written", "path", f.path, "bytes", f.size)
	return nil
}

func (f *stagedFile) Abort() {
	os.Remove(f.tmp)
}

// Index queues the archive's thumbnails and flushes when the batch is full
func (s *DirSink) Index(ctx context.Context, archive string, images []models.CapturedImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, NewIndexRecords(archive, images, time.Now())...)

	// Write to disk when batch is full
	if len(s.pending) >= batchSize {
		return s.flush()
	}
	return nil
}

// Flush writes all pending index records to disk
func (s *DirSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

// Internal flush implementation
func (s *DirSink) flush() error {
	if len(s.pending) == 0 {
		return nil
	}

	existing, err := s.readIndex()
	if err != nil {
		return err
	}
	all := append(existing, s.pending...)

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for index: %w", err)
	}

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := s.Put(context.Background(), exporter.Object{Name: indexFile, ContentType: "application/json", Data: data}); err != nil {
		return err
	}

	s.pending = nil // Clear the batch
	return nil
}

// Records returns every flushed index record
func (s *DirSink) Records() ([]IndexRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readIndex()
}

func (s *DirSink) readIndex() ([]IndexRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	var records []IndexRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal existing index: %w", err)
	}
	return records, nil
}

// Tee delivers every object to all sinks or to none of them. Sinks that
// implement Stager are staged first and committed only after every other sink
// accepted the object; on failure, sinks that implement Deleter have the object
// removed again. Index is forwarded to the sinks that implement exporter.Indexer.
type Tee []exporter.Sink

// Put implements exporter.Sink
func (t Tee) Put(ctx context.Context, obj exporter.Object) error {
	var staged []Staged
	var stagedSinks, delivered []exporter.Sink

	fail := func(err error, committed []exporter.Sink, pending []Staged) error {
		for _, st := range pending {
			st.Abort()
		}
		errs := []error{err}
		for _, s := range append(delivered, committed...) {
			errs = append(errs, undo(ctx, s, obj.Name))
		}
		return errors.Join(errs...)
	}

	for _, s := range t {
		if stager, ok := s.(Stager); ok {
			st, err := stager.Stage(ctx, obj)
			if err != nil {
				return fail(err, nil, staged)
			}
			staged = append(staged, st)
			stagedSinks = append(stagedSinks, s)
			continue
		}
		if err := s.Put(ctx, obj); err != nil {
			return fail(err, nil, staged)
		}
		delivered = append(delivered, s)
	}

	for i, st := range staged {
		if err := st.Commit(); err != nil {
			return fail(err, stagedSinks[:i], staged[i+1:])
		}
	}
	return nil
}

// undo removes obj from a sink that already accepted it
func undo(ctx context.Context, s exporter.Sink, name string) error {
	d, ok := s.(Deleter)
	if !ok {
		return nil
	}
	if err := d.Delete(context.WithoutCancel(ctx), name); err != nil {
		return fmt.Errorf("rollback %s: %w", name, err)
	}
	return nil
}

// Index implements exporter.Indexer
func (t Tee) Index(ctx context.Context, archive string, images []models.CapturedImage) error {
	var errs []string
	for _, s := range t {
		idx, ok := s.(exporter.Indexer)
		if !ok {
			continue
		}
		if err := idx.Index(ctx, archive, images); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("index %s: %s", archive, strings.Join(errs, "; "))
	}
	return nil
}

var (
	_ Stager  = (*DirSink)(nil)
	_ Deleter = (*DirSink)(nil)
	_ Deleter = (*MinioSink)(nil)
	_ Deleter = (*PostgresSink)(nil)
)
