package thumbgrab

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bdougie/thumbgrab/internal/aspect"
	"github.com/bdougie/thumbgrab/internal/exporter"
	"github.com/bdougie/thumbgrab/internal/gallery"
	"github.com/bdougie/thumbgrab/internal/models"
	"github.com/bdougie/thumbgrab/internal/notify"
	"github.com/bdougie/thumbgrab/internal/playback"
	"github.com/bdougie/thumbgrab/internal/raster"
	"github.com/bdougie/thumbgrab/internal/sequencer"
	"github.com/bdougie/thumbgrab/internal/tracing"
)

// Session is one video being turned into thumbnails. It owns the player,
// the gallery and everything that reads from or writes to them.
type Session struct {
	player    *playback.Controller
	store     *gallery.Store
	raster    *raster.Rasterizer
	seq       *sequencer.Sequencer
	exporter  *exporter.Exporter
	captioner Captioner
	notifier  Notifier
	fetcher   Fetcher
	logger    *slog.Logger

	mu     sync.Mutex
	solver *aspect.Solver
	output sequencer.Output
	fixed  bool // output size chosen by the caller
}

// New wires a Session from opts
func New(opts Options) (*Session, error) {
	if opts.Decoder == nil {
		return nil, errors.New("thumbgrab: decoder is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("thumbgrab: sink is required")
	}
	opts.applyDefaults()

	var playerOpts []playback.Option
	playerOpts = append(playerOpts, playback.WithLogger(opts.Logger))
	if opts.TempDir != "" {
		playerOpts = append(playerOpts, playback.WithTempDir(opts.TempDir))
	}

	s := &Session{
		player:    playback.New(opts.Decoder, playerOpts...),
		store:     gallery.NewStore(),
		raster:    raster.New(raster.WithLogger(opts.Logger)),
		captioner: opts.Captioner,
		notifier:  opts.Notifier,
		fetcher:   opts.Fetcher,
		logger:    opts.Logger.With("component", "session"),
		solver:    aspect.NewSolver(opts.Width, opts.Height),
		output: sequencer.Output{
			Width:   opts.Width,
			Height:  opts.Height,
			Format:  opts.Format,
			Quality: opts.Quality,
		},
		fixed: opts.Width > 0 && opts.Height > 0,
	}
	s.exporter = exporter.New(opts.Sink, opts.Logger)
	s.seq = sequencer.New(s.player, s.raster, s.store, s.output,
		sequencer.WithPacing(opts.Settle, opts.Cadence),
		sequencer.WithKeepExisting(opts.KeepExisting),
		sequencer.WithLogger(opts.Logger),
	)

	s.player.OnReady(s.mediaReady)
	return s, nil
}

// mediaReady adopts the natural size of the media unless the caller fixed one
func (s *Session) mediaReady(info models.MediaInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fixed || info.Width <= 0 || info.Height <= 0 {
		return
	}
	s.output.Width, s.output.Height = info.Width, info.Height
	s.solver.Reset(info.Width, info.Height)
}

// Player exposes the playback controller
func (s *Session) Player() *playback.Controller { return s.player }

// Gallery exposes the capture gallery
func (s *Session) Gallery() *gallery.Store { return s.store }

// Output returns the current capture settings
func (s *Session) Output() sequencer.Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

// SetFormat changes the encoding of later captures
func (s *Session) SetFormat(format models.Format, quality float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output.Format = format
	if quality > 0 && quality <= 1 {
		s.output.Quality = quality
	}
}

// SetSize sets the output size. With lock set, the dimension named by changed
// is kept and the other one follows the current aspect ratio.
func (s *Session) SetSize(width, height int, changed aspect.Dimension, lock bool) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, h := s.solver.DeriveCompanion(width, height, changed, lock)
	s.output.Width, s.output.Height = w, h
	s.fixed = true
	return w, h
}

// Load opens a file path or URL
func (s *Session) Load(ctx context.Context, location string) error {
	return s.player.LoadAddress(ctx, location)
}

// LoadReader loads media from r, keeping a transient copy while it is open.
// Content that does not sniff as video is rejected before anything is written.
func (s *Session) LoadReader(ctx context.Context, r io.Reader, name string) error {
	br := bufio.NewReader(r)
	header, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) {
		return &playback.LoadError{Location: name, Err: err}
	}
	if err := playback.ValidateMediaType(header); err != nil {
		return &playback.LoadError{Location: name, Err: err}
	}
	return s.player.LoadFile(ctx, br, name)
}

// Capture rasterizes the presented frame into the gallery
func (s *Session) Capture(ctx context.Context) (models.CapturedImage, error) {
	_, span := tracing.Tracer("session").Start(ctx, "session.capture")
	defer span.End()

	out := s.Output()
	if out.Width <= 0 || out.Height <= 0 {
		err := fmt.Errorf("%w: output size is not set", raster.ErrRasterization)
		span.RecordError(err)
		return models.CapturedImage{}, err
	}

	img, err := s.raster.Capture(s.player, out.Width, out.Height, out.Format, out.Quality)
	if err != nil {
		span.RecordError(err)
		return models.CapturedImage{}, err
	}
	span.SetAttributes(attribute.Float64("seconds", img.SourceTime), attribute.Int("bytes", img.SizeBytes))

	s.store.Append(img)
	return img, nil
}

// CaptureAt pauses playback, seeks to seconds and captures once the frame is presented
func (s *Session) CaptureAt(ctx context.Context, seconds float64) (models.CapturedImage, error) {
	s.player.Pause()
	if err := s.player.SeekAndWait(ctx, seconds); err != nil {
		return models.CapturedImage{}, fmt.Errorf("seek to %.2f: %w", seconds, err)
	}
	return s.Capture(ctx)
}

// AutoCapture pauses playback and starts capturing one image per step across
// the whole video. It returns once the sequence has started; use Wait to block
// until it ends.
func (s *Session) AutoCapture(ctx context.Context, step sequencer.Step) error {
	state := s.player.Snapshot()
	if !state.IsReady {
		return playback.ErrNotReady
	}
	s.player.Pause()
	s.seq.SetOutput(s.Output())
	return s.seq.Start(ctx, step, state.Duration)
}

// Wait blocks until a running auto capture finishes
func (s *Session) Wait(ctx context.Context) error {
	return s.seq.Wait(ctx)
}

// Progress reports auto capture progress
func (s *Session) Progress() (completed, total int) {
	return s.seq.Progress()
}

// Stop halts auto capture. No capture is appended after it returns.
func (s *Session) Stop() {
	s.seq.Stop()
}

// Export delivers every gallery image as <baseName>.zip. An empty gallery is a no-op.
func (s *Session) Export(ctx context.Context, baseName string) error {
	images := s.store.Images()
	if len(images) == 0 {
		return nil
	}

	images = s.caption(ctx, images)
	if err := s.exporter.DownloadAll(ctx, images, baseName); err != nil {
		return err
	}

	s.publish(ctx, notify.ExportEvent{
		Name:   exporter.ArchiveName(baseName),
		Kind:   "archive",
		Images: len(images),
	})
	return nil
}

// ExportSelected delivers the selected image on its own
func (s *Session) ExportSelected(ctx context.Context) error {
	img, _, ok := s.store.Selected()
	if !ok {
		return ErrNothingSelected
	}

	if err := s.exporter.DownloadSingle(ctx, img); err != nil {
		return err
	}

	s.publish(ctx, notify.ExportEvent{
		Name:      exporter.SingleName(img),
		Kind:      "single",
		Images:    1,
		SizeBytes: img.SizeBytes,
	})
	return nil
}

// AddFetched adds a platform thumbnail to the gallery. An empty tier picks the
// best available one. Once an output size is known the still is re-encoded at
// that size and format, like any capture.
func (s *Session) AddFetched(ctx context.Context, input, tier string) (models.CapturedImage, error) {
	if s.fetcher == nil {
		return models.CapturedImage{}, ErrNoFetcher
	}

	avail, err := s.fetcher.Probe(ctx, input)
	if err != nil {
		return models.CapturedImage{}, err
	}

	for _, a := range avail {
		if !a.Available || (tier != "" && a.Candidate.Tier.Name != tier) {
			continue
		}
		img, err := s.fetcher.Fetch(ctx, a.Candidate)
		if err != nil {
			return models.CapturedImage{}, err
		}
		if img, err = s.fitFetched(img); err != nil {
			return models.CapturedImage{}, err
		}
		s.store.Append(img)
		s.logger.Info("thumbnail fetched", "tier", a.Candidate.Tier.Name, "width", img.Width, "height", img.Height)
		return img, nil
	}
	return models.CapturedImage{}, ErrNoThumbnail
}

func (s *Session) fitFetched(img models.CapturedImage) (models.CapturedImage, error) {
	out := s.Output()
	if out.Width <= 0 || out.Height <= 0 {
		img.Origin = models.Fetched
		return img, nil
	}

	still, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return models.CapturedImage{}, fmt.Errorf("%w: decode fetched thumbnail: %w", raster.ErrRasterization, err)
	}
	return s.raster.Encode(still, out.Width, out.Height, out.Format, out.Quality)
}

// Close stops capture and releases the loaded media
func (s *Session) Close() {
	s.seq.Stop()
	s.player.Close()
}

// caption is best effort: images that could not be described export without a caption
func (s *Session) caption(ctx context.Context, images []models.CapturedImage) []models.CapturedImage {
	if s.captioner == nil {
		return images
	}
	captioned, err := s.captioner.Caption(ctx, images)
	if err != nil {
		s.logger.Warn("captioning incomplete", "error", err)
	}
	if len(captioned) != len(images) {
		return images
	}
	return captioned
}

func (s *Session) publish(ctx context.Context, ev notify.ExportEvent) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishExport(ctx, ev); err != nil {
		s.logger.Warn("failed to publish export event", "name", ev.Name, "error", err)
	}
}
