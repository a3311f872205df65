package sequencer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bdougie/thumbgrab/internal/models"
	"github.com/bdougie/thumbgrab/internal/raster"
	"github.com/bdougie/thumbgrab/internal/tracing"
)

const (
	defaultSettle  = 200 * time.Millisecond
	defaultCadence = 400 * time.Millisecond
)

var (
	// ErrAlreadyRunning is returned by Start while a sequence is in progress
	ErrAlreadyRunning = errors.New("sequencer: already running")
	// ErrEmptyPlan is returned when the step leaves no timestamp inside the duration
	ErrEmptyPlan = errors.New("sequencer: no timestamps to capture")
)

// Player seeks and exposes the presented frame
type Player interface {
	raster.FrameSource
	SeekAndWait(ctx context.Context, seconds float64) error
}

// Capturer turns the presented frame into an image
type Capturer interface {
	Capture(src raster.FrameSource, width, height int, format models.Format, quality float64) (models.CapturedImage, error)
}

// Gallery receives captures
type Gallery interface {
	Append(img models.CapturedImage) int
	Clear()
}

// Output describes the images the sequencer produces
type Output struct {
	Width   int
	Height  int
	Format  models.Format
	Quality float64
}

// Sequencer drives seek then capture for every planned timestamp, one at a time.
// Capture N+1 never starts before capture N has been appended.
type Sequencer struct {
	player   Player
	capturer Capturer
	gallery  Gallery
	output   Output
	logger   *slog.Logger

	settle       time.Duration
	cadence      time.Duration
	keepExisting bool
	onCapture    func(index int, img models.CapturedImage)

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	completed int
	total     int
	lastErr   error
}

// Option configures a Sequencer
type Option func(*Sequencer)

// WithPacing sets the settle delay after a seek and the cadence between steps
func WithPacing(settle, cadence time.Duration) Option {
	return func(s *Sequencer) {
		s.settle = settle
		s.cadence = cadence
	}
}

// WithKeepExisting keeps prior gallery contents instead of clearing them on start
func WithKeepExisting(keep bool) Option {
	return func(s *Sequencer) { s.keepExisting = keep }
}

// WithOnCapture registers a callback invoked after each capture is appended.
// The callback must not call Stop.
func WithOnCapture(fn func(index int, img models.CapturedImage)) Option {
	return func(s *Sequencer) { s.onCapture = fn }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) { s.logger = l }
}

// New creates an idle Sequencer
func New(player Player, capturer Capturer, gallery Gallery, output Output, opts ...Option) *Sequencer {
	s := &Sequencer{
		player:   player,
		capturer: capturer,
		gallery:  gallery,
		output:   output,
		logger:   slog.Default(),
		settle:   defaultSettle,
		cadence:  defaultCadence,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sequencer")
	return s
}

// SetOutput changes the dimensions and encoding used by the next run
func (s *Sequencer) SetOutput(out Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = out
}

// Start plans the sequence, clears the gallery and begins capturing in the background.
// Cancelling ctx has the same effect as Stop.
func (s *Sequencer) Start(ctx context.Context, step Step, duration float64) error {
	plan := Plan(step, duration)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(plan) == 0 {
		s.mu.Unlock()
		return ErrEmptyPlan
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.completed = 0
	s.total = len(plan)
	s.lastErr = nil
	out, done := s.output, s.done
	s.mu.Unlock()

	// A fresh pass replaces whatever was captured before
	if !s.keepExisting {
		s.gallery.Clear()
	}

	s.logger.Info("auto capture started",
		"step", step.String(),
		"duration", duration,
		"captures", len(plan),
	)

	go s.run(runCtx, plan, out, done)
	return nil
}

func (s *Sequencer) run(ctx context.Context, plan []float64, out Output, done chan struct{}) {
	ctx, span := tracing.Tracer("sequencer").Start(ctx, "sequencer.run")
	span.SetAttributes(attribute.Int("planned", len(plan)))

	defer func() {
		s.mu.Lock()
		s.running = false
		s.cancel()
		s.cancel = nil
		completed := s.completed
		s.mu.Unlock()

		span.SetAttributes(attribute.Int("completed", completed))
		span.End()
		s.logger.Info("auto capture finished", "completed", completed, "planned", len(plan))
		close(done)
	}()

	for i, ts := range plan {
		if ctx.Err() != nil {
			return
		}

		if err := s.player.SeekAndWait(ctx, ts); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.recordErr(err)
			s.logger.Warn("seek failed, skipping timestamp", "seconds", ts, "error", err)
			continue
		}
		if err := sleep(ctx, s.settle); err != nil {
			return
		}

		img, err := s.capturer.Capture(s.player, out.Width, out.Height, out.Format, out.Quality)
		if err != nil {
			s.recordErr(err)
			s.logger.Warn("capture failed, skipping timestamp", "seconds", ts, "error", err)
			continue
		}
		// Stop may have been requested while encoding
		if ctx.Err() != nil {
			return
		}

		idx := s.gallery.Append(img)
		s.mu.Lock()
		s.completed++
		s.mu.Unlock()
		if s.onCapture != nil {
			s.onCapture(idx, img)
		}

		if i < len(plan)-1 {
			if err := sleep(ctx, s.cadence); err != nil {
				return
			}
		}
	}
}

// Stop cancels the running sequence and waits for it to wind down.
// No capture is appended after Stop returns. Calling it while idle is a no-op.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Debug("auto capture stopped")
}

// Wait blocks until the current sequence ends or ctx is done
func (s *Sequencer) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether a sequence is in progress
func (s *Sequencer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Progress returns completed captures and the planned total of the current or last run
func (s *Sequencer) Progress() (completed, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed, s.total
}

// Err returns the last per-step failure of the current or last run
func (s *Sequencer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Sequencer) recordErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// sleep waits for d unless ctx is cancelled first
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
