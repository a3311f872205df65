package playback

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bdougie/thumbgrab/internal/metrics"
	"github.com/bdougie/thumbgrab/internal/models"
	"github.com/bdougie/thumbgrab/internal/raster"
	"github.com/bdougie/thumbgrab/internal/tracing"
)

const defaultTickInterval = 250 * time.Millisecond

var (
	// ErrNotReady is returned by operations that need loaded media
	ErrNotReady = errors.New("playback: media not ready")
	// ErrSuperseded is returned when a newer load or seek replaced this one
	ErrSuperseded = errors.New("playback: superseded by a newer request")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("playback: controller closed")
)

// Decoder is the media primitive the controller drives
type Decoder interface {
	Probe(ctx context.Context, location string) (models.MediaInfo, error)
	FrameAt(ctx context.Context, location string, seconds float64) (image.Image, error)
}

// LoadError reports media that could not be opened or decoded
type LoadError struct {
	Location string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("playback: load %s: %v", e.Location, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Controller wraps a Decoder with player semantics: load, seek, play and pause,
// plus ready and time-advance notifications.
type Controller struct {
	decoder Decoder
	logger  *slog.Logger
	tick    time.Duration
	tempDir string

	// life is cancelled by Close and bounds every decode
	life     context.Context
	shutdown context.CancelFunc

	mu       sync.Mutex
	state    State
	location string
	handle   string // transient copy of a loaded file, removed on release
	info     models.MediaInfo
	current  float64
	frame    image.Image
	frameAt  float64
	closed   bool

	loadGen    uint64
	seekGen    uint64
	seekCancel context.CancelFunc
	playCancel context.CancelFunc
	presenting bool

	subMu     sync.Mutex
	nextSub   int
	readySubs map[int]func(models.MediaInfo)
	timeSubs  map[int]func(float64)
	errSubs   map[int]func(error)

	wg sync.WaitGroup
}

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithTickInterval sets how often the playback clock advances while playing
func WithTickInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.tick = d
		}
	}
}

// WithTempDir sets where transient copies of loaded files are written
func WithTempDir(dir string) Option {
	return func(c *Controller) { c.tempDir = dir }
}

// New creates a Controller in the Empty state
func New(decoder Decoder, opts ...Option) *Controller {
	c := &Controller{
		decoder:   decoder,
		logger:    slog.Default(),
		tick:      defaultTickInterval,
		readySubs: make(map[int]func(models.MediaInfo)),
		timeSubs:  make(map[int]func(float64)),
		errSubs:   make(map[int]func(error)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "playback")
	c.life, c.shutdown = context.WithCancel(context.Background())
	return c
}

var _ raster.FrameSource = (*Controller)(nil)

// OnReady registers fn to be called once per successful load
func (c *Controller) OnReady(fn func(models.MediaInfo)) (unsubscribe func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.readySubs[id] = fn
	return func() {
		c.subMu.Lock()
		delete(c.readySubs, id)
		c.subMu.Unlock()
	}
}

// OnTimeAdvance registers fn to be called whenever a new position is presented
func (c *Controller) OnTimeAdvance(fn func(seconds float64)) (unsubscribe func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.timeSubs[id] = fn
	return func() {
		c.subMu.Lock()
		delete(c.timeSubs, id)
		c.subMu.Unlock()
	}
}

// OnError registers fn to receive load and decode failures
func (c *Controller) OnError(fn func(error)) (unsubscribe func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.errSubs[id] = fn
	return func() {
		c.subMu.Lock()
		delete(c.errSubs, id)
		c.subMu.Unlock()
	}
}

// LoadFile copies r into a transient file and loads it.
// Any previously held media is released first.
func (c *Controller) LoadFile(ctx context.Context, r io.Reader, name string) error {
	gen, err := c.beginLoad()
	if err != nil {
		return err
	}

	path, err := c.writeTransient(r, name)
	if err != nil {
		return c.failLoad(gen, name, err)
	}

	c.mu.Lock()
	if gen != c.loadGen || c.closed {
		c.mu.Unlock()
		os.Remove(path)
		return ErrSuperseded
	}
	c.handle = path
	c.mu.Unlock()

	return c.load(ctx, gen, path)
}

// LoadAddress loads media from a remote address or local path
func (c *Controller) LoadAddress(ctx context.Context, location string) error {
	gen, err := c.beginLoad()
	if err != nil {
		return err
	}
	return c.load(ctx, gen, location)
}

// beginLoad releases the current media and enters Loading
func (c *Controller) beginLoad() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}

	c.stopPlayLocked()
	c.cancelSeekLocked()
	c.releaseLocked()

	c.loadGen++
	c.state = Loading
	c.info = models.MediaInfo{}
	c.current = 0
	c.frame = nil
	c.location = ""
	return c.loadGen, nil
}

func (c *Controller) writeTransient(r io.Reader, name string) (string, error) {
	f, err := os.CreateTemp(c.tempDir, "thumbgrab-*"+filepath.Ext(name))
	if err != nil {
		return "", fmt.Errorf("create transient file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("copy %s: %w", name, err)
	}
	return f.Name(), nil
}

func (c *Controller) load(ctx context.Context, gen uint64, location string) error {
	ctx, span := tracing.Tracer("playback").Start(ctx, "playback.load")
	defer span.End()
	span.SetAttributes(attribute.String("location", location))

	info, err := c.decoder.Probe(ctx, location)
	if err != nil {
		span.RecordError(err)
		return c.failLoad(gen, location, err)
	}

	c.mu.Lock()
	if gen != c.loadGen || c.closed {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.state = Ready
	c.info = info
	c.location = location
	c.mu.Unlock()

	metrics.LoadsTotal.WithLabelValues("ok").Inc()
	c.logger.Info("media ready",
		"location", location,
		"width", info.Width,
		"height", info.Height,
		"duration", info.Duration,
	)

	for _, fn := range c.readyListeners() {
		fn(info)
	}

	// Present the first frame so a capture right after ready has something to draw
	c.Seek(0)
	return nil
}

func (c *Controller) failLoad(gen uint64, location string, err error) error {
	loadErr := &LoadError{Location: location, Err: err}

	c.mu.Lock()
	if gen != c.loadGen || c.closed {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.state = Error
	c.releaseLocked()
	c.mu.Unlock()

	metrics.LoadsTotal.WithLabelValues("error").Inc()
	c.logger.Error("media load failed", "location", location, "error", err)
	c.emitError(loadErr)
	return loadErr
}

// Seek moves to seconds, clamped to [0, duration]. The frame is decoded in the
// background; its presentation is announced through OnTimeAdvance.
func (c *Controller) Seek(seconds float64) {
	c.seek(seconds)
}

// SeekRelative seeks by delta from the current position
func (c *Controller) SeekRelative(delta float64) {
	c.mu.Lock()
	target := c.current + delta
	c.mu.Unlock()
	c.seek(target)
}

// SeekAndWait seeks and blocks until the frame at the new position is presented
func (c *Controller) SeekAndWait(ctx context.Context, seconds float64) error {
	done := c.seek(seconds)
	if done == nil {
		return ErrNotReady
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) seek(seconds float64) <-chan error {
	c.mu.Lock()
	if c.closed || !c.state.controllable() {
		c.mu.Unlock()
		return nil
	}

	target := c.clampLocked(seconds)
	c.current = target
	c.cancelSeekLocked()
	c.seekGen++
	gen := c.seekGen
	ctx, cancel := context.WithCancel(c.life)
	c.seekCancel = cancel
	location := c.location
	c.wg.Add(1)
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		done <- c.present(ctx, gen, location, target)
	}()
	return done
}

// present decodes the frame at target and publishes it if no newer seek arrived
func (c *Controller) present(ctx context.Context, gen uint64, location string, target float64) error {
	start := time.Now()
	frame, err := c.decoder.FrameAt(ctx, location, target)

	c.mu.Lock()
	if gen != c.seekGen || c.closed {
		c.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		c.mu.Unlock()
		if ctx.Err() == nil {
			c.logger.Warn("frame decode failed", "seconds", target, "error", err)
			c.emitError(err)
		}
		return err
	}
	c.frame = frame
	c.frameAt = target
	c.mu.Unlock()

	metrics.SeekDuration.Observe(time.Since(start).Seconds())
	c.emitTime(target)
	return nil
}

// TogglePlayPause starts or pauses the playback clock
func (c *Controller) TogglePlayPause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	switch c.state {
	case Ready, Paused:
		if c.info.Duration > 0 && c.current >= c.info.Duration {
			c.current = 0
		}
		c.state = Playing
		ctx, cancel := context.WithCancel(context.Background())
		c.playCancel = cancel
		c.wg.Add(1)
		go c.runClock(ctx)
	case Playing:
		c.stopPlayLocked()
		c.state = Paused
	}
}

// runClock advances the position while playing and presents frames as it goes
func (c *Controller) runClock(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.mu.Lock()
			if ctx.Err() != nil || c.state != Playing {
				c.mu.Unlock()
				return
			}
			c.current = c.clampLocked(c.current + now.Sub(last).Seconds())
			last = now
			ended := c.info.Duration > 0 && c.current >= c.info.Duration
			if ended {
				c.state = Paused
				c.stopPlayLocked()
			}
			position := c.current
			location := c.location
			gen := c.seekGen
			decode := !c.presenting
			if decode {
				c.presenting = true
			}
			c.mu.Unlock()

			c.emitTime(position)
			if decode {
				c.presentAsync(gen, location, position)
			}
			if ended {
				c.logger.Debug("playback reached end", "seconds", position)
				return
			}
		}
	}
}

// presentAsync refreshes the visible frame during playback, one decode at a time
func (c *Controller) presentAsync(gen uint64, location string, at float64) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		frame, err := c.decoder.FrameAt(c.life, location, at)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.presenting = false
		if err != nil || gen != c.seekGen || c.closed {
			return
		}
		c.frame = frame
		c.frameAt = at
	}()
}

// Pause stops the playback clock. It does nothing unless playing.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Playing {
		c.stopPlayLocked()
		c.state = Paused
	}
}

// CurrentFrame returns the last presented frame and its time
func (c *Controller) CurrentFrame() (image.Image, float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.controllable() {
		return nil, 0, fmt.Errorf("%w (state %s)", raster.ErrNoFrame, c.state)
	}
	if c.frame == nil {
		return nil, 0, raster.ErrNoFrame
	}
	return c.frame, c.frameAt, nil
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the observable playback state
func (c *Controller) Snapshot() models.PlaybackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.PlaybackState{
		IsReady:       c.state.controllable(),
		IsPlaying:     c.state == Playing,
		CurrentTime:   c.current,
		Duration:      c.info.Duration,
		NaturalWidth:  c.info.Width,
		NaturalHeight: c.info.Height,
	}
}

// Close stops the clock, cancels pending decodes and releases the media
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.shutdown()
	c.stopPlayLocked()
	c.cancelSeekLocked()
	c.releaseLocked()
	c.state = Empty
	c.mu.Unlock()

	c.wg.Wait()
}

// clampLocked bounds seconds to [0, duration]. NaN, and +Inf with an unknown
// duration, keep the current position.
func (c *Controller) clampLocked(seconds float64) float64 {
	if math.IsNaN(seconds) || (math.IsInf(seconds, 1) && c.info.Duration <= 0) {
		return c.current
	}
	if seconds < 0 {
		return 0
	}
	if c.info.Duration > 0 && seconds > c.info.Duration {
		return c.info.Duration
	}
	return seconds
}

func (c *Controller) stopPlayLocked() {
	if c.playCancel != nil {
		c.playCancel()
		c.playCancel = nil
	}
}

func (c *Controller) cancelSeekLocked() {
	if c.seekCancel != nil {
		c.seekCancel()
		c.seekCancel = nil
	}
	c.seekGen++
}

// releaseLocked drops the transient file, if any
func (c *Controller) releaseLocked() {
	if c.handle == "" {
		return
	}
	if err := os.Remove(c.handle); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to release transient media", "path", c.handle, "error", err)
	}
	c.handle = ""
}

func (c *Controller) readyListeners() []func(models.MediaInfo) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return collect(c.readySubs)
}

func (c *Controller) emitTime(seconds float64) {
	c.subMu.Lock()
	subs := collect(c.timeSubs)
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(seconds)
	}
}

func (c *Controller) emitError(err error) {
	c.subMu.Lock()
	subs := collect(c.errSubs)
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(err)
	}
}

// collect returns subscribers in registration order
func collect[T any](subs map[int]T) []T {
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, subs[id])
	}
	return out
}
