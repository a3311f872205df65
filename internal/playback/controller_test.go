package playback

import (
	"context"
	"errors"
	"image"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/thumbgrab/internal/models"
	"github.com/bdougie/thumbgrab/internal/raster"
)

type fakeDecoder struct {
	info       models.MediaInfo
	probeErr   error
	failFrames atomic.Bool
	block      atomic.Bool // FrameAt waits for ctx
	probes     atomic.Int32
	frames     atomic.Int32
}

func (d *fakeDecoder) Probe(ctx context.Context, location string) (models.MediaInfo, error) {
	d.probes.Add(1)
	if d.probeErr != nil {
		return models.MediaInfo{}, d.probeErr
	}
	return d.info, nil
}

func (d *fakeDecoder) FrameAt(ctx context.Context, location string, seconds float64) (image.Image, error) {
	d.frames.Add(1)
	if d.block.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.failFrames.Load() {
		return nil, errors.New("decode error")
	}
	return image.NewRGBA(image.Rect(0, 0, d.info.Width, d.info.Height)), nil
}

func newDecoder() *fakeDecoder {
	return &fakeDecoder{info: models.MediaInfo{Width: 64, Height: 36, Duration: 10}}
}

func ready(t *testing.T, opts ...Option) (*Controller, *fakeDecoder) {
	t.Helper()
	dec := newDecoder()
	c := New(dec, opts...)
	t.Cleanup(c.Close)
	require.NoError(t, c.LoadAddress(context.Background(), "https://example.com/clip.mp4"))
	return c, dec
}

func TestLoadAddressEmitsReadyOnce(t *testing.T) {
	dec := newDecoder()
	c := New(dec)
	defer c.Close()

	var got []models.MediaInfo
	c.OnReady(func(info models.MediaInfo) { got = append(got, info) })

	assert.Equal(t, Empty, c.State())
	require.NoError(t, c.LoadAddress(context.Background(), "https://example.com/a.mp4"))

	assert.Equal(t, Ready, c.State())
	require.Len(t, got, 1)
	assert.Equal(t, dec.info, got[0])

	snap := c.Snapshot()
	assert.True(t, snap.IsReady)
	assert.Equal(t, 64, snap.NaturalWidth)
	assert.Equal(t, 10.0, snap.Duration)
}

func TestLoadFailureEntersError(t *testing.T) {
	dec := newDecoder()
	dec.probeErr = errors.New("moov atom not found")
	c := New(dec)
	defer c.Close()

	var observed error
	c.OnError(func(err error) { observed = err })

	err := c.LoadAddress(context.Background(), "broken.mp4")
	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, "broken.mp4", loadErr.Location)
	assert.Equal(t, Error, c.State())
	assert.Equal(t, err, observed)
	assert.Equal(t, int32(1), dec.probes.Load(), "no automatic retry")

	// Error is not terminal for new loads
	dec.probeErr = nil
	require.NoError(t, c.LoadAddress(context.Background(), "fixed.mp4"))
	assert.Equal(t, Ready, c.State())
}

func TestSeekIgnoredUntilReady(t *testing.T) {
	dec := newDecoder()
	c := New(dec)
	defer c.Close()

	c.Seek(3)
	c.SeekRelative(1)
	err := c.SeekAndWait(context.Background(), 3)

	assert.ErrorIs(t, err, ErrNotReady)
	assert.Zero(t, c.Snapshot().CurrentTime)
	assert.Zero(t, dec.frames.Load())
}

func TestSeekClampsToDuration(t *testing.T) {
	c, _ := ready(t)

	var mu sync.Mutex
	var times []float64
	c.OnTimeAdvance(func(s float64) {
		mu.Lock()
		times = append(times, s)
		mu.Unlock()
	})

	require.NoError(t, c.SeekAndWait(context.Background(), 42))
	assert.Equal(t, 10.0, c.Snapshot().CurrentTime)

	require.NoError(t, c.SeekAndWait(context.Background(), -3))
	assert.Equal(t, 0.0, c.Snapshot().CurrentTime)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, times, 10.0)
	assert.Equal(t, 0.0, times[len(times)-1])
}

func TestSeekRejectsNonFiniteTargets(t *testing.T) {
	c, _ := ready(t)
	require.NoError(t, c.SeekAndWait(context.Background(), 4))

	require.NoError(t, c.SeekAndWait(context.Background(), math.NaN()))
	assert.Equal(t, 4.0, c.Snapshot().CurrentTime)
	_, at, err := c.CurrentFrame()
	require.NoError(t, err)
	assert.Equal(t, 4.0, at)

	require.NoError(t, c.SeekAndWait(context.Background(), math.Inf(1)))
	assert.Equal(t, 10.0, c.Snapshot().CurrentTime)

	require.NoError(t, c.SeekAndWait(context.Background(), math.Inf(-1)))
	assert.Equal(t, 0.0, c.Snapshot().CurrentTime)
}

func TestSeekUnknownDurationIgnoresInfinity(t *testing.T) {
	dec := newDecoder()
	dec.info.Duration = 0
	c := New(dec)
	defer c.Close()
	require.NoError(t, c.LoadAddress(context.Background(), "live.m3u8"))
	require.NoError(t, c.SeekAndWait(context.Background(), 3))

	require.NoError(t, c.SeekAndWait(context.Background(), math.Inf(1)))
	assert.Equal(t, 3.0, c.Snapshot().CurrentTime)
}

func TestSeekRelative(t *testing.T) {
	c, _ := ready(t)
	require.NoError(t, c.SeekAndWait(context.Background(), 4))

	c.SeekRelative(2.5)
	assert.Equal(t, 6.5, c.Snapshot().CurrentTime)

	c.SeekRelative(-100)
	assert.Equal(t, 0.0, c.Snapshot().CurrentTime)
}

func TestCurrentFrameAfterSeek(t *testing.T) {
	dec := newDecoder()
	c := New(dec)
	defer c.Close()

	_, _, err := c.CurrentFrame()
	assert.ErrorIs(t, err, raster.ErrNoFrame)

	require.NoError(t, c.LoadAddress(context.Background(), "clip.mp4"))
	require.NoError(t, c.SeekAndWait(context.Background(), 7.25))

	frame, at, err := c.CurrentFrame()
	require.NoError(t, err)
	assert.Equal(t, 7.25, at)
	assert.Equal(t, 64, frame.Bounds().Dx())
}

func TestSeekDecodeErrorIsReported(t *testing.T) {
	c, dec := ready(t)
	dec.failFrames.Store(true)

	var reported atomic.Bool
	c.OnError(func(error) { reported.Store(true) })

	err := c.SeekAndWait(context.Background(), 2)
	assert.Error(t, err)
	assert.True(t, reported.Load())
	assert.Equal(t, Ready, c.State())
}

func TestLoadFileReleasesPreviousHandle(t *testing.T) {
	dir := t.TempDir()
	dec := newDecoder()
	c := New(dec, WithTempDir(dir))

	require.NoError(t, c.LoadFile(context.Background(), strings.NewReader("first"), "one.mp4"))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	first := entries[0].Name()
	assert.True(t, strings.HasSuffix(first, ".mp4"))

	require.NoError(t, c.LoadFile(context.Background(), strings.NewReader("second"), "two.webm"))
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "at most one transient handle at a time")
	assert.NotEqual(t, first, entries[0].Name())

	c.Close()
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoadFileFailureReleasesHandle(t *testing.T) {
	dir := t.TempDir()
	dec := newDecoder()
	dec.probeErr = errors.New("invalid data found when processing input")
	c := New(dec, WithTempDir(dir))
	defer c.Close()

	err := c.LoadFile(context.Background(), strings.NewReader("junk"), "junk.mp4")
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTogglePlayPause(t *testing.T) {
	dec := newDecoder()
	c := New(dec, WithTickInterval(5*time.Millisecond))
	defer c.Close()

	c.TogglePlayPause()
	assert.Equal(t, Empty, c.State(), "no-op before ready")

	require.NoError(t, c.LoadAddress(context.Background(), "clip.mp4"))
	c.TogglePlayPause()
	assert.Equal(t, Playing, c.State())
	assert.True(t, c.Snapshot().IsPlaying)

	require.Eventually(t, func() bool {
		return c.Snapshot().CurrentTime > 0
	}, time.Second, 5*time.Millisecond)

	c.TogglePlayPause()
	assert.Equal(t, Paused, c.State())
	paused := c.Snapshot().CurrentTime
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, paused, c.Snapshot().CurrentTime)
}

func TestPause(t *testing.T) {
	dec := newDecoder()
	c := New(dec, WithTickInterval(5*time.Millisecond))
	defer c.Close()

	require.NoError(t, c.LoadAddress(context.Background(), "clip.mp4"))
	c.Pause()
	assert.Equal(t, Ready, c.State(), "pause only applies while playing")

	c.TogglePlayPause()
	require.Equal(t, Playing, c.State())
	c.Pause()
	assert.Equal(t, Paused, c.State())

	require.NoError(t, c.SeekAndWait(context.Background(), 6))
	time.Sleep(30 * time.Millisecond)
	_, at, err := c.CurrentFrame()
	require.NoError(t, err)
	assert.Equal(t, 6.0, at)
	assert.Equal(t, 6.0, c.Snapshot().CurrentTime)
}

func TestCloseCancelsPlaybackDecode(t *testing.T) {
	dec := newDecoder()
	c := New(dec, WithTickInterval(5*time.Millisecond))
	require.NoError(t, c.LoadAddress(context.Background(), "clip.mp4"))
	require.NoError(t, c.SeekAndWait(context.Background(), 0))

	before := dec.frames.Load()
	dec.block.Store(true)
	c.TogglePlayPause()
	require.Eventually(t, func() bool {
		return dec.frames.Load() > before
	}, time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close waited on an in-flight decode")
	}
}

func TestPlaybackStopsAtEnd(t *testing.T) {
	dec := newDecoder()
	dec.info.Duration = 0.02
	c := New(dec, WithTickInterval(5*time.Millisecond))
	defer c.Close()

	require.NoError(t, c.LoadAddress(context.Background(), "short.mp4"))
	c.TogglePlayPause()

	require.Eventually(t, func() bool {
		return c.State() == Paused
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.02, c.Snapshot().CurrentTime)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _ := ready(t)
	c.Close()
	c.Close()

	assert.Equal(t, Empty, c.State())
	assert.ErrorIs(t, c.LoadAddress(context.Background(), "again.mp4"), ErrClosed)
}

func TestUnsubscribe(t *testing.T) {
	dec := newDecoder()
	c := New(dec)
	defer c.Close()

	calls := 0
	unsubscribe := c.OnReady(func(models.MediaInfo) { calls++ })
	require.NoError(t, c.LoadAddress(context.Background(), "a.mp4"))
	unsubscribe()
	require.NoError(t, c.LoadAddress(context.Background(), "b.mp4"))

	assert.Equal(t, 1, calls)
}

func TestValidateMediaType(t *testing.T) {
	webm := []byte{0x1A, 0x45, 0xDF, 0xA3, 0x01, 0x00, 0x00, 0x00}
	assert.NoError(t, ValidateMediaType(webm))
	assert.Error(t, ValidateMediaType([]byte("hello, world")))
	assert.Error(t, ValidateMediaType([]byte("\x89PNG\r\n\x1a\n")))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "error", Error.String())
	assert.Equal(t, "unknown", State(99).String())
}
