package sequencer

import (
	"context"
	"errors"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/thumbgrab/internal/gallery"
	"github.com/bdougie/thumbgrab/internal/models"
	"github.com/bdougie/thumbgrab/internal/raster"
)

func TestPlan(t *testing.T) {
	tests := []struct {
		name     string
		step     Step
		duration float64
		want     []float64
	}{
		{"fixed seconds", Step{Seconds, 5}, 10, []float64{2.5, 7.5}},
		{"half", Step{Percent, 50}, 10, []float64{2.5, 7.5}},
		{"quarter", Step{Percent, 25}, 10, []float64{1.25, 3.75, 6.25, 8.75}},
		{"whole", Step{Percent, 100}, 8, []float64{4}},
		{"step longer than twice the duration", Step{Seconds, 30}, 10, nil},
		{"zero duration", Step{Seconds, 1}, 0, nil},
		{"zero step", Step{Seconds, 0}, 10, nil},
		{"NaN step", Step{Seconds, math.NaN()}, 10, nil},
		{"NaN duration", Step{Percent, 25}, math.NaN(), nil},
		{"infinite step", Step{Seconds, math.Inf(1)}, 10, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Plan(tt.step, tt.duration)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.InDelta(t, tt.want[i], got[i], 1e-9)
			}
		})
	}
}

func TestPlanNeverTouchesEdges(t *testing.T) {
	for _, d := range []float64{1, 7.3, 60, 3600} {
		for _, p := range []float64{1, 5, 10, 33, 50} {
			plan := Plan(Step{Percent, p}, d)
			require.NotEmpty(t, plan)
			assert.Greater(t, plan[0], 0.0)
			assert.Less(t, plan[len(plan)-1], d)
		}
	}
}

func TestPlanIsBounded(t *testing.T) {
	plan := Plan(Step{Seconds, 0.001}, 7200)
	assert.Len(t, plan, MaxPlanLength)
}

func TestParseStep(t *testing.T) {
	tests := []struct {
		in   string
		want Step
		err  bool
	}{
		{"25%", Step{Percent, 25}, false},
		{" 10 % ", Step{Percent, 10}, false},
		{"5", Step{Seconds, 5}, false},
		{"2.5s", Step{Seconds, 2.5}, false},
		{"0", Step{}, true},
		{"-3", Step{}, true},
		{"150%", Step{}, true},
		{"often", Step{}, true},
		{"NaN", Step{}, true},
		{"nan%", Step{}, true},
		{"inf", Step{}, true},
		{"-Infinity", Step{}, true},
	}
	for _, tt := range tests {
		got, err := ParseStep(tt.in)
		if tt.err {
			assert.ErrorIs(t, err, ErrInvalidStep, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

type fakePlayer struct {
	mu      sync.Mutex
	at      float64
	seeks   []float64
	failAt  map[float64]bool
	blockOn chan struct{}
}

func (p *fakePlayer) SeekAndWait(ctx context.Context, seconds float64) error {
	if p.blockOn != nil {
		select {
		case <-p.blockOn:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seeks = append(p.seeks, seconds)
	if p.failAt[seconds] {
		return errors.New("seek failed")
	}
	p.at = seconds
	return nil
}

func (p *fakePlayer) CurrentFrame() (image.Image, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), p.at, nil
}

// serialCapturer fails the test if two captures ever overlap
type serialCapturer struct {
	t        *testing.T
	inflight atomic.Int32
	calls    atomic.Int32
}

func (c *serialCapturer) Capture(src raster.FrameSource, w, h int, f models.Format, q float64) (models.CapturedImage, error) {
	if c.inflight.Add(1) != 1 {
		c.t.Error("overlapping captures")
	}
	defer c.inflight.Add(-1)
	c.calls.Add(1)

	_, at, err := src.CurrentFrame()
	if err != nil {
		return models.CapturedImage{}, err
	}
	return models.CapturedImage{SourceTime: at, Width: w, Height: h, Format: f}, nil
}

func newSequencer(t *testing.T, p Player, g *gallery.Store, opts ...Option) (*Sequencer, *serialCapturer) {
	c := &serialCapturer{t: t}
	opts = append([]Option{WithPacing(0, 0)}, opts...)
	s := New(p, c, g, Output{Width: 320, Height: 180, Format: models.JPEG, Quality: 0.8}, opts...)
	t.Cleanup(s.Stop)
	return s, c
}

func sourceTimes(g *gallery.Store) []float64 {
	var out []float64
	for _, img := range g.Images() {
		out = append(out, img.SourceTime)
	}
	return out
}

func TestRunCapturesEveryTimestampInOrder(t *testing.T) {
	g := gallery.NewStore()
	g.Append(models.CapturedImage{ID: "manual"})
	p := &fakePlayer{}
	s, _ := newSequencer(t, p, g)

	step, err := ParseStep("25%")
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), step, 10))
	require.NoError(t, s.Wait(context.Background()))

	assert.Equal(t, []float64{1.25, 3.75, 6.25, 8.75}, sourceTimes(g), "manual capture is replaced")
	assert.False(t, s.Running())
	done, total := s.Progress()
	assert.Equal(t, 4, done)
	assert.Equal(t, 4, total)

	img, _ := g.At(0)
	assert.Equal(t, 320, img.Width)
	assert.Equal(t, models.JPEG, img.Format)
}

func TestKeepExisting(t *testing.T) {
	g := gallery.NewStore()
	g.Append(models.CapturedImage{ID: "manual"})
	s, _ := newSequencer(t, &fakePlayer{}, g, WithKeepExisting(true))

	require.NoError(t, s.Start(context.Background(), Step{Seconds, 5}, 10))
	require.NoError(t, s.Wait(context.Background()))

	assert.Equal(t, 3, g.Len())
}

func TestEmptyPlanLeavesGalleryAlone(t *testing.T) {
	g := gallery.NewStore()
	g.Append(models.CapturedImage{ID: "manual"})
	s, _ := newSequencer(t, &fakePlayer{}, g)

	err := s.Start(context.Background(), Step{Seconds, 60}, 10)
	assert.ErrorIs(t, err, ErrEmptyPlan)
	assert.Equal(t, 1, g.Len())
	assert.False(t, s.Running())
}

func TestStartWhileRunning(t *testing.T) {
	p := &fakePlayer{blockOn: make(chan struct{})}
	s, _ := newSequencer(t, p, gallery.NewStore())

	require.NoError(t, s.Start(context.Background(), Step{Seconds, 1}, 10))
	assert.ErrorIs(t, s.Start(context.Background(), Step{Seconds, 1}, 10), ErrAlreadyRunning)
	s.Stop()
	assert.False(t, s.Running())
}

func TestStopGuaranteesNoFurtherCaptures(t *testing.T) {
	g := gallery.NewStore()
	first := make(chan struct{}, 1)
	s, c := newSequencer(t, &fakePlayer{}, g,
		WithPacing(0, 20*time.Millisecond),
		WithOnCapture(func(int, models.CapturedImage) {
			select {
			case first <- struct{}{}:
			default:
			}
		}),
	)

	require.NoError(t, s.Start(context.Background(), Step{Seconds, 0.1}, 100))
	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatal("no capture produced")
	}

	s.Stop()
	size := g.Len()
	calls := c.calls.Load()
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, size, g.Len())
	assert.Equal(t, calls, c.calls.Load())
	assert.False(t, s.Running())
	assert.Less(t, size, 1000)

	// Stop is idempotent
	s.Stop()
}

func TestStopWhenIdle(t *testing.T) {
	s, _ := newSequencer(t, &fakePlayer{}, gallery.NewStore())
	s.Stop()
	s.Stop()
	assert.False(t, s.Running())
	assert.NoError(t, s.Wait(context.Background()))
}

func TestParentContextCancels(t *testing.T) {
	p := &fakePlayer{blockOn: make(chan struct{})}
	s, _ := newSequencer(t, p, gallery.NewStore())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, Step{Seconds, 1}, 10))
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, s.Wait(waitCtx))
	assert.False(t, s.Running())
}

func TestSeekFailureSkipsTimestamp(t *testing.T) {
	g := gallery.NewStore()
	p := &fakePlayer{failAt: map[float64]bool{7.5: true}}
	s, _ := newSequencer(t, p, g)

	require.NoError(t, s.Start(context.Background(), Step{Seconds, 5}, 20))
	require.NoError(t, s.Wait(context.Background()))

	assert.Equal(t, []float64{2.5, 12.5, 17.5}, sourceTimes(g))
	assert.Error(t, s.Err())
}
