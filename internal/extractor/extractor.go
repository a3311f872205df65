package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bdougie/thumbgrab/internal/models"
)

// ErrEmptyFrame is returned when ffmpeg produced no image data
var ErrEmptyFrame = errors.New("ffmpeg produced no frame")

// Runner executes a command and returns its stdout
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// FFmpeg probes and decodes media by shelling out to ffprobe and ffmpeg
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	run         Runner
	logger      *slog.Logger
}

// Option configures the decoder
type Option func(*FFmpeg)

// WithBinaries overrides the ffmpeg and ffprobe executables
func WithBinaries(ffmpeg, ffprobe string) Option {
	return func(f *FFmpeg) {
		if ffmpeg != "" {
			f.ffmpegPath = ffmpeg
		}
		if ffprobe != "" {
			f.ffprobePath = ffprobe
		}
	}
}

// WithRunner replaces command execution, used in tests
func WithRunner(r Runner) Option {
	return func(f *FFmpeg) { f.run = r }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(f *FFmpeg) { f.logger = l }
}

// New creates an ffmpeg backed decoder
func New(opts ...Option) *FFmpeg {
	f := &FFmpeg{
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		run:         execRunner,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "extractor")
	return f
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w (%s)", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

type probeOutput struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe resolves the dimensions and duration of the first video stream.
// A duration ffprobe cannot determine is reported as 0.
func (f *FFmpeg) Probe(ctx context.Context, location string) (models.MediaInfo, error) {
	if err := validateInput(location); err != nil {
		return models.MediaInfo{}, err
	}

	out, err := f.run(ctx, f.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height:format=duration",
		"-of", "json",
		location,
	)
	if err != nil {
		return models.MediaInfo{}, fmt.Errorf("ffprobe: %w", err)
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return models.MediaInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(probe.Streams) == 0 || probe.Streams[0].Width <= 0 || probe.Streams[0].Height <= 0 {
		return models.MediaInfo{}, fmt.Errorf("no video stream found in '%s'", location)
	}

	info := models.MediaInfo{
		Width:  probe.Streams[0].Width,
		Height: probe.Streams[0].Height,
	}
	if d, err := strconv.ParseFloat(strings.TrimSpace(probe.Format.Duration), 64); err == nil && d > 0 {
		info.Duration = d
	} else {
		f.logger.Warn("could not get video duration", "location", location)
	}

	f.logger.Debug("media probed",
		"location", location,
		"width", info.Width,
		"height", info.Height,
		"duration", info.Duration,
	)
	return info, nil
}

// FrameAt decodes the frame presented at the given time
func (f *FFmpeg) FrameAt(ctx context.Context, location string, seconds float64) (image.Image, error) {
	if err := validateInput(location); err != nil {
		return nil, err
	}
	if seconds < 0 {
		seconds = 0
	}

	img, err := f.grab(ctx, location, seconds)
	// Seeking onto the very last timestamp can yield nothing; step back once
	if errors.Is(err, ErrEmptyFrame) && seconds > 0 {
		img, err = f.grab(ctx, location, max(0, seconds-0.5))
	}
	return img, err
}

func (f *FFmpeg) grab(ctx context.Context, location string, seconds float64) (image.Image, error) {
	out, err := f.run(ctx, f.ffmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-ss", strconv.FormatFloat(seconds, 'f', 3, 64),
		"-i", location,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg frame at %.3fs: %w", seconds, err)
	}
	if len(out) == 0 {
		return nil, ErrEmptyFrame
	}

	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("invalid frame data: %w", err)
	}
	return img, nil
}

// validateInput rejects inputs ffmpeg would read as flags, and local paths that do not exist
func validateInput(location string) error {
	if location == "" {
		return fmt.Errorf("empty media location")
	}
	if strings.HasPrefix(location, "-") {
		return fmt.Errorf("invalid media location '%s'", location)
	}
	if strings.Contains(location, "://") {
		return nil
	}
	if _, err := os.Stat(location); os.IsNotExist(err) {
		return fmt.Errorf("video file does not exist at path: '%s'", location)
	}
	return nil
}
