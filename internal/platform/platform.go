package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bdougie/thumbgrab/internal/metrics"
	"github.com/bdougie/thumbgrab/internal/models"
)

// DefaultBaseURL serves the pre-generated thumbnails of a video
const DefaultBaseURL = "https://img.youtube.com/vi"

// maxImageBytes bounds a single thumbnail download
const maxImageBytes = 10 << 20

// ErrInvalidIdentifier is returned when no video ID can be extracted from the input
var ErrInvalidIdentifier = errors.New("invalid video URL or ID")

var (
	bareID    = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	idPattern = regexp.MustCompile(`(?:[?&]v=|youtu\.be/|/embed/|/shorts/|/v/|/live/)([A-Za-z0-9_-]{11})(?:[?&#/]|$)`)
)

// Tier is a named thumbnail quality level
type Tier struct {
	Name   string
	Width  int
	Height int
}

// Tiers are ordered from the highest quality down
var Tiers = []Tier{
	{"maxresdefault", 1280, 720},
	{"sddefault", 640, 480},
	{"hqdefault", 480, 360},
	{"mqdefault", 320, 180},
	{"default", 120, 90},
}

// placeholder is the size served for a tier that was never generated
var placeholder = image.Point{X: 120, Y: 90}

// Candidate is one tier's image address for a video
type Candidate struct {
	VideoID string
	Tier    Tier
	URL     string
}

// Availability is the probe outcome for one candidate
type Availability struct {
	Candidate Candidate
	Available bool
	Width     int
	Height    int
	Err       error
}

// ExtractID pulls the 11 character video ID out of a URL or accepts a bare ID
func ExtractID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if bareID.MatchString(input) {
		return input, nil
	}
	if m := idPattern.FindStringSubmatch(input); m != nil {
		return m[1], nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, input)
}

// Candidates returns the addresses of every tier for id, using the default base URL
func Candidates(id string) []Candidate {
	return candidates(DefaultBaseURL, id)
}

func candidates(base, id string) []Candidate {
	base = strings.TrimRight(base, "/")
	out := make([]Candidate, 0, len(Tiers))
	for _, t := range Tiers {
		out = append(out, Candidate{
			VideoID: id,
			Tier:    t,
			URL:     fmt.Sprintf("%s/%s/%s.jpg", base, url.PathEscape(id), t.Name),
		})
	}
	return out
}

// Fetcher probes and downloads platform thumbnails
type Fetcher struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithBaseURL points the fetcher at a different thumbnail host
func WithBaseURL(base string) Option {
	return func(f *Fetcher) { f.baseURL = base }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// NewFetcher creates a Fetcher
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: DefaultBaseURL,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "platform")
	return f
}

// Candidates returns the tier addresses for the video named by input
func (f *Fetcher) Candidates(input string) ([]Candidate, error) {
	id, err := ExtractID(input)
	if err != nil {
		return nil, err
	}
	return candidates(f.baseURL, id), nil
}

// Probe checks every tier of the video named by input. No request is made
// when the input does not contain a video ID.
func (f *Fetcher) Probe(ctx context.Context, input string) ([]Availability, error) {
	cands, err := f.Candidates(input)
	if err != nil {
		return nil, err
	}

	out := make([]Availability, 0, len(cands))
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		a := f.probe(ctx, c)
		metrics.FetchProbesTotal.WithLabelValues(c.Tier.Name, strconv.FormatBool(a.Available)).Inc()
		f.logger.Debug("probed tier", "tier", c.Tier.Name, "available", a.Available, "width", a.Width, "height", a.Height)
		out = append(out, a)
	}
	return out, nil
}

func (f *Fetcher) probe(ctx context.Context, c Candidate) Availability {
	a := Availability{Candidate: c}

	data, err := f.get(ctx, c.URL)
	if err != nil {
		a.Err = err
		return a
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		a.Err = fmt.Errorf("decode %s: %w", c.Tier.Name, err)
		return a
	}

	a.Width, a.Height = cfg.Width, cfg.Height
	a.Available = c.Tier.Name == "default" || image.Pt(cfg.Width, cfg.Height) != placeholder
	return a
}

// Fetch downloads a candidate and wraps it as a gallery image
func (f *Fetcher) Fetch(ctx context.Context, c Candidate) (models.CapturedImage, error) {
	data, err := f.get(ctx, c.URL)
	if err != nil {
		return models.CapturedImage{}, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return models.CapturedImage{}, fmt.Errorf("decode %s: %w", c.Tier.Name, err)
	}

	return models.CapturedImage{
		ID:        uuid.NewString(),
		Data:      data,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Format:    models.ParseFormat(format),
		SizeBytes: len(data),
		Origin:    models.Fetched,
		CreatedAt: f.now(),
	}, nil
}

func (f *Fetcher) get(ctx context.Context, address string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", address, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", address, err)
	}
	return data, nil
}
