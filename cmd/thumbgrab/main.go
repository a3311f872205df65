package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/bdougie/thumbgrab"
	"github.com/bdougie/thumbgrab/internal/analyzer"
	"github.com/bdougie/thumbgrab/internal/aspect"
	"github.com/bdougie/thumbgrab/internal/config"
	"github.com/bdougie/thumbgrab/internal/embeddings"
	"github.com/bdougie/thumbgrab/internal/exporter"
	"github.com/bdougie/thumbgrab/internal/extractor"
	"github.com/bdougie/thumbgrab/internal/metrics"
	"github.com/bdougie/thumbgrab/internal/models"
	"github.com/bdougie/thumbgrab/internal/notify"
	"github.com/bdougie/thumbgrab/internal/platform"
	"github.com/bdougie/thumbgrab/internal/sequencer"
	"github.com/bdougie/thumbgrab/internal/storage"
	"github.com/bdougie/thumbgrab/internal/tracing"
)

const usage = `Usage:
  thumbgrab capture --video PATH|URL [--step 10%] [--at 1.5,3] [--size 1280x720 | --preset youtube]
                    [--format png|jpeg|webp] [--quality 0.92] [--out DIR] [--name BASE] [--describe]
  thumbgrab fetch   --id URL|ID [--out DIR]
  thumbgrab similar --image PATH [--limit 5]
  thumbgrab ratio   --width W --height H [--set-width N | --set-height N]`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Configure logger
	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      parseLevel(cfg.LogLevel),
			TimeFormat: "15:04:05",
		}),
	)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[2:]
	switch os.Args[1] {
	case "capture":
		err = runCapture(ctx, cfg, logger, args)
	case "fetch":
		err = runFetch(ctx, cfg, logger, args)
	case "similar":
		err = runSimilar(ctx, cfg, logger, args)
	case "ratio":
		err = runRatio(args)
	default:
		fmt.Println(usage)
		os.Exit(1)
	}

	if err != nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func runCapture(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	video := fs.String("video", "", "video file path or URL")
	step := fs.String("step", "10%", "auto capture step: seconds (5, 2.5s) or percent of the duration (10%)")
	at := fs.String("at", "", "comma separated timestamps to capture instead of stepping")
	size := fs.String("size", "", "output size WxH, defaults to the video's natural size")
	preset := fs.String("preset", "", "named output size, e.g. youtube or instagram")
	format := fs.String("format", cfg.Format, "png, jpeg or webp")
	quality := fs.Float64("quality", cfg.Quality, "encode quality for jpeg and webp in (0, 1]")
	out := fs.String("out", cfg.OutputDir, "output directory")
	name := fs.String("name", "", "archive base name, defaults to the video name")
	describe := fs.Bool("describe", false, "caption thumbnails with the local vision model before export")
	keep := fs.Bool("keep", false, "keep earlier captures when auto capture starts")
	fs.Parse(args)

	if *video == "" {
		return errors.New("--video is required")
	}
	cfg.Format, cfg.Quality, cfg.OutputDir = *format, *quality, *out
	if err := cfg.Validate(); err != nil {
		return err
	}

	width, height, err := resolveSize(*size, *preset)
	if err != nil {
		return err
	}

	shutdown, err := tracing.InitTracer(ctx, cfg.OTELEndpoint)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	if cfg.MetricsAddr != "" {
		srv := metrics.StartMetricsServer(ctx, cfg.MetricsAddr, logger)
		defer srv.Close()
	}

	local := storage.NewDirSink(cfg.OutputDir, logger)
	defer func() {
		if err := local.Flush(); err != nil {
			logger.Error("failed to flush index", "error", err)
		}
	}()

	sink, closeSinks, err := buildSink(ctx, cfg, local, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	opts := thumbgrab.Options{
		Decoder: extractor.New(
			extractor.WithBinaries(cfg.FFmpeg, cfg.FFprobe),
			extractor.WithLogger(logger),
		),
		Sink:         sink,
		Width:        width,
		Height:       height,
		Format:       cfg.ImageFormat(),
		Quality:      cfg.Quality,
		Settle:       cfg.Settle,
		Cadence:      cfg.Cadence,
		KeepExisting: *keep,
		TempDir:      cfg.TempDir,
		Logger:       logger,
	}

	if cfg.RabbitMQURL != "" {
		pub, err := notify.Dial(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts.Notifier = pub
	}

	if *describe {
		describer, err := analyzer.NewAgent(ctx, analyzer.AgentConfig{
			BaseURL: cfg.OllamaBaseURL,
			Port:    cfg.OllamaPort,
			Model:   cfg.OllamaModel,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize vision agent: %w", err)
		}
		opts.Captioner = analyzer.NewCaptioner(describer, cfg.Workers, logger)
	}

	session, err := thumbgrab.New(opts)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Load(ctx, *video); err != nil {
		return err
	}

	if *at != "" {
		times, err := parseTimes(*at)
		if err != nil {
			return err
		}
		for _, t := range times {
			if _, err := session.CaptureAt(ctx, t); err != nil {
				return err
			}
		}
	} else {
		s, err := sequencer.ParseStep(*step)
		if err != nil {
			return err
		}
		if err := session.AutoCapture(ctx, s); err != nil {
			return err
		}
		if err := session.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		session.Stop()
		done, total := session.Progress()
		logger.Info("auto capture finished", "captured", done, "planned", total)
	}

	base := *name
	if base == "" {
		base = strings.TrimSuffix(filepath.Base(*video), filepath.Ext(*video))
	}

	// Whatever was captured before an interrupt is still exported
	exportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()
	if err := session.Export(exportCtx, base); err != nil {
		return err
	}

	logger.Info("thumbnails exported", "count", session.Gallery().Len(), "dir", cfg.OutputDir)
	return nil
}

// buildSink tees the local directory with the object store and database when configured
func buildSink(ctx context.Context, cfg *config.Config, local *storage.DirSink, logger *slog.Logger) (exporter.Sink, func(), error) {
	sinks := storage.Tee{local}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.MinIOEndpoint != "" {
		m, err := storage.NewMinioSink(storage.MinioConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
			Bucket:    cfg.MinIOBucket,
			Prefix:    cfg.MinIOPrefix,
		})
		if err != nil {
			return nil, closeAll, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, closeAll, err
		}
		sinks = append(sinks, m)
	}

	if cfg.DatabaseURL != "" {
		pg, signer, err := openCatalog(ctx, cfg, logger)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		closers = append(closers, signer.Close, pg.Close)
		sinks = append(sinks, pg)
	}

	return sinks, closeAll, nil
}

func openCatalog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.PostgresSink, *embeddings.Service, error) {
	signer := embeddings.NewService(cfg.Workers)
	pg, err := storage.NewPostgresSink(ctx, cfg.DatabaseURL, signer, logger)
	if err != nil {
		signer.Close()
		return nil, nil, err
	}
	if err := pg.InitSchema(ctx); err != nil {
		pg.Close()
		signer.Close()
		return nil, nil, err
	}
	return pg, signer, nil
}

func runFetch(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	id := fs.String("id", "", "video URL or 11 character ID")
	out := fs.String("out", cfg.OutputDir, "output directory")
	fs.Parse(args)

	fetcher := platform.NewFetcher(platform.WithLogger(logger))
	avail, err := fetcher.Probe(ctx, *id)
	if err != nil {
		return err
	}

	exp := exporter.New(storage.NewDirSink(*out, logger), logger)
	saved := 0
	for _, a := range avail {
		fmt.Printf("%-14s available=%-5t %dx%d  %s\n", a.Candidate.Tier.Name, a.Available, a.Width, a.Height, a.Candidate.URL)
		if !a.Available {
			continue
		}
		img, err := fetcher.Fetch(ctx, a.Candidate)
		if err != nil {
			logger.Warn("failed to download tier", "tier", a.Candidate.Tier.Name, "error", err)
			continue
		}
		if err := exp.DownloadSingle(ctx, img); err != nil {
			return err
		}
		saved++
	}

	if saved == 0 {
		return thumbgrab.ErrNoThumbnail
	}
	logger.Info("thumbnails saved", "count", saved, "dir", *out)
	return nil
}

func runSimilar(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("similar", flag.ExitOnError)
	path := fs.String("image", "", "image to compare against the catalog")
	limit := fs.Int("limit", 5, "maximum number of results")
	fs.Parse(args)

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for similarity search")
	}
	data, err := os.ReadFile(*path)
	if err != nil {
		return err
	}

	pg, signer, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer signer.Close()
	defer pg.Close()

	results, err := pg.SearchSimilar(ctx, models.CapturedImage{Data: data}, *limit)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("%.3f  %s  %s  t=%.2fs  %s\n", r.Similarity, r.Archive, r.EntryName, r.SourceTime, r.Caption)
	}
	return nil
}

func runRatio(args []string) error {
	fs := flag.NewFlagSet("ratio", flag.ExitOnError)
	width := fs.Int("width", 0, "reference width")
	height := fs.Int("height", 0, "reference height")
	setWidth := fs.Int("set-width", 0, "new width; height follows the ratio")
	setHeight := fs.Int("set-height", 0, "new height; width follows the ratio")
	fs.Parse(args)

	if *width <= 0 || *height <= 0 {
		return errors.New("--width and --height must be positive")
	}

	w, h := *width, *height
	solver := aspect.NewSolver(w, h)
	switch {
	case *setWidth > 0:
		w, h = solver.DeriveCompanion(*setWidth, h, aspect.Width, true)
	case *setHeight > 0:
		w, h = solver.DeriveCompanion(w, *setHeight, aspect.Height, true)
	}

	fmt.Printf("%dx%d (%s)\n", w, h, aspect.RatioLabel(w, h))
	return nil
}

// resolveSize picks the output size from --size or --preset. Zero means natural size.
func resolveSize(size, preset string) (int, int, error) {
	if size != "" && preset != "" {
		return 0, 0, errors.New("--size and --preset are mutually exclusive")
	}
	if preset != "" {
		p, ok := aspect.PresetByName(preset)
		if !ok {
			return 0, 0, fmt.Errorf("unknown preset %q", preset)
		}
		return p.Width, p.Height, nil
	}
	if size != "" {
		return aspect.ParseSize(size)
	}
	return 0, 0, nil
}

func parseTimes(s string) ([]float64, error) {
	var out []float64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid timestamp %q", part)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, errors.New("no timestamps given")
	}
	return out, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
