package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/bdougie/thumbgrab/internal/models"
)

type Config struct {
	OutputDir string        `env:"THUMBGRAB_OUTPUT_DIR" envDefault:"thumbnails"`
	Format    string        `env:"THUMBGRAB_FORMAT"     envDefault:"png"`
	Quality   float64       `env:"THUMBGRAB_QUALITY"    envDefault:"0.92"`
	Settle    time.Duration `env:"THUMBGRAB_SETTLE"     envDefault:"200ms"`
	Cadence   time.Duration `env:"THUMBGRAB_CADENCE"    envDefault:"400ms"`
	TempDir   string        `env:"THUMBGRAB_TEMP_DIR"`
	FFmpeg    string        `env:"THUMBGRAB_FFMPEG"     envDefault:"ffmpeg"`
	FFprobe   string        `env:"THUMBGRAB_FFPROBE"    envDefault:"ffprobe"`
	Workers   int           `env:"THUMBGRAB_WORKERS"    envDefault:"4"`

	MinIOEndpoint  string `env:"MINIO_ENDPOINT"`
	MinIOAccessKey string `env:"MINIO_ACCESS_KEY" envDefault:"minioadmin"`
	MinIOSecretKey string `env:"MINIO_SECRET_KEY" envDefault:"minioadmin"`
	MinIOUseSSL    bool   `env:"MINIO_USE_SSL"    envDefault:"false"`
	MinIOBucket    string `env:"MINIO_BUCKET"     envDefault:"thumbnails"`
	MinIOPrefix    string `env:"MINIO_PREFIX"`

	DatabaseURL string `env:"DATABASE_URL"`

	RabbitMQURL      string `env:"RABBITMQ_URL"`
	RabbitMQExchange string `env:"RABBITMQ_EXCHANGE" envDefault:"thumbgrab"`

	OllamaBaseURL string `env:"OLLAMA_BASE_URL" envDefault:"http://localhost"`
	OllamaPort    int    `env:"OLLAMA_PORT"     envDefault:"11434"`
	OllamaModel   string `env:"OLLAMA_MODEL"    envDefault:"llama3.2-vision:11b"`

	MetricsAddr  string `env:"METRICS_ADDR"`
	OTELEndpoint string `env:"OTEL_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.OutputDir) == "" {
		errs = append(errs, errors.New("output directory must not be empty"))
	}
	switch strings.ToLower(c.Format) {
	case "png", "jpeg", "jpg", "webp":
	default:
		errs = append(errs, fmt.Errorf("unsupported format %q", c.Format))
	}
	if c.Quality <= 0 || c.Quality > 1 {
		errs = append(errs, fmt.Errorf("quality must be in (0, 1], got %g", c.Quality))
	}
	if c.Settle < 0 || c.Cadence < 0 {
		errs = append(errs, errors.New("settle and cadence must not be negative"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.MinIOEndpoint != "" && c.MinIOBucket == "" {
		errs = append(errs, errors.New("MINIO_BUCKET is required when MINIO_ENDPOINT is set"))
	}
	if c.OllamaPort <= 0 || c.OllamaPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ollama port %d", c.OllamaPort))
	}
	return errors.Join(errs...)
}

// ImageFormat returns the configured encode format
func (c *Config) ImageFormat() models.Format {
	return models.ParseFormat(c.Format)
}
