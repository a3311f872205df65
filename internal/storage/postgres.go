package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/thumbgrab/internal/embeddings"
	"github.com/bdougie/thumbgrab/internal/exporter"
	"github.com/bdougie/thumbgrab/internal/models"
)

// Signer computes the perceptual signatures stored in the catalog
type Signer interface {
	Signatures(ctx context.Context, images []models.CapturedImage) ([][]float32, error)
}

// PostgresSink stores downloads as blobs and catalogs archived thumbnails
// with a signature vector for similarity search.
type PostgresSink struct {
	pool   *pgxpool.Pool
	signer Signer
	logger *slog.Logger
}

// NewPostgresSink connects to databaseURL and verifies the connection
func NewPostgresSink(ctx context.Context, databaseURL string, signer Signer, logger *slog.Logger) (*PostgresSink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Connect to PostgreSQL
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresSink{
		pool:   pool,
		signer: signer,
		logger: logger.With("component", "postgres"),
	}, nil
}

// Close closes the database connection
func (s *PostgresSink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Put stores the object, replacing an earlier download of the same name
func (s *PostgresSink) Put(ctx context.Context, obj exporter.Object) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO exports (name, content_type, data, size_bytes, created_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (name) DO UPDATE
        SET content_type = EXCLUDED.content_type, data = EXCLUDED.data,
            size_bytes = EXCLUDED.size_bytes, created_at = EXCLUDED.created_at`,
		obj.Name, obj.ContentType, obj.Data, len(obj.Data), time.Now())
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", obj.Name, err)
	}
	return nil
}

// Delete removes a stored download and, through the foreign key, its catalog rows
func (s *PostgresSink) Delete(ctx context.Context, name string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM exports WHERE name = $1", name); err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

// Index catalogs the thumbnails of an archive previously stored with Put
func (s *PostgresSink) Index(ctx context.Context, archive string, images []models.CapturedImage) error {
	var exportID int
	err := s.pool.QueryRow(ctx, "SELECT id FROM exports WHERE name = $1", archive).Scan(&exportID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("archive %s has not been stored", archive)
	} else if err != nil {
		return fmt.Errorf("error looking up archive: %w", err)
	}

	sigs, err := s.signer.Signatures(ctx, images)
	if err != nil {
		return fmt.Errorf("failed to compute signatures: %w", err)
	}

	now := time.Now()
	batch := &pgx.Batch{}
	batch.Queue("DELETE FROM thumbnails WHERE export_id = $1", exportID)
	for i, rec := range NewIndexRecords(archive, images, now) {
		batch.Queue(
			`INSERT INTO thumbnails
            (export_id, entry_name, source_time, width, height, format, origin, caption, signature, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			exportID, rec.EntryName, rec.SourceTime, rec.Width, rec.Height,
			rec.Format, rec.Origin, rec.Caption, pgvector.NewVector(sigs[i]), now)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to store thumbnails: %w", err)
	}

	s.logger.Info("archive indexed", "archive", archive, "thumbnails", len(images))
	return nil
}

// SearchSimilar finds catalogued thumbnails that look like img
func (s *PostgresSink) SearchSimilar(ctx context.Context, img models.CapturedImage, limit int) ([]models.ThumbnailSearchResult, error) {
	sigs, err := s.signer.Signatures(ctx, []models.CapturedImage{img})
	if err != nil {
		return nil, fmt.Errorf("failed to compute query signature: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT e.name, t.entry_name, t.source_time, t.caption,
        1 - (t.signature <=> $1) AS similarity
        FROM thumbnails t
        JOIN exports e ON t.export_id = e.id
        ORDER BY t.signature <=> $1
        LIMIT $2`,
		pgvector.NewVector(sigs[0]), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar thumbnails: %w", err)
	}
	defer rows.Close()

	var results []models.ThumbnailSearchResult
	for rows.Next() {
		var result models.ThumbnailSearchResult
		if err := rows.Scan(&result.Archive, &result.EntryName, &result.SourceTime,
			&result.Caption, &result.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		results = append(results, result)
	}

	return results, rows.Err()
}

// InitSchema creates the database schema if it doesn't exist
func (s *PostgresSink) InitSchema(ctx context.Context) error {
	// Check if vector extension exists
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')").Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check for vector extension: %w", err)
	}

	if !exists {
		if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
			return fmt.Errorf("failed to create vector extension: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS exports (
            id SERIAL PRIMARY KEY,
            name VARCHAR(255) NOT NULL,
            content_type VARCHAR(64) NOT NULL,
            data BYTEA NOT NULL,
            size_bytes INTEGER NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE(name)
        );

        CREATE TABLE IF NOT EXISTS thumbnails (
            id SERIAL PRIMARY KEY,
            export_id INTEGER REFERENCES exports(id) ON DELETE CASCADE,
            entry_name VARCHAR(255) NOT NULL,
            source_time DOUBLE PRECISION NOT NULL,
            width INTEGER NOT NULL,
            height INTEGER NOT NULL,
            format VARCHAR(16) NOT NULL,
            origin VARCHAR(16) NOT NULL,
            caption TEXT NOT NULL DEFAULT '',
            signature vector(%d),
            created_at TIMESTAMPTZ NOT NULL
        );
    `, embeddings.Dimensions))
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_thumbnails_export_id ON thumbnails(export_id);
        CREATE INDEX IF NOT EXISTS idx_thumbnails_signature ON thumbnails USING hnsw (signature vector_cosine_ops);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}

	return nil
}
