// Package archive mirrors transcript files into PostgreSQL.
//
// Every block written to a transcript is inserted into the transcript_blocks
// table keyed by the transcript path and block sequence number. Reopening a
// transcript path replaces its rows; discarding a transcript deletes them.
//
// Usage:
//
//	store, err := archive.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	inst := instance.New(id, engine, instance.WithRecorder(store))
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxscribe/internal/transcript"
)

var _ transcript.BlockRecorder = (*Store)(nil)

const ddlTranscriptBlocks = `
CREATE TABLE IF NOT EXISTS transcript_blocks (
    id              BIGSERIAL    PRIMARY KEY,
    transcript_path TEXT         NOT NULL,
    seq             INTEGER      NOT NULL,
    text            TEXT         NOT NULL,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (transcript_path, seq)
);

CREATE INDEX IF NOT EXISTS idx_transcript_blocks_created_at
    ON transcript_blocks (created_at);
`

// Migrate creates the archive schema. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscriptBlocks); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// Block is one archived transcript block.
type Block struct {
	Seq       int
	Text      string
	CreatedAt time.Time
}

// Store is a PostgreSQL-backed [transcript.BlockRecorder]. All methods are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool. The caller is responsible for running
// [Migrate] and closing the pool.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// RecordBlock implements [transcript.BlockRecorder]. The first block of a
// transcript drops rows left over from an earlier transcript at the same
// path.
func (s *Store) RecordBlock(ctx context.Context, path string, seq int, text string) error {
	const insert = `
		INSERT INTO transcript_blocks (transcript_path, seq, text)
		VALUES ($1, $2, $3)
		ON CONFLICT (transcript_path, seq) DO UPDATE SET text = EXCLUDED.text, created_at = now()`

	if seq > 0 {
		if _, err := s.pool.Exec(ctx, insert, path, seq, text); err != nil {
			return fmt.Errorf("archive: record block %d of %q: %w", seq, path, err)
		}
		return nil
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM transcript_blocks WHERE transcript_path = $1`, path); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, insert, path, seq, text)
		return err
	})
	if err != nil {
		return fmt.Errorf("archive: record first block of %q: %w", path, err)
	}
	return nil
}

// DiscardTranscript implements [transcript.BlockRecorder].
func (s *Store) DiscardTranscript(ctx context.Context, path string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM transcript_blocks WHERE transcript_path = $1`, path); err != nil {
		return fmt.Errorf("archive: discard %q: %w", path, err)
	}
	return nil
}

// Blocks returns the archived blocks of the transcript at path in order.
func (s *Store) Blocks(ctx context.Context, path string) ([]Block, error) {
	const q = `
		SELECT seq, text, created_at
		FROM   transcript_blocks
		WHERE  transcript_path = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, path)
	if err != nil {
		return nil, fmt.Errorf("archive: blocks of %q: %w", path, err)
	}
	blocks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Block, error) {
		var b Block
		err := row.Scan(&b.Seq, &b.Text, &b.CreatedAt)
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan blocks of %q: %w", path, err)
	}
	return blocks, nil
}

// Ping checks the database connection. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
