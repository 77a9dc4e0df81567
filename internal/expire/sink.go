package expire

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wegman-software/osmtiledb/internal/logger"
	"github.com/wegman-software/osmtiledb/internal/tiles"
)

var sinkColumns = []string{"zoom", "x", "y", "layer_id", "expired_at"}

// PostgresSink queues expired tiles in a PostgreSQL table for a render
// queue to consume.
type PostgresSink struct {
	pool  *pgxpool.Pool
	table pgx.Identifier
}

// NewPostgresSink connects to dsn and creates the table if needed. table may
// be schema qualified.
func NewPostgresSink(ctx context.Context, dsn string, table pgx.Identifier) (*PostgresSink, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	s := &PostgresSink{pool: pool, table: table}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) ensureTable(ctx context.Context) error {
	if len(s.table) > 1 {
		schema := pgx.Identifier{s.table[0]}.Sanitize()
		if _, err := s.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	zoom       integer     NOT NULL,
	x          integer     NOT NULL,
	y          integer     NOT NULL,
	layer_id   bigint      NOT NULL,
	expired_at timestamptz NOT NULL
)`, s.table.Sanitize())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create expire table: %w", err)
	}
	return nil
}

func sinkRows(expired []tiles.Tile, layerID int64, at time.Time) [][]any {
	rows := make([][]any, len(expired))
	for i, t := range expired {
		rows[i] = []any{int32(t.Zoom), int32(t.X), int32(t.Y), layerID, at}
	}
	return rows
}

// Write copies the tiles expired by layer layerID into the table.
func (s *PostgresSink) Write(ctx context.Context, layerID int64, expired []tiles.Tile) (int64, error) {
	if len(expired) == 0 {
		return 0, nil
	}
	n, err := s.pool.CopyFrom(ctx, s.table, sinkColumns,
		pgx.CopyFromRows(sinkRows(expired, layerID, time.Now().UTC())))
	if err != nil {
		return 0, fmt.Errorf("COPY failed: %w", err)
	}
	logger.Named("expire").Info("Queued expired tiles",
		zap.String("table", s.table.Sanitize()),
		zap.Int64("layer", layerID),
		zap.Int64("rows", n))
	return n, nil
}

func (s *PostgresSink) Close() {
	s.pool.Close()
}
