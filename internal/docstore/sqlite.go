package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite stores artifacts in a local SQLite database.
type SQLite struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// NewSQLite opens (or creates) the database at path and runs migrations.
func NewSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s, err := newSQLite(ctx, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("SQLite document store opened", zap.String("path", path))
	return s, nil
}

func newSQLite(ctx context.Context, db *sql.DB, logger *zap.Logger) (*SQLite, error) {
	s := &SQLite{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			address    TEXT NOT NULL,
			request_id TEXT NOT NULL UNIQUE,
			content    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_address ON artifacts(address)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// SaveArtifact is idempotent per request id.
func (s *SQLite) SaveArtifact(ctx context.Context, address, requestID string, stages []domain.StageOutput) error {
	content, err := json.Marshal(stages)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO artifacts (address, request_id, content, created_at) VALUES (?,?,?,?)`,
		address, requestID, string(content), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save artifact %s: %w: %w", requestID, domain.ErrUnavailable, err)
	}
	return nil
}

func (s *SQLite) ListArtifacts(ctx context.Context, address string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, content, created_at FROM artifacts WHERE address = ? ORDER BY id`, address)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var (
			a       = Artifact{Address: address}
			content string
			created int64
		)
		if err := rows.Scan(&a.RequestID, &content, &created); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &a.Stages); err != nil {
			return nil, fmt.Errorf("decode artifact %s: %w", a.RequestID, err)
		}
		a.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
