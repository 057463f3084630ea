package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"ankie/internal/domain"
)

// Compile-time interface check.
var _ domain.CheckpointSaver = (*SQLiteSaver)(nil)

// SQLiteSaver implements domain.CheckpointSaver using SQLite. The
// (thread_id, seq) primary key makes a racing second writer fail even when
// it lives in another process.
type SQLiteSaver struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteSaver opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteSaver(dbPath string) (*SQLiteSaver, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate checkpoint db: %w", err)
	}
	return &SQLiteSaver{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id    TEXT    NOT NULL,
			seq          INTEGER NOT NULL,
			id           TEXT    NOT NULL UNIQUE,
			parent_id    TEXT    NOT NULL DEFAULT '',
			execution_id TEXT    NOT NULL,
			node         TEXT    NOT NULL,
			status       TEXT    NOT NULL,
			payload      BLOB    NOT NULL,
			created_at   INTEGER NOT NULL,
			PRIMARY KEY (thread_id, seq)
		)
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS checkpoints_created ON checkpoints (created_at)")
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteSaver) Close() error {
	return s.db.Close()
}

func (s *SQLiteSaver) Latest(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT seq, payload FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1", threadID,
	)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("SQLiteSaver.Latest", threadID)
	}
	return cp, err
}

func (s *SQLiteSaver) Append(ctx context.Context, cp *domain.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	payload, err := encode(cp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var (
		latest string
		seq    int64
	)
	err = tx.QueryRowContext(ctx,
		"SELECT id, seq FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1", cp.ThreadID,
	).Scan(&latest, &seq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read latest checkpoint: %w", err)
	}
	if cp.ParentID != latest {
		return conflict("SQLiteSaver.Append", cp, latest)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, seq, id, parent_id, execution_id, node, status, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ThreadID, seq+1, cp.ID, cp.ParentID, cp.ExecutionID, string(cp.Node), string(cp.Status),
		payload, cp.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isConstraint(err) {
			return conflict("SQLiteSaver.Append", cp, latest)
		}
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	cp.Seq = seq + 1
	return nil
}

func (s *SQLiteSaver) List(ctx context.Context, threadID string, limit int) ([]*domain.Checkpoint, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, payload FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT ?", threadID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLiteSaver) Prune(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE created_at < ?
		  AND seq < (SELECT MAX(c.seq) FROM checkpoints c WHERE c.thread_id = checkpoints.thread_id)`,
		before.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*domain.Checkpoint, error) {
	var (
		seq     int64
		payload []byte
	)
	if err := row.Scan(&seq, &payload); err != nil {
		return nil, err
	}
	cp, err := decode(payload)
	if err != nil {
		return nil, err
	}
	cp.Seq = seq
	return cp, nil
}

func isConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint") ||
		strings.Contains(err.Error(), "PRIMARY KEY")
}
