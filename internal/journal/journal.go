// Package journal keeps an append-only record of send outcomes in SQLite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"wxsend/internal/domain"
)

// Entry is one recorded outcome. A batch produces one entry per target.
type Entry struct {
	ID        string           `json:"id"`
	Operation string           `json:"operation"`
	Target    string           `json:"target"`
	Success   bool             `json:"success"`
	ErrorKind domain.ErrorKind `json:"error_kind,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	Filename  string           `json:"filename,omitempty"`
	FileSize  int64            `json:"file_size,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Journal is the SQLite-backed store.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(dbPath string, logger *slog.Logger) (*Journal, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create journal directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("cannot open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{db: db, logger: logger}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal migration failed: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	_, err := j.db.Exec(`
	CREATE TABLE IF NOT EXISTS send_log (
		id          TEXT PRIMARY KEY,
		operation   TEXT NOT NULL,
		target      TEXT,
		success     INTEGER NOT NULL,
		error_kind  TEXT,
		detail      TEXT,
		filename    TEXT,
		file_size   INTEGER DEFAULT 0,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_send_log_time ON send_log(created_at);
	`)
	return err
}

// Record appends e, filling ID and CreatedAt when empty.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO send_log (id, operation, target, success, error_kind, detail, filename, file_size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Operation, e.Target, e.Success, string(e.ErrorKind), e.Detail, e.Filename, e.FileSize,
		e.CreatedAt.UnixMilli(),
	)
	return err
}

// Recent returns up to limit entries, newest first. An operation filter of
// "" matches everything.
func (j *Journal) Recent(ctx context.Context, operation string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, operation, target, success, error_kind, detail, filename, file_size, created_at
		 FROM send_log WHERE (? = '' OR operation = ?) ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		operation, operation, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                              Entry
			target, kind, detail, filename sql.NullString
			created                        int64
		)
		if err := rows.Scan(&e.ID, &e.Operation, &target, &e.Success, &kind, &detail, &filename, &e.FileSize, &created); err != nil {
			return nil, err
		}
		e.Target = target.String
		e.ErrorKind = domain.ErrorKind(kind.String)
		e.Detail = detail.String
		e.Filename = filename.String
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than before and returns how many went.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM send_log WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		j.logger.Info("journal pruned", "entries", n)
	}
	return n, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
