// Package lock provides a cross-process advisory lock stored in SQLite.
// Every process that talks to the desktop client takes the same named lock,
// so two invocations never drive the GUI at the same time.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"wxsend/internal/domain"
)

// SessionName is the lock every desktop-client interaction takes.
const SessionName = "wechat-session"

// Options configures a Locker.
type Options struct {
	WaitTimeout  time.Duration // give up with a busy error after this long
	StaleAfter   time.Duration // a lease not refreshed for this long can be taken over
	PollInterval time.Duration
}

// Holder describes the current owner of a lock.
type Holder struct {
	Name       string
	ID         string
	PID        int
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Locker hands out leases on named locks.
type Locker struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the lock database at dbPath.
func Open(dbPath string, opts Options, logger *slog.Logger) (*Locker, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create lock directory %s: %w", dir, err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open lock database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS session_lock (
		name        TEXT PRIMARY KEY,
		holder      TEXT NOT NULL,
		pid         INTEGER NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL
	);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("lock database migration failed: %w", err)
	}

	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 2 * time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{db: db, opts: opts, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (l *Locker) Close() error { return l.db.Close() }

// Acquire blocks until the named lock is free, ctx is done, or WaitTimeout
// passes. The returned release func is idempotent. While held, the lease is
// refreshed in the background so long batches do not look stale.
func (l *Locker) Acquire(ctx context.Context, name string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Wrap(domain.KindOf(err), "lock", err)
	}
	id := uuid.NewString()
	deadline := l.now().Add(l.opts.WaitTimeout)
	logged := false

	for {
		holder, err := l.tryAcquire(ctx, name, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, domain.Wrap(domain.KindOf(ctx.Err()), "lock", ctx.Err())
			}
			return nil, domain.Wrap(domain.KindFilesystem, "lock", err)
		}
		if holder == nil {
			break
		}
		if !logged {
			l.logger.Info("waiting for session lock", "name", name, "holder_pid", holder.PID)
			logged = true
		}
		if !l.now().Before(deadline) {
			return nil, domain.Errorf(domain.KindBusy, "lock",
				"client session busy: held by pid %d since %s", holder.PID, holder.AcquiredAt.Format(time.RFC3339))
		}
		select {
		case <-ctx.Done():
			return nil, domain.Wrap(domain.KindOf(ctx.Err()), "lock", ctx.Err())
		case <-time.After(l.opts.PollInterval):
		}
	}

	l.logger.Debug("session lock acquired", "name", name, "lease", id)
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.heartbeat(name, id, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if _, err := l.db.Exec(`DELETE FROM session_lock WHERE name = ? AND holder = ?`, name, id); err != nil {
				l.logger.Warn("session lock release failed", "name", name, "err", err)
				return
			}
			l.logger.Debug("session lock released", "name", name, "lease", id)
		})
	}, nil
}

// tryAcquire takes the lock if it is free or stale. It returns the current
// holder when someone else has it.
func (l *Locker) tryAcquire(ctx context.Context, name, id string) (*Holder, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := l.now()
	h, err := scanHolder(tx.QueryRowContext(ctx,
		`SELECT name, holder, pid, acquired_at, expires_at FROM session_lock WHERE name = ?`, name))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if h != nil && now.Before(h.ExpiresAt) {
		return h, nil
	}
	if h != nil {
		l.logger.Warn("taking over stale session lock", "name", name, "stale_pid", h.PID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO session_lock (name, holder, pid, acquired_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		name, id, os.Getpid(), now.UnixMilli(), now.Add(l.opts.StaleAfter).UnixMilli(),
	); err != nil {
		return nil, err
	}
	return nil, tx.Commit()
}

func (l *Locker) heartbeat(name, id string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(max(l.opts.StaleAfter/3, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			expires := l.now().Add(l.opts.StaleAfter).UnixMilli()
			if _, err := l.db.Exec(`UPDATE session_lock SET expires_at = ? WHERE name = ? AND holder = ?`,
				expires, name, id); err != nil {
				l.logger.Warn("session lock refresh failed", "name", name, "err", err)
			}
		}
	}
}

// Current returns the live holder of name, or nil when the lock is free.
func (l *Locker) Current(ctx context.Context, name string) (*Holder, error) {
	h, err := scanHolder(l.db.QueryRowContext(ctx,
		`SELECT name, holder, pid, acquired_at, expires_at FROM session_lock WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !l.now().Before(h.ExpiresAt) {
		return nil, nil
	}
	return h, nil
}

func scanHolder(row *sql.Row) (*Holder, error) {
	var (
		h                 Holder
		acquired, expires int64
	)
	if err := row.Scan(&h.Name, &h.ID, &h.PID, &acquired, &expires); err != nil {
		return nil, err
	}
	h.AcquiredAt = time.UnixMilli(acquired)
	h.ExpiresAt = time.UnixMilli(expires)
	return &h, nil
}
