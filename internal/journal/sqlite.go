//go:build sqlite
// +build sqlite

package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "taskwarden/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Appends between retention prunes. Pruning piggybacks on the append
// path instead of owning a timer goroutine.
const pruneStride = 500

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	maxEntries int
	appends    atomic.Uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("journal.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, maxEntries: cfg.MaxEntries}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Append(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO journal(id, at, type, subject, detail) VALUES(?,?,?,?,?)`,
		e.ID, e.At.Format(time.RFC3339Nano), e.Type, nullStr(e.Subject), nullStr(e.Detail),
	)
	if err == nil && s.maxEntries > 0 && s.appends.Add(1)%pruneStride == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		s.pruneOld(pctx)
		cancel()
	}
	return err
}

// pruneOld deletes everything older than the newest maxEntries rows.
// Best-effort: a timeout or busy database just postpones it one stride.
func (s *sqliteStore) pruneOld(ctx context.Context) {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM journal WHERE seq <= (
		   SELECT seq FROM journal ORDER BY seq DESC LIMIT 1 OFFSET ?
		 )`, s.maxEntries)
	if err != nil && !s.log.IsZero() {
		s.log.Debug("journal prune skipped", logx.Err(err))
	}
}

func (s *sqliteStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, type, subject, detail FROM journal ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at string
		var subject, detail sql.NullString
		if err := rows.Scan(&e.ID, &at, &e.Type, &subject, &detail); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, at); err == nil {
			e.At = ts
		}
		e.Subject = subject.String
		e.Detail = detail.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from the query; callers get oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
