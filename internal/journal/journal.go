// Package journal persists supervision events: restarts, backup
// activations, deadline misses, stale-handle drops, and mirrored
// warning-level log lines. It is an event log, not a statistics store; the
// counters themselves live in memory and reset with the process.
package journal

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "taskwarden/pkg/logx"
)

var ErrDisabled = errors.New("journal disabled")

// Config configures the journal.
//
// Driver values:
//   - "file": dependency-free JSON Lines file
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", the journal is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxEntries  int           // sqlite only; prune down to this many rows, 0 keeps everything
}

// Entry is one journaled event. Keep it compact and schema-stable.
type Entry struct {
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	Type    string    `json:"type"`
	Subject string    `json:"subject,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Store is the minimal persistence API the recorder and report use.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to limit entries, oldest first, ending at the
	// newest one.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the journal is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown journal driver: " + driver)
	}
}
