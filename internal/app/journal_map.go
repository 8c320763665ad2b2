package app

import (
	"fmt"
	"strings"
	"time"

	"taskwarden/internal/journal"
)

func mapJournalConfig(cfg *Config) (journal.Config, bool, error) {
	if cfg == nil || cfg.Journal == nil {
		return journal.Config{}, false, nil
	}
	jc := cfg.Journal
	driver := strings.TrimSpace(jc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return journal.Config{}, false, nil
	}
	path := strings.TrimSpace(jc.Path)

	dl := strings.ToLower(driver)
	switch dl {
	case "file":
		if path == "" {
			return journal.Config{}, false, fmt.Errorf("journal.path is required when journal.driver=file")
		}
		return journal.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return journal.Config{}, false, fmt.Errorf("journal.path is required when journal.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("journal.busy_timeout", jc.BusyTimeout, time.Second)
		if err != nil {
			return journal.Config{}, false, err
		}
		if jc.MaxEntries < 0 {
			return journal.Config{}, false, fmt.Errorf("journal.max_entries must be >= 0")
		}
		return journal.Config{Driver: dl, Path: path, BusyTimeout: busy, MaxEntries: jc.MaxEntries}, true, nil
	default:
		return journal.Config{}, false, fmt.Errorf("unknown journal.driver: %s", driver)
	}
}
