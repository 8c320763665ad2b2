package app

import (
	"fmt"
	"strings"
	"time"

	"taskwarden/internal/report"
)

const defaultReportSchedule = "@every 5s"

// mapReportConfig validates and converts the report section. The schedule
// is parsed up front so a bad hot-reload never reaches the running cron.
func mapReportConfig(cfg *Config) (report.Config, error) {
	var out report.Config
	if cfg == nil {
		return out, nil
	}
	rc := cfg.Report

	out.Enabled = rc.Enabled
	out.Schedule = strings.TrimSpace(rc.Schedule)
	out.Timezone = strings.TrimSpace(rc.Timezone)
	if out.Schedule == "" {
		out.Schedule = defaultReportSchedule
	}

	if out.Enabled {
		if _, err := report.ParseCadence(out.Schedule); err != nil {
			return out, err
		}
	}
	if out.Timezone != "" {
		if _, err := time.LoadLocation(out.Timezone); err != nil {
			return out, fmt.Errorf("report.timezone: invalid %q: %w", out.Timezone, err)
		}
	}
	return out, nil
}
