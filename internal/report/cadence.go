package report

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// CadenceKind describes the normalized kind of a cadence string.
type CadenceKind int

const (
	CadenceCron CadenceKind = iota
	CadenceInterval
)

// Cadence is a parsed report schedule.
//
// Supported forms:
//   - Cron (robfig/cron): "*/5 * * * *", "@hourly", "@every 5s"
//   - Interval duration: "5s", "2m30s"
//   - Interval HH:MM: "00:05" (5 minutes), "01:30" (90 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Cadence struct {
	Kind   CadenceKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseCadence parses a cadence string into either a cron expression or an
// interval duration.
func ParseCadence(raw string) (Cadence, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Cadence{}, fmt.Errorf("cadence required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Cadence{}, fmt.Errorf("cron cadence required after 'cron:'")
		}
		return Cadence{Kind: CadenceCron, Cron: expr, Source: "cron"}, nil
	}
	for _, prefix := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, prefix) {
			d, src, err := parseInterval(s[len(prefix):])
			if err != nil {
				return Cadence{}, err
			}
			return Cadence{Kind: CadenceInterval, Every: d, Source: src}, nil
		}
	}

	// Any whitespace or leading '@' reads as cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Cadence{Kind: CadenceCron, Cron: s, Source: "cron"}, nil
	}

	if reHHMM.MatchString(s) {
		d, _, err := parseHHMMDuration(s)
		if err != nil {
			return Cadence{}, err
		}
		return Cadence{Kind: CadenceInterval, Every: d, Source: "hhmm"}, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Cadence{}, fmt.Errorf("interval must be > 0")
		}
		return Cadence{Kind: CadenceInterval, Every: d, Source: "duration"}, nil
	}

	return Cadence{}, fmt.Errorf(
		"invalid cadence %q (use cron like '*/5 * * * *', HH:MM like '01:30', or duration like '5s')",
		raw,
	)
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, src, err := parseHHMMDuration(v)
		return d, src, err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '5s'/'2m30s')", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, string, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, "", fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, "", fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "hhmm", nil
}
