package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"taskwarden/internal/kernel"
	"taskwarden/internal/watchdog"
)

// defaultWatchdogWorkers is the built-in pool used when the watchdog is
// enabled with no explicit workers: two healthy workers on adjacent bits.
func defaultWatchdogWorkers() []watchdog.WorkerConfig {
	return []watchdog.WorkerConfig{
		{Name: "wd-worker-1", Bit: 0x1, Beat: 100 * time.Millisecond, Priority: 1},
		{Name: "wd-worker-2", Bit: 0x2, Beat: 100 * time.Millisecond, Priority: 1},
	}
}

// mapWatchdogConfig validates and converts the watchdog section. The bool
// reports whether the watchdog should run at all. The bit constraints are
// checked here too, so a bad hot-reload is rejected before commit.
func mapWatchdogConfig(cfg *Config) (watchdog.Config, bool, error) {
	var out watchdog.Config
	if cfg == nil || cfg.Watchdog == nil || !cfg.Watchdog.Enabled {
		return out, false, nil
	}
	wc := cfg.Watchdog

	window, err := parseDurationOrDefault("watchdog.window", wc.Window, 100*time.Millisecond)
	if err != nil {
		return out, false, err
	}
	out.Window = window
	if wc.MissThreshold < 0 {
		return out, false, fmt.Errorf("watchdog.miss_threshold must be >= 0")
	}
	out.MissThreshold = wc.MissThreshold
	if wc.SupervisorPriority < 0 {
		return out, false, fmt.Errorf("watchdog.supervisor_priority must be >= 0")
	}
	out.SupervisorPriority = kernel.Priority(wc.SupervisorPriority)

	if wc.Workers == nil {
		out.Workers = defaultWatchdogWorkers()
		return out, true, nil
	}
	if len(wc.Workers) == 0 {
		return out, false, fmt.Errorf("watchdog.workers: at least one worker is required (or omit the list for the default pool)")
	}

	seenNames := map[string]bool{}
	var seenBits uint32
	for i, w := range wc.Workers {
		name := strings.TrimSpace(w.Name)
		if name == "" {
			return out, false, fmt.Errorf("watchdog.workers[%d]: name is required", i)
		}
		if seenNames[name] {
			return out, false, fmt.Errorf("watchdog.workers: duplicate name %q", name)
		}
		seenNames[name] = true
		if w.Bit == 0 || w.Bit&(w.Bit-1) != 0 {
			return out, false, fmt.Errorf("watchdog.workers[%d].bit: %#x is not a single bit", i, w.Bit)
		}
		if seenBits&w.Bit != 0 {
			return out, false, fmt.Errorf("watchdog.workers[%d].bit: %#x already taken", i, w.Bit)
		}
		seenBits |= w.Bit

		beat, err := parseDurationField(fmt.Sprintf("watchdog.workers[%d].beat", i), w.Beat)
		if err != nil {
			return out, false, err
		}
		if w.Priority < 0 {
			return out, false, fmt.Errorf("watchdog.workers[%d].priority must be >= 0", i)
		}
		stall, err := parseStallPolicy(fmt.Sprintf("watchdog.workers[%d].stall", i), w.Stall)
		if err != nil {
			return out, false, err
		}

		out.Workers = append(out.Workers, watchdog.WorkerConfig{
			Name:     name,
			Bit:      w.Bit,
			Beat:     beat,
			Priority: kernel.Priority(w.Priority),
			Stall:    stall,
		})
	}
	return out, true, nil
}

// parseStallPolicy reads the worker fault knob: "none", "after:N" (wedge
// permanently from beat N on) or "every:K" (skip every Kth beat).
func parseStallPolicy(path, raw string) (watchdog.StallPolicy, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case v == "" || v == "none":
		return nil, nil
	case strings.HasPrefix(v, "after:"):
		n, err := strconv.ParseUint(v[len("after:"):], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid %q (expected after:N)", path, raw)
		}
		return watchdog.StallAfter(n), nil
	case strings.HasPrefix(v, "every:"):
		k, err := strconv.ParseUint(v[len("every:"):], 10, 64)
		if err != nil || k == 0 {
			return nil, fmt.Errorf("%s: invalid %q (expected every:K with K >= 1)", path, raw)
		}
		return watchdog.StallEvery(k), nil
	default:
		return nil, fmt.Errorf("%s: unknown stall policy %q", path, raw)
	}
}
