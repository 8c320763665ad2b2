package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskwarden/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like the
// pprof token), and (3) the names of pairs whose definition changed
// (added, removed or edited).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.mirror_enabled", newCfg.Logging.Mirror.Enabled),
		)
	}

	// Kernel (restart required)
	if oldCfg.Kernel != newCfg.Kernel {
		changed = append(changed, "kernel")
		attrs = append(attrs, logx.Int("kernel.levels", newCfg.Kernel.Levels))
	}

	// Scheduler: knobs apply live, the task set is structural.
	oOnRelease, oSet := derefBool(oldCfg.Scheduler.ReconcileOnRelease)
	nOnRelease, nSet := derefBool(newCfg.Scheduler.ReconcileOnRelease)
	tasksChanged := !reflect.DeepEqual(oldCfg.Scheduler.Tasks, newCfg.Scheduler.Tasks)
	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.ReconcileEvery) != strings.TrimSpace(newCfg.Scheduler.ReconcileEvery) ||
		oSet != nSet || oOnRelease != nOnRelease ||
		tasksChanged {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.reconcile_every", strings.TrimSpace(newCfg.Scheduler.ReconcileEvery)),
			logx.Int("scheduler.task_count", len(newCfg.Scheduler.Tasks)),
			logx.Bool("scheduler.tasks_changed", tasksChanged),
		)
	}

	// Pairs (structural; named individually in the third return)
	pairChanged := diffPairs(oldCfg.Pairs, newCfg.Pairs)
	if len(pairChanged) > 0 {
		changed = append(changed, "pairs")
		attrs = append(attrs,
			logx.Int("pairs.changed_count", len(pairChanged)),
			logx.Int("pairs.count", len(newCfg.Pairs)),
		)
	}

	// Watchdog. Nil section means disabled.
	oWD := derefWatchdog(oldCfg.Watchdog)
	nWD := derefWatchdog(newCfg.Watchdog)
	if (oldCfg.Watchdog != nil) != (newCfg.Watchdog != nil) || !reflect.DeepEqual(oWD, nWD) {
		changed = append(changed, "watchdog")
		attrs = append(attrs,
			logx.Bool("watchdog.enabled", newCfg.Watchdog != nil && newCfg.Watchdog.Enabled),
			logx.String("watchdog.window", strings.TrimSpace(nWD.Window)),
			logx.Int("watchdog.worker_count", len(nWD.Workers)),
		)
	}

	// Report
	if oldCfg.Report != newCfg.Report {
		changed = append(changed, "report")
		attrs = append(attrs,
			logx.Bool("report.enabled", newCfg.Report.Enabled),
			logx.String("report.schedule", strings.TrimSpace(newCfg.Report.Schedule)),
			logx.String("report.timezone", strings.TrimSpace(newCfg.Report.Timezone)),
		)
	}

	// Journal. Nil means disabled; never log the full path.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Journal != nil {
		oDriver = strings.TrimSpace(oldCfg.Journal.Driver)
		oBusy = strings.TrimSpace(oldCfg.Journal.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Journal.Path) != ""
	}
	if newCfg.Journal != nil {
		nDriver = strings.TrimSpace(newCfg.Journal.Driver)
		nBusy = strings.TrimSpace(newCfg.Journal.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Journal.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "journal")
		attrs = append(attrs,
			logx.String("journal.driver", nDriver),
			logx.Bool("journal.path_set", nPathSet),
			logx.String("journal.busy_timeout", nBusy),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate ||
		oldCfg.Pprof.MemProfileRate != newCfg.Pprof.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	// Systemd. Nil means auto (notify when NOTIFY_SOCKET is present).
	oNotify := oldCfg.Systemd == nil || oldCfg.Systemd.Notify
	nNotify := newCfg.Systemd == nil || newCfg.Systemd.Notify
	if oNotify != nNotify {
		changed = append(changed, "systemd")
		attrs = append(attrs, logx.Bool("systemd.notify", nNotify))
	}

	sort.Strings(changed)
	return changed, attrs, pairChanged
}

func derefBool(p *bool) (val, set bool) {
	if p == nil {
		return false, false
	}
	return *p, true
}

func derefWatchdog(w *WatchdogConfig) WatchdogConfig {
	if w == nil {
		return WatchdogConfig{}
	}
	return *w
}

func diffPairs(oldP, newP []PairConfig) []string {
	oldM := make(map[string]PairConfig, len(oldP))
	for _, p := range oldP {
		oldM[p.Name] = p
	}
	newM := make(map[string]PairConfig, len(newP))
	for _, p := range newP {
		newM[p.Name] = p
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
