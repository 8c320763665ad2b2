package config

// Config is the root of the wardend config file (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Kernel sets substrate-wide knobs (priority level count).
	Kernel KernelConfig `json:"kernel,omitempty"`

	// Scheduler controls the deadline scheduler and its tracked tasks.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Pairs declares the primary/backup job pairs. An omitted section gets
	// the built-in default pair set; an explicitly empty list means none.
	Pairs []PairConfig `json:"pairs,omitempty"`

	// Watchdog declares the heartbeat supervisor and its workers.
	// If the section is omitted, the watchdog is off.
	Watchdog *WatchdogConfig `json:"watchdog,omitempty"`

	Report ReportConfig `json:"report,omitempty"`

	// Journal controls the optional lifecycle-event log.
	// If the section is omitted, nothing is journaled.
	Journal *JournalConfig `json:"journal,omitempty"`

	Pprof PprofConfig `json:"pprof,omitempty"`

	// Systemd controls sd_notify integration. If the section is omitted,
	// notification is attempted whenever NOTIFY_SOCKET is present.
	Systemd *SystemdConfig `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Mirror  LoggingMirror `json:"mirror"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingMirror copies log lines at or above MinLevel into the journal
// (requires a journal driver). RatePerSec bounds the copy rate so a log
// storm cannot flood the journal.
type LoggingMirror struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// KernelConfig sets substrate-wide knobs.
type KernelConfig struct {
	// Levels is the number of discrete priority levels (>= 1). Default 3.
	Levels int `json:"levels,omitempty"`
}

// SchedulerConfig controls the deadline scheduler.
//
// Defaults (when fields are omitted/zero):
//   - reconcile_every: "50ms"
//   - reconcile_on_release: true
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// ReconcileEvery is the cadence of the periodic reassignment pass.
	ReconcileEvery string `json:"reconcile_every,omitempty"`

	// ReconcileOnRelease lets each tracked task trigger an extra pass at
	// the start of its cycle. Pointer so "omitted" (default true) is
	// distinguishable from an explicit false.
	ReconcileOnRelease *bool `json:"reconcile_on_release,omitempty"`

	// Tasks under deadline scheduling. An omitted list gets the built-in
	// default workload; an explicitly empty list means none.
	Tasks []TrackedTaskConfig `json:"tasks,omitempty"`
}

// TrackedTaskConfig declares one task under deadline scheduling.
type TrackedTaskConfig struct {
	Name string `json:"name"`

	// Period between releases.
	Period string `json:"period"`

	// Deadline relative to each release.
	Deadline string `json:"deadline"`

	// ExecTime simulates work per cycle ("0s" means release-only).
	ExecTime string `json:"exec_time,omitempty"`
}

// PairConfig declares one primary/backup job pair.
//
// Example:
//
//	{ "name": "JobA", "period": "500ms", "deadline_offset": "800ms" }
type PairConfig struct {
	Name string `json:"name"`

	// Period between primary releases.
	Period string `json:"period"`

	// DeadlineOffset is the per-cycle deadline relative to release; it is
	// also the backup's check interval.
	DeadlineOffset string `json:"deadline_offset"`

	// ExecTime simulates the primary's work per cycle.
	ExecTime string `json:"exec_time,omitempty"`

	// BackupExecTime simulates the substitute computation (typically
	// shorter than ExecTime).
	BackupExecTime string `json:"backup_exec_time,omitempty"`

	PrimaryPriority int `json:"primary_priority,omitempty"`
	BackupPriority  int `json:"backup_priority,omitempty"`

	// Fault optionally injects primary failures so backup takeover is
	// observable. Omitted means no injected faults.
	Fault *FaultConfig `json:"fault,omitempty"`
}

// FaultConfig selects a fault-injection policy for a pair's primary.
type FaultConfig struct {
	// Mode is "none" or "overrun" (random overruns past the deadline).
	Mode string `json:"mode"`

	// Probability of an overrun per cycle (0..1], mode "overrun" only.
	Probability float64 `json:"probability,omitempty"`

	// Seed makes the overrun sequence reproducible. 0 seeds from time.
	Seed int64 `json:"seed,omitempty"`
}

// WatchdogConfig controls the heartbeat supervisor.
//
// Defaults (when fields are omitted/zero):
//   - window: "100ms"
//   - miss_threshold: 2
//   - supervisor_priority: 2
type WatchdogConfig struct {
	Enabled bool `json:"enabled"`

	// Window bounds one heartbeat collection pass.
	Window string `json:"window,omitempty"`

	// MissThreshold is the consecutive-miss count that triggers a restart.
	MissThreshold int `json:"miss_threshold,omitempty"`

	// SupervisorPriority should outrank the workers it observes.
	SupervisorPriority int `json:"supervisor_priority,omitempty"`

	// Workers under supervision. An omitted list gets the built-in default
	// pool; an explicitly empty list is rejected (a watchdog with nothing
	// to watch is a config mistake).
	Workers []WatchdogWorkerConfig `json:"workers,omitempty"`
}

// WatchdogWorkerConfig declares one supervised worker.
type WatchdogWorkerConfig struct {
	Name string `json:"name"`

	// Bit is the worker's identity bit in the heartbeat mask. Must be a
	// single bit, unique across workers (e.g. 1, 2, 4, ...).
	Bit uint32 `json:"bit"`

	// Beat is the heartbeat interval. Defaults to the window.
	Beat string `json:"beat,omitempty"`

	Priority int `json:"priority,omitempty"`

	// Stall is a fault-injection policy making the worker withhold
	// heartbeats: "none", "after:N" (wedge from beat N on) or
	// "every:K" (skip every Kth beat).
	Stall string `json:"stall,omitempty"`
}

// ReportConfig controls the periodic statistics summary.
type ReportConfig struct {
	Enabled bool `json:"enabled"`

	// Schedule accepts a cron spec, "@every 5s", a bare Go duration or
	// "HH:MM". Default "@every 5s".
	Schedule string `json:"schedule,omitempty"`

	Timezone string `json:"timezone,omitempty"`
}

// JournalConfig controls the lifecycle-event log.
//
// Example:
//
//	"journal": { "driver": "file", "path": "./wardend_journal" }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxEntries  int    `json:"max_entries,omitempty"`  // sqlite: prune down to this many rows (0 = keep all)
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// SystemdConfig controls sd_notify integration.
type SystemdConfig struct {
	Notify bool `json:"notify"`
}
