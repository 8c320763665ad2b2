package app

import (
	"fmt"
	"strings"
	"time"

	"taskwarden/internal/edf"
)

// trackedSpec is one deadline-scheduled task with its durations parsed.
type trackedSpec struct {
	Name     string
	Period   time.Duration
	Deadline time.Duration
	ExecTime time.Duration
}

// defaultTrackedTasks is the built-in workload used when the scheduler is
// enabled but the tasks list is omitted: three tasks with distinct periods
// and deadlines looser than their periods, so the level assignment visibly
// rotates as instances release.
func defaultTrackedTasks() []trackedSpec {
	return []trackedSpec{
		{Name: "edf-task-1", Period: 200 * time.Millisecond, Deadline: 500 * time.Millisecond, ExecTime: 50 * time.Millisecond},
		{Name: "edf-task-2", Period: 300 * time.Millisecond, Deadline: time.Second, ExecTime: 100 * time.Millisecond},
		{Name: "edf-task-3", Period: 400 * time.Millisecond, Deadline: 1500 * time.Millisecond, ExecTime: 150 * time.Millisecond},
	}
}

// mapSchedulerConfig validates and converts the scheduler section. An
// omitted tasks list yields the default workload; an explicitly empty one
// yields none.
func mapSchedulerConfig(cfg *Config) (edf.Config, []trackedSpec, error) {
	var out edf.Config
	if cfg == nil {
		return out, nil, nil
	}
	sc := cfg.Scheduler

	out.Levels = cfg.Kernel.Levels

	every, err := parseDurationOrDefault("scheduler.reconcile_every", sc.ReconcileEvery, 50*time.Millisecond)
	if err != nil {
		return out, nil, err
	}
	out.ReconcileEvery = every

	out.ReconcileOnRelease = true
	if sc.ReconcileOnRelease != nil {
		out.ReconcileOnRelease = *sc.ReconcileOnRelease
	}

	if !sc.Enabled {
		return out, nil, nil
	}
	if sc.Tasks == nil {
		return out, defaultTrackedTasks(), nil
	}

	seen := map[string]bool{}
	specs := make([]trackedSpec, 0, len(sc.Tasks))
	for i, tc := range sc.Tasks {
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			return out, nil, fmt.Errorf("scheduler.tasks[%d]: name is required", i)
		}
		if seen[name] {
			return out, nil, fmt.Errorf("scheduler.tasks: duplicate name %q", name)
		}
		seen[name] = true

		period, err := parsePositiveDuration(fmt.Sprintf("scheduler.tasks[%d].period", i), tc.Period)
		if err != nil {
			return out, nil, err
		}
		deadline, err := parseDurationField(fmt.Sprintf("scheduler.tasks[%d].deadline", i), tc.Deadline)
		if err != nil {
			return out, nil, err
		}
		exec, err := parseDurationField(fmt.Sprintf("scheduler.tasks[%d].exec_time", i), tc.ExecTime)
		if err != nil {
			return out, nil, err
		}
		specs = append(specs, trackedSpec{Name: name, Period: period, Deadline: deadline, ExecTime: exec})
	}
	return out, specs, nil
}
