package app

import (
	"fmt"
	"strings"
	"time"

	"taskwarden/internal/config"
	"taskwarden/internal/kernel"
	"taskwarden/internal/redundancy"
)

// pairSpec is one primary/backup pair with its durations parsed and the
// fault policy built.
type pairSpec struct {
	Name           string
	Period         time.Duration
	DeadlineOffset time.Duration
	ExecTime       time.Duration
	BackupExecTime time.Duration
	PrimaryPrio    kernel.Priority
	BackupPrio     kernel.Priority
	Inject         redundancy.FaultPolicy
}

// defaultPairSpecs is the built-in pair set used when the pairs section is
// omitted. JobA carries a low-rate overrun injector so backup takeover
// shows up without hand-editing the config; JobB stays clean for contrast.
func defaultPairSpecs() []pairSpec {
	return []pairSpec{
		{
			Name: "JobA", Period: 500 * time.Millisecond, DeadlineOffset: 800 * time.Millisecond,
			ExecTime: 200 * time.Millisecond, BackupExecTime: 50 * time.Millisecond,
			PrimaryPrio: 2, BackupPrio: 2,
			Inject: redundancy.RandomOverrun(0.15, time.Now().UnixNano()),
		},
		{
			Name: "JobB", Period: 700 * time.Millisecond, DeadlineOffset: time.Second,
			ExecTime: 300 * time.Millisecond, BackupExecTime: 75 * time.Millisecond,
			PrimaryPrio: 2, BackupPrio: 2,
		},
	}
}

// mapPairSpecs validates and converts the pairs section. An omitted section
// yields the default pair set; an explicitly empty list yields none.
func mapPairSpecs(cfg *Config) ([]pairSpec, error) {
	if cfg == nil {
		return nil, nil
	}
	if cfg.Pairs == nil {
		return defaultPairSpecs(), nil
	}

	seen := map[string]bool{}
	specs := make([]pairSpec, 0, len(cfg.Pairs))
	for i, pc := range cfg.Pairs {
		name := strings.TrimSpace(pc.Name)
		if name == "" {
			return nil, fmt.Errorf("pairs[%d]: name is required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("pairs: duplicate name %q", name)
		}
		seen[name] = true

		period, err := parsePositiveDuration(fmt.Sprintf("pairs[%d].period", i), pc.Period)
		if err != nil {
			return nil, err
		}
		offset, err := parsePositiveDuration(fmt.Sprintf("pairs[%d].deadline_offset", i), pc.DeadlineOffset)
		if err != nil {
			return nil, err
		}
		exec, err := parseDurationField(fmt.Sprintf("pairs[%d].exec_time", i), pc.ExecTime)
		if err != nil {
			return nil, err
		}
		bexec, err := parseDurationField(fmt.Sprintf("pairs[%d].backup_exec_time", i), pc.BackupExecTime)
		if err != nil {
			return nil, err
		}

		if pc.PrimaryPriority < 0 || pc.BackupPriority < 0 {
			return nil, fmt.Errorf("pairs[%d]: priorities must be >= 0", i)
		}
		pp := kernel.Priority(pc.PrimaryPriority)
		if pp == 0 {
			pp = 2
		}
		bp := kernel.Priority(pc.BackupPriority)
		if bp == 0 {
			bp = 2
		}

		inject, err := parseFaultPolicy(fmt.Sprintf("pairs[%d]", i), pc.Fault)
		if err != nil {
			return nil, err
		}

		specs = append(specs, pairSpec{
			Name:           name,
			Period:         period,
			DeadlineOffset: offset,
			ExecTime:       exec,
			BackupExecTime: bexec,
			PrimaryPrio:    pp,
			BackupPrio:     bp,
			Inject:         inject,
		})
	}
	return specs, nil
}

// parseFaultPolicy builds a primary's fault injector. Nil config or mode
// "none" means no injected faults. Seed 0 seeds from the current time.
func parseFaultPolicy(path string, fc *config.FaultConfig) (redundancy.FaultPolicy, error) {
	if fc == nil {
		return nil, nil
	}
	switch mode := strings.ToLower(strings.TrimSpace(fc.Mode)); mode {
	case "", "none":
		return nil, nil
	case "overrun":
		if fc.Probability <= 0 || fc.Probability > 1 {
			return nil, fmt.Errorf("%s.fault.probability must be in (0, 1], got %v", path, fc.Probability)
		}
		seed := fc.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		return redundancy.RandomOverrun(fc.Probability, seed), nil
	default:
		return nil, fmt.Errorf("%s.fault.mode: unknown mode %q", path, fc.Mode)
	}
}
