package redundancy

import (
	"context"
	"fmt"
	"time"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/kernel"
	logx "taskwarden/pkg/logx"
)

// PairConfig describes one fault-tolerant pair.
type PairConfig struct {
	Name           string
	Period         time.Duration
	DeadlineOffset time.Duration

	// Payload runs in the primary each period; Substitute runs in the
	// backup on activation. Either may be nil (an instantly-succeeding
	// payload / a pure bookkeeping backup).
	Payload    func(ctx context.Context) error
	Substitute func(ctx context.Context) error

	// Inject is the primary's fault policy. Nil means no faults.
	Inject FaultPolicy
}

// Pair wires one Job to its primary and backup roles.
type Pair struct {
	Job *Job

	primary *Primary
	backup  *Backup

	primaryH kernel.Handle
	backupH  kernel.Handle
}

func NewPair(cfg PairConfig, clock kernel.Clock, log logx.Logger, bus eventbus.Bus) (*Pair, error) {
	job, err := NewJob(cfg.Name, cfg.Period, cfg.DeadlineOffset)
	if err != nil {
		return nil, err
	}
	return &Pair{
		Job:     job,
		primary: NewPrimary(job, cfg.Payload, cfg.Inject, clock, log, bus),
		backup:  NewBackup(job, cfg.Substitute, clock, log, bus),
	}, nil
}

// Spawn creates both tasks on the substrate. The primary conventionally gets
// the higher level; the backup only ever runs when the primary is late or
// broken, so it can sit lower.
func (p *Pair) Spawn(exec kernel.Exec, primaryPrio, backupPrio kernel.Priority) error {
	h, err := exec.Spawn(p.Job.name+".primary", primaryPrio, p.primary.Entry())
	if err != nil {
		return fmt.Errorf("spawn primary: %w", err)
	}
	p.primaryH = h

	h, err = exec.Spawn(p.Job.name+".backup", backupPrio, p.backup.Entry())
	if err != nil {
		_ = exec.Kill(p.primaryH)
		return fmt.Errorf("spawn backup: %w", err)
	}
	p.backupH = h
	return nil
}

// Handles returns the spawned task handles (zero before Spawn).
func (p *Pair) Handles() (primary, backup kernel.Handle) {
	return p.primaryH, p.backupH
}

func (p *Pair) Stats() JobStats { return p.Job.Stats() }
