package redundancy

import (
	"context"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/kernel"
	logx "taskwarden/pkg/logx"
)

// Backup checks on the primary one deadline offset after its own previous
// activation (a relative sleep, deliberately not the primary's grid) and
// runs the substitute for any cycle the outcome word does not read
// SUCCEEDED.
type Backup struct {
	job        *Job
	substitute func(ctx context.Context) error

	clock kernel.Clock
	log   logx.Logger
	bus   eventbus.Bus
}

func NewBackup(job *Job, substitute func(ctx context.Context) error, clock kernel.Clock, log logx.Logger, bus eventbus.Bus) *Backup {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Backup{
		job:        job,
		substitute: substitute,
		clock:      clock,
		log:        log.With(logx.String("job", job.Name()), logx.String("role", "backup")),
		bus:        bus,
	}
}

// Entry returns the backup task body.
func (b *Backup) Entry() kernel.TaskFunc {
	return func(ctx context.Context, self *kernel.Task) {
		for {
			if b.clock.Sleep(ctx, b.job.offset) != nil {
				return
			}
			b.checkOnce(ctx)
		}
	}
}

// checkOnce reads the outcome word exactly once and acts on that reading.
// A PENDING read activates too: the primary may still be mid-overrun, and
// covering twice beats covering never.
func (b *Backup) checkOnce(ctx context.Context) {
	out := b.job.Outcome()
	cycle := b.job.Cycle()
	if out == OutcomeSucceeded {
		b.log.Debug("primary healthy, staying idle", logx.Uint64("cycle", cycle))
		return
	}

	b.job.noteBackupRun()
	b.log.Warn("backup activated",
		logx.Uint64("cycle", cycle),
		logx.String("primary_outcome", out.String()))
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: "pair.backup_activated", Subject: b.job.name, Data: out.String()})
	}

	if b.substitute == nil {
		return
	}
	if err := b.substitute(ctx); err != nil && ctx.Err() == nil {
		b.log.Error("substitute failed", logx.Uint64("cycle", cycle), logx.Err(err))
	}
}
