package redundancy

import (
	"context"
	"time"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/kernel"
	logx "taskwarden/pkg/logx"
)

// Primary owns a job's execution grid: one payload run per period, released
// on fixed period boundaries so an overrun never shifts later cycles.
type Primary struct {
	job     *Job
	payload func(ctx context.Context) error
	inject  FaultPolicy

	clock kernel.Clock
	log   logx.Logger
	bus   eventbus.Bus
}

func NewPrimary(job *Job, payload func(ctx context.Context) error, inject FaultPolicy, clock kernel.Clock, log logx.Logger, bus eventbus.Bus) *Primary {
	if inject == nil {
		inject = NoFaults()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Primary{
		job:     job,
		payload: payload,
		inject:  inject,
		clock:   clock,
		log:     log.With(logx.String("job", job.Name()), logx.String("role", "primary")),
		bus:     bus,
	}
}

// Entry returns the primary task body.
func (p *Primary) Entry() kernel.TaskFunc {
	return func(ctx context.Context, self *kernel.Task) {
		release := p.clock.Now()
		for {
			p.runCycle(ctx, release)
			release += p.job.period
			if p.clock.SleepUntil(ctx, release) != nil {
				return
			}
		}
	}
}

// runCycle executes exactly one period: reset the outcome word, run the
// payload (or the injected fault), record the result, then check the
// deadline. Success and deadline-miss are independent axes: a late success
// still counts a success AND a miss.
func (p *Primary) runCycle(ctx context.Context, periodStart time.Duration) {
	cycle := p.job.beginCycle()

	var err error
	switch p.inject(cycle) {
	case FaultOverrun:
		_ = p.clock.Sleep(ctx, 2*p.job.offset)
		err = ErrOverrun
	default:
		if p.payload != nil {
			err = p.payload(ctx)
		}
	}
	if ctx.Err() != nil {
		// Shutdown mid-cycle: leave the word as-is, count nothing.
		return
	}

	finish := p.clock.Now()
	if err == nil {
		p.job.succeed()
		p.log.Debug("cycle succeeded", logx.Uint64("cycle", cycle))
	} else {
		p.job.fail()
		p.log.Warn("cycle failed", logx.Uint64("cycle", cycle), logx.Err(err))
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: "pair.cycle_failed", Subject: p.job.name, Data: err.Error()})
		}
	}

	deadline := periodStart + p.job.offset
	if finish >= deadline {
		p.job.noteMiss()
		p.log.Warn("deadline missed",
			logx.Uint64("cycle", cycle),
			logx.Duration("late_by", finish-deadline),
			logx.Bool("succeeded", err == nil),
			logx.Err(ErrDeadlineMiss))
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: "pair.deadline_miss", Subject: p.job.name, Data: cycle})
		}
	}
}
