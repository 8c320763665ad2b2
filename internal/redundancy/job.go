// Package redundancy runs primary/backup pairs: a primary executes a
// periodic payload and records a per-cycle outcome in a shared word; a
// backup, offset by the job's deadline, covers any cycle the primary did not
// finish successfully.
//
// Sharing discipline: every shared field of a Job is a single atomic word
// with exactly one writer. The primary writes the outcome word and the
// success/miss counters, the backup writes the activation counter, anyone
// may read. The backup's wake grid is independent of the primary's, so it
// can observe PENDING while the primary is still mid-overrun; it then
// activates anyway. Running the substitute needlessly is the accepted cost
// of never missing a cover.
package redundancy

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Outcome is the per-cycle state of a primary: PENDING from release until
// the payload finishes, then SUCCEEDED or FAILED until the next release.
type Outcome int32

const (
	OutcomePending Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return []byte(`"` + o.String() + `"`), nil
}

// Job is the record shared by one primary and one backup.
type Job struct {
	name   string
	period time.Duration
	offset time.Duration // deadline offset from period start

	outcome atomic.Int32
	cycle   atomic.Uint64

	successes  atomic.Uint64 // written by the primary
	misses     atomic.Uint64 // written by the primary
	backupRuns atomic.Uint64 // written by the backup
}

func NewJob(name string, period, deadlineOffset time.Duration) (*Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("redundancy: empty job name")
	}
	if period <= 0 {
		return nil, fmt.Errorf("redundancy: %s: period %v must be positive", name, period)
	}
	if deadlineOffset <= 0 {
		return nil, fmt.Errorf("redundancy: %s: deadline offset %v must be positive", name, deadlineOffset)
	}
	// The offset may exceed the period: a deadline can land inside the
	// next cycle, as in the original job set.
	j := &Job{name: name, period: period, offset: deadlineOffset}
	// Seeded SUCCEEDED so a backup waking before the first release stays
	// idle. The primary overwrites this at its first release.
	j.outcome.Store(int32(OutcomeSucceeded))
	return j, nil
}

func (j *Job) Name() string          { return j.name }
func (j *Job) Period() time.Duration { return j.period }
func (j *Job) Offset() time.Duration { return j.offset }

// Outcome reads the shared outcome word once.
func (j *Job) Outcome() Outcome { return Outcome(j.outcome.Load()) }

// Cycle is the number of releases so far (1-based during the first cycle).
// Together with Outcome it lets observers tell "never finished" from
// "finished failed" without changing any decision.
func (j *Job) Cycle() uint64 { return j.cycle.Load() }

// beginCycle resets the outcome for a fresh period. Primary only.
func (j *Job) beginCycle() uint64 {
	n := j.cycle.Add(1)
	j.outcome.Store(int32(OutcomePending))
	return n
}

func (j *Job) succeed() {
	j.outcome.Store(int32(OutcomeSucceeded))
	j.successes.Add(1)
}

func (j *Job) fail() { j.outcome.Store(int32(OutcomeFailed)) }

func (j *Job) noteMiss() { j.misses.Add(1) }

func (j *Job) noteBackupRun() { j.backupRuns.Add(1) }

// JobStats is a point-in-time counter snapshot. Counters live for the
// process lifetime only; nothing is persisted across restarts.
type JobStats struct {
	Name           string  `json:"name"`
	Cycle          uint64  `json:"cycle"`
	Outcome        Outcome `json:"outcome"`
	Successes      uint64  `json:"successes"`
	BackupRuns     uint64  `json:"backup_runs"`
	DeadlineMisses uint64  `json:"deadline_misses"`
}

func (j *Job) Stats() JobStats {
	return JobStats{
		Name:           j.name,
		Cycle:          j.cycle.Load(),
		Outcome:        j.Outcome(),
		Successes:      j.successes.Load(),
		BackupRuns:     j.backupRuns.Load(),
		DeadlineMisses: j.misses.Load(),
	}
}
