package redundancy

import "errors"

var (
	// ErrOverrun marks a primary cycle that blew through its deadline
	// budget, injected or real. It is bookkept, never fatal.
	ErrOverrun = errors.New("payload overran deadline budget")

	// ErrDeadlineMiss tags the log record written when a cycle completes at
	// or after period start + deadline offset.
	ErrDeadlineMiss = errors.New("cycle completed past deadline")
)
