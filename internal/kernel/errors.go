package kernel

import "errors"

var (
	// ErrStaleHandle is returned by runtime operations aimed at a task that
	// already exited, was killed, or never existed. Callers are expected to
	// log and move on; the handle will never become valid again.
	ErrStaleHandle = errors.New("stale task handle")

	ErrStopped     = errors.New("kernel runtime stopped")
	ErrBadPriority = errors.New("priority outside substrate levels")
	ErrBadName     = errors.New("empty task name")
)
