package watchdog

import "errors"

// ErrMissedNotification marks a collection window that elapsed with no
// heartbeat at all. It is a counted condition feeding the restart logic,
// never a fatal error.
var ErrMissedNotification = errors.New("watchdog: no heartbeat within collection window")
