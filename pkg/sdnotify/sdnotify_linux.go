//go:build linux

// Package sdnotify reports daemon state to the systemd service manager:
// READY on start, STOPPING on shutdown, and a WATCHDOG keepalive when the
// unit sets WatchdogSec. Everything is best-effort; outside systemd all
// calls are no-ops.
package sdnotify

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "taskwarden/pkg/logx"
)

type Notifier struct {
	log      logx.Logger
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("task", "sdnotify"))
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog detection failed", logx.Err(err))
		interval = 0
	}
	return &Notifier{log: log, interval: interval}
}

// Supported reports whether a notify socket is present.
func (n *Notifier) Supported() bool { return os.Getenv("NOTIFY_SOCKET") != "" }

// WatchdogInterval returns the WatchdogSec value detected at startup
// (0 when the watchdog is off).
func (n *Notifier) WatchdogInterval() time.Duration { return n.interval }

func (n *Notifier) Ready() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		n.log.Warn("sd_notify READY failed", logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify READY sent")
	}
}

func (n *Notifier) Stopping() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		n.log.Warn("sd_notify STOPPING failed", logx.Err(err))
	}
}

// StartWatchdog begins the keepalive loop at half the detected interval.
// No-op when the unit has no watchdog or a loop is already running.
func (n *Notifier) StartWatchdog(ctx context.Context) {
	if n.interval <= 0 {
		return
	}
	n.mu.Lock()
	if n.done != nil {
		n.mu.Unlock()
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	n.cancel, n.done = cancel, done
	n.mu.Unlock()

	// Half the budget leaves one missed tick of slack before systemd fires.
	half := n.interval / 2
	go func() {
		defer close(done)
		t := time.NewTicker(half)
		defer t.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-t.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					n.log.Warn("sd_notify WATCHDOG failed", logx.Err(err))
				}
			}
		}
	}()
	n.log.Info("systemd watchdog keepalive started", logx.Duration("every", half))
}

// Stop cancels the keepalive loop and waits for it to exit.
func (n *Notifier) Stop() {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.cancel, n.done = nil, nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
