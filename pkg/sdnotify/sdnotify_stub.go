//go:build !linux

package sdnotify

import (
	"context"
	"time"

	logx "taskwarden/pkg/logx"
)

// Notifier is a no-op outside linux.
type Notifier struct{}

func New(log logx.Logger) *Notifier { return &Notifier{} }

func (n *Notifier) Supported() bool { return false }

func (n *Notifier) WatchdogInterval() time.Duration { return 0 }

func (n *Notifier) Ready() {}

func (n *Notifier) Stopping() {}

func (n *Notifier) StartWatchdog(ctx context.Context) {}

func (n *Notifier) Stop() {}
