//go:build linux

package sdnotify

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	logx "taskwarden/pkg/logx"
)

// listenNotify binds a unixgram socket and points NOTIFY_SOCKET at it.
func listenNotify(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func readDatagram(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read notify socket: %v", err)
	}
	return string(buf[:n])
}

func TestReadyAndStopping(t *testing.T) {
	conn := listenNotify(t)

	n := New(logx.Nop())
	if !n.Supported() {
		t.Fatalf("Supported() = false with NOTIFY_SOCKET set")
	}

	n.Ready()
	if got := readDatagram(t, conn); got != "READY=1" {
		t.Errorf("ready datagram = %q, want READY=1", got)
	}

	n.Stopping()
	if got := readDatagram(t, conn); got != "STOPPING=1" {
		t.Errorf("stopping datagram = %q, want STOPPING=1", got)
	}
}

func TestWatchdogDetection(t *testing.T) {
	listenNotify(t)
	t.Setenv("WATCHDOG_USEC", "2000000")
	t.Setenv("WATCHDOG_PID", strconv.Itoa(os.Getpid()))

	n := New(logx.Nop())
	if got := n.WatchdogInterval(); got != 2*time.Second {
		t.Fatalf("WatchdogInterval() = %v, want 2s", got)
	}

	// Stop without StartWatchdog must not block.
	n.Stop()
}

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	n := New(logx.Nop())
	if n.Supported() {
		t.Fatalf("Supported() = true without NOTIFY_SOCKET")
	}
	if n.WatchdogInterval() != 0 {
		t.Fatalf("WatchdogInterval() = %v, want 0", n.WatchdogInterval())
	}
	n.Ready()
	n.Stopping()
	n.Stop()
}
