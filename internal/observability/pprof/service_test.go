package pprof

import (
	"context"
	"net/http"
	"runtime"
	"testing"
	"time"

	logx "taskwarden/pkg/logx"
)

func waitForHTTP(ctx context.Context, url string) (*http.Response, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func waitForAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never exposed an address")
	return ""
}

func TestStartServeStop(t *testing.T) {
	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		// Avoid leaking profiling knobs across tests.
		runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})

	s := New(Config{
		Enabled:              true,
		Addr:                 "127.0.0.1:0",
		MutexProfileFraction: 7,
		BlockProfileRate:     1,
	}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s.Reconfigure(ctx, Config{
		Enabled:              true,
		Addr:                 "127.0.0.1:0",
		MutexProfileFraction: 7,
		BlockProfileRate:     1,
	})

	addr := waitForAddr(t, s)
	if _, err := waitForHTTP(ctx, "http://"+addr+"/debug/pprof/"); err != nil {
		t.Fatalf("pprof endpoint not reachable: %v", err)
	}
	if got := runtime.SetMutexProfileFraction(-1); got != 7 {
		t.Fatalf("mutex profile fraction = %d, want 7", got)
	}

	// Disable and ensure the listener shuts down.
	s.Reconfigure(ctx, Config{Enabled: false})
	if addr := s.Addr(); addr != "" {
		t.Fatalf("expected server to stop, still at %s", addr)
	}
}

func TestTokenGuardsEndpoints(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "sekrit"}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Start(ctx)

	addr := waitForAddr(t, s)
	base := "http://" + addr

	if _, err := waitForHTTP(ctx, base+"/healthz?token=sekrit"); err != nil {
		t.Fatalf("authorized request failed: %v", err)
	}

	resp, err := http.Get(base + "/debug/pprof/")
	if err != nil {
		t.Fatalf("unauthorized request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, base+"/debug/pprof/", http.NoBody)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("bearer request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with bearer token = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestRefusesNonLoopbackWithoutToken(t *testing.T) {
	t.Parallel()

	if needsRestart(Config{Addr: "a"}, Config{Addr: "a"}) {
		t.Errorf("identical configs should not need a restart")
	}
	if !needsRestart(Config{Addr: "a"}, Config{Addr: "b"}) {
		t.Errorf("addr change should need a restart")
	}
	if !needsRestart(Config{}, Config{Token: "t"}) {
		t.Errorf("token change should need a restart")
	}

	for _, tc := range []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
		{"10.1.2.3:6060", false},
		{"garbage", false},
	} {
		if got := isLoopbackAddr(tc.addr); got != tc.want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}
