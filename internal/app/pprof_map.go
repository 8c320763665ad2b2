package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	svc "taskwarden/internal/observability/pprof"
)

// mapPprofConfig turns the pprof section into the service config,
// applying defaults and rejecting unsafe binds. It never starts the
// server.
func mapPprofConfig(cfg *Config) (svc.Config, error) {
	var out svc.Config
	if cfg == nil {
		return out, nil
	}
	pc := cfg.Pprof

	out = svc.Config{
		Enabled:       pc.Enabled,
		Addr:          valueOr(strings.TrimSpace(pc.Addr), "127.0.0.1:6060"),
		Prefix:        valueOr(strings.TrimSpace(pc.Prefix), "/debug/pprof/"),
		Token:         strings.TrimSpace(pc.Token),
		AllowInsecure: pc.AllowInsecure,
	}

	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// Write timeout defaults to 0 (disabled) so long profile captures
	// are not cut off mid-stream.
	if out.WriteTimeout, err = parseDurationField("pprof.write_timeout", pc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}

	for _, r := range []struct {
		name  string
		value int
	}{
		{"pprof.mutex_profile_fraction", pc.MutexProfileFraction},
		{"pprof.block_profile_rate", pc.BlockProfileRate},
		{"pprof.mem_profile_rate", pc.MemProfileRate},
	} {
		if r.value < 0 {
			return out, fmt.Errorf("%s must be >= 0", r.name)
		}
	}
	out.MutexProfileFraction = pc.MutexProfileFraction
	out.BlockProfileRate = pc.BlockProfileRate
	out.MemProfileRate = pc.MemProfileRate

	if !out.Enabled {
		return out, nil
	}
	if _, _, err := net.SplitHostPort(out.Addr); err != nil {
		return out, fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", out.Addr, err)
	}
	// A public bind needs either a token or an explicit opt-in.
	if !out.AllowInsecure && out.Token == "" && !isLoopbackAddr(out.Addr) {
		return out, fmt.Errorf("pprof: binding to non-loopback addr requires token or allow_insecure=true")
	}
	return out, nil
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// isLoopbackAddr reports whether a host:port string binds a loopback
// interface. "localhost" counts without resolving it.
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	switch {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
