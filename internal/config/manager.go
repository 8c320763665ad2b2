package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "taskwarden/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchRetryFloor = 250 * time.Millisecond
	watchRetryCeil  = 5 * time.Second
)

// Manager owns the config file: strict parse, last committed snapshot,
// and fan-out of validated reloads to subscribers.
type Manager struct {
	path string

	mu       sync.RWMutex
	current  *Config
	lastHash uint64 // content hash of the committed snapshot; 0 = none

	// subMu serializes publish sends against Unsubscribe's close.
	subMu sync.Mutex
	subs  []chan *Config

	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager { return &Manager{path: path} }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook Watch runs before committing a reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Parse reads and decodes the file without touching the committed
// snapshot. Unknown fields and trailing tokens are errors.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	doc, _, err := coerceToJSONBytes(m.path, raw)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); err {
	case io.EOF:
	case nil:
		return nil, fmt.Errorf("invalid config: trailing data")
	default:
		return nil, err
	}
	return cfg, nil
}

// Load is Parse followed by Commit.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.current = cfg
	m.lastHash = h
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// alreadyCommitted reports whether h matches the committed snapshot's
// content hash. Hash 0 (nil or unmarshalable config) never matches.
func (m *Manager) alreadyCommitted(h uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return h != 0 && h == m.lastHash
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Subscribe registers a buffered channel that receives every published
// snapshot. Callers release it with Unsubscribe.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

// Unsubscribe removes ch and closes it. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for i := range m.subs {
		if m.subs[i] != ch {
			continue
		}
		last := len(m.subs) - 1
		m.subs[i], m.subs[last] = m.subs[last], nil
		m.subs = m.subs[:last]
		close(ch)
		return
	}
}

// publish offers cfg to every subscriber. A full buffer loses its oldest
// entry so a slow subscriber always sees the newest snapshot next.
func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil || offer(ch, cfg) {
			continue
		}
		select { // evict one, then retry
		case <-ch:
		default:
		}
		if !offer(ch, cfg) && !m.log.IsZero() {
			m.log.Debug(
				"config update dropped (subscriber slow)",
				logx.Int("queue_len", len(ch)),
				logx.Int("queue_cap", cap(ch)),
			)
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// Watch re-reads the file on change until ctx ends. Reloads are
// debounced to ride out partial writes, validated, and only committed
// and published when content differs from the running snapshot. The
// fsnotify watcher is rebuilt with jittered backoff whenever it breaks.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	base := filepath.Base(m.path)

	reload := newDebouncer(reloadDebounce, func() { m.reload(ctx) })
	defer reload.stop()

	retry := newBackoff(watchRetryFloor, watchRetryCeil)
	for ctx.Err() == nil {
		w, err := m.openWatcher(dir)
		if err != nil {
			if !sleepCtx(ctx, retry.next()) {
				return nil
			}
			continue
		}
		retry.reset()
		if !m.log.IsZero() {
			m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", base))
		}

		m.serveWatcher(ctx, w, base, reload)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}

		wait := retry.next()
		if !m.log.IsZero() {
			m.log.Warn(
				"config watcher stopped; restarting",
				logx.String("dir", dir),
				logx.String("file", base),
				logx.Duration("backoff", wait),
			)
		}
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
	return nil
}

// openWatcher builds a watcher on the config directory. Watching the
// directory rather than the file survives rename-based editor saves.
func (m *Manager) openWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		if !m.log.IsZero() {
			m.log.Warn("config watch init failed", logx.Any("err", err), logx.String("dir", dir))
		}
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		if !m.log.IsZero() {
			m.log.Warn("config watch add failed", logx.Any("err", err), logx.String("dir", dir))
		}
		return nil, err
	}
	return w, nil
}

// serveWatcher pumps events until the watcher breaks or ctx ends.
func (m *Manager) serveWatcher(ctx context.Context, w *fsnotify.Watcher, base string, reload *debouncer) {
	const anyOp = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			// Match by basename: event paths may be absolute or relative,
			// and case handling differs across platforms.
			if !strings.EqualFold(filepath.Base(ev.Name), base) || ev.Op&anyOp == 0 {
				continue
			}
			if !m.log.IsZero() {
				m.log.Debug("config change detected; scheduling reload", logx.String("path", m.path))
			}
			reload.trigger()

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			// String matching keeps this independent of fsnotify's error
			// constants, which have moved between versions.
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "overflow") {
				// Events may have been lost; reload once and keep serving.
				if !m.log.IsZero() {
					m.log.Warn("config watch overflow; forcing reload", logx.Any("err", err), logx.String("dir", filepath.Dir(m.path)))
				}
				reload.trigger()
				continue
			}
			if !m.log.IsZero() {
				m.log.Warn("config watch error", logx.Any("err", err), logx.String("dir", filepath.Dir(m.path)))
			}
			if strings.Contains(msg, "closed") {
				// Some backends surface their own closure as an error.
				return
			}
		}
	}
}

// reload runs one debounced parse-validate-commit round.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil || cfg == nil {
		if !m.log.IsZero() {
			reason := "config is nil"
			if err != nil {
				reason = err.Error()
			}
			m.log.Warn("config parse failed", logx.String("path", m.path), logx.String("err", reason))
		}
		return
	}

	h := hashConfig(cfg)
	if m.alreadyCommitted(h) {
		if !m.log.IsZero() {
			m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		}
		return
	}

	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			if !m.log.IsZero() {
				m.log.Warn("config rejected", logx.String("path", m.path), logx.Any("err", err))
			}
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	if !m.log.IsZero() {
		m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
	}
}

// debouncer coalesces bursts of triggers into one fn call.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer *time.Timer
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

// trigger re-arms the timer; fn fires delay after the last trigger.
func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// backoff produces jittered, exponentially growing delays.
type backoff struct {
	cur, floor, ceil time.Duration
	rng              *rand.Rand
}

func newBackoff(floor, ceil time.Duration) *backoff {
	return &backoff{
		cur:   floor,
		floor: floor,
		ceil:  ceil,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// next returns the current delay plus up to 50% jitter, then doubles
// the base toward the ceiling.
func (b *backoff) next() time.Duration {
	d := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	if b.cur < b.ceil {
		b.cur *= 2
		if b.cur > b.ceil {
			b.cur = b.ceil
		}
	}
	return d
}

func (b *backoff) reset() { b.cur = b.floor }

// sleepCtx waits for d or ctx, whichever ends first; it reports false
// when ctx won.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
