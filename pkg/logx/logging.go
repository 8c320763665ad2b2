package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ---- Config ----

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Mirror  MirrorConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// MirrorConfig controls the side-channel sink (min-level + rate limiting).
// The destination itself is attached with Service.SetMirror.
type MirrorConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// ---- Logger API ----

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel

	LevelError = zerolog.ErrorLevel
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field mutates a zerolog event. Fields apply in order, so a repeated
// key takes its last value. The console writer renders them as
// key=value pairs; JSON sinks keep them structured.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}
func Uint64(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(k, v) }
}
func Uint32(k string, v uint32) Field {
	return func(e *zerolog.Event) { e.Uint32(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field {
	return func(e *zerolog.Event) { e.Float64(k, v) }
}
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Logger is a small structured logger handle.
//
// A Logger minted from a Service stays live across Service.Apply calls.
// With() derives a logger carrying extra fixed fields. The zero value
// is a safe no-op.
type Logger struct {
	svc         *Service
	fallback    zerolog.Logger
	hasFallback bool

	preset []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	return Logger{fallback: zerolog.Nop(), hasFallback: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasFallback && len(l.preset) == 0 }

// backend resolves the zerolog root this handle writes through.
func (l Logger) backend() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.hasFallback:
		return l.fallback
	default:
		return zerolog.Nop()
	}
}

// Enabled reports whether the given level would be logged.
func (l Logger) Enabled(level Level) bool {
	return level >= l.backend().GetLevel()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	merged := make([]Field, 0, len(l.preset)+len(fields))
	merged = append(merged, l.preset...)
	merged = append(merged, fields...)
	cp := l
	cp.preset = merged
	return cp
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(zerolog.TraceLevel, msg, fields...) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields...) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields...) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields...) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields...) }

func (l Logger) log(level zerolog.Level, msg string, fields ...Field) {
	zl := l.backend()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}

	// Caller stays short (file:line); full paths and function names are
	// noise at this volume.
	if ref := callerRef(3); ref != "" {
		e.Str(zerolog.CallerFieldName, ref)
	}

	for _, group := range [2][]Field{l.preset, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}

	e.Msg(msg)
}

func callerRef(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// ---- Mirror sink ----

// Mirror receives copies of rendered log lines at or above the
// configured minimum level. Deliveries are rate-limited and cross a
// bounded queue; lines get dropped rather than ever blocking a logging
// caller. Implementations must be safe for concurrent use.
type Mirror interface {
	MirrorLog(level Level, msg string, line []byte)
}

// ---- Service (dynamic config + sinks) ----

type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file *os.File

	// mirror plumbing
	mirror     Mirror // guarded by mu
	mirrorQ    chan mirrorLine
	workerOnce sync.Once
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	dropped    atomic.Uint64
	limiter    *rate.Limiter // guarded by mu
	floorLevel zerolog.Level // guarded by mu
}

type mirrorLine struct {
	level Level
	msg   string
	raw   string
}

// New creates the logging service, applies cfg immediately, and returns
// the Service together with a root Logger bound to it.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{
		cfg:     cfg,
		mirrorQ: make(chan mirrorLine, 256),
	}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl, ok := s.root.Load().(zerolog.Logger); ok {
		return zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetMirror attaches (or detaches, with nil) the mirror destination.
// The destination typically comes up after logging does, so it is wired
// late rather than passed to New.
func (s *Service) SetMirror(m Mirror) {
	s.mu.Lock()
	s.mirror = m
	s.mu.Unlock()
}

// MirrorDropped reports how many lines were discarded because of rate
// limiting or a full mirror queue.
func (s *Service) MirrorDropped() uint64 { return s.dropped.Load() }

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// Apply swaps logger outputs and levels at runtime. Safe to call
// concurrently; loggers minted from this Service pick the new root up
// on their next write.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg

	s.floorLevel = parseLevel(cfg.Mirror.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.Mirror.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	sinks := s.buildSinks(cfg)
	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(zl)
}

// buildSinks assembles the writer list for cfg. Called with mu held;
// it records the opened log file on s for Close/reopen.
func (s *Service) buildSinks(cfg Config) []io.Writer {
	sinks := make([]io.Writer, 0, 3)

	if cfg.Console {
		sinks = append(sinks, consoleWriter(Stdout()))
	}

	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./wardend.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	if cfg.Mirror.Enabled {
		s.workerOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.cancel = cancel
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.pumpMirror(ctx)
			}()
		})
		sinks = append(sinks, &mirrorTap{svc: s})
	}

	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(Stdout()))
	}
	return sinks
}

func consoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	// Caller is already short; pass it through untouched.
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

// pumpMirror moves queued lines to the attached Mirror until ctx ends.
func (s *Service) pumpMirror(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.mirrorQ:
			s.mu.Lock()
			m := s.mirror
			s.mu.Unlock()
			if m != nil {
				m.MirrorLog(it.level, it.msg, []byte(it.raw))
			}
		}
	}
}

// ---- mirror tap (zerolog sink) ----

type mirrorTap struct{ svc *Service }

func (t *mirrorTap) Write(p []byte) (int, error) {
	// zerolog calls WriteLevel; plain Write only shows up for levelless
	// events, which count as info.
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *mirrorTap) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := t.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	m := s.mirror
	lim := s.limiter
	floor := s.floorLevel
	s.mu.Unlock()

	switch {
	case m == nil || lim == nil:
		return len(p), nil
	case level < floor:
		return len(p), nil
	case !lim.Allow():
		s.dropped.Add(1)
		return len(p), nil
	}

	// zerolog reuses p after Write returns; copy before crossing the queue.
	raw := string(bytes.TrimSpace(p))
	line := mirrorLine{level: level, msg: extractMessage(raw), raw: raw}
	select {
	case s.mirrorQ <- line:
	default:
		s.dropped.Add(1)
	}
	return len(p), nil
}

// extractMessage pulls the message field out of a zerolog JSON line.
// Non-JSON lines come back whole.
func extractMessage(line string) string {
	var probe struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return strings.TrimSpace(line)
	}
	if probe.Message != "" {
		return probe.Message
	}
	return probe.Msg
}

var levelNames = map[string]zerolog.Level{
	"TRACE":   zerolog.TraceLevel,
	"DEBUG":   zerolog.DebugLevel,
	"INFO":    zerolog.InfoLevel,
	"WARN":    zerolog.WarnLevel,
	"WARNING": zerolog.WarnLevel,
	"ERROR":   zerolog.ErrorLevel,
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	if lvl, ok := levelNames[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return lvl
	}
	return def
}

// Stdout returns the configured stdout sink.
func Stdout() io.Writer { return os.Stdout }

// Stderr returns the configured stderr sink.
func Stderr() io.Writer { return os.Stderr }
