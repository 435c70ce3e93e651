package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

const diagFileName = "diagnostics_log.txt"

var (
	diagLog  = zerolog.Nop()
	diagFile *os.File
	logMu    sync.RWMutex
	logReady bool
	pid      int
	dir      string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: --logpath flag
	if flagPath != "" {
		return absolute(flagPath)
	}

	// Priority 2: AUDIOSWITCH_LOG_PATH environment variable
	if envPath := os.Getenv("AUDIOSWITCH_LOG_PATH"); envPath != "" {
		return absolute(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	logMu.Lock()
	dir = d
	logMu.Unlock()
}

func Dir() string {
	logMu.RLock()
	defer logMu.RUnlock()
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(Dir(), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

// Init opens diagnostics_log.txt in the log directory. Calling it again
// while open is a no-op.
func Init() error {
	if err := EnsureDir(); err != nil {
		return err
	}

	logMu.Lock()
	defer logMu.Unlock()
	if logReady {
		return nil
	}

	f, err := os.OpenFile(filepath.Join(dir, diagFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	diagFile = f
	setWriter(f)
	return nil
}

// InitWriter sends diagnostics to w instead of a file.
func InitWriter(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	setWriter(w)
}

func setWriter(w io.Writer) {
	pid = os.Getpid()
	consoleWriter := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()
	logReady = true
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	diagLog = zerolog.Nop()
	logReady = false
}

// Component returns a child logger tagged with the component name. Before
// Init it discards everything.
func Component(name string) zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	if !logReady {
		return zerolog.Nop()
	}
	return diagLog.With().Str("component", name).Logger()
}

func logger() (zerolog.Logger, bool) {
	logMu.RLock()
	defer logMu.RUnlock()
	return diagLog, logReady
}

func Info(msg string) {
	if l, ok := logger(); ok {
		l.Info().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if l, ok := logger(); ok {
		l.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func Errorf(format string, args ...any) {
	if l, ok := logger(); ok {
		l.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func SessionStart(session, backend, order string) {
	l, ok := logger()
	if !ok {
		return
	}
	l.Info().
		Str("session", session).
		Str("backend", backend).
		Str("order", order).
		Msg("session_start")
}

func SessionEnd(session string, changes int) {
	l, ok := logger()
	if !ok {
		return
	}
	l.Info().
		Str("session", session).
		Int("changes", changes).
		Msg("session_end")
}

// DeviceChange records one listener notification.
func DeviceChange(available []string, selected string) {
	l, ok := logger()
	if !ok {
		return
	}
	if selected == "" {
		selected = "none"
	}
	l.Info().
		Strs("available", available).
		Str("selected", selected).
		Msg("device_change")
}

func RoutingFailure(op, kind string, err error) {
	l, ok := logger()
	if !ok {
		return
	}
	l.Error().
		Str("op", op).
		Str("kind", kind).
		Err(err).
		Msg("routing_failure")
}
