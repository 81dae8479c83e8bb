// Package logging provides structured logging for honeyclass.
// It wraps the standard library slog package with project defaults
// and component loggers for the training and serving pipeline.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level represents log levels
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Logger is the honeyclass structured logger
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	output io.Writer
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level
	Level Level

	// Output is the log output destination
	Output io.Writer

	// Format is the log format ("json" or "text")
	Format string

	// AddSource adds source file and line to log entries
	AddSource bool
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:     LevelInfo,
		Output:    os.Stderr,
		Format:    "text",
		AddSource: false,
	}
}

// ParseLevel maps a level name to a Level. Unknown names yield LevelInfo
// and an error.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", name)
}

var (
	defaultLogger *Logger
	mu            sync.Mutex
)

// New builds a logger from cfg without touching the process default.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  levelVar,
		output: cfg.Output,
	}
}

// Init initializes the default logger
func Init(cfg *Config) {
	l := New(cfg)

	mu.Lock()
	defaultLogger = l
	mu.Unlock()

	// Set as default slog logger
	slog.SetDefault(l.Logger)
}

// Default returns the default logger, initializing if necessary
func Default() *Logger {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	if l != nil {
		return l
	}
	Init(nil)
	return Default()
}

// SetLevel changes the log level at runtime
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() Level {
	return l.level.Level()
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
		level:  l.level,
		output: l.output,
	}
}

// =============================================================================
// Convenience Functions (use default logger)
// =============================================================================

// Debug logs at debug level
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Info logs at info level
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs at warn level
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs at error level
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}

// =============================================================================
// Component Loggers
// =============================================================================

// PreprocessorLogger returns a logger for feature extraction
func PreprocessorLogger() *Logger {
	return Default().WithComponent("preprocessor")
}

// ModelLogger returns a logger for classifier and anomaly models
func ModelLogger() *Logger {
	return Default().WithComponent("model")
}

// TrainerLogger returns a logger for the training pipeline
func TrainerLogger() *Logger {
	return Default().WithComponent("trainer")
}

// PredictorLogger returns a logger for the prediction service
func PredictorLogger() *Logger {
	return Default().WithComponent("predictor")
}

// StoreLogger returns a logger for storage backends
func StoreLogger() *Logger {
	return Default().WithComponent("store")
}

// EventsLogger returns a logger for the event bus and its sinks
func EventsLogger() *Logger {
	return Default().WithComponent("events")
}

// APILogger returns a logger for the HTTP surface
func APILogger() *Logger {
	return Default().WithComponent("api")
}

// =============================================================================
// Structured Field Helpers
// =============================================================================

// Record returns log attributes identifying an attack record
func Record(sourceIP, service string, dstPort int) slog.Attr {
	return slog.Group("record",
		slog.String("source_ip", sourceIP),
		slog.String("service", service),
		slog.Int("destination_port", dstPort),
	)
}

// Artifact returns log attributes for a model artifact
func Artifact(kind, version, path string) slog.Attr {
	return slog.Group("artifact",
		slog.String("kind", kind),
		slog.String("version", version),
		slog.String("path", path),
	)
}

// Err returns a log attribute for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

// Duration returns a log attribute for a duration
func Duration(name string, d time.Duration) slog.Attr {
	return slog.Duration(name, d)
}

// Count returns a log attribute for a count
func Count(name string, n int64) slog.Attr {
	return slog.Int64(name, n)
}

// =============================================================================
// Performance Logging
// =============================================================================

// Timer returns a function that logs the elapsed time when called
func Timer(l *Logger, msg string, args ...any) func() {
	start := time.Now()
	return func() {
		l.Debug(msg, append(args, "duration", time.Since(start))...)
	}
}

// LogRuntimeInfo logs current runtime information
func LogRuntimeInfo() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	Info("runtime info",
		"goroutines", runtime.NumGoroutine(),
		"heap_alloc_mb", m.HeapAlloc/1024/1024,
		"gc_cycles", m.NumGC,
		"go_version", runtime.Version(),
		"num_cpu", runtime.NumCPU(),
	)
}
