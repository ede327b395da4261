// Package logging provides categorized logging for the tutor backed by zap.
// Each subsystem logs through its own named category logger; categories can be
// switched off individually. Until Initialize is called every logger is a
// no-op, so library code and tests stay silent.
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup, config, wiring
	CategoryDialogue     Category = "dialogue"     // State machine and turn orchestration
	CategoryCompletion   Category = "completion"   // LLM completion calls and retries
	CategoryArticulation Category = "articulation" // Reply normalization
	CategoryImagery      Category = "imagery"      // Image directive resolution
	CategoryWebFetch     Category = "webfetch"     // Link reading
	CategoryStore        Category = "store"        // Persistence backends
	CategoryAPI          Category = "api"          // HTTP host
	CategoryAudit        Category = "audit"        // Session lifecycle events
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	Level      string          // debug, info, warn, error
	Format     string          // console or json
	OutputPath string          // file path; empty means stderr
	Categories map[string]bool // missing categories are enabled
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the process logger from options.
// Should be called once at startup, before any category logger is used.
func Initialize(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if strings.EqualFold(opts.Format, "console") {
		cfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(defaultString(opts.Level, "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	if opts.OutputPath != "" {
		cfg.OutputPaths = []string{opts.OutputPath}
	}

	z, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	Use(z, opts.Categories)

	boot := Get(CategoryBoot)
	boot.Info("=== tutor logging initialized ===")
	boot.Debug("Log level: %s, format: %s", level, defaultString(opts.Format, "json"))
	return z, nil
}

// Use installs an already built zap logger. Tests use it with an observer core.
func Use(z *zap.Logger, enabled map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	if z == nil {
		z = zap.NewNop()
	}
	base = z
	categories = enabled
	loggers = make(map[Category]*Logger)
}

// Base returns the process zap logger.
func Base() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered entries.
func Sync() {
	_ = Base().Sync()
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{
		category: category,
		sugar:    base.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a logger carrying structured key-value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// WithSession scopes a category logger to a session.
func WithSession(category Category, sessionID string) *Logger {
	return Get(category).With("session", sessionID)
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// =============================================================================
// CATEGORY HELPERS
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootWarn logs a warning to the boot category
func BootWarn(format string, args ...interface{}) { Get(CategoryBoot).Warn(format, args...) }

// Dialogue logs to the dialogue category
func Dialogue(format string, args ...interface{}) { Get(CategoryDialogue).Info(format, args...) }

// DialogueDebug logs debug to the dialogue category
func DialogueDebug(format string, args ...interface{}) { Get(CategoryDialogue).Debug(format, args...) }

// DialogueWarn logs a warning to the dialogue category
func DialogueWarn(format string, args ...interface{}) { Get(CategoryDialogue).Warn(format, args...) }

// DialogueError logs an error to the dialogue category
func DialogueError(format string, args ...interface{}) { Get(CategoryDialogue).Error(format, args...) }

// Completion logs to the completion category
func Completion(format string, args ...interface{}) { Get(CategoryCompletion).Info(format, args...) }

// CompletionDebug logs debug to the completion category
func CompletionDebug(format string, args ...interface{}) {
	Get(CategoryCompletion).Debug(format, args...)
}

// CompletionWarn logs a warning to the completion category
func CompletionWarn(format string, args ...interface{}) {
	Get(CategoryCompletion).Warn(format, args...)
}

// CompletionError logs an error to the completion category
func CompletionError(format string, args ...interface{}) {
	Get(CategoryCompletion).Error(format, args...)
}

// ArticulationDebug logs debug to the articulation category
func ArticulationDebug(format string, args ...interface{}) {
	Get(CategoryArticulation).Debug(format, args...)
}

// ArticulationWarn logs a warning to the articulation category
func ArticulationWarn(format string, args ...interface{}) {
	Get(CategoryArticulation).Warn(format, args...)
}

// ImageryDebug logs debug to the imagery category
func ImageryDebug(format string, args ...interface{}) { Get(CategoryImagery).Debug(format, args...) }

// ImageryWarn logs a warning to the imagery category
func ImageryWarn(format string, args ...interface{}) { Get(CategoryImagery).Warn(format, args...) }

// WebFetchDebug logs debug to the webfetch category
func WebFetchDebug(format string, args ...interface{}) { Get(CategoryWebFetch).Debug(format, args...) }

// WebFetchWarn logs a warning to the webfetch category
func WebFetchWarn(format string, args ...interface{}) { Get(CategoryWebFetch).Warn(format, args...) }

// Store logs to the store category
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// StoreWarn logs a warning to the store category
func StoreWarn(format string, args ...interface{}) { Get(CategoryStore).Warn(format, args...) }

// StoreError logs an error to the store category
func StoreError(format string, args ...interface{}) { Get(CategoryStore).Error(format, args...) }

// API logs to the api category
func API(format string, args ...interface{}) { Get(CategoryAPI).Info(format, args...) }

// APIWarn logs a warning to the api category
func APIWarn(format string, args ...interface{}) { Get(CategoryAPI).Warn(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
