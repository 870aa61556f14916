// Package logging provides config-driven categorized file logging for
// storyguard. Logs are written to .agent/logs/ with one file per
// category. When debug_mode is off in .agent/config.yaml nothing is
// written and every logger is a no-op.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Category names a governance subsystem for log routing.
type Category string

const (
	CategoryBoot      Category = "boot"      // startup, config resolution
	CategoryCouncil   Category = "council"   // role scheduling, verdicts
	CategoryAI        Category = "ai"        // provider calls, fallback
	CategoryLint      Category = "lint"      // ADR lint extraction/execution
	CategoryIndex     Category = "index"     // journey reverse index
	CategorySecrets   Category = "secrets"   // vault operations (never values)
	CategoryPreflight Category = "preflight" // gate sequencing
	CategoryTools     Category = "tools"     // retrieval tool execution
	CategoryStore     Category = "store"     // sqlite and vector operations
	CategoryBudget    Category = "budget"    // token accounting
	CategoryEmbedding Category = "embedding" // vector generation for semantic_lookup
	CategorySync      Category = "sync"      // artifact import/export port
)

// loggingConfig mirrors config.LoggingConfig to avoid a circular import;
// this package is imported by config's consumers.
type loggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

type configFile struct {
	Logging loggingConfig `yaml:"logging"`
}

// StructuredLogEntry is the JSON line format for machine-readable logs.
type StructuredLogEntry struct {
	Timestamp int64          `json:"ts"`
	Category  string         `json:"cat"`
	Level     string         `json:"lvl"`
	Message   string         `json:"msg"`
	RunID     string         `json:"run,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger writes to a single category file. A Logger with a nil inner
// logger is a no-op.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	workspace string
	config    loggingConfig
	configMu  sync.RWMutex
	logLevel  int
)

const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads the logging
// section of .agent/config.yaml. Call once at startup.
func Initialize(ws string) error {
	if ws == "" {
		return fmt.Errorf("workspace path required")
	}

	workspace = ws
	logsDir = filepath.Join(workspace, ".agent", "logs")

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] warning: could not load config: %v\n", err)
		config.DebugMode = false
	}

	if !config.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("logging initialized, workspace=%s level=%s", workspace, config.Level)
	return nil
}

func loadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	configPath := filepath.Join(workspace, ".agent", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			config.DebugMode = false
			return nil
		}
		return err
	}

	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	config = cf.Logging

	switch config.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	return nil
}

// ReloadConfig re-reads the logging config from disk.
func ReloadConfig() error { return loadConfig() }

// IsDebugMode reports whether file logging is active at all.
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled reports whether a category writes anywhere.
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category. Disabled
// categories get a no-op logger.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] warning: could not open %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

func (l *Logger) emit(level int, tag, format string, args ...any) {
	if l.logger == nil || logLevel > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON(tag, msg)
		return
	}
	l.logger.Printf("[%s] %s", tag, msg)
}

func (l *Logger) Debug(format string, args ...any) { l.emit(LevelDebug, "DEBUG", format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.emit(LevelInfo, "INFO", format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.emit(LevelWarn, "WARN", format, args...) }
func (l *Logger) Error(format string, args ...any) { l.emit(LevelError, "ERROR", format, args...) }

// StructuredLog writes an entry with custom fields regardless of the
// text/JSON setting.
func (l *Logger) StructuredLog(level, msg string, fields map[string]any) {
	if l.logger == nil {
		return
	}
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	if data, err := json.Marshal(entry); err == nil {
		l.logger.Printf("%s", data)
		return
	}
	l.logger.Printf("[%s] %s | fields=%v", level, msg, fields)
}

// CloseAll flushes and closes every open category file.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for cat, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
		delete(loggers, cat)
	}
}

// Timer measures one operation and reports on Stop.
type Timer struct {
	logger *Logger
	name   string
	start  time.Time
}

// StartTimer begins timing an operation in the given category.
func StartTimer(category Category, name string) *Timer {
	return &Timer{logger: Get(category), name: name, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.logger.Debug("%s took %v", t.name, elapsed)
	return elapsed
}

// StopWithThreshold logs at warn level when elapsed exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		t.logger.Warn("%s took %v (threshold %v)", t.name, elapsed, threshold)
	} else {
		t.logger.Debug("%s took %v", t.name, elapsed)
	}
	return elapsed
}

// Convenience wrappers, one pair per category.

func Boot(format string, args ...any)           { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...any)      { Get(CategoryBoot).Debug(format, args...) }
func Council(format string, args ...any)        { Get(CategoryCouncil).Info(format, args...) }
func CouncilDebug(format string, args ...any)   { Get(CategoryCouncil).Debug(format, args...) }
func AI(format string, args ...any)             { Get(CategoryAI).Info(format, args...) }
func AIDebug(format string, args ...any)        { Get(CategoryAI).Debug(format, args...) }
func Lint(format string, args ...any)           { Get(CategoryLint).Info(format, args...) }
func LintDebug(format string, args ...any)      { Get(CategoryLint).Debug(format, args...) }
func Index(format string, args ...any)          { Get(CategoryIndex).Info(format, args...) }
func IndexDebug(format string, args ...any)     { Get(CategoryIndex).Debug(format, args...) }
func Secrets(format string, args ...any)        { Get(CategorySecrets).Info(format, args...) }
func SecretsDebug(format string, args ...any)   { Get(CategorySecrets).Debug(format, args...) }
func Preflight(format string, args ...any)      { Get(CategoryPreflight).Info(format, args...) }
func PreflightDebug(format string, args ...any) { Get(CategoryPreflight).Debug(format, args...) }
func Tools(format string, args ...any)          { Get(CategoryTools).Info(format, args...) }
func ToolsDebug(format string, args ...any)     { Get(CategoryTools).Debug(format, args...) }
func Store(format string, args ...any)          { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...any)     { Get(CategoryStore).Debug(format, args...) }
func Budget(format string, args ...any)         { Get(CategoryBudget).Info(format, args...) }
func BudgetDebug(format string, args ...any)    { Get(CategoryBudget).Debug(format, args...) }
func Embedding(format string, args ...any)      { Get(CategoryEmbedding).Info(format, args...) }
func EmbeddingDebug(format string, args ...any) { Get(CategoryEmbedding).Debug(format, args...) }
func Sync(format string, args ...any)           { Get(CategorySync).Info(format, args...) }
func SyncDebug(format string, args ...any)      { Get(CategorySync).Debug(format, args...) }
