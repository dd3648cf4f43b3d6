// Package logx provides structured logging with per-component IDs and domain-filtered debug output.
package logx

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger writes leveled log lines tagged with a component ID.
type Logger struct {
	componentID string
	logger      *log.Logger
}

// Level identifies the severity of a log line.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// LogEntry is a structured log record kept in the in-memory buffer for the UI layer.
type LogEntry struct {
	Timestamp   string `json:"timestamp"`
	ComponentID string `json:"component_id"`
	Level       string `json:"level"`
	Message     string `json:"message"`
	Domain      string `json:"domain,omitempty"`
}

type ringBuffer struct {
	entries []LogEntry
	mu      sync.RWMutex
	maxSize int
}

// Global debug configuration and log buffer.
//
//nolint:gochecknoglobals // Intentional process-wide debug configuration
var (
	debugEnabled bool
	debugDomains map[string]bool // nil = all domains
	debugMu      sync.RWMutex

	buffer = &ringBuffer{
		entries: make([]LogEntry, 0),
		maxSize: 1000, // Keep last 1000 log entries
	}
)

//nolint:gochecknoinits // Required for env var initialization
func init() {
	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		debugEnabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugDomains = make(map[string]bool)
		for _, d := range strings.Split(domains, ",") {
			debugDomains[strings.TrimSpace(d)] = true
		}
	}
}

// NewLogger creates a logger for the given component (e.g. "conductor", "ledger").
func NewLogger(componentID string) *Logger {
	return &Logger{
		componentID: componentID,
		logger:      log.New(os.Stderr, "", 0), // Log to stderr for CLI compatibility
	}
}

// SetDebug configures debug logging; an empty domain list enables all domains.
func SetDebug(enabled bool, domains []string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugEnabled = enabled
	if len(domains) == 0 {
		debugDomains = nil
		return
	}
	debugDomains = make(map[string]bool)
	for _, d := range domains {
		debugDomains[strings.TrimSpace(d)] = true
	}
}

// IsDebugEnabledForDomain reports whether debug logging is active for a domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	if !debugEnabled {
		return false
	}
	if debugDomains == nil {
		return true
	}
	return debugDomains[domain]
}

func (b *ringBuffer) add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

func (b *ringBuffer) snapshot(domain string, since time.Time) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	filtered := make([]LogEntry, 0, len(b.entries))
	for i := range b.entries {
		entry := &b.entries[i]
		if domain != "" && entry.Domain != "" && !strings.EqualFold(entry.Domain, domain) {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse("2006-01-02T15:04:05.000Z", entry.Timestamp)
			if err != nil || ts.Before(since) {
				continue
			}
		}
		filtered = append(filtered, *entry)
	}
	return filtered
}

// RecentEntries returns buffered log entries, optionally filtered by domain and time.
func RecentEntries(domain string, since time.Time) []LogEntry {
	return buffer.snapshot(domain, since)
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("[%s] [%s] %s: %s", timestamp, l.componentID, level, message)

	buffer.add(LogEntry{
		Timestamp:   timestamp,
		ComponentID: l.componentID,
		Level:       string(level),
		Message:     message,
	})
}

func (l *Logger) Debug(format string, args ...any) {
	debugMu.RLock()
	enabled := debugEnabled
	debugMu.RUnlock()
	if !enabled {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// Debugd logs a debug message tagged with a domain, honoring DEBUG_DOMAINS filtering.
//
// Usage:
//
//	logx.Debugd("ledger", "artifact %s approved", id)
func Debugd(domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf("[%s] %s", domain, fmt.Sprintf(format, args...))
	log.New(os.Stderr, "", 0).Printf("[%s] [%s] %s: %s", timestamp, domain, LevelDebug, message)

	buffer.add(LogEntry{
		Timestamp:   timestamp,
		ComponentID: domain,
		Level:       string(LevelDebug),
		Message:     fmt.Sprintf(format, args...),
		Domain:      domain,
	})
}

// GetComponentID returns the component ID this logger is tagged with.
func (l *Logger) GetComponentID() string {
	return l.componentID
}

// Global logging functions for convenience.
//
//nolint:gochecknoglobals // Default logger for package-level helpers
var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
// Use this when you need both logging and error returning:
//
//	err := logx.Errorf("setup failed: %w", err).
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
