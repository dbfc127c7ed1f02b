// Package joblog provides the per-destination structured log buffer that is
// written back onto a destination record. Every entry is also mirrored to the
// process log so operators can tail a worker without querying the store.
package joblog

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/toallcreation/backend/internal/models"
)

// Logger accumulates ordered {timestamp, level, message} entries for one
// destination of one request. Safe for concurrent use.
type Logger struct {
	mu      sync.Mutex
	entries []models.LogEntry
	prefix  string
}

// New returns a logger whose mirrored lines carry "[Worker] dest=<dest>".
func New(requestID, destination string) *Logger {
	return &Logger{prefix: fmt.Sprintf("requestId=%s dest=%s", requestID, destination)}
}

func (l *Logger) append(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	l.entries = append(l.entries, models.LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Message:   msg,
	})
	l.mu.Unlock()
	log.Printf("[Worker] %s level=%s msg=%q", l.prefix, level, msg)
}

func (l *Logger) Info(format string, args ...any)  { l.append("INFO", format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.append("WARNING", format, args...) }
func (l *Logger) Error(format string, args ...any) { l.append("ERROR", format, args...) }

// Entries returns a copy of the accumulated buffer in append order.
func (l *Logger) Entries() []models.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports how many entries have been recorded.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
