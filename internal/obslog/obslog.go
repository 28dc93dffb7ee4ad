// Package obslog provides session/category-scoped structured logging for the
// supervisor, worker, and scheduler components, writing JSON-lines events
// keyed by session so a multi-worker run's logs can be correlated.
package obslog

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Category identifies the subsystem emitting an event.
type Category string

const (
	CategoryWorktree  Category = "worktree"
	CategoryIPC       Category = "ipc"
	CategoryScheduler Category = "scheduler"
	CategoryDiff      Category = "diff"
	CategoryWorker    Category = "worker"
	CategorySupervisor Category = "supervisor"
)

// Logger wraps a zerolog.Logger scoped to one session (one supervisor run).
type Logger struct {
	base      zerolog.Logger
	sessionID string
	closer    io.Closer
}

// New creates a session-scoped logger writing JSON lines under dir, named
// "<sessionID>.jsonl". If dir is empty, events are written to stderr only.
func New(dir, sessionID string) (*Logger, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(filepath.Join(dir, sessionID+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		w = io.MultiWriter(os.Stderr, f)
		closer = f
	}

	base := zerolog.New(w).With().
		Timestamp().
		Str("session_id", sessionID).
		Logger()

	return &Logger{base: base, sessionID: sessionID, closer: closer}, nil
}

// Close releases the underlying log file, if any.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Event returns a zerolog.Event pre-tagged with category and event type,
// ready for .Str/.Int/.Err chaining and a terminal .Msg/.Send.
func (l *Logger) Event(level zerolog.Level, category Category, eventType string) *zerolog.Event {
	return l.base.WithLevel(level).
		Str("category", string(category)).
		Str("type", eventType).
		Time("ts", time.Now())
}

func (l *Logger) Debug(category Category, eventType string) *zerolog.Event {
	return l.Event(zerolog.DebugLevel, category, eventType)
}

func (l *Logger) Info(category Category, eventType string) *zerolog.Event {
	return l.Event(zerolog.InfoLevel, category, eventType)
}

func (l *Logger) Warn(category Category, eventType string) *zerolog.Event {
	return l.Event(zerolog.WarnLevel, category, eventType)
}

func (l *Logger) Error(category Category, eventType string) *zerolog.Event {
	return l.Event(zerolog.ErrorLevel, category, eventType)
}

// WithWorker returns a child logger that additionally tags every event with
// a worker_id field.
func (l *Logger) WithWorker(workerID string) *Logger {
	return &Logger{
		base:      l.base.With().Str("worker_id", workerID).Logger(),
		sessionID: l.sessionID,
	}
}

// WithAgent returns a child logger that additionally tags every event with
// an agent_id field.
func (l *Logger) WithAgent(agentID string) *Logger {
	return &Logger{
		base:      l.base.With().Str("agent_id", agentID).Logger(),
		sessionID: l.sessionID,
	}
}
