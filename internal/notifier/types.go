package notifier

import (
	"time"

	kit "taskd/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool

	// Channel names the transport in events and dedup keys.
	Channel   string
	Target    kit.ChatTarget
	ParseMode string
}

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Alert is one classified notification.
type Alert struct {
	Level    Level
	Title    string
	Message  string
	Category string
	Meta     map[string]any
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// NotificationEvent is published on the event bus for pipeline lifecycle events.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
