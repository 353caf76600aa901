package notifier

import (
	"context"
	"fmt"
	"strings"

	kit "taskd/internal/transport"
)

// SendClassifiedAlert queues one alert for the configured target. Alerts
// carrying an execution_id are never collapsed with another run's alert.
func (s *Service) SendClassifiedAlert(ctx context.Context, a Alert) error {
	cfg, _, _ := s.snapshot()
	return s.Notify(ctx, kit.Notification{
		Channel:  cfg.Channel,
		Priority: priorityFor(a.Level),
		Target:   cfg.Target,
		Text:     formatAlert(a),
		DedupKey: alertDedupKey(a),
	})
}

func alertDedupKey(a Alert) string {
	if v, ok := a.Meta["execution_id"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func formatAlert(a Alert) string {
	var b strings.Builder
	b.WriteString(levelPrefix(a.Level))
	if a.Category != "" {
		b.WriteString("[")
		b.WriteString(a.Category)
		b.WriteString("] ")
	}
	b.WriteString(a.Title)
	if a.Message != "" {
		b.WriteString("\n")
		b.WriteString(a.Message)
	}
	return b.String()
}

func priorityFor(l Level) int {
	switch l {
	case LevelError:
		return 9
	case LevelWarning:
		return 7
	case LevelInfo:
		return 5
	default:
		return 3
	}
}

func levelPrefix(l Level) string {
	switch l {
	case LevelError:
		return "🚨 "
	case LevelWarning:
		return "⚠️ "
	case LevelSuccess:
		return "✅ "
	case LevelInfo:
		return "ℹ️ "
	default:
		return ""
	}
}
