// Package logsink is a transport that writes notifications to the
// structured log. It stands in for a chat backend on hosts without one.
package logsink

import (
	"context"
	"sync"
	"sync/atomic"

	kit "taskd/internal/transport"
	logx "taskd/pkg/logx"
)

type Adapter struct {
	log  logx.Logger
	next atomic.Int64

	mu   sync.Mutex
	msgs map[int]string
}

func New(log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{log: log.With(logx.String("comp", "logsink")), msgs: map[int]string{}}
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	id := int(a.next.Add(1))
	a.mu.Lock()
	a.msgs[id] = text
	a.mu.Unlock()
	a.log.Info("notification", logx.Int64("chat_id", to.ChatID), logx.Int("message_id", id), logx.String("text", text))
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	a.msgs[ref.MessageID] = text
	a.mu.Unlock()
	a.log.Debug("notification edited", logx.Int64("chat_id", ref.ChatID), logx.Int("message_id", ref.MessageID), logx.String("text", text))
	return nil
}

// Text returns the current text of a sent message.
func (a *Adapter) Text(id int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.msgs[id]
	return s, ok
}

// Len is the number of messages sent so far.
func (a *Adapter) Len() int { return int(a.next.Load()) }

func (a *Adapter) Stop(ctx context.Context) error { return nil }

var _ kit.Adapter = (*Adapter)(nil)
