package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	kit "taskd/internal/transport"
	logx "taskd/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token string
	// Timeout bounds each Bot API call. Default 10s.
	Timeout time.Duration
	// Offline skips the getMe handshake (tests, dry runs).
	Offline bool
	// URL overrides the Bot API endpoint.
	URL string
}

// Adapter sends and edits messages through the Telegram Bot API. It never
// polls for updates.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	stopped bool
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: cfg.Offline,
		Poller:  &tele.LongPoller{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}, nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true
	a.log.Info("telegram adapter stopped")
	return nil
}

var errStopped = errors.New("telegram adapter stopped")

func (a *Adapter) ensureRunning() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return errStopped
	}
	return nil
}

// telegramTextLimit stays under the 4096 character Bot API limit.
const telegramTextLimit = 4000

// splitTelegramText cuts s into chunks of at most limit runes. A cut prefers
// the last newline in the window (unless that leaves a tiny chunk) and, in
// HTML mode, never lands inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, "HTML")

	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
			if html {
				if open := danglingTag(rs[start:end]); open > 1 {
					end = start + open
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		for start = end; start < len(rs) && rs[start] == '\n'; start++ {
		}
	}
	return out
}

// danglingTag returns the index of an unclosed '<' in rs, or -1.
func danglingTag(rs []rune) int {
	open, closed := -1, -1
	for i, r := range rs {
		switch r {
		case '<':
			open = i
		case '>':
			closed = i
		}
	}
	if open > closed {
		return open
	}
	return -1
}

func (a *Adapter) sendOptions(opt *kit.SendOptions, threadID int) *tele.SendOptions {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              threadID,
	}
}

func parseMode(opt *kit.SendOptions) string {
	if opt == nil {
		return ""
	}
	return opt.ParseMode
}

// SendText sends text, split into several messages when it is too long.
// The returned ref points at the first message.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := a.ensureRunning(); err != nil {
		return kit.MessageRef{}, err
	}
	var first kit.MessageRef
	err := a.sendChunks(ctx, to, splitTelegramText(text, telegramTextLimit, parseMode(opt)), opt, func(id int) {
		if first.MessageID == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}
		}
	})
	return first, err
}

// EditText rewrites the message at ref. Overflow beyond one message is sent
// as follow-up messages.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if err := a.ensureRunning(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	chunks := splitTelegramText(text, telegramTextLimit, parseMode(opt))
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Edit(m, chunks[0], a.sendOptions(opt, 0)); err != nil {
		// Telegram rejects edits that do not change the text.
		if errors.Is(err, tele.ErrSameMessageContent) {
			return nil
		}
		return err
	}
	if len(chunks) == 1 {
		return nil
	}
	to := kit.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID}
	return a.sendChunks(ctx, to, chunks[1:], opt, nil)
}

func (a *Adapter) sendChunks(ctx context.Context, to kit.ChatTarget, chunks []string, opt *kit.SendOptions, sent func(id int)) error {
	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := a.bot.Send(chat, chunk, a.sendOptions(opt, to.ThreadID))
		if err != nil {
			return err
		}
		if sent != nil && msg != nil {
			sent(msg.ID)
		}
	}
	return nil
}

var _ kit.Adapter = (*Adapter)(nil)
