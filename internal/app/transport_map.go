package app

import (
	"strings"
	"time"

	"taskd/internal/config"
	kit "taskd/internal/transport"
	"taskd/internal/transport/logsink"
	"taskd/internal/transport/telegram"
	logx "taskd/pkg/logx"
)

// newAdapter returns the outbound transport and its channel name. Without
// a bot token notifications go to the log.
func newAdapter(cfg *config.Config, log logx.Logger) (kit.Adapter, string, error) {
	tc := cfg.Telegram
	if strings.TrimSpace(tc.Token) == "" {
		log.Info("telegram token not set; notifications go to the log")
		return logsink.New(log), "log", nil
	}
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", tc.Timeout, 10*time.Second)
	if err != nil {
		return nil, "", err
	}
	brTimeout, err := config.ParseDurationField("telegram.breaker_timeout", tc.BreakerTimeout)
	if err != nil {
		return nil, "", err
	}
	ad, err := telegram.New(telegram.Config{Token: tc.Token, Timeout: timeout, URL: strings.TrimSpace(tc.URL)}, log)
	if err != nil {
		return nil, "", err
	}
	br := kit.WithBreaker("telegram", ad, kit.BreakerConfig{
		MaxFailures: uint32(max(tc.BreakerFailures, 0)),
		Timeout:     brTimeout,
	}, log)
	return br, "telegram", nil
}
