package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "taskd/pkg/logx"

	"github.com/sony/gobreaker/v2"
)

const (
	defaultBreakerFailures uint32 = 5
	defaultBreakerTimeout         = 30 * time.Second
	defaultBreakerInterval        = 60 * time.Second
)

var ErrCircuitOpen = errors.New("transport circuit open")

type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a half-open probe.
	Timeout time.Duration
	// Interval clears failure counts while closed. 0 uses the default.
	Interval time.Duration
}

// Breaker wraps an Adapter so that a failing backend fails fast instead of
// holding notifier workers in retries.
type Breaker struct {
	inner Adapter
	cb    *gobreaker.CircuitBreaker[MessageRef]
}

func WithBreaker(name string, inner Adapter, cfg BreakerConfig, log logx.Logger) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultBreakerTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultBreakerInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cb := gobreaker.NewCircuitBreaker[MessageRef](gobreaker.Settings{
		Name:        "transport:" + name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				logx.String("breaker", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
		},
		// A cancelled caller says nothing about the backend.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &Breaker{inner: inner, cb: cb}
}

func (b *Breaker) SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error) {
	ref, err := b.cb.Execute(func() (MessageRef, error) {
		return b.inner.SendText(ctx, to, text, opt)
	})
	return ref, wrapBreakerErr(err)
}

func (b *Breaker) EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error {
	_, err := b.cb.Execute(func() (MessageRef, error) {
		return ref, b.inner.EditText(ctx, ref, text, opt)
	})
	return wrapBreakerErr(err)
}

func (b *Breaker) Stop(ctx context.Context) error { return b.inner.Stop(ctx) }

func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func wrapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	return err
}

var _ Adapter = (*Breaker)(nil)
