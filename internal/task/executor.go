package task

import (
	"context"
	"errors"
)

// ErrCancelled is returned by a body that observed a cancel request and stopped early.
var ErrCancelled = errors.New("task cancelled")

// Executor is the body of a task. It must poll run.Cancelled() (or ctx.Done())
// between units of work and return ErrCancelled when asked to stop.
type Executor interface {
	Execute(ctx context.Context, run *Run) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, run *Run) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, run *Run) (Result, error) { return f(ctx, run) }

// Optional hooks. Executors implement any subset; Hooks provides no-op defaults.
type (
	ConfigValidator interface {
		ValidateConfig(cfg map[string]any) error
	}
	StartHook interface {
		OnStart(ctx context.Context, run *Run)
	}
	CompleteHook interface {
		OnComplete(ctx context.Context, res Result)
	}
	ErrorHook interface {
		OnError(ctx context.Context, res Result, err error)
	}
	CancelHook interface {
		OnCancel(ctx context.Context, res Result)
	}
)

// Hooks can be embedded by executors that only override some hooks.
type Hooks struct{}

func (Hooks) ValidateConfig(map[string]any) error    { return nil }
func (Hooks) OnStart(context.Context, *Run)          {}
func (Hooks) OnComplete(context.Context, Result)     {}
func (Hooks) OnError(context.Context, Result, error) {}
func (Hooks) OnCancel(context.Context, Result)       {}
