package systemd

import (
	"context"
	"testing"
	"time"

	logx "taskd/pkg/logx"
)

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	log := logx.Nop()
	Ready(log)
	Status(log, "idle")
	Stopping(log)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		Watchdog(ctx, log)
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("Watchdog blocked without WATCHDOG_USEC")
	}
}
