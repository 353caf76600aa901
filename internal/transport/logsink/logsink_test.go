package logsink

import (
	"context"
	"testing"

	kit "taskd/internal/transport"
	logx "taskd/pkg/logx"
)

func TestSendAndEdit(t *testing.T) {
	t.Parallel()
	a := New(logx.Nop())
	ctx := context.Background()
	ref, err := a.SendText(ctx, kit.ChatTarget{ChatID: 7}, "first", nil)
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := a.EditText(ctx, ref, "second", nil); err != nil {
		t.Fatalf("EditText: %v", err)
	}
	if got, _ := a.Text(ref.MessageID); got != "second" {
		t.Fatalf("Text = %q, want second", got)
	}
	if a.Len() != 1 {
		t.Fatalf("Len = %d, want 1", a.Len())
	}
}

func TestCancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(logx.Nop()).SendText(ctx, kit.ChatTarget{}, "x", nil); err == nil {
		t.Fatal("SendText ignored a cancelled context")
	}
}
