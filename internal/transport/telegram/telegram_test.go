package telegram

import (
	"strings"
	"testing"

	logx "taskd/pkg/logx"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		in        string
		limit     int
		parseMode string
		want      []string
	}{
		{name: "short", in: "hello", limit: 10, want: []string{"hello"}},
		{name: "hard cut", in: "abcdefghij", limit: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "newline preferred", in: "abcdef\nghijkl", limit: 9, want: []string{"abcdef", "ghijkl"}},
		{name: "html tag kept whole", in: "abcdef <b>x</b>", limit: 9, parseMode: "HTML", want: []string{"abcdef ", "<b>x</b>"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := splitTelegramText(tc.in, tc.limit, tc.parseMode)
			if strings.Join(got, "|") != strings.Join(tc.want, "|") {
				t.Fatalf("split = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSplitNeverExceedsLimit(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("line of text\n", 1000)
	for _, chunk := range splitTelegramText(in, telegramTextLimit, "") {
		if n := len([]rune(chunk)); n == 0 || n > telegramTextLimit {
			t.Fatalf("chunk length %d out of range", n)
		}
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("New accepted an empty token")
	}
}
