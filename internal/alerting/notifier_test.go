package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

func sampleNote() Notification {
	return Notification{
		Kind:  KindDraw,
		Pool:  "main",
		At:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Title: "draw #3 completed",
		Fields: []Field{
			{Key: "Winner", Value: "0xa1"},
			{Key: "Prize", Value: "100 USDC"},
		},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text := received["text"]
	if !strings.Contains(text, "[PrizeVault DRAW] draw #3 completed") || !strings.Contains(text, "Prize: 100 USDC") {
		t.Fatalf("消息内容不正确: %q", text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(context.Context, Notification) error {
	c.calls++
	return c.err
}

func TestThrottleCooldown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	target := &countingNotifier{}
	th := NewThrottle(30*time.Minute, clock, testLogger(), target)
	ctx := context.Background()

	note := sampleNote()
	for i := 0; i < 3; i++ {
		if err := th.Notify(ctx, note); err != nil {
			t.Fatalf("Notify 不应报错: %v", err)
		}
	}
	if target.calls != 1 {
		t.Fatalf("冷却期内应只发送一次, 实际 %d", target.calls)
	}

	other := note
	other.Title = "draw #4 completed"
	_ = th.Notify(ctx, other)
	if target.calls != 2 {
		t.Fatalf("不同告警不应被冷却, 实际 %d", target.calls)
	}

	clock.Advance(31 * time.Minute)
	_ = th.Notify(ctx, note)
	if target.calls != 3 {
		t.Fatalf("冷却结束后应再次发送, 实际 %d", target.calls)
	}
}

func TestThrottleFailureDoesNotStartCooldown(t *testing.T) {
	target := &countingNotifier{err: errors.New("down")}
	th := NewThrottle(time.Hour, clockwork.NewFakeClock(), testLogger(), target)
	if err := th.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("渠道失败应返回错误")
	}
	target.err = nil
	if err := th.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("恢复后应发送成功: %v", err)
	}
	if target.calls != 2 {
		t.Fatalf("失败不应进入冷却, 实际调用 %d 次", target.calls)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
