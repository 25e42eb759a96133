package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type captureNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *captureNotifier) Send(_ context.Context, a Alert) error {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
	return nil
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func TestDispatcher_DeliversAndFlushes(t *testing.T) {
	capA, capB := &captureNotifier{}, &captureNotifier{}
	d := NewDispatcher(8, capA, capB)

	for i := 0; i < 3; i++ {
		if err := d.Send(context.Background(), Alert{Level: AlertWarning, Title: "stop loss"}); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for capA.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	d.Wait()

	if capA.count() != 3 || capB.count() != 3 {
		t.Fatalf("delivered %d/%d, want 3/3", capA.count(), capB.count())
	}
}

func TestDispatcher_NeverBlocks(t *testing.T) {
	d := NewDispatcher(1, NewLogNotifier())
	if err := d.Send(context.Background(), Alert{Title: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := d.Send(context.Background(), Alert{Title: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Send(context.Background(), Alert{Level: AlertCritical, Title: "trailing stop", Message: "exit at 20100", Strategy: "rth", Symbol: "NK"})
	if err != nil {
		t.Fatal(err)
	}
	if got["level"] != "CRITICAL" || got["strategy"] != "rth" || got["symbol"] != "NK" {
		t.Errorf("payload = %v", got)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	if err := NewWebhookNotifier(bad.URL).Send(context.Background(), Alert{Title: "x"}); err == nil {
		t.Error("expected error on 500")
	}
}

func TestEscapeMarkdown(t *testing.T) {
	if got := escapeMarkdown("a_b.c!"); got != `a\_b\.c\!` {
		t.Errorf("got %q", got)
	}
}

func TestTelegramNotifier(t *testing.T) {
	var path string
	var got telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("tok", "42")
	n.baseURL = srv.URL + "/bottok"
	err := n.Send(context.Background(), Alert{Level: AlertCritical, Title: "stop loss", Message: "exit at 37980.0", Strategy: "rth", Symbol: "NK225M"})
	if err != nil {
		t.Fatal(err)
	}
	if path != "/bottok/sendMessage" || got.ChatID != "42" || got.ParseMode != "MarkdownV2" {
		t.Errorf("request = %s %+v", path, got)
	}
	want := "🚨 *stop loss*\n`rth NK225M`\n\nexit at 37980\\.0"
	if got.Text != want {
		t.Errorf("text = %q, want %q", got.Text, want)
	}
}
