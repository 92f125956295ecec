package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/windrift/scavenger-miner/internal/eventbus"
)

func TestNewNotifier(t *testing.T) {
	cfg := &WebhookConfig{
		Enabled:      true,
		DiscordURL:   "https://discord.com/api/webhooks/test",
		TelegramBot:  "bot_token",
		TelegramChat: "chat_id",
		MinerName:    "test-miner",
	}
	bus := eventbus.New()

	n := NewNotifier(cfg, bus)
	if n == nil {
		t.Fatal("NewNotifier returned nil")
	}
	if n.cfg != cfg {
		t.Error("Notifier.cfg not set correctly")
	}
	if n.client.Timeout != 10*time.Second {
		t.Errorf("client timeout = %v, want 10s", n.client.Timeout)
	}
}

func TestRunDisabledDoesNotSubscribe(t *testing.T) {
	bus := eventbus.New()
	n := NewNotifier(&WebhookConfig{Enabled: false}, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	n.Run(ctx)

	if bus.SubscriberCount(eventbus.TopicSolutionResult) != 0 {
		t.Error("expected a disabled notifier not to subscribe")
	}
}

func TestSolutionAcceptedTriggersDiscordWebhook(t *testing.T) {
	var received atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg DiscordMessage
		json.NewDecoder(r.Body).Decode(&msg)
		if len(msg.Embeds) == 1 && msg.Embeds[0].Title == "Solution Accepted" {
			received.Store(true)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	bus := eventbus.New()
	cfg := &WebhookConfig{Enabled: true, DiscordURL: server.URL, MinerName: "test-miner"}
	n := NewNotifier(cfg, bus)

	ctx, cancel := context.WithCancel(context.Background())
	go n.Run(ctx)
	defer cancel()
	waitForSubscribers(t, bus, eventbus.TopicSolutionResult)

	bus.Publish(eventbus.TopicSolutionResult, eventbus.Event{Fields: map[string]interface{}{"ok": true, "addr": uint32(3)}})

	waitFor(t, func() bool { return received.Load() }, "expected a discord webhook call for an accepted solution")
}

func TestRejectedSolutionDoesNotNotify(t *testing.T) {
	var called atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	bus := eventbus.New()
	cfg := &WebhookConfig{Enabled: true, DiscordURL: server.URL, MinerName: "test-miner"}
	n := NewNotifier(cfg, bus)

	ctx, cancel := context.WithCancel(context.Background())
	go n.Run(ctx)
	defer cancel()
	waitForSubscribers(t, bus, eventbus.TopicSolutionResult)

	bus.Publish(eventbus.TopicSolutionResult, eventbus.Event{Fields: map[string]interface{}{"ok": false, "addr": uint32(3)}})
	time.Sleep(50 * time.Millisecond)

	if called.Load() {
		t.Error("expected no webhook call for a rejected solution")
	}
}

func TestHashrateDroppedTriggersWebhook(t *testing.T) {
	var received atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg DiscordMessage
		json.NewDecoder(r.Body).Decode(&msg)
		if len(msg.Embeds) == 1 && msg.Embeds[0].Title == "Hashrate Drop Detected" {
			received.Store(true)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	bus := eventbus.New()
	cfg := &WebhookConfig{Enabled: true, DiscordURL: server.URL, MinerName: "test-miner"}
	n := NewNotifier(cfg, bus)

	ctx, cancel := context.WithCancel(context.Background())
	go n.Run(ctx)
	defer cancel()
	waitForSubscribers(t, bus, eventbus.TopicHashrateDropped)

	bus.Publish(eventbus.TopicHashrateDropped, eventbus.Event{Fields: map[string]interface{}{"current": 500.0, "baseline": 2000.0}})

	waitFor(t, func() bool { return received.Load() }, "expected a discord webhook call for a hashrate drop")
}

func TestStabilityCheckWithNoIssuesDoesNotNotify(t *testing.T) {
	var called atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	bus := eventbus.New()
	cfg := &WebhookConfig{Enabled: true, DiscordURL: server.URL, MinerName: "test-miner"}
	n := NewNotifier(cfg, bus)

	ctx, cancel := context.WithCancel(context.Background())
	go n.Run(ctx)
	defer cancel()
	waitForSubscribers(t, bus, eventbus.TopicStabilityCheck)

	bus.Publish(eventbus.TopicStabilityCheck, eventbus.Event{Fields: map[string]interface{}{"issues_found": 0, "repairs_made": 0, "details": []string{}}})
	time.Sleep(50 * time.Millisecond)

	if called.Load() {
		t.Error("expected no webhook call for a clean stability sweep")
	}
}

func TestTruncateAddress(t *testing.T) {
	short := "addr1"
	if truncateAddress(short) != short {
		t.Errorf("expected short address unchanged, got %s", truncateAddress(short))
	}

	long := "tos1qxyzabcdefghijklmnopqrstuvwxyz0123456789"
	got := truncateAddress(long)
	if len(got) >= len(long) {
		t.Errorf("expected truncated address shorter than original, got %s", got)
	}
}

func waitForSubscribers(t *testing.T, bus *eventbus.Bus, topic eventbus.Topic) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if bus.SubscriberCount(topic) > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for a subscriber on %s", topic)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}
