// Package notify delivers external webhook alerts for mining events.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/windrift/scavenger-miner/internal/eventbus"
	"github.com/windrift/scavenger-miner/internal/util"
)

// WebhookConfig holds webhook configuration.
type WebhookConfig struct {
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	Enabled      bool   `mapstructure:"enabled"`
	MinerName    string
}

const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

// Notifier subscribes to the event bus and relays a subset of events to
// Discord and Telegram webhooks.
type Notifier struct {
	cfg    *WebhookConfig
	bus    *eventbus.Bus
	client *http.Client
}

// NewNotifier creates a notifier bound to cfg; it does not subscribe until Run is called.
func NewNotifier(cfg *WebhookConfig, bus *eventbus.Bus) *Notifier {
	return &Notifier{
		cfg: cfg,
		bus: bus,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Run subscribes to the topics this notifier cares about and dispatches until ctx is
// canceled. Intended to run in its own goroutine.
func (n *Notifier) Run(ctx context.Context) {
	if !n.cfg.Enabled {
		return
	}

	solutions := n.bus.Subscribe(eventbus.TopicSolutionResult)
	defer solutions.Unsubscribe()
	drops := n.bus.Subscribe(eventbus.TopicHashrateDropped)
	defer drops.Unsubscribe()
	checks := n.bus.Subscribe(eventbus.TopicStabilityCheck)
	defer checks.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-solutions.C:
			n.handleSolutionResult(evt)
		case evt := <-drops.C:
			n.handleHashrateDropped(evt)
		case evt := <-checks.C:
			n.handleStabilityCheck(evt)
		}
	}
}

func (n *Notifier) handleSolutionResult(evt eventbus.Event) {
	ok, _ := evt.Fields["ok"].(bool)
	if !ok {
		return
	}
	addr, _ := evt.Fields["addr"]
	n.notifySolutionAccepted(fmt.Sprintf("%v", addr))
}

func (n *Notifier) handleHashrateDropped(evt eventbus.Event) {
	current, _ := evt.Fields["current"].(float64)
	baseline, _ := evt.Fields["baseline"].(float64)
	n.notifyHashrateDropped(current, baseline)
}

func (n *Notifier) handleStabilityCheck(evt eventbus.Event) {
	issues, _ := evt.Fields["issues_found"].(int)
	if issues == 0 {
		return
	}
	details, _ := evt.Fields["details"].([]string)
	n.notifyStabilityAnomaly(issues, details)
}

// notifySolutionAccepted sends notifications when a solution is accepted for an address.
func (n *Notifier) notifySolutionAccepted(address string) {
	if n.cfg.DiscordURL != "" {
		go n.sendDiscordSolution(address)
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramSolution(address)
	}
}

// notifyHashrateDropped warns operators when the stability monitor observes a sustained drop.
func (n *Notifier) notifyHashrateDropped(current, baseline float64) {
	if n.cfg.DiscordURL != "" {
		go n.sendDiscordHashrateDrop(current, baseline)
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramHashrateDrop(current, baseline)
	}
}

// notifyStabilityAnomaly reports a sweep that found and repaired one or more issues.
func (n *Notifier) notifyStabilityAnomaly(issuesFound int, details []string) {
	if n.cfg.DiscordURL != "" {
		go n.sendDiscordStabilityAnomaly(issuesFound, details)
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramStabilityAnomaly(issuesFound, details)
	}
}

// DiscordEmbed represents a Discord embed object.
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed.
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed.
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message.
type DiscordMessage struct {
	Embeds []DiscordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) discordFooter() *DiscordFooter {
	return &DiscordFooter{Text: n.cfg.MinerName}
}

func (n *Notifier) sendDiscordSolution(address string) {
	embed := DiscordEmbed{
		Title:       "Solution Accepted",
		Description: fmt.Sprintf("**%s** had a solution accepted", n.cfg.MinerName),
		Color:       0x00FF00,
		Fields: []DiscordField{
			{Name: "Address", Value: truncateAddress(address), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    n.discordFooter(),
	}
	n.sendDiscordMessage(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

func (n *Notifier) sendDiscordHashrateDrop(current, baseline float64) {
	embed := DiscordEmbed{
		Title:       "Hashrate Drop Detected",
		Description: fmt.Sprintf("**%s** hashrate fell below its baseline", n.cfg.MinerName),
		Color:       0xFF0000,
		Fields: []DiscordField{
			{Name: "Current", Value: fmt.Sprintf("%.0f H/s", current), Inline: true},
			{Name: "Baseline", Value: fmt.Sprintf("%.0f H/s", baseline), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    n.discordFooter(),
	}
	n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

func (n *Notifier) sendDiscordStabilityAnomaly(issuesFound int, details []string) {
	embed := DiscordEmbed{
		Title:       "Stability Sweep Repaired Issues",
		Description: fmt.Sprintf("**%s** self-repair ran during a stability sweep", n.cfg.MinerName),
		Color:       0xFFA500,
		Fields: []DiscordField{
			{Name: "Issues Found", Value: fmt.Sprintf("%d", issuesFound), Inline: true},
			{Name: "Details", Value: fmt.Sprintf("%v", details), Inline: false},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    n.discordFooter(),
	}
	n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

func (n *Notifier) sendDiscordMessage(msg DiscordMessage) {
	n.sendDiscordMessageWithRetry(msg)
}

// sendDiscordMessageWithRetry sends a message to Discord with exponential backoff retry.
func (n *Notifier) sendDiscordMessageWithRetry(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("failed to marshal discord message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(n.cfg.DiscordURL, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("failed to send discord notification after %d retries: %v", MaxRetries, lastErr)
	}
}

// TelegramMessage represents a Telegram bot message.
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *Notifier) sendTelegramSolution(address string) {
	text := fmt.Sprintf("*Solution Accepted*\n\nAddress: `%s`", truncateAddress(address))
	n.sendTelegramMessage(text)
}

func (n *Notifier) sendTelegramHashrateDrop(current, baseline float64) {
	text := fmt.Sprintf(
		"*Hashrate Drop Detected*\n\nCurrent: `%.0f H/s`\nBaseline: `%.0f H/s`",
		current, baseline,
	)
	n.sendTelegramMessageWithRetry(text)
}

func (n *Notifier) sendTelegramStabilityAnomaly(issuesFound int, details []string) {
	text := fmt.Sprintf(
		"*Stability Sweep Repaired Issues*\n\nIssues Found: `%d`\nDetails: `%v`",
		issuesFound, details,
	)
	n.sendTelegramMessageWithRetry(text)
}

func (n *Notifier) sendTelegramMessage(text string) {
	n.sendTelegramMessageWithRetry(text)
}

// sendTelegramMessageWithRetry sends a message via Telegram with exponential backoff retry.
func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBot)

	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("failed to marshal telegram message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("failed to send telegram notification after %d retries: %v", MaxRetries, lastErr)
	}
}

// truncateAddress returns a shortened address for display.
func truncateAddress(addr string) string {
	if len(addr) <= 16 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-6:]
}
