// Package notify delivers operator alerts to a Telegram chat: circuit
// breakers opening, agents going offline, delegations failing. Alerting is
// optional; without a token the notifier is nil and callers skip it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/nats-io/nats.go"

	"github.com/meshwork/plexus/internal/config"
	"github.com/meshwork/plexus/internal/natsbus"
)

type Notifier struct {
	bot    *telego.Bot
	chatID int64
}

func New(cfg config.NotifyConfig) (*Notifier, error) {
	if cfg.TelegramToken == "" {
		return nil, nil
	}

	bot, err := telego.NewBot(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Notifier{bot: bot, chatID: cfg.ChatID}, nil
}

// Alert sends one message, chunked to Telegram's size limit.
func (n *Notifier) Alert(ctx context.Context, text string) error {
	for _, chunk := range chunkMessage(text, 4096) {
		if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(n.chatID), chunk)); err != nil {
			return fmt.Errorf("send alert: %w", err)
		}
	}
	return nil
}

// Watch subscribes to the event stream and alerts on operator-relevant
// events until the context is cancelled.
func (n *Notifier) Watch(ctx context.Context, client *natsbus.Client) error {
	sub, err := client.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		n.handleEvent(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()

	slog.Info("alert watcher started", "chat", n.chatID)
	return nil
}

type event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func (n *Notifier) handleEvent(ctx context.Context, raw []byte) {
	var ev event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}

	text := formatEvent(ev)
	if text == "" {
		return
	}

	if err := n.Alert(ctx, text); err != nil {
		slog.Error("failed to send alert", "type", ev.Type, "error", err)
	}
}

// formatEvent renders an alert for operator-relevant events; everything else
// maps to the empty string and is dropped.
func formatEvent(ev event) string {
	switch ev.Type {
	case "breaker_opened":
		return fmt.Sprintf("⚠️ circuit breaker opened for server %v after %v failures",
			ev.Data["server"], ev.Data["failures"])
	case "agent_status_changed":
		if ev.Data["to"] == "offline" {
			return fmt.Sprintf("⚠️ agent %v went offline", ev.Data["agent"])
		}
	case "delegation_failed":
		return fmt.Sprintf("❌ delegation %v failed: %v of %v tasks did not complete",
			ev.Data["delegation_id"], ev.Data["failed"], sumTasks(ev.Data))
	}
	return ""
}

func sumTasks(data map[string]any) any {
	completed, ok1 := data["completed"].(float64)
	failed, ok2 := data["failed"].(float64)
	if ok1 && ok2 {
		return int(completed + failed)
	}
	return "?"
}
