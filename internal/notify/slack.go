// Package notify delivers operational events to Slack via an incoming
// webhook. Delivery is best-effort: failures are logged, never propagated
// to the trading path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"leverage-worker/internal/config"
	"leverage-worker/pkg/types"
)

// Level selects the attachment color.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Message is one Slack attachment.
type Message struct {
	Level  Level
	Title  string
	Text   string
	Fields map[string]string
}

// Notifier posts messages to a Slack incoming webhook. A nil Notifier or
// empty webhook URL makes every method a no-op, so call sites never guard.
type Notifier struct {
	webhookURL string
	channel    string
	mode       types.Mode
	client     *http.Client
	logger     *slog.Logger
}

func NewNotifier(cfg config.NotificationConfig, mode types.Mode, logger *slog.Logger) *Notifier {
	return &Notifier{
		webhookURL: cfg.SlackWebhookURL,
		channel:    cfg.SlackChannel,
		mode:       mode,
		client:     &http.Client{Timeout: 5 * time.Second},
		logger:     logger.With("component", "notify"),
	}
}

func (n *Notifier) enabled() bool {
	return n != nil && n.webhookURL != ""
}

// Send posts one message. Errors are logged and swallowed.
func (n *Notifier) Send(ctx context.Context, msg Message) {
	if !n.enabled() {
		return
	}
	if err := n.post(ctx, msg); err != nil {
		n.logger.Warn("slack delivery failed", "title", msg.Title, "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Canned events
// ————————————————————————————————————————————————————————————————————————

// OrderPlaced reports a new order submission.
func (n *Notifier) OrderPlaced(ctx context.Context, symbol, side, strategy string, qty, price int64) {
	n.Send(ctx, Message{
		Level: LevelInfo,
		Title: fmt.Sprintf("Order placed: %s %s", side, symbol),
		Fields: map[string]string{
			"Quantity": fmt.Sprintf("%d", qty),
			"Price":    priceLabel(price),
			"Strategy": strategy,
		},
	})
}

// OrderFilled reports a fill, including realized PnL for sells.
func (n *Notifier) OrderFilled(ctx context.Context, symbol, side string, qty int64, price float64, pnl, pnlRate float64) {
	level := LevelInfo
	fields := map[string]string{
		"Quantity": fmt.Sprintf("%d", qty),
		"Price":    fmt.Sprintf("%.0f", price),
	}
	if side == string(types.SELL) {
		fields["PnL"] = fmt.Sprintf("%+.0f KRW (%+.2f%%)", pnl, pnlRate)
		if pnl < 0 {
			level = LevelWarning
		}
	}
	n.Send(ctx, Message{
		Level:  level,
		Title:  fmt.Sprintf("Order filled: %s %s", side, symbol),
		Fields: fields,
	})
}

// ExitTriggered reports a take-profit / stop-loss / holding-time exit.
func (n *Notifier) ExitTriggered(ctx context.Context, symbol, reason string, qty, price int64) {
	level := LevelInfo
	if reason == "stop_loss" {
		level = LevelWarning
	}
	n.Send(ctx, Message{
		Level: level,
		Title: fmt.Sprintf("Exit triggered: %s (%s)", symbol, reason),
		Fields: map[string]string{
			"Quantity": fmt.Sprintf("%d", qty),
			"Price":    fmt.Sprintf("%d", price),
		},
	})
}

// CrashDetected reports that the previous session died without cleanup.
func (n *Notifier) CrashDetected(ctx context.Context, sessionID string, lastHeartbeat time.Time, openOrders int) {
	n.Send(ctx, Message{
		Level: LevelCritical,
		Title: "Previous session crashed",
		Text:  "Positions will be re-synced from the broker before trading resumes.",
		Fields: map[string]string{
			"Session":        sessionID,
			"Last heartbeat": lastHeartbeat.Format(time.RFC3339),
			"Open orders":    fmt.Sprintf("%d", openOrders),
		},
	})
}

// EmergencyStop reports the kill-switch firing.
func (n *Notifier) EmergencyStop(ctx context.Context, reason string) {
	n.Send(ctx, Message{
		Level: LevelCritical,
		Title: "EMERGENCY STOP",
		Text:  reason,
	})
}

// LiquidationReport summarizes the end-of-day liquidation.
func (n *Notifier) LiquidationReport(ctx context.Context, attempted, succeeded, failed int, remaining []string) {
	level := LevelInfo
	text := "All positions closed."
	if failed > 0 {
		level = LevelError
		text = fmt.Sprintf("Positions still held after liquidation: %v — manual intervention required.", remaining)
	}
	n.Send(ctx, Message{
		Level: level,
		Title: "End-of-day liquidation",
		Text:  text,
		Fields: map[string]string{
			"Attempted": fmt.Sprintf("%d", attempted),
			"Succeeded": fmt.Sprintf("%d", succeeded),
			"Failed":    fmt.Sprintf("%d", failed),
		},
	})
}

// DailySummary posts the session totals at market close.
func (n *Notifier) DailySummary(ctx context.Context, date string, trades int, realized float64, openPositions int) {
	level := LevelInfo
	if realized < 0 {
		level = LevelWarning
	}
	n.Send(ctx, Message{
		Level: level,
		Title: fmt.Sprintf("Daily summary %s", date),
		Fields: map[string]string{
			"Trades":         fmt.Sprintf("%d", trades),
			"Realized PnL":   fmt.Sprintf("%+.0f KRW", realized),
			"Open positions": fmt.Sprintf("%d", openPositions),
		},
	})
}

// ————————————————————————————————————————————————————————————————————————
// Webhook transport
// ————————————————————————————————————————————————————————————————————————

func (n *Notifier) post(ctx context.Context, msg Message) error {
	color := "#36a64f"
	switch msg.Level {
	case LevelWarning:
		color = "#ffcc00"
	case LevelError:
		color = "#ff0000"
	case LevelCritical:
		color = "#8b0000"
	}

	var fields []map[string]any
	for k, v := range msg.Fields {
		fields = append(fields, map[string]any{
			"title": k,
			"value": v,
			"short": true,
		})
	}

	payload := map[string]any{
		"attachments": []map[string]any{
			{
				"color":   color,
				"pretext": fmt.Sprintf("[%s] %s", n.mode, msg.Title),
				"text":    msg.Text,
				"fields":  fields,
				"ts":      time.Now().Unix(),
				"footer":  "leverage-worker",
			},
		},
	}
	if n.channel != "" {
		payload["channel"] = n.channel
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook status %d", resp.StatusCode)
	}
	return nil
}

func priceLabel(price int64) string {
	if price <= 0 {
		return "market"
	}
	return fmt.Sprintf("%d", price)
}
