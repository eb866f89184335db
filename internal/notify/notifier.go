package notify

import (
	"context"
	"time"

	"riskengine/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Event types emitted by the engines.
const (
	EventLiquidation     = "LIQUIDATION"
	EventBreach          = "BREACH"
	EventExpiry          = "EXPIRY"
	EventPayoutRequested = "PAYOUT_REQUESTED"
	EventPayoutPaid      = "PAYOUT_PAID"
	EventPayoutRejected  = "PAYOUT_REJECTED"
)

// Event describes one account state change worth telling the outside
// world about.
type Event struct {
	Type      string         `json:"type"`
	AccountID string         `json:"account_id"`
	Details   map[string]any `json:"details,omitempty"`
	At        time.Time      `json:"at"`
}

// Notifier delivers events fire-and-forget. Delivery failure must
// never roll back the state change that produced the event, so Notify
// returns nothing.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// WebhookNotifier POSTs events to a configured endpoint.
type WebhookNotifier struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

var _ Notifier = (*WebhookNotifier)(nil)

// LogNotifier only logs events; used when no webhook is configured.
type LogNotifier struct {
	logger *zap.Logger
}

var _ Notifier = (*LogNotifier)(nil)

// New returns a webhook notifier when a URL is configured, otherwise a
// log-only notifier.
func New(cfg *config.Notify, logger *zap.Logger) Notifier {
	if cfg.WebhookURL == "" {
		return &LogNotifier{logger: logger}
	}
	return &WebhookNotifier{
		client: resty.New().SetTimeout(5 * time.Second),
		url:    cfg.WebhookURL,
		logger: logger,
	}
}

// Notify posts the event. Errors are logged and dropped.
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) {
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(event).
		Post(n.url)
	if err != nil {
		n.logger.Warn("Failed to deliver notification",
			zap.String("type", event.Type),
			zap.String("account_id", event.AccountID),
			zap.Error(err))
		return
	}
	if resp.IsError() {
		n.logger.Warn("Notification endpoint returned error",
			zap.String("type", event.Type),
			zap.String("account_id", event.AccountID),
			zap.String("status", resp.Status()))
	}
}

// Notify logs the event at info level.
func (n *LogNotifier) Notify(_ context.Context, event Event) {
	n.logger.Info("Notification",
		zap.String("type", event.Type),
		zap.String("account_id", event.AccountID),
		zap.Any("details", event.Details))
}
