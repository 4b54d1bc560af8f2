package alert

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Type string

const (
	TypeDrift    Type = "drift"
	TypeDelivery Type = "delivery_failure"
)

// Payload is the structured alert handed to the notifier. Dispatch to
// operators happens outside this service.
type Payload struct {
	Type               Type           `json:"type"`
	TenantID           string         `json:"tenant_id"`
	MetricCode         string         `json:"metric_code,omitempty"`
	SubscriptionItemID string         `json:"subscription_item_id,omitempty"`
	LocalTotal         string         `json:"local_total,omitempty"`
	RemoteTotal        string         `json:"remote_total,omitempty"`
	Message            string         `json:"message"`
	Details            map[string]any `json:"details,omitempty"`
	At                 time.Time      `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, payload Payload) error
}

// LogNotifier emits alerts as structured log lines.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) Notifier {
	return &LogNotifier{log: log.Named("alert")}
}

func (n *LogNotifier) Notify(ctx context.Context, payload Payload) error {
	_ = ctx
	n.log.Warn("alert raised",
		zap.String("type", string(payload.Type)),
		zap.String("tenant_id", payload.TenantID),
		zap.String("metric_code", payload.MetricCode),
		zap.String("subscription_item_id", payload.SubscriptionItemID),
		zap.String("local_total", payload.LocalTotal),
		zap.String("remote_total", payload.RemoteTotal),
		zap.String("message", payload.Message),
	)
	return nil
}

// Cooldown suppresses repeat alerts for the same key within ttl. Without
// redis every alert is allowed.
type Cooldown struct {
	client *redis.Client
}

func NewCooldown(client *redis.Client) *Cooldown {
	return &Cooldown{client: client}
}

func (c *Cooldown) Allow(ctx context.Context, key string, ttl time.Duration) bool {
	if c == nil || c.client == nil || key == "" || ttl <= 0 {
		return true
	}
	ok, err := c.client.SetNX(ctx, "alert:cooldown:"+key, "1", ttl).Result()
	if err != nil {
		return true
	}
	return ok
}
