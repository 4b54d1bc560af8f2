package alert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogNotifierEmitsStructuredWarning(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	n := NewLogNotifier(zap.New(core))

	err := n.Notify(context.Background(), Payload{
		Type:       TypeDrift,
		TenantID:   "t1",
		MetricCode: "api_calls",
		Message:    "local exceeds remote",
		At:         time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, string(TypeDrift), fields["type"])
	require.Equal(t, "t1", fields["tenant_id"])
}

func TestCooldownAllowsWithoutRedis(t *testing.T) {
	c := NewCooldown(nil)
	require.True(t, c.Allow(context.Background(), "drift:t1:api_calls", time.Hour))
	require.True(t, c.Allow(context.Background(), "drift:t1:api_calls", time.Hour))

	var missing *Cooldown
	require.True(t, missing.Allow(context.Background(), "k", time.Hour))
}
