package idempotency

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestEventKeyDeterministic(t *testing.T) {
	ts := time.Date(2026, time.February, 3, 10, 15, 0, 0, time.UTC)

	a := EventKey("tenant-1", "api_calls", "cus_123", "srv-1", ts)
	b := EventKey("tenant-1", "api_calls", "cus_123", "srv-1", ts)
	assert.Equal(t, a, b)
	assert.Regexp(t, `^evt_[a-f0-9]{16}$`, a)
}

func TestEventKeyDistinguishesTuple(t *testing.T) {
	ts := time.Date(2026, time.February, 3, 10, 15, 0, 0, time.UTC)

	base := EventKey("tenant-1", "api_calls", "cus_123", "srv-1", ts)
	assert.NotEqual(t, base, EventKey("tenant-2", "api_calls", "cus_123", "srv-1", ts))
	assert.NotEqual(t, base, EventKey("tenant-1", "storage_gb", "cus_123", "srv-1", ts))
	assert.NotEqual(t, base, EventKey("tenant-1", "api_calls", "cus_456", "srv-1", ts))
	assert.NotEqual(t, base, EventKey("tenant-1", "api_calls", "cus_123", "srv-1", ts.Add(time.Minute)))
}

func TestEventKeyEmptyResourceDefaults(t *testing.T) {
	ts := time.Date(2026, time.February, 3, 10, 15, 0, 0, time.UTC)

	assert.Equal(t,
		EventKey("tenant-1", "api_calls", "cus_123", "", ts),
		EventKey("tenant-1", "api_calls", "cus_123", "default", ts),
	)
}

func TestPushKeyFormat(t *testing.T) {
	periodStart := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	qty := decimal.NewFromFloat(1234.5)

	key := PushKey("tenant-1", "si_ABC123", periodStart, qty)
	assert.Equal(t, "push:tenant-1:si_ABC123:2026-01-01:1234.500000", key)
	assert.True(t, IsValidKey(key))
}

func TestSaltedPushKeyVariesWithTime(t *testing.T) {
	periodStart := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	qty := decimal.NewFromInt(100)

	t1 := time.Date(2026, time.January, 5, 8, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	a := SaltedPushKey("tenant-1", "si_ABC123", periodStart, qty, t1)
	b := SaltedPushKey("tenant-1", "si_ABC123", periodStart, qty, t2)
	assert.NotEqual(t, a, b)
	assert.True(t, IsValidKey(a))
}

func TestShadowPushKeyStable(t *testing.T) {
	periodStart := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	qty := decimal.RequireFromString("42.100000")

	a := ShadowPushKey("tenant-1", "si_ABC123", periodStart, qty)
	b := ShadowPushKey("tenant-1", "si_ABC123", periodStart, decimal.RequireFromString("42.1"))
	assert.Equal(t, a, b)
	assert.Equal(t, "push-shadow:tenant-1:si_ABC123:2026-01-01:42.100000", a)
	assert.True(t, IsValidKey(a))
}

func TestIsValidKeyRejectsGarbage(t *testing.T) {
	assert.False(t, IsValidKey(""))
	assert.False(t, IsValidKey("evt_XYZ"))
	assert.False(t, IsValidKey("push:tenant"))
}
