package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTTLCacheSetGet(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("a", 1, time.Minute)

	got, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, got)

	_, ok = c.Get("missing")
	require.False(t, ok)
}

func TestTTLCacheExpiry(t *testing.T) {
	now := time.Now()
	c := NewTTLCache[string, string]().(*ttlCache[string, string])
	c.now = func() time.Time { return now }

	c.Set("k", "v", 10*time.Second)

	_, ok := c.Get("k")
	require.True(t, ok)

	now = now.Add(11 * time.Second)
	_, ok = c.Get("k")
	require.False(t, ok)
}

func TestTTLCacheDelete(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("a", 1, time.Minute)
	c.Delete("a")

	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestTTLCacheRejectsNonPositiveTTL(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("a", 1, 0)

	_, ok := c.Get("a")
	require.False(t, ok)
}
