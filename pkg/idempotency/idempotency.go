// Package idempotency derives deterministic keys for event ingestion and
// billing-platform pushes.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const periodLayout = "2006-01-02"

// EventKey derives a deterministic key for a usage event from its canonical
// tuple. Events carrying the same tuple hash to the same key, making replays
// collapse to a single row.
func EventKey(tenantID, metric, customerRef, resourceID string, ts time.Time) string {
	if strings.TrimSpace(resourceID) == "" {
		resourceID = "default"
	}
	components := strings.Join([]string{
		tenantID,
		metric,
		customerRef,
		resourceID,
		ts.UTC().Format("2006-01-02T15:04:05.000Z"),
	}, "|")

	sum := sha256.Sum256([]byte(components))
	return "evt_" + hex.EncodeToString(sum[:])[:16]
}

// PushKey derives the content-addressed key for a usage push. The key is
// stable for identical totals, so a retried push of the same quantity is a
// no-op on the provider side.
func PushKey(tenantID, subscriptionItemID string, periodStart time.Time, quantity decimal.Decimal) string {
	return strings.Join([]string{
		"push",
		tenantID,
		subscriptionItemID,
		periodStart.UTC().Format(periodLayout),
		quantity.StringFixed(6),
	}, ":")
}

// SaltedPushKey appends a second-resolution timestamp to the push key. Live
// deliveries use it so a corrected total within the same period is not
// swallowed by provider-side idempotency caching.
func SaltedPushKey(tenantID, subscriptionItemID string, periodStart time.Time, quantity decimal.Decimal, now time.Time) string {
	return fmt.Sprintf("%s:%d",
		PushKey(tenantID, subscriptionItemID, periodStart, quantity),
		now.UTC().Unix(),
	)
}

// ShadowPushKey derives the deterministic key for shadow-mode pushes.
// No salt: identical simulated totals must reuse the same key.
func ShadowPushKey(tenantID, subscriptionItemID string, periodStart time.Time, quantity decimal.Decimal) string {
	return strings.Join([]string{
		"push-shadow",
		tenantID,
		subscriptionItemID,
		periodStart.UTC().Format(periodLayout),
		quantity.StringFixed(6),
	}, ":")
}

var (
	eventKeyPattern       = regexp.MustCompile(`^evt_[a-f0-9]{16}$`)
	pushKeySaltedPattern  = regexp.MustCompile(`^push:[a-zA-Z0-9-]+:[a-zA-Z0-9_]+:\d{4}-\d{2}-\d{2}:\d+\.\d{6}:\d+$`)
	pushKeyPattern        = regexp.MustCompile(`^push:[a-zA-Z0-9-]+:[a-zA-Z0-9_]+:\d{4}-\d{2}-\d{2}:\d+\.\d{6}$`)
	shadowPushKeyPattern  = regexp.MustCompile(`^push-shadow:[a-zA-Z0-9-]+:[a-zA-Z0-9_]+:\d{4}-\d{2}-\d{2}:\d+\.\d{6}$`)
)

// IsValidKey reports whether key matches one of the produced formats.
func IsValidKey(key string) bool {
	return eventKeyPattern.MatchString(key) ||
		pushKeySaltedPattern.MatchString(key) ||
		pushKeyPattern.MatchString(key) ||
		shadowPushKeyPattern.MatchString(key)
}
