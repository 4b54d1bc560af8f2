package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/metersync/internal/config"
	stripedomain "github.com/smallbiznis/metersync/internal/providers/stripe/domain"
	stripeapi "github.com/stripe/stripe-go/v81"
	stripeclient "github.com/stripe/stripe-go/v81/client"
	"go.uber.org/zap"
)

// Client talks to Stripe with the live key, or the test-mode key for shadow
// traffic. One API handle is kept per (key, account) pair.
type Client struct {
	liveKey string
	testKey string
	log     *zap.Logger

	mu   sync.Mutex
	apis map[string]*stripeclient.API
}

func NewClient(cfg config.Config, log *zap.Logger) stripedomain.Client {
	return &Client{
		liveKey: strings.TrimSpace(cfg.StripeSecretKey),
		testKey: strings.TrimSpace(cfg.StripeTestSecretKey),
		log:     log.Named("stripe.client"),
		apis:    make(map[string]*stripeclient.API),
	}
}

func (c *Client) PushUsage(ctx context.Context, req stripedomain.PushUsageRequest) (*stripedomain.PushUsageResult, error) {
	itemID := strings.TrimSpace(req.SubscriptionItemID)
	if itemID == "" {
		return nil, stripedomain.ErrInvalidItem
	}

	api, err := c.api(req.TestMode)
	if err != nil {
		return nil, err
	}

	params := &stripeapi.UsageRecordParams{
		SubscriptionItem: stripeapi.String(itemID),
		Quantity:         stripeapi.Int64(req.Quantity),
		Action:           stripeapi.String("increment"),
	}
	params.Context = ctx
	if !req.Timestamp.IsZero() {
		params.Timestamp = stripeapi.Int64(req.Timestamp.Unix())
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if account := strings.TrimSpace(req.AccountID); account != "" {
		params.SetStripeAccount(account)
	}

	record, err := api.UsageRecords.New(params)
	if err != nil {
		return nil, MapError(err)
	}

	return &stripedomain.PushUsageResult{
		UsageRecordID: record.ID,
		Quantity:      record.Quantity,
	}, nil
}

// TotalUsage returns the provider-side total for the subscription item's
// open billing period.
func (c *Client) TotalUsage(ctx context.Context, accountID, subscriptionItemID string) (decimal.Decimal, error) {
	itemID := strings.TrimSpace(subscriptionItemID)
	if itemID == "" {
		return decimal.Zero, stripedomain.ErrInvalidItem
	}

	api, err := c.api(false)
	if err != nil {
		return decimal.Zero, err
	}

	params := &stripeapi.UsageRecordSummaryListParams{
		SubscriptionItem: stripeapi.String(itemID),
	}
	params.Context = ctx
	params.Limit = stripeapi.Int64(1)
	if account := strings.TrimSpace(accountID); account != "" {
		params.SetStripeAccount(account)
	}

	iter := api.UsageRecordSummaries.List(params)
	for iter.Next() {
		summary := iter.UsageRecordSummary()
		return decimal.NewFromInt(summary.TotalUsage), nil
	}
	if err := iter.Err(); err != nil {
		return decimal.Zero, MapError(err)
	}
	return decimal.Zero, nil
}

func (c *Client) api(testMode bool) (*stripeclient.API, error) {
	key := c.liveKey
	if testMode {
		key = c.testKey
	}
	if key == "" {
		return nil, stripedomain.ErrNotConfigured
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if api, ok := c.apis[key]; ok {
		return api, nil
	}
	api := &stripeclient.API{}
	api.Init(key, nil)
	c.apis[key] = api
	return api, nil
}

// MapError folds transport failures into the retryable sentinels. Only rate
// limits and server-side failures are worth retrying.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripeapi.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == 429:
			return fmt.Errorf("%w: %s", stripedomain.ErrRateLimited, stripeErr.Msg)
		case stripeErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %s", stripedomain.ErrServerError, stripeErr.Msg)
		}
	}
	return err
}
