package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/subscription"
	"github.com/stripe/stripe-go/v81/usagerecord"
	"go.uber.org/zap"

	"github.com/acrylic-style/gptx-api/internal/application/metering"
)

// StripeAdapter reports metered usage against Stripe subscription items. Each
// metered price declares the model identifiers it bills in its metadata; the
// adapter maps them onto subscription items so the reconciler can route
// per-model usage to the right line.
type StripeAdapter struct {
	config *StripeConfig
	logger *zap.Logger
}

// NewStripeAdapter creates a new Stripe adapter
func NewStripeAdapter(config *StripeConfig, logger *zap.Logger) (*StripeAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Initialize Stripe client
	config.InitStripeClient()

	return &StripeAdapter{
		config: config,
		logger: logger,
	}, nil
}

var _ metering.BillingClient = (*StripeAdapter)(nil)

// ListSubscriptionItems returns the metered lines of the customer's active
// subscriptions with the model identifiers each line covers
func (a *StripeAdapter) ListSubscriptionItems(ctx context.Context, customerID string) ([]metering.SubscriptionItem, error) {
	a.logger.Debug("Listing subscription items",
		zap.String("customer_id", customerID))

	if customerID == "" {
		return nil, fmt.Errorf("stripe: customer ID is required")
	}

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	params.AddExpand("data.items.data.price")
	params.Context = ctx

	var items []metering.SubscriptionItem
	iter := subscription.List(params)
	for iter.Next() {
		sub := iter.Subscription()
		if sub.Items == nil {
			continue
		}
		for _, item := range sub.Items.Data {
			keys := a.modelKeys(item)
			if len(keys) == 0 {
				continue
			}
			items = append(items, metering.SubscriptionItem{
				ID:        item.ID,
				ModelKeys: keys,
			})
		}
	}
	if err := iter.Err(); err != nil {
		a.logger.Error("Failed to list Stripe subscriptions",
			zap.String("customer_id", customerID),
			zap.Error(err))
		return nil, fmt.Errorf("stripe: failed to list subscriptions: %w", err)
	}

	return items, nil
}

// ReportUsage reports a usage quantity against a subscription item. The
// idempotency key makes at-least-once delivery safe: Stripe collapses a
// replayed report into the original.
func (a *StripeAdapter) ReportUsage(ctx context.Context, itemID string, quantity int64, idempotencyKey string) error {
	a.logger.Debug("Reporting usage to Stripe",
		zap.String("subscription_item_id", itemID),
		zap.Int64("quantity", quantity))

	// Validate input
	if itemID == "" {
		return fmt.Errorf("stripe: subscription item ID is required")
	}
	if quantity < 0 {
		return fmt.Errorf("stripe: quantity cannot be negative")
	}

	params := &stripe.UsageRecordParams{
		SubscriptionItem: stripe.String(itemID),
		Quantity:         stripe.Int64(quantity),
		Action:           stripe.String("increment"),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	record, err := usagerecord.New(params)
	if err != nil {
		a.logger.Error("Failed to report usage to Stripe",
			zap.String("subscription_item_id", itemID),
			zap.Error(err))
		return fmt.Errorf("stripe: failed to report usage: %w", err)
	}

	a.logger.Info("Reported usage to Stripe",
		zap.String("usage_record_id", record.ID),
		zap.String("subscription_item_id", record.SubscriptionItem),
		zap.Int64("quantity", record.Quantity))
	return nil
}

// modelKeys extracts the billed model identifiers from the item's price
// metadata, falling back to the price lookup key
func (a *StripeAdapter) modelKeys(item *stripe.SubscriptionItem) []string {
	if item == nil || item.Price == nil {
		return nil
	}

	raw := item.Price.Metadata[a.config.ModelMetadataKey]
	if raw == "" {
		raw = item.Price.LookupKey
	}
	return SplitModelKeys(raw)
}

// SplitModelKeys parses a comma separated model identifier list
func SplitModelKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	var keys []string
	for _, part := range strings.Split(raw, ",") {
		if key := strings.TrimSpace(part); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}
