// --- File: pkg/push/interfaces.go ---
package push

import (
	"context"
)

// SubscriptionStore defines the contract for persisting device subscriptions.
// A subscription ties a device token to one watched resource; the pair
// (token, resource key) is unique and re-adding it overwrites in place.
type SubscriptionStore interface {
	// AddSubscription creates or updates a subscription.
	// It returns ErrInvalidSubscription if token, resource key or subscriber is empty.
	AddSubscription(ctx context.Context, sub Subscription) error

	// SubscriptionsBySubscriber returns every subscription registered by one subscriber.
	SubscriptionsBySubscriber(ctx context.Context, subscriberID string) ([]Subscription, error)

	// SubscriptionsByToken returns every subscription for one device token.
	SubscriptionsByToken(ctx context.Context, token string) ([]Subscription, error)

	// SubscriptionsByResource returns every subscription watching one resource.
	SubscriptionsByResource(ctx context.Context, resourceKey string) ([]Subscription, error)

	// DeleteSubscriptions removes all subscriptions for a device token.
	DeleteSubscriptions(ctx context.Context, token string) error

	// DeleteSubscription removes the single (token, resourceKey) subscription.
	DeleteSubscription(ctx context.Context, token, resourceKey string) error

	// PurgeOlderThan removes all subscriptions whose Modified is strictly
	// before cutoff and returns the removed records.
	PurgeOlderThan(ctx context.Context, cutoff int64) ([]Subscription, error)
}

// Enqueuer accepts resource change events for delivery.
type Enqueuer interface {
	// Enqueue schedules a push to every device subscribed to resourceKey.
	// A zero dataChangedTimestamp means "now".
	Enqueue(ctx context.Context, resourceKey string, dataChangedTimestamp int64, priority Priority) error
}
