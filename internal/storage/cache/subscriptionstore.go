package cache

import (
	"context"
	"errors"
	"time"

	"github.com/tinywideclouds/go-apn-service/pkg/push"
)

// ErrMiss is returned by a CacheClient when the key is absent.
var ErrMiss = errors.New("cache miss")

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get decodes the value into dest, or returns ErrMiss.
	Get(ctx context.Context, key string, dest any) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Del removes the keys.
	Del(ctx context.Context, keys ...string) error
}

// CachedSubscriptionStore is a Decorator that adds read-aside caching of
// per-resource lookups, the lookup made for every change event.
type CachedSubscriptionStore struct {
	push.SubscriptionStore
	cache CacheClient
	ttl   time.Duration
}

// NewCachedSubscriptionStore creates the decorator.
func NewCachedSubscriptionStore(realStore push.SubscriptionStore, cache CacheClient, ttl time.Duration) *CachedSubscriptionStore {
	return &CachedSubscriptionStore{
		SubscriptionStore: realStore,
		cache:             cache,
		ttl:               ttl,
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedSubscriptionStore) SubscriptionsByResource(ctx context.Context, resourceKey string) ([]push.Subscription, error) {
	key := cacheKey(resourceKey)

	var cached []push.Subscription
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	fresh, err := s.SubscriptionStore.SubscriptionsByResource(ctx, resourceKey)
	if err != nil {
		return nil, err
	}
	// Caching is an optimization; a failed Set still serves from the store.
	_ = s.cache.Set(ctx, key, fresh, s.ttl)
	return fresh, nil
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedSubscriptionStore) AddSubscription(ctx context.Context, sub push.Subscription) error {
	if err := s.SubscriptionStore.AddSubscription(ctx, sub); err != nil {
		return err
	}
	return s.invalidate(ctx, sub.ResourceKey)
}

func (s *CachedSubscriptionStore) DeleteSubscription(ctx context.Context, token, resourceKey string) error {
	if err := s.SubscriptionStore.DeleteSubscription(ctx, token, resourceKey); err != nil {
		return err
	}
	return s.invalidate(ctx, resourceKey)
}

// DeleteSubscriptions looks up the token's resources first so that each of
// their cached lists can be dropped once the delete succeeds.
func (s *CachedSubscriptionStore) DeleteSubscriptions(ctx context.Context, token string) error {
	subs, err := s.SubscriptionStore.SubscriptionsByToken(ctx, token)
	if err != nil {
		return err
	}
	if err := s.SubscriptionStore.DeleteSubscriptions(ctx, token); err != nil {
		return err
	}
	return s.invalidate(ctx, resourceKeys(subs)...)
}

func (s *CachedSubscriptionStore) PurgeOlderThan(ctx context.Context, cutoff int64) ([]push.Subscription, error) {
	removed, err := s.SubscriptionStore.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	return removed, s.invalidate(ctx, resourceKeys(removed)...)
}

// --- Helpers ---

func (s *CachedSubscriptionStore) invalidate(ctx context.Context, resourceKeys ...string) error {
	keys := make([]string, 0, len(resourceKeys))
	for _, rk := range resourceKeys {
		keys = append(keys, cacheKey(rk))
	}
	return s.cache.Del(ctx, keys...)
}

func resourceKeys(subs []push.Subscription) []string {
	seen := make(map[string]bool, len(subs))
	var keys []string
	for _, sub := range subs {
		if !seen[sub.ResourceKey] {
			seen[sub.ResourceKey] = true
			keys = append(keys, sub.ResourceKey)
		}
	}
	return keys
}

func cacheKey(resourceKey string) string {
	return "apn:subs:resource:" + resourceKey
}
