// Package memory provides an in-process SubscriptionStore for local runs
// and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tinywideclouds/go-apn-service/pkg/push"
)

type key struct {
	token       string
	resourceKey string
}

// SubscriptionStore keeps subscriptions in a map keyed by (token, resource key).
type SubscriptionStore struct {
	mu   sync.RWMutex
	subs map[key]push.Subscription
}

func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{subs: make(map[key]push.Subscription)}
}

func (s *SubscriptionStore) AddSubscription(_ context.Context, sub push.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	sub.Token = strings.ToLower(sub.Token)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[key{sub.Token, sub.ResourceKey}] = sub
	return nil
}

func (s *SubscriptionStore) SubscriptionsBySubscriber(_ context.Context, subscriberID string) ([]push.Subscription, error) {
	return s.filter(func(sub push.Subscription) bool { return sub.SubscriberID == subscriberID }), nil
}

func (s *SubscriptionStore) SubscriptionsByToken(_ context.Context, token string) ([]push.Subscription, error) {
	token = strings.ToLower(token)
	return s.filter(func(sub push.Subscription) bool { return sub.Token == token }), nil
}

func (s *SubscriptionStore) SubscriptionsByResource(_ context.Context, resourceKey string) ([]push.Subscription, error) {
	return s.filter(func(sub push.Subscription) bool { return sub.ResourceKey == resourceKey }), nil
}

func (s *SubscriptionStore) DeleteSubscriptions(_ context.Context, token string) error {
	token = strings.ToLower(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.subs {
		if k.token == token {
			delete(s.subs, k)
		}
	}
	return nil
}

func (s *SubscriptionStore) DeleteSubscription(_ context.Context, token, resourceKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, key{strings.ToLower(token), resourceKey})
	return nil
}

func (s *SubscriptionStore) PurgeOlderThan(_ context.Context, cutoff int64) ([]push.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []push.Subscription
	for k, sub := range s.subs {
		if sub.Modified < cutoff {
			removed = append(removed, sub)
			delete(s.subs, k)
		}
	}
	sortSubscriptions(removed)
	return removed, nil
}

// Len returns the number of stored subscriptions.
func (s *SubscriptionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *SubscriptionStore) filter(match func(push.Subscription) bool) []push.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []push.Subscription
	for _, sub := range s.subs {
		if match(sub) {
			out = append(out, sub)
		}
	}
	sortSubscriptions(out)
	return out
}

// sortSubscriptions orders by resource key then token so results are stable.
func sortSubscriptions(subs []push.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].ResourceKey != subs[j].ResourceKey {
			return subs[i].ResourceKey < subs[j].ResourceKey
		}
		return subs[i].Token < subs[j].Token
	})
}
