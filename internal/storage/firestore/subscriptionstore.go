package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/tinywideclouds/go-apn-service/pkg/push"
)

// DefaultCollection holds one document per (token, resource key).
const DefaultCollection = "apn_subscriptions"

// SubscriptionStore implements push.SubscriptionStore using Google Cloud Firestore.
type SubscriptionStore struct {
	client     *firestore.Client
	collection string
}

func NewSubscriptionStore(client *firestore.Client) *SubscriptionStore {
	return &SubscriptionStore{client: client, collection: DefaultCollection}
}

// AddSubscription overwrites the document for (token, resource key), so a
// re-registration refreshes Modified in place.
func (s *SubscriptionStore) AddSubscription(ctx context.Context, sub push.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	sub.Token = strings.ToLower(sub.Token)

	if _, err := s.doc(sub.Token, sub.ResourceKey).Set(ctx, sub); err != nil {
		return fmt.Errorf("failed to write subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) SubscriptionsBySubscriber(ctx context.Context, subscriberID string) ([]push.Subscription, error) {
	return s.query(ctx, s.col().Where("subscriber_id", "==", subscriberID))
}

func (s *SubscriptionStore) SubscriptionsByToken(ctx context.Context, token string) ([]push.Subscription, error) {
	return s.query(ctx, s.col().Where("token", "==", strings.ToLower(token)))
}

func (s *SubscriptionStore) SubscriptionsByResource(ctx context.Context, resourceKey string) ([]push.Subscription, error) {
	return s.query(ctx, s.col().Where("resource_key", "==", resourceKey))
}

func (s *SubscriptionStore) DeleteSubscriptions(ctx context.Context, token string) error {
	subs, err := s.SubscriptionsByToken(ctx, token)
	if err != nil {
		return err
	}
	return s.deleteAll(ctx, subs)
}

func (s *SubscriptionStore) DeleteSubscription(ctx context.Context, token, resourceKey string) error {
	if _, err := s.doc(strings.ToLower(token), resourceKey).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) PurgeOlderThan(ctx context.Context, cutoff int64) ([]push.Subscription, error) {
	subs, err := s.query(ctx, s.col().Where("modified", "<", cutoff))
	if err != nil {
		return nil, err
	}
	if err := s.deleteAll(ctx, subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// --- Helpers ---

func (s *SubscriptionStore) query(ctx context.Context, q firestore.Query) ([]push.Subscription, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var subs []push.Subscription
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var sub push.Subscription
		if err := doc.DataTo(&sub); err != nil {
			// Corrupt rows are skipped rather than failing the whole lookup.
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *SubscriptionStore) deleteAll(ctx context.Context, subs []push.Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(subs))
	for _, sub := range subs {
		job, err := bw.Delete(s.doc(sub.Token, sub.ResourceKey))
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue delete: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
	}
	return nil
}

func (s *SubscriptionStore) col() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

// doc: apn_subscriptions/{sha256(token|resourceKey)}
func (s *SubscriptionStore) doc(token, resourceKey string) *firestore.DocumentRef {
	return s.col().Doc(docID(token, resourceKey))
}

func docID(token, resourceKey string) string {
	sum := sha256.Sum256([]byte(token + "|" + resourceKey))
	return hex.EncodeToString(sum[:])
}
