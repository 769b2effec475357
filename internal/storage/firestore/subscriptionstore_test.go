//go:build integration

package firestore_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fs "github.com/tinywideclouds/go-apn-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-apn-service/pkg/push"
)

const (
	tokenA  = "2d0d55cd7f98bcb81c6e24abcdc35168254c7846a43e2828b1ba5a8f82e219df"
	tokenB  = "3a6a5dd1b23d3b2ab0f1a4f7c5b6e7d8f9a0b1c2d3e4f5a6b7c8d9e0f1a2b3c4"
	calKey  = "/CalDAV/calendars.example.com/user01/calendar/"
	bookKey = "/CardDAV/addressbooks.example.com/user01/addressbook/"
)

func setupSuite(t *testing.T) (context.Context, *fs.SubscriptionStore) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	projectID := "test-subscription-store"
	conn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	client, err := firestore.NewClient(ctx, projectID, conn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return ctx, fs.NewSubscriptionStore(client)
}

func TestSubscriptionStore_Integration(t *testing.T) {
	ctx, store := setupSuite(t)

	t.Run("Subscription Lifecycle", func(t *testing.T) {
		// 1. Register
		require.NoError(t, store.AddSubscription(ctx, push.Subscription{
			Token: tokenA, ResourceKey: calKey, Modified: 1000, SubscriberID: "urn:test:user:1", UserAgent: "Calendar/1.0",
		}))
		require.NoError(t, store.AddSubscription(ctx, push.Subscription{
			Token: tokenA, ResourceKey: bookKey, Modified: 1000, SubscriberID: "urn:test:user:1",
		}))
		require.NoError(t, store.AddSubscription(ctx, push.Subscription{
			Token: tokenB, ResourceKey: calKey, Modified: 5000, SubscriberID: "urn:test:user:2",
		}))

		// 2. Lookups
		byToken, err := store.SubscriptionsByToken(ctx, tokenA)
		require.NoError(t, err)
		assert.Len(t, byToken, 2)

		byResource, err := store.SubscriptionsByResource(ctx, calKey)
		require.NoError(t, err)
		assert.Len(t, byResource, 2)

		bySubscriber, err := store.SubscriptionsBySubscriber(ctx, "urn:test:user:2")
		require.NoError(t, err)
		require.Len(t, bySubscriber, 1)
		assert.Equal(t, tokenB, bySubscriber[0].Token)

		// 3. Re-register refreshes in place
		require.NoError(t, store.AddSubscription(ctx, push.Subscription{
			Token: tokenA, ResourceKey: calKey, Modified: 4000, SubscriberID: "urn:test:user:1",
		}))
		byToken, err = store.SubscriptionsByToken(ctx, tokenA)
		require.NoError(t, err)
		assert.Len(t, byToken, 2)

		// 4. Purge
		removed, err := store.PurgeOlderThan(ctx, 4000)
		require.NoError(t, err)
		require.Len(t, removed, 1)
		assert.Equal(t, bookKey, removed[0].ResourceKey)

		// 5. Delete one, then all for a token
		require.NoError(t, store.DeleteSubscription(ctx, tokenB, calKey))
		require.NoError(t, store.DeleteSubscriptions(ctx, tokenA))

		remaining, err := store.SubscriptionsByResource(ctx, calKey)
		require.NoError(t, err)
		assert.Empty(t, remaining)
	})

	t.Run("Rejects Invalid Subscription", func(t *testing.T) {
		err := store.AddSubscription(ctx, push.Subscription{Token: tokenA, ResourceKey: calKey})
		require.ErrorIs(t, err, push.ErrInvalidSubscription)
	})
}
