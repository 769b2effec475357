package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-apn-service/internal/api"
	"github.com/tinywideclouds/go-apn-service/internal/clock"
	"github.com/tinywideclouds/go-apn-service/internal/storage/memory"
	"github.com/tinywideclouds/go-apn-service/pkg/push"
)

const (
	tokenA = "2d0d55cd7f98bcb81c6e24abcdc35168254c7846a43e2828b1ba5a8f82e219df"
	calKey = "/CalDAV/calendars.example.com/user01/calendar/"
)

// --- Mocks ---

type failingStore struct {
	mock.Mock
	push.SubscriptionStore
}

func (m *failingStore) AddSubscription(ctx context.Context, sub push.Subscription) error {
	return m.Called(ctx, sub).Error(0)
}

type staticTopics []push.Topic

func (s staticTopics) Topics() []push.Topic { return s }

// --- Setup ---

var now = time.Unix(1354816000, 0)

func setupAPI(t *testing.T, store push.SubscriptionStore) *api.SubscriptionAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	topics := staticTopics{{Identity: "calendar", Namespace: "/CalDAV/", Topic: "com.apple.calendar.XServer.abc"}}
	return api.NewSubscriptionAPI(store, topics, clock.Fake(now), logger)
}

func withUser(req *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithUserID(req.Context(), userID)
	return req.WithContext(ctx)
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(body)
}

// --- Tests ---

func TestRegister(t *testing.T) {
	ctx := context.Background()
	targetURN, _ := urn.Parse("urn:test:user:123")

	t.Run("Success", func(t *testing.T) {
		store := memory.NewSubscriptionStore()
		apiHandler := setupAPI(t, store)

		req := httptest.NewRequest("POST", "/api/v1/apn/subscriptions",
			jsonBody(t, api.SubscriptionRequest{Token: strings.ToUpper(tokenA), Key: calKey}))
		req.Header.Set("User-Agent", "Calendar/1.0")
		req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		w := httptest.NewRecorder()

		apiHandler.Register(w, withUser(req, targetURN.String()))

		assert.Equal(t, http.StatusNoContent, w.Code)
		subs, err := store.SubscriptionsBySubscriber(ctx, targetURN.String())
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, push.Subscription{
			Token:        tokenA,
			ResourceKey:  calKey,
			Modified:     now.Unix(),
			SubscriberID: targetURN.String(),
			UserAgent:    "Calendar/1.0",
			IPAddr:       "203.0.113.9",
		}, subs[0])
	})

	t.Run("Uses remote address without proxy header", func(t *testing.T) {
		store := memory.NewSubscriptionStore()
		apiHandler := setupAPI(t, store)

		req := httptest.NewRequest("POST", "/api/v1/apn/subscriptions",
			jsonBody(t, api.SubscriptionRequest{Token: tokenA, Key: calKey}))
		req.RemoteAddr = "198.51.100.7:5555"
		w := httptest.NewRecorder()

		apiHandler.Register(w, withUser(req, targetURN.String()))

		require.Equal(t, http.StatusNoContent, w.Code)
		subs, _ := store.SubscriptionsByToken(ctx, tokenA)
		require.Len(t, subs, 1)
		assert.Equal(t, "198.51.100.7", subs[0].IPAddr)
	})

	t.Run("Rejects Invalid Token", func(t *testing.T) {
		store := memory.NewSubscriptionStore()
		apiHandler := setupAPI(t, store)
		req := httptest.NewRequest("POST", "/api/v1/apn/subscriptions",
			jsonBody(t, api.SubscriptionRequest{Token: "abc", Key: calKey}))
		w := httptest.NewRecorder()

		apiHandler.Register(w, withUser(req, targetURN.String()))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Zero(t, store.Len())
	})

	t.Run("Rejects Missing Key", func(t *testing.T) {
		apiHandler := setupAPI(t, memory.NewSubscriptionStore())
		req := httptest.NewRequest("POST", "/api/v1/apn/subscriptions",
			jsonBody(t, api.SubscriptionRequest{Token: tokenA}))
		w := httptest.NewRecorder()

		apiHandler.Register(w, withUser(req, targetURN.String()))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Rejects Malformed JSON", func(t *testing.T) {
		apiHandler := setupAPI(t, memory.NewSubscriptionStore())
		req := httptest.NewRequest("POST", "/api/v1/apn/subscriptions", strings.NewReader("{"))
		w := httptest.NewRecorder()

		apiHandler.Register(w, withUser(req, targetURN.String()))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Rejects Anonymous Caller", func(t *testing.T) {
		apiHandler := setupAPI(t, memory.NewSubscriptionStore())
		req := httptest.NewRequest("POST", "/api/v1/apn/subscriptions",
			jsonBody(t, api.SubscriptionRequest{Token: tokenA, Key: calKey}))
		w := httptest.NewRecorder()

		apiHandler.Register(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Storage Failure", func(t *testing.T) {
		store := new(failingStore)
		store.On("AddSubscription", mock.Anything, mock.Anything).Return(errors.New("db down"))
		apiHandler := setupAPI(t, store)
		req := httptest.NewRequest("POST", "/api/v1/apn/subscriptions",
			jsonBody(t, api.SubscriptionRequest{Token: tokenA, Key: calKey}))
		w := httptest.NewRecorder()

		apiHandler.Register(w, withUser(req, targetURN.String()))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		store.AssertExpectations(t)
	})
}

func TestUnregister(t *testing.T) {
	ctx := context.Background()
	owner, _ := urn.Parse("urn:test:user:123")
	other, _ := urn.Parse("urn:test:user:456")

	seed := func(t *testing.T) *memory.SubscriptionStore {
		store := memory.NewSubscriptionStore()
		require.NoError(t, store.AddSubscription(ctx, push.Subscription{
			Token: tokenA, ResourceKey: calKey, Modified: 1, SubscriberID: owner.String(),
		}))
		return store
	}

	t.Run("Success - owner removes subscription", func(t *testing.T) {
		store := seed(t)
		apiHandler := setupAPI(t, store)
		req := httptest.NewRequest("DELETE", "/api/v1/apn/subscriptions",
			jsonBody(t, api.SubscriptionRequest{Token: tokenA, Key: calKey}))
		w := httptest.NewRecorder()

		apiHandler.Unregister(w, withUser(req, owner.String()))

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Zero(t, store.Len())
	})

	t.Run("Other subscriber cannot remove it", func(t *testing.T) {
		store := seed(t)
		apiHandler := setupAPI(t, store)
		req := httptest.NewRequest("DELETE", "/api/v1/apn/subscriptions",
			jsonBody(t, api.SubscriptionRequest{Token: tokenA, Key: calKey}))
		w := httptest.NewRecorder()

		apiHandler.Unregister(w, withUser(req, other.String()))

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, 1, store.Len())
	})
}

func TestListAndTopics(t *testing.T) {
	ctx := context.Background()
	owner, _ := urn.Parse("urn:test:user:123")

	t.Run("List returns only the caller's subscriptions", func(t *testing.T) {
		store := memory.NewSubscriptionStore()
		require.NoError(t, store.AddSubscription(ctx, push.Subscription{
			Token: tokenA, ResourceKey: calKey, Modified: 1, SubscriberID: owner.String(),
		}))
		require.NoError(t, store.AddSubscription(ctx, push.Subscription{
			Token: tokenA, ResourceKey: "/CalDAV/other/", Modified: 1, SubscriberID: "urn:test:user:999",
		}))
		apiHandler := setupAPI(t, store)
		w := httptest.NewRecorder()

		apiHandler.List(w, withUser(httptest.NewRequest("GET", "/api/v1/apn/subscriptions", nil), owner.String()))

		require.Equal(t, http.StatusOK, w.Code)
		var subs []push.Subscription
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &subs))
		require.Len(t, subs, 1)
		assert.Equal(t, calKey, subs[0].ResourceKey)
	})

	t.Run("List is an empty array when nothing is registered", func(t *testing.T) {
		apiHandler := setupAPI(t, memory.NewSubscriptionStore())
		w := httptest.NewRecorder()

		apiHandler.List(w, withUser(httptest.NewRequest("GET", "/api/v1/apn/subscriptions", nil), owner.String()))

		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, "[]", w.Body.String())
	})

	t.Run("Topics", func(t *testing.T) {
		apiHandler := setupAPI(t, memory.NewSubscriptionStore())
		w := httptest.NewRecorder()

		apiHandler.ListTopics(w, httptest.NewRequest("GET", "/api/v1/apn/topics", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t,
			`[{"identity":"calendar","namespace":"/CalDAV/","topic":"com.apple.calendar.XServer.abc"}]`,
			w.Body.String())
	})
}
