package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-apn-service/internal/apn"
	"github.com/tinywideclouds/go-apn-service/internal/clock"
	"github.com/tinywideclouds/go-apn-service/pkg/push"
)

// TopicLister reports the push topics served by this deployment.
type TopicLister interface {
	Topics() []push.Topic
}

type SubscriptionAPI struct {
	Store  push.SubscriptionStore
	Topics TopicLister
	Clock  clock.Clock
	Logger *slog.Logger
}

func NewSubscriptionAPI(store push.SubscriptionStore, topics TopicLister, clk clock.Clock, logger *slog.Logger) *SubscriptionAPI {
	return &SubscriptionAPI{
		Store:  store,
		Topics: topics,
		Clock:  clk,
		Logger: logger.With("component", "SubscriptionAPI"),
	}
}

type SubscriptionRequest struct {
	Token string `json:"token"`
	Key   string `json:"key"`
}

// subscriber resolves the authenticated caller, writing a 401 if there is none.
func subscriber(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserHandleFromContext(r.Context())
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	userURN, err := urn.Parse(userID)
	if err != nil {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userURN.String(), true
}

func decodeSubscriptionRequest(w http.ResponseWriter, r *http.Request) (SubscriptionRequest, bool) {
	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return req, false
	}
	if !apn.ValidToken(req.Token) {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid token")
		return req, false
	}
	if strings.TrimSpace(req.Key) == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing key")
		return req, false
	}
	req.Token = apn.CanonicalToken(req.Token)
	return req, true
}

// Register creates or refreshes a subscription for the caller.
func (api *SubscriptionAPI) Register(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := subscriber(w, r)
	if !ok {
		return
	}
	req, ok := decodeSubscriptionRequest(w, r)
	if !ok {
		return
	}

	sub := push.Subscription{
		Token:        req.Token,
		ResourceKey:  req.Key,
		Modified:     api.Clock.Now().Unix(),
		SubscriberID: subscriberID,
		UserAgent:    r.UserAgent(),
		IPAddr:       clientIP(r),
	}
	if err := api.Store.AddSubscription(r.Context(), sub); err != nil {
		if errors.Is(err, push.ErrInvalidSubscription) {
			response.WriteJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		api.Logger.Error("Failed to add subscription", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("Subscription registered", "subscriber", subscriberID, "key", req.Key)

	w.WriteHeader(http.StatusNoContent)
}

// Unregister removes one of the caller's subscriptions. Unknown
// subscriptions are not an error.
func (api *SubscriptionAPI) Unregister(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := subscriber(w, r)
	if !ok {
		return
	}
	req, ok := decodeSubscriptionRequest(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	subs, err := api.Store.SubscriptionsByToken(ctx, req.Token)
	if err != nil {
		api.Logger.Error("Failed to look up subscriptions", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	for _, sub := range subs {
		if sub.ResourceKey != req.Key || sub.SubscriberID != subscriberID {
			continue
		}
		if err := api.Store.DeleteSubscription(ctx, req.Token, req.Key); err != nil {
			api.Logger.Error("Failed to delete subscription", "err", err)
			response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
			return
		}
		api.Logger.Info("Subscription unregistered", "subscriber", subscriberID, "key", req.Key)
		break
	}

	w.WriteHeader(http.StatusNoContent)
}

// List returns the caller's subscriptions.
func (api *SubscriptionAPI) List(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := subscriber(w, r)
	if !ok {
		return
	}
	subs, err := api.Store.SubscriptionsBySubscriber(r.Context(), subscriberID)
	if err != nil {
		api.Logger.Error("Failed to list subscriptions", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	if subs == nil {
		subs = []push.Subscription{}
	}
	writeJSON(w, api.Logger, subs)
}

// ListTopics returns the push topics clients may register for.
func (api *SubscriptionAPI) ListTopics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, api.Logger, api.Topics.Topics())
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", "err", err)
	}
}

// clientIP prefers the first X-Forwarded-For hop over the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
