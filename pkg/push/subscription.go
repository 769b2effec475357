// Package push contains the public domain models and interfaces shared by
// the APN delivery engine, its stores and its API.
package push

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSubscription is returned when a subscription is missing a
// required value.
var ErrInvalidSubscription = errors.New("invalid subscription values")

// Subscription is one device's registration for change notifications on a
// single resource.
type Subscription struct {
	Token        string `json:"token" firestore:"token"`
	ResourceKey  string `json:"resource_key" firestore:"resource_key"`
	Modified     int64  `json:"modified" firestore:"modified"`
	SubscriberID string `json:"subscriber_id" firestore:"subscriber_id"`
	UserAgent    string `json:"user_agent,omitempty" firestore:"user_agent"`
	IPAddr       string `json:"ip_addr,omitempty" firestore:"ip_addr"`
}

// Validate rejects subscriptions with an empty token, resource key or subscriber.
func (s Subscription) Validate() error {
	switch {
	case strings.TrimSpace(s.Token) == "":
		return fmt.Errorf("%w: empty token", ErrInvalidSubscription)
	case strings.TrimSpace(s.ResourceKey) == "":
		return fmt.Errorf("%w: empty resource key", ErrInvalidSubscription)
	case strings.TrimSpace(s.SubscriberID) == "":
		return fmt.Errorf("%w: empty subscriber id", ErrInvalidSubscription)
	}
	return nil
}

// Priority is the delivery urgency of a notification.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// ParsePriority maps "low", "medium" and "high" (any case) to a Priority.
// An empty string is treated as high.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "high":
		return PriorityHigh, nil
	case "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}
