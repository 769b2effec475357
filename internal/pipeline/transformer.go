// Package pipeline contains the message processing components that turn
// resource change events into queued pushes.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-apn-service/pkg/push"
)

// ErrMissingResourceKey is returned for change events without a resource key.
var ErrMissingResourceKey = errors.New("change event has no resource key")

// ChangeEvent announces that the data behind a resource key has changed.
type ChangeEvent struct {
	ResourceKey          string
	DataChangedTimestamp int64
	Priority             push.Priority
}

type changeEventJSON struct {
	ResourceKey          string `json:"resource_key"`
	DataChangedTimestamp int64  `json:"data_changed_timestamp"`
	Priority             string `json:"priority"`
}

// ChangeEventTransformer is a dataflow Transformer that unmarshals and
// validates a raw message payload into a ChangeEvent. Invalid payloads are
// skipped with an error so the StreamingService can Nack/DLQ them.
func ChangeEventTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*ChangeEvent, bool, error) {
	var raw changeEventJSON
	if err := json.Unmarshal(msg.Payload, &raw); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal change event from message %s: %w", msg.ID, err)
	}
	if strings.TrimSpace(raw.ResourceKey) == "" {
		return nil, true, fmt.Errorf("message %s: %w", msg.ID, ErrMissingResourceKey)
	}
	priority, err := push.ParsePriority(raw.Priority)
	if err != nil {
		return nil, true, fmt.Errorf("message %s: %w", msg.ID, err)
	}

	return &ChangeEvent{
		ResourceKey:          raw.ResourceKey,
		DataChangedTimestamp: raw.DataChangedTimestamp,
		Priority:             priority,
	}, false, nil
}
