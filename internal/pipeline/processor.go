package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-apn-service/pkg/push"
)

// NewProcessor hands each change event to the enqueuer. An enqueue error is
// returned so the message is retried.
func NewProcessor(
	enqueuer push.Enqueuer,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[ChangeEvent] {

	return func(ctx context.Context, original messagepipeline.Message, event *ChangeEvent) error {
		procLogger := logger.With(
			"resource_key", event.ResourceKey,
			"pubsub_msg_id", original.ID,
		)

		if err := enqueuer.Enqueue(ctx, event.ResourceKey, event.DataChangedTimestamp, event.Priority); err != nil {
			procLogger.Error("Failed to enqueue change event", "err", err)
			return err
		}
		procLogger.Debug("Change event enqueued", "priority", event.Priority.String())
		return nil
	}
}
