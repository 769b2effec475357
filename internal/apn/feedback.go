package apn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-apn-service/pkg/push"
)

// ErrPollInProgress is returned when a feedback poll is already running.
var ErrPollInProgress = errors.New("apn: feedback poll in progress")

// FeedbackConnection polls the feedback service for tokens that the gateway
// has reported as no longer accepting pushes.
type FeedbackConnection struct {
	identity  string
	connector Connector
	store     push.SubscriptionStore
	logger    *slog.Logger

	mu      sync.Mutex
	buffer  FrameBuffer
	polling bool
	cancel  context.CancelFunc
	stopped bool
}

// NewFeedbackConnection creates a feedback poller for identity.
func NewFeedbackConnection(identity string, connector Connector, store push.SubscriptionStore, logger *slog.Logger) *FeedbackConnection {
	return &FeedbackConnection{
		identity:  identity,
		connector: connector,
		store:     store,
		logger:    logger.With("component", "FeedbackConnection", "identity", identity),
	}
}

// Poll connects to the feedback service, reads until the service closes the
// connection and processes every record received. It returns the number of
// records processed.
func (f *FeedbackConnection) Poll(ctx context.Context) (int, error) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return 0, ErrStopped
	}
	if f.polling {
		f.mu.Unlock()
		return 0, ErrPollInProgress
	}
	ctx, cancel := context.WithCancel(ctx)
	f.polling = true
	f.cancel = cancel
	f.buffer.Reset()
	f.mu.Unlock()

	defer func() {
		cancel()
		f.mu.Lock()
		f.polling = false
		f.cancel = nil
		f.mu.Unlock()
	}()

	pollID := uuid.NewString()
	logger := f.logger.With("poll_id", pollID)

	conn, err := f.connector.Connect(ctx, f.identity, ChannelFeedback)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to feedback service: %w", err)
	}
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		if stopClose() {
			_ = conn.Close()
		}
	}()

	processed := 0
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			for _, record := range f.dataReceived(buf[:n], logger) {
				if err := f.ProcessFeedback(ctx, record); err != nil {
					logger.Error("Failed to process feedback record", "err", err, "token", record.Token)
					continue
				}
				processed++
			}
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return processed, fmt.Errorf("feedback poll interrupted: %w", ctx.Err())
			}
			if errors.Is(readErr, io.EOF) {
				break
			}
			return processed, fmt.Errorf("failed to read feedback: %w", readErr)
		}
	}

	f.mu.Lock()
	leftover := f.buffer.Len()
	f.mu.Unlock()
	if leftover > 0 {
		logger.Warn("Feedback connection closed mid-frame", "bytes", leftover)
	}
	logger.Info("Feedback poll complete", "records", processed)
	return processed, nil
}

// Stop cancels a running poll and prevents new ones.
func (f *FeedbackConnection) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *FeedbackConnection) dataReceived(data []byte, logger *slog.Logger) []FeedbackRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffer.Feed(data)

	var records []FeedbackRecord
	for frame := range f.buffer.Frames(FixedLength(FeedbackFrameSize)) {
		record, err := DecodeFeedbackRecord(frame)
		if err != nil {
			logger.Warn("Skipping malformed feedback frame", "err", err)
			continue
		}
		recordFeedbackRecord(f.identity)
		records = append(records, record)
	}
	return records
}

// ProcessFeedback deletes the subscriptions for record's token that were
// last modified before the gateway saw the token become invalid. Newer
// subscriptions belong to a device that re-registered and are kept.
func (f *FeedbackConnection) ProcessFeedback(ctx context.Context, record FeedbackRecord) error {
	subs, err := f.store.SubscriptionsByToken(ctx, record.Token)
	if err != nil {
		return fmt.Errorf("failed to look up subscriptions: %w", err)
	}

	removed := 0
	for _, sub := range subs {
		if sub.Modified >= int64(record.Timestamp) {
			continue
		}
		if err := f.store.DeleteSubscription(ctx, sub.Token, sub.ResourceKey); err != nil {
			return fmt.Errorf("failed to delete subscription %s: %w", sub.ResourceKey, err)
		}
		removed++
	}
	if removed > 0 {
		RecordSubscriptionsRemoved(f.identity, "feedback", removed)
	}
	f.logger.Debug("Processed feedback record",
		"token", record.Token,
		"timestamp", record.Timestamp,
		"removed", removed,
		"kept", len(subs)-removed,
	)
	return nil
}
