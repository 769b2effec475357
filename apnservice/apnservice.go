package apnservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tinywideclouds/go-apn-service/apnservice/config"
	"github.com/tinywideclouds/go-apn-service/internal/apn"
	"github.com/tinywideclouds/go-apn-service/internal/clock"
	"github.com/tinywideclouds/go-apn-service/pkg/push"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("push service already started")

type identityUnit struct {
	cfg      config.IdentityConfig
	provider *apn.ProviderConnection
	feedback *apn.FeedbackConnection
}

// PushService owns one provider and one feedback connection per enabled
// identity and routes change events to them by resource namespace.
type PushService struct {
	cfg    config.ApnConfig
	store  push.SubscriptionStore
	clock  clock.Clock
	logger *slog.Logger

	units  []*identityUnit
	byName map[string]*identityUnit

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	timers  map[string]*clock.Timer
	started bool
	stopped bool
}

// NewPushService builds the per-identity connections. Nothing is dialled
// until Start.
func NewPushService(
	cfg config.ApnConfig,
	store push.SubscriptionStore,
	connector apn.Connector,
	clk clock.Clock,
	logger *slog.Logger,
) *PushService {
	s := &PushService{
		cfg:    cfg,
		store:  store,
		clock:  clk,
		logger: logger.With("component", "PushService"),
		byName: make(map[string]*identityUnit),
		timers: make(map[string]*clock.Timer),
	}
	if !cfg.Enabled {
		s.logger.Info("APN delivery disabled")
		return s
	}

	for _, id := range cfg.EnabledIdentities() {
		unit := &identityUnit{
			cfg: id,
			provider: apn.NewProviderConnection(apn.ProviderConfig{
				Identity:        id.Name,
				StaggerEnabled:  cfg.StaggerEnabled,
				StaggerInterval: cfg.StaggerInterval,
				Expiration:      cfg.Expiration,
				HistorySize:     cfg.HistorySize,
				RetryDelay:      cfg.RetryDelay,
				WriteTimeout:    cfg.ConnectTimeout,
			}, connector, store, clk, logger),
			feedback: apn.NewFeedbackConnection(id.Name, connector, store, logger),
		}
		s.units = append(s.units, unit)
		s.byName[id.Name] = unit
	}
	return s
}

// Enqueue queues a push for every valid device subscribed to resourceKey on
// the identity whose namespace the key falls under. A zero
// dataChangedTimestamp means now.
func (s *PushService) Enqueue(ctx context.Context, resourceKey string, dataChangedTimestamp int64, priority push.Priority) error {
	unit := s.identityFor(resourceKey)
	if unit == nil {
		s.logger.Debug("No identity serves resource", "resource_key", resourceKey)
		return nil
	}
	if dataChangedTimestamp == 0 {
		dataChangedTimestamp = s.clock.Now().Unix()
	}

	subs, err := s.store.SubscriptionsByResource(ctx, resourceKey)
	if err != nil {
		return fmt.Errorf("failed to look up subscriptions for %s: %w", resourceKey, err)
	}

	queued := 0
	for _, sub := range subs {
		if !apn.ValidToken(sub.Token) {
			s.logger.Warn("Skipping subscription with invalid token", "token", sub.Token, "resource_key", resourceKey)
			continue
		}
		err := unit.provider.Enqueue(apn.QueuedNotification{
			Token:                apn.CanonicalToken(sub.Token),
			ResourceKey:          resourceKey,
			DataChangedTimestamp: dataChangedTimestamp,
			Priority:             priority,
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue for %s: %w", unit.cfg.Name, err)
		}
		queued++
	}
	s.logger.Debug("Enqueued change notification",
		"identity", unit.cfg.Name,
		"resource_key", resourceKey,
		"priority", priority.String(),
		"queued", queued,
	)
	return nil
}

// identityFor returns the identity with the longest namespace prefixing key.
func (s *PushService) identityFor(resourceKey string) *identityUnit {
	var best *identityUnit
	for _, unit := range s.units {
		if !strings.HasPrefix(resourceKey, unit.cfg.Namespace) {
			continue
		}
		if best == nil || len(unit.cfg.Namespace) > len(best.cfg.Namespace) {
			best = unit
		}
	}
	return best
}

// Start connects identity i after i × ConnectOffset and schedules the
// feedback polls and the subscription purge.
func (s *PushService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx

	for _, unit := range s.units {
		s.scheduleLocked("feedback:"+unit.cfg.Name, s.cfg.FeedbackInterval, func(ctx context.Context) {
			if _, err := s.pollFeedback(ctx, unit); err != nil {
				s.logger.Warn("Feedback poll failed", "identity", unit.cfg.Name, "err", err)
			}
		})
	}
	if len(s.units) > 0 {
		s.scheduleLocked("purge", s.cfg.PurgeInterval, func(ctx context.Context) {
			if _, err := s.PurgeSubscriptions(ctx); err != nil {
				s.logger.Error("Subscription purge failed", "err", err)
			}
		})
	}
	s.mu.Unlock()

	// Timers are armed without the lock: a fake clock runs zero-delay
	// callbacks inside AfterFunc.
	for i, unit := range s.units {
		delay := time.Duration(i) * s.cfg.ConnectOffset
		timer := s.clock.AfterFunc(delay, func() {
			if s.isStopped() {
				return
			}
			// Failures are retried by the provider itself.
			_ = unit.provider.Start(runCtx)
		})
		s.mu.Lock()
		s.timers["connect:"+unit.cfg.Name] = timer
		s.mu.Unlock()
	}

	s.logger.Info("Push service started", "identities", len(s.units))
	return nil
}

// scheduleLocked runs task every interval until Stop.
func (s *PushService) scheduleLocked(name string, interval time.Duration, task func(context.Context)) {
	if interval <= 0 {
		return
	}
	s.timers[name] = s.clock.AfterFunc(interval, func() {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		ctx := s.ctx
		s.mu.Unlock()

		task(ctx)

		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.stopped {
			s.scheduleLocked(name, interval, task)
		}
	})
}

func (s *PushService) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop cancels every scheduled task and closes every connection.
func (s *PushService) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for name, timer := range s.timers {
		timer.Stop()
		delete(s.timers, name)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	for _, unit := range s.units {
		unit.provider.Stop()
		unit.feedback.Stop()
	}
	s.logger.Info("Push service stopped")
}

// PurgeSubscriptions deletes every subscription not refreshed within the
// retention window and returns how many were removed.
func (s *PushService) PurgeSubscriptions(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.RetentionWindow).Unix()
	removed, err := s.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge subscriptions: %w", err)
	}
	if len(removed) > 0 {
		apn.RecordSubscriptionsRemoved("all", "expired", len(removed))
	}
	s.logger.Info("Purged expired subscriptions", "cutoff", cutoff, "removed", len(removed))
	return len(removed), nil
}

// PollFeedback polls the feedback service of every identity once.
func (s *PushService) PollFeedback(ctx context.Context) error {
	var errs []error
	for _, unit := range s.units {
		if _, err := s.pollFeedback(ctx, unit); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", unit.cfg.Name, err))
		}
	}
	return errors.Join(errs...)
}

// pollFeedback runs one poll bounded by the feedback interval, so a stalled
// feedback service cannot hold up the next scheduled poll.
func (s *PushService) pollFeedback(ctx context.Context, unit *identityUnit) (int, error) {
	timeout := s.cfg.FeedbackInterval
	if timeout <= 0 {
		timeout = config.DefaultFeedbackInterval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return unit.feedback.Poll(ctx)
}

// Provider returns the provider connection for identity, or nil.
func (s *PushService) Provider(identity string) *apn.ProviderConnection {
	if unit, ok := s.byName[identity]; ok {
		return unit.provider
	}
	return nil
}

// Feedback returns the feedback connection for identity, or nil.
func (s *PushService) Feedback(identity string) *apn.FeedbackConnection {
	if unit, ok := s.byName[identity]; ok {
		return unit.feedback
	}
	return nil
}

// Topics lists the enabled identities and the topics clients register for.
func (s *PushService) Topics() []push.Topic {
	topics := make([]push.Topic, 0, len(s.units))
	for _, unit := range s.units {
		topics = append(topics, push.Topic{
			Identity:  unit.cfg.Name,
			Namespace: unit.cfg.Namespace,
			Topic:     unit.cfg.Topic,
		})
	}
	return topics
}
