package apn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-apn-service/internal/clock"
	"github.com/tinywideclouds/go-apn-service/pkg/push"
)

const (
	DefaultExpiration   = 72 * time.Hour
	DefaultRetryDelay   = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	readBufferSize = 4096
)

var (
	// ErrStopped is returned by operations on a stopped connection.
	ErrStopped = errors.New("apn: connection stopped")
	// ErrNotConnected is returned when a write is attempted without a connection.
	ErrNotConnected = errors.New("apn: not connected")
)

// ConnectionState is the lifecycle state of a ProviderConnection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ProviderConfig holds the delivery policy for one identity.
type ProviderConfig struct {
	Identity        string
	StaggerEnabled  bool
	StaggerInterval time.Duration
	Expiration      time.Duration
	HistorySize     int
	RetryDelay      time.Duration
	// WriteTimeout bounds each frame write on connections that support
	// write deadlines.
	WriteTimeout time.Duration
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// ProviderConnection owns the outbound gateway connection for one identity,
// together with its delivery queue and sent-token history.
type ProviderConnection struct {
	cfg       ProviderConfig
	connector Connector
	store     push.SubscriptionStore
	clock     clock.Clock
	logger    *slog.Logger

	mu                sync.Mutex
	state             ConnectionState
	conn              io.ReadWriteCloser
	connID            string
	generation        uint64
	queue             DeliveryQueue
	history           *TokenHistory
	buffer            FrameBuffer
	staggerTimer      *clock.Timer
	retryTimer        *clock.Timer
	lastStaggeredSend time.Time
	writing           bool
	flushing          bool
	stopped           bool
	runCtx            context.Context
}

// NewProviderConnection creates a disconnected provider connection.
func NewProviderConnection(
	cfg ProviderConfig,
	connector Connector,
	store push.SubscriptionStore,
	clk clock.Clock,
	logger *slog.Logger,
) *ProviderConnection {
	if cfg.Expiration <= 0 {
		cfg.Expiration = DefaultExpiration
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &ProviderConnection{
		cfg:       cfg,
		connector: connector,
		store:     store,
		clock:     clk,
		logger:    logger.With("component", "ProviderConnection", "identity", cfg.Identity),
		history:   NewTokenHistory(cfg.HistorySize),
		runCtx:    context.Background(),
	}
}

func (p *ProviderConnection) Identity() string {
	return p.cfg.Identity
}

// Start records ctx for background work and makes the first connection attempt.
func (p *ProviderConnection) Start(ctx context.Context) error {
	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()
	return p.Connect(ctx)
}

// Connect dials the gateway if the connection is disconnected. On success the
// queued backlog is flushed; on failure another attempt is scheduled after
// the retry delay.
func (p *ProviderConnection) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.state != StateDisconnected {
		p.mu.Unlock()
		return nil
	}
	p.setStateLocked(StateConnecting)
	p.mu.Unlock()

	conn, err := p.connector.Connect(ctx, p.cfg.Identity, ChannelProvider)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrStopped
	}
	if err != nil {
		p.setStateLocked(StateDisconnected)
		p.logger.Warn("Failed to connect to gateway", "err", err, "retry_in", p.cfg.RetryDelay)
		p.scheduleRetryLocked()
		p.mu.Unlock()
		return fmt.Errorf("failed to connect provider %s: %w", p.cfg.Identity, err)
	}

	p.generation++
	p.conn = conn
	p.connID = uuid.NewString()
	p.buffer.Reset()
	p.setStateLocked(StateConnected)
	p.logger.Info("Connected to gateway", "conn_id", p.connID, "queued", p.queue.Len())

	go p.readLoop(p.generation, conn)
	p.flushing = true
	p.mu.Unlock()

	p.drain()
	return nil
}

// Stop closes the connection and cancels pending sends and retries. Queued
// items are kept but never sent.
func (p *ProviderConnection) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
	p.dropLocked()
	p.logger.Info("Provider connection stopped", "queued", p.queue.Len())
}

// Enqueue adds a notification to the delivery queue and sends it if the
// connection and the staggering policy allow. If another goroutine is
// already writing, the item is left for it and Enqueue returns at once.
func (p *ProviderConnection) Enqueue(item QueuedNotification) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.queue.Push(item)
	recordQueueDepth(p.cfg.Identity, p.queue.Len())
	connected := p.state == StateConnected
	p.mu.Unlock()

	if connected {
		p.drain()
	}
	return nil
}

func (p *ProviderConnection) State() ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Pending returns the queued notifications in delivery order.
func (p *ProviderConnection) Pending() []QueuedNotification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Items()
}

// History returns the sent-token history, oldest first.
func (p *ProviderConnection) History() []HistoryEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history.Entries()
}

// ProcessError handles one error report from the gateway. The reported
// identifier is removed from history; for an invalid token status every
// subscription for the token is deleted. Unknown identifiers are ignored.
func (p *ProviderConnection) ProcessError(ctx context.Context, report ErrorReport) error {
	recordErrorReport(p.cfg.Identity, report.Status)

	p.mu.Lock()
	token, ok := p.history.ExtractIdentifier(report.Identifier)
	p.mu.Unlock()
	if !ok {
		p.logger.Debug("Error report for unknown identifier", "identifier", report.Identifier, "status", report.Status.String())
		return nil
	}

	p.logger.Warn("Gateway rejected notification",
		"identifier", report.Identifier,
		"status", report.Status.String(),
		"token", token,
	)
	if !report.Status.Permanent() {
		return nil
	}

	subs, err := p.store.SubscriptionsByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to look up subscriptions for invalid token: %w", err)
	}
	if err := p.store.DeleteSubscriptions(ctx, token); err != nil {
		return fmt.Errorf("failed to delete subscriptions for invalid token: %w", err)
	}
	RecordSubscriptionsRemoved(p.cfg.Identity, "invalid_token", len(subs))
	p.logger.Info("Removed subscriptions for invalid token", "token", token, "count", len(subs))
	return nil
}

func (p *ProviderConnection) readLoop(gen uint64, conn io.Reader) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			p.dataReceived(gen, buf[:n])
		}
		if err != nil {
			p.connectionLost(gen, err)
			return
		}
	}
}

func (p *ProviderConnection) dataReceived(gen uint64, data []byte) {
	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return
	}
	p.buffer.Feed(data)
	var reports []ErrorReport
	for frame := range p.buffer.Frames(FixedLength(ErrorFrameSize)) {
		report, err := DecodeErrorReport(frame)
		if err != nil {
			p.logger.Warn("Skipping undecodable gateway frame", "err", err)
			continue
		}
		reports = append(reports, report)
	}
	ctx := p.runCtx
	p.mu.Unlock()

	for _, report := range reports {
		if err := p.ProcessError(ctx, report); err != nil {
			p.logger.Error("Failed to process error report", "err", err, "identifier", report.Identifier)
		}
	}
}

func (p *ProviderConnection) connectionLost(gen uint64, err error) {
	p.mu.Lock()
	if gen != p.generation || p.state != StateConnected {
		p.mu.Unlock()
		return
	}
	if errors.Is(err, io.EOF) {
		p.logger.Info("Gateway closed connection", "conn_id", p.connID)
	} else {
		p.logger.Warn("Lost gateway connection", "conn_id", p.connID, "err", err)
	}
	p.dropLocked()
	p.mu.Unlock()

	p.reconnect()
}

func (p *ProviderConnection) reconnect() {
	p.mu.Lock()
	ctx := p.runCtx
	p.mu.Unlock()
	// Failures are logged and rescheduled by Connect.
	_ = p.Connect(ctx)
}

func (p *ProviderConnection) scheduleRetryLocked() {
	if p.retryTimer != nil {
		p.retryTimer.Stop()
	}
	p.retryTimer = p.clock.AfterFunc(p.cfg.RetryDelay, func() {
		p.mu.Lock()
		p.retryTimer = nil
		p.mu.Unlock()
		p.reconnect()
	})
}

// dropLocked tears down the current connection. Reads from the old
// connection are ignored from here on.
func (p *ProviderConnection) dropLocked() {
	if p.staggerTimer != nil {
		p.staggerTimer.Stop()
		p.staggerTimer = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.generation++
	p.buffer.Reset()
	p.setStateLocked(StateDisconnected)
}

func (p *ProviderConnection) setStateLocked(state ConnectionState) {
	p.state = state
	recordConnectionState(p.cfg.Identity, state)
}

func (p *ProviderConnection) staggering() bool {
	return p.cfg.StaggerEnabled && p.cfg.StaggerInterval > 0
}

// drain writes queued items until the queue is empty, the connection goes
// away or the staggering policy holds the next item back. Only one goroutine
// drains at a time. Writes happen with the mutex released.
func (p *ProviderConnection) drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writing {
		return
	}
	p.writing = true
	defer func() { p.writing = false }()

	for !p.stopped && p.state == StateConnected && p.queue.Len() > 0 {
		staggered := p.staggering() && !p.flushing
		now := p.clock.Now()
		if staggered {
			if p.staggerTimer != nil {
				return
			}
			if !p.lastStaggeredSend.IsZero() {
				if wait := p.cfg.StaggerInterval - now.Sub(p.lastStaggeredSend); wait > 0 {
					p.staggerTimer = p.clock.AfterFunc(wait, p.staggerTick)
					return
				}
			}
		}
		if err := p.sendOneLocked(now); err != nil {
			if errors.Is(err, ErrNotConnected) {
				return
			}
			// The loop condition decides whether a newer connection takes over.
			continue
		}
		if staggered {
			p.lastStaggeredSend = now
			if p.queue.Len() > 0 && !p.stopped && p.state == StateConnected {
				p.staggerTimer = p.clock.AfterFunc(p.cfg.StaggerInterval, p.staggerTick)
			}
			return
		}
	}
	if p.queue.Len() == 0 {
		p.flushing = false
	}
}

func (p *ProviderConnection) staggerTick() {
	p.mu.Lock()
	p.staggerTimer = nil
	p.mu.Unlock()
	p.drain()
}

// sendOneLocked pops the queue head and writes it. The mutex is released for
// the duration of the write and held again on return. Items that cannot be
// encoded are dropped. A write failure puts the item back at the head and,
// if the connection is still current, drops it and starts a reconnect.
func (p *ProviderConnection) sendOneLocked(now time.Time) error {
	if p.conn == nil {
		return ErrNotConnected
	}
	item, ok := p.queue.PopNext()
	if !ok {
		return nil
	}
	recordQueueDepth(p.cfg.Identity, p.queue.Len())

	identifier := p.history.Add(item.Token)
	frame, err := EncodeNotification(Notification{
		Token:                item.Token,
		ResourceKey:          item.ResourceKey,
		DataChangedTimestamp: item.DataChangedTimestamp,
		SubmittedTimestamp:   now.Unix(),
		Identifier:           identifier,
		Expiration:           uint32(now.Add(p.cfg.Expiration).Unix()),
		Priority:             item.Priority,
	})
	if err != nil {
		p.history.ExtractIdentifier(identifier)
		p.logger.Error("Dropping notification that cannot be encoded",
			"err", err, "token", item.Token, "resource_key", item.ResourceKey)
		return nil
	}

	conn, gen, connID := p.conn, p.generation, p.connID
	p.mu.Unlock()
	err = p.write(conn, frame)
	p.mu.Lock()

	if err != nil {
		p.history.ExtractIdentifier(identifier)
		p.queue.PushFront(item)
		recordQueueDepth(p.cfg.Identity, p.queue.Len())
		if !p.stopped && gen == p.generation {
			p.logger.Warn("Failed to write notification, reconnecting", "conn_id", connID, "err", err)
			p.dropLocked()
			go p.reconnect()
		}
		return fmt.Errorf("failed to write notification: %w", err)
	}

	recordFrameSent(p.cfg.Identity)
	p.logger.Debug("Sent notification",
		"conn_id", connID,
		"identifier", identifier,
		"token", item.Token,
		"resource_key", item.ResourceKey,
	)
	return nil
}

// write sends one frame. Network deadlines use wall-clock time.
func (p *ProviderConnection) write(conn io.Writer, frame []byte) error {
	if d, ok := conn.(writeDeadliner); ok {
		if err := d.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	_, err := conn.Write(frame)
	return err
}
