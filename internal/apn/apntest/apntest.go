// Package apntest provides in-memory gateway connections for tests.
package apntest

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/tinywideclouds/go-apn-service/internal/apn"
)

// ErrClosed is returned by reads and writes on a closed FakeConn.
var ErrClosed = errors.New("apntest: connection closed")

// FakeConn is an in-memory gateway connection. Writes are recorded; reads
// return data passed to Deliver and io.EOF once the gateway side is closed.
type FakeConn struct {
	mu       sync.Mutex
	writes   [][]byte
	closed   bool
	writeErr error

	incoming chan []byte
	done     chan struct{}
	once     sync.Once
	pending  []byte
}

// NewFakeConn returns an open connection.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		incoming: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

func (c *FakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *FakeConn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		select {
		case data := <-c.incoming:
			c.pending = data
		case <-c.done:
			select {
			case data := <-c.incoming:
				c.pending = data
			default:
				return 0, io.EOF
			}
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Close closes the connection from the client side.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

// Deliver queues bytes for the client to read.
func (c *FakeConn) Deliver(data []byte) {
	c.incoming <- append([]byte(nil), data...)
}

// Hangup ends the stream; reads return io.EOF after any delivered data.
func (c *FakeConn) Hangup() {
	c.once.Do(func() { close(c.done) })
}

// FailWrites makes subsequent writes return err.
func (c *FakeConn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Writes returns a copy of every successful write, in order.
func (c *FakeConn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Notifications decodes every successful write.
func (c *FakeConn) Notifications() ([]apn.Notification, error) {
	var out []apn.Notification
	for _, frame := range c.Writes() {
		n, err := apn.DecodeNotification(frame)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

type connKey struct {
	identity string
	channel  apn.Channel
}

// FakeConnector hands out FakeConns and records every connection made.
// Feedback connections deliver the data set with SetFeedback and then hang up,
// unless StallFeedback was called for the identity first.
type FakeConnector struct {
	mu       sync.Mutex
	conns    map[connKey][]*FakeConn
	feedback map[string][]byte
	stalled  map[string]bool
	failures map[connKey]int
	err      error
}

func NewFakeConnector() *FakeConnector {
	return &FakeConnector{
		conns:    make(map[connKey][]*FakeConn),
		feedback: make(map[string][]byte),
		stalled:  make(map[string]bool),
		failures: make(map[connKey]int),
		err:      errors.New("apntest: connect refused"),
	}
}

func (f *FakeConnector) Connect(ctx context.Context, identity string, channel apn.Channel) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	key := connKey{identity, channel}
	if f.failures[key] > 0 {
		f.failures[key]--
		return nil, f.err
	}

	conn := NewFakeConn()
	f.conns[key] = append(f.conns[key], conn)
	if channel == apn.ChannelFeedback {
		if data := f.feedback[identity]; len(data) > 0 {
			conn.Deliver(data)
		}
		delete(f.feedback, identity)
		if !f.stalled[identity] {
			conn.Hangup()
		}
		delete(f.stalled, identity)
	}
	return conn, nil
}

// FailNext makes the next n connection attempts for identity and channel fail.
func (f *FakeConnector) FailNext(identity string, channel apn.Channel, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[connKey{identity, channel}] = n
}

// SetFeedback sets the bytes served by the next feedback connection for identity.
func (f *FakeConnector) SetFeedback(identity string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedback[identity] = data
}

// StallFeedback makes the next feedback connection for identity stay open
// after delivering its data, like a service that stops responding.
func (f *FakeConnector) StallFeedback(identity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stalled[identity] = true
}

// Conns returns every connection made for identity and channel, oldest first.
func (f *FakeConnector) Conns(identity string, channel apn.Channel) []*FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeConn(nil), f.conns[connKey{identity, channel}]...)
}

// Last returns the most recent connection for identity and channel, or nil.
func (f *FakeConnector) Last(identity string, channel apn.Channel) *FakeConn {
	conns := f.Conns(identity, channel)
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// EncodeErrorReport builds the gateway's 6 byte error report frame.
func EncodeErrorReport(status apn.Status, identifier uint32) []byte {
	out := []byte{apn.CommandErrorResponse, byte(status)}
	return binary.BigEndian.AppendUint32(out, identifier)
}

// EncodeFeedbackRecord builds a 38 byte feedback frame.
func EncodeFeedbackRecord(timestamp uint32, token string) ([]byte, error) {
	raw, err := apn.TokenToBinary(token)
	if err != nil {
		return nil, err
	}
	out := binary.BigEndian.AppendUint32(nil, timestamp)
	out = binary.BigEndian.AppendUint16(out, uint16(len(raw)))
	return append(out, raw...), nil
}
