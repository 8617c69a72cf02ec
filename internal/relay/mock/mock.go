// Package mock provides test doubles for the relay's channel and command-bus
// capabilities.
package mock

import (
	"context"
	"sync"
)

// Channel is an in-memory relay.Channel recording every sent message.
type Channel struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool

	// SendErr, when non-nil, is returned by every Send call.
	SendErr error
}

// Send implements relay.Channel.
func (c *Channel) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	c.sent = append(c.sent, cp)
	return nil
}

// Close implements relay.Channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Sent returns a snapshot of all delivered messages.
func (c *Channel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// PublishCall records the arguments of one Bus.Publish invocation.
type PublishCall struct {
	Topic   string
	Payload []byte
}

// Bus is an in-memory relay.CommandBus recording every publish.
type Bus struct {
	mu    sync.Mutex
	calls []PublishCall

	// Err, when non-nil, is returned by every Publish call.
	Err error
}

// Publish implements relay.CommandBus.
func (b *Bus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	b.calls = append(b.calls, PublishCall{Topic: topic, Payload: cp})
	return nil
}

// Calls returns a snapshot of all recorded publishes.
func (b *Bus) Calls() []PublishCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PublishCall, len(b.calls))
	copy(out, b.calls)
	return out
}
