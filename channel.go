package srpc

import (
	"context"
	"errors"
	"sync"
)

// Handler consumes inbound messages. The reply sender defaults to the bound
// channel, but receivers may supply a request-scoped sender for routing a
// synchronous reply. ctx is the context attached to the inbound message.
type Handler func(ctx context.Context, msg *Message, reply Sender)

// Sender is the fire-and-forget send capability of a channel.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// SyncSender is the blocking send capability: it returns the peer's matching
// reply before returning control.
type SyncSender interface {
	SendSync(ctx context.Context, msg *Message) (*Message, error)
}

// Receiver is the receive capability: it binds a handler that is invoked for
// each inbound message, one at a time, in delivery order.
type Receiver interface {
	Receive(h Handler)
}

// LocalChannel is one end of an in-process channel pair. It supports all
// three capabilities: receive, send-async, and send-sync. Delivery is inline:
// a send invokes the peer's handler on the calling goroutine before
// returning, so nested exchanges (a dispatched call invoking a callback
// proxy, whose result message arrives while the outer dispatch is still on
// the stack) unwind naturally. In-order delivery holds per sending
// goroutine; interleaving across concurrent senders is the senders' concern.
type LocalChannel struct {
	peer *LocalChannel

	mu      sync.Mutex
	handler Handler
}

var (
	_ Sender     = (*LocalChannel)(nil)
	_ SyncSender = (*LocalChannel)(nil)
	_ Receiver   = (*LocalChannel)(nil)
)

// NewLocalPair returns two connected in-process channel ends. Messages sent
// on one end are delivered to the handler bound on the other.
func NewLocalPair() (*LocalChannel, *LocalChannel) {
	a := &LocalChannel{}
	b := &LocalChannel{}
	a.peer = b
	b.peer = a
	return a, b
}

// Receive binds the inbound handler for this end.
func (c *LocalChannel) Receive(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Send delivers msg to the peer's handler and returns once the handler has
// run. The handler's default reply sender routes back to this end.
func (c *LocalChannel) Send(ctx context.Context, msg *Message) error {
	return c.peer.deliver(ctx, msg, c.peer)
}

// SendSync delivers msg to the peer's handler with a one-shot reply slot and
// returns the captured reply. Messages that elicit no reply (pushes,
// notifications) return a nil reply without error.
func (c *LocalChannel) SendSync(ctx context.Context, msg *Message) (*Message, error) {
	slot := &replySlot{}
	if err := c.peer.deliver(ctx, msg, slot); err != nil {
		return nil, err
	}
	return slot.take(), nil
}

// deliver runs the bound handler for an inbound message.
func (c *LocalChannel) deliver(ctx context.Context, msg *Message, reply Sender) error {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return errors.New("srpc: no receiver bound")
	}
	h(ctx, msg, reply)
	return nil
}

// replySlot is a one-shot Sender capturing the synchronous reply to a single
// request.
type replySlot struct {
	mu  sync.Mutex
	msg *Message
}

func (s *replySlot) Send(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.msg != nil {
		return errors.New("srpc: reply already sent")
	}
	s.msg = msg
	return nil
}

func (s *replySlot) take() *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msg
}
