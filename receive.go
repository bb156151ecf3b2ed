package mq

import (
	"context"
	"errors"
)

// ErrSessionExpired is delivered by Receive when the broker has discarded
// the session (Session Present was false on an expected-persistent
// reconnect, or the server sent DISCONNECT with Session Expiry Interval
// 0 after previously granting a persistent session).
var ErrSessionExpired = errors.New("mq: session expired")

// inboxItem is what actually flows through the Receive queue: either a
// delivered message or a synthetic signal (currently only
// ErrSessionExpired) that Receive should surface as an error instead.
type inboxItem struct {
	msg Message
	err error
}

// Receive blocks until a message arrives for one of the client's active
// subscriptions, ctx is cancelled, or the session is known to have
// expired. It is an alternative to MessageHandler callbacks for
// applications that prefer to pull messages from a single call site.
//
// Receive and MessageHandler-based delivery are independent: a message is
// still dispatched to any matching handler regardless of whether Receive
// is in use.
//
// The number of goroutines that may be blocked inside Receive at once is
// bounded (see WithMaxConcurrentReceives); callers beyond that bound wait
// for a slot the same way they wait for a message.
func (c *Client) Receive(ctx context.Context) (Message, error) {
	if err := c.recvSem.Acquire(ctx, 1); err != nil {
		return Message{}, err
	}
	defer c.recvSem.Release(1)

	item, err := c.inbox.Pop(ctx)
	if err != nil {
		return Message{}, err
	}
	if item.err != nil {
		return Message{}, item.err
	}
	return item.msg, nil
}

// deliverToInbox pushes msg to the Receive queue. Called from handlePublish
// alongside MessageHandler dispatch.
func (c *Client) deliverToInbox(msg Message) {
	if c.inbox != nil {
		c.inbox.Push(inboxItem{msg: msg})
	}
}

// signalSessionExpired delivers ErrSessionExpired to the next Receive
// caller in line. Called from processConnackProperties when a reconnect
// that expected a persistent session comes back with Session Present
// false.
func (c *Client) signalSessionExpired() {
	if c.inbox != nil {
		c.inbox.Push(inboxItem{err: ErrSessionExpired})
	}
}
