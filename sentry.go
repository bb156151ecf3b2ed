package mq

import (
	"context"
	"errors"
	"time"

	"github.com/mireo/async-mqtt5-sub000/internal/packets"
	"github.com/mireo/async-mqtt5-sub000/internal/sender"
)

// sentryLoop watches for acknowledgements that have been outstanding too
// long and for keepalive timeouts, tearing down the connection so the
// reconnect loop can take over. It runs once per live connection, as one
// of the two members of the per-connection errgroup started in connect,
// and exits when connCtx is cancelled (its sibling readLoop returned, or
// the client is shutting down).
func (c *Client) sentryLoop(connCtx context.Context) error {
	replyTicker := time.NewTicker(3 * time.Second)
	defer replyTicker.Stop()

	var pingTicker *time.Ticker
	var pingCh <-chan time.Time
	if c.opts.KeepAlive > 0 {
		pingTicker = time.NewTicker(c.opts.KeepAlive / 4)
		defer pingTicker.Stop()
		pingCh = pingTicker.C
	}

	for {
		select {
		case <-replyTicker.C:
			if c.acks.AnyExpired(20 * time.Second) {
				c.opts.Logger.Warn("no reply received within 20 seconds, disconnecting")
				_ = c.disconnectWithReason(context.Background(), uint8(ReasonCodeUnspecifiedError), &Properties{
					ReasonString: "no reply received within 20 seconds",
				})
				return errors.New("mq: no reply within sentry window")
			}

		case <-pingCh:
			c.checkKeepAlive()

		case <-connCtx.Done():
			return connCtx.Err()

		case <-c.stop:
			return nil
		}
	}
}

// checkKeepAlive sends a PINGREQ when the connection has been quiet for
// 3/4 of the keepalive interval, and tears down the connection if no
// packet at all has arrived within 1.5x the keepalive interval.
func (c *Client) checkKeepAlive() {
	lastReceived := time.Unix(0, c.lastReceivedAt.Load())
	lastSent := time.Unix(0, c.lastSentAt.Load())

	timeout := c.opts.KeepAlive + c.opts.KeepAlive/2
	if time.Since(lastReceived) >= timeout {
		c.opts.Logger.Debug("keepalive timeout, no packets received", "timeout", timeout)
		c.handleDisconnect()
		return
	}

	threshold := c.opts.KeepAlive - c.opts.KeepAlive/4
	if time.Since(lastSent) < threshold && time.Since(lastReceived) < threshold {
		return
	}
	if !c.pingPending.CompareAndSwap(false, true) {
		return
	}

	done := make(chan error, 1)
	c.sndr.Send(&sender.Request{
		Buf:    encodePacket(&packets.PingreqPacket{}),
		Serial: c.sndr.NextSerial(),
		Done:   done,
	})
	if err := <-done; err != nil {
		c.pingPending.Store(false)
	}
}
