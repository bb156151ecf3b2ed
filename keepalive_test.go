package mq

import (
	"testing"
	"time"

	"github.com/mireo/async-mqtt5-sub000/internal/matcher"
	"github.com/mireo/async-mqtt5-sub000/internal/packets"
	"github.com/mireo/async-mqtt5-sub000/internal/pid"
	"github.com/mireo/async-mqtt5-sub000/internal/sender"
)

func newKeepAliveTestClient(keepalive time.Duration, w sender.Writer) *Client {
	acks := matcher.New()
	c := &Client{
		opts: &clientOptions{
			KeepAlive:       keepalive,
			Server:          "tcp://test:1883",
			Logger:          testLogger(),
			ProtocolVersion: ProtocolV311,
		},
		stop: make(chan struct{}),
		pids: pid.New(),
		acks: acks,
	}
	c.sndr = sender.New(acks, func(error) {})
	c.sndr.SetLimit(sender.Unconstrained)
	c.sndr.SetWriter(w)
	c.connected.Store(true)
	return c
}

func setActivity(c *Client, lastReceived, lastSent time.Duration) {
	c.lastReceivedAt.Store(time.Now().Add(-lastReceived).UnixNano())
	c.lastSentAt.Store(time.Now().Add(-lastSent).UnixNano())
}

// TestKeepAliveTimeout verifies that checkKeepAlive disconnects once no
// packet has been received for 1.5x the keepalive interval.
func TestKeepAliveTimeout(t *testing.T) {
	keepalive := 200 * time.Millisecond
	c := newKeepAliveTestClient(keepalive, discardWriter{})

	setActivity(c, keepalive*2, keepalive*2)
	c.checkKeepAlive()

	if c.IsConnected() {
		t.Error("expected client to be disconnected after keepalive timeout")
	}
}

// TestKeepAliveTimeoutPrevented verifies that a recent receive prevents
// the timeout branch from firing.
func TestKeepAliveTimeoutPrevented(t *testing.T) {
	keepalive := 200 * time.Millisecond
	c := newKeepAliveTestClient(keepalive, discardWriter{})

	setActivity(c, 10*time.Millisecond, 10*time.Millisecond)
	c.checkKeepAlive()

	if !c.IsConnected() {
		t.Error("client should remain connected when packets were recently received")
	}
}

// TestKeepAlivePINGREQSent verifies that PINGREQ is sent once the quiet
// period crosses 3/4 of the keepalive interval, without yet crossing the
// 1.5x disconnect timeout.
func TestKeepAlivePINGREQSent(t *testing.T) {
	keepalive := 200 * time.Millisecond
	w := newCapturingWriter(ProtocolV311, 1)
	c := newKeepAliveTestClient(keepalive, w)

	setActivity(c, keepalive, keepalive)
	c.checkKeepAlive()

	select {
	case pkt := <-w.out:
		if _, ok := pkt.(*packets.PingreqPacket); !ok {
			t.Fatalf("expected PingreqPacket, got %T", pkt)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a PINGREQ to be sent")
	}

	if !c.pingPending.Load() {
		t.Error("expected pingPending to be set while awaiting PINGRESP")
	}
}

// TestKeepAliveWriteDoesNotResetTimeout verifies that recent sends alone
// (without any receives) do not suppress the disconnect timeout: only
// received traffic counts.
func TestKeepAliveWriteDoesNotResetTimeout(t *testing.T) {
	keepalive := 200 * time.Millisecond
	c := newKeepAliveTestClient(keepalive, discardWriter{})

	// Sends are recent, but nothing has been received in a long time.
	setActivity(c, keepalive*2, 5*time.Millisecond)
	c.checkKeepAlive()

	if c.IsConnected() {
		t.Error("client should disconnect on receive silence even while sending")
	}
}

// TestKeepAlivePINGREQWithQoS0Publishing verifies that a steady stream of
// sends (as continuous QoS 0 publishing would produce) does not by itself
// suppress PINGREQ: the ping-due threshold is evaluated against both
// lastSent and lastReceived independently, and a stale lastReceived still
// triggers a ping even when lastSent is fresh.
func TestKeepAlivePINGREQWithQoS0Publishing(t *testing.T) {
	keepalive := 400 * time.Millisecond
	w := newCapturingWriter(ProtocolV311, 1)
	c := newKeepAliveTestClient(keepalive, w)

	// lastSent is fresh (we just "published"), lastReceived has gone
	// quiet past the 3/4 threshold but not past the 1.5x timeout.
	setActivity(c, keepalive, 10*time.Millisecond)
	c.checkKeepAlive()

	select {
	case pkt := <-w.out:
		if _, ok := pkt.(*packets.PingreqPacket); !ok {
			t.Fatalf("expected PingreqPacket, got %T", pkt)
		}
	case <-time.After(time.Second):
		t.Fatal("expected PINGREQ despite continuous publishing")
	}

	if !c.IsConnected() {
		t.Error("client should remain connected, only a ping was due")
	}
}

// TestKeepAliveZeroDisabled verifies that sentryLoop never invokes
// checkKeepAlive when KeepAlive is 0.
func TestKeepAliveZeroDisabled(t *testing.T) {
	c := newKeepAliveTestClient(0, discardWriter{})

	done := make(chan error, 1)
	go func() { done <- c.sentryLoop(t.Context()) }()

	close(c.stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sentryLoop did not exit after stop was closed")
	}

	if !c.IsConnected() {
		t.Error("sentinel: client should still be marked connected, keepalive never fired")
	}
}
