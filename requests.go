package mq

import (
	"errors"
	"fmt"
	"io"

	"github.com/mireo/async-mqtt5-sub000/internal/matcher"
	"github.com/mireo/async-mqtt5-sub000/internal/packets"
	"github.com/mireo/async-mqtt5-sub000/internal/sender"
)

// sendAndWaitAck sends the buffer produced by encode (called once per
// attempt so the caller can set the Dup flag or similar before a retry)
// and waits for the matching acknowledgement. The serial is assigned once,
// before the first attempt, and reused on every retry: submission order
// must survive reconnects (spec §5), and a retry that grabbed a fresh
// serial would reorder itself relative to other in-flight ops.
//
// Two distinct reconnect situations can require a retry, and only one of
// them loops here. If the write itself never reached the wire before the
// connection dropped, the request is still sitting in the sender's queue,
// and sender.Resend delivers sender.ErrTryAgain on done: this loop
// reissues with the same serial. If the request was already written and
// is waiting on an ack that a reconnect invalidated, matcher.ResendUnanswered
// rebuilds and resends it out of band (see matcher.ResendFunc), without
// waking this goroutine at all — it stays parked on replyCh until the real
// ack, for which the original Wait registration is still live, finally
// arrives.
func (c *Client) sendAndWaitAck(key matcher.Key, flags sender.Flags, encode func() []byte) ([]byte, error) {
	serial := c.sndr.NextSerial()
	replyCh := c.acks.Wait(key, serial, flags, encode)

	for {
		done := make(chan error, 1)
		c.sndr.Send(&sender.Request{
			Buf:    encode(),
			Serial: serial,
			Flags:  flags,
			Done:   done,
		})

		select {
		case err := <-done:
			if err != nil {
				if errors.Is(err, sender.ErrTryAgain) {
					continue
				}
				c.acks.Cancel(key)
				return nil, err
			}
		case <-c.stop:
			c.acks.Cancel(key)
			return nil, ErrClientDisconnected
		}

		reply := <-replyCh
		if reply.Err != nil {
			return nil, reply.Err
		}
		return reply.Data, nil
	}
}

func ackReasonCode(data []byte) uint8 {
	if len(data) == 0 {
		return 0
	}
	return data[0]
}

// internalPublish validates a publish request against the server's
// negotiated capabilities and dispatches it. QoS 0 is fire-and-forget; QoS
// 1 and 2 are driven by runPublishOp on their own goroutine since they may
// block for an arbitrary time waiting on acknowledgements.
func (c *Client) internalPublish(req *publishRequest) {
	select {
	case <-c.stop:
		req.token.complete(ErrClientDisconnected)
		return
	default:
	}

	pkt := req.packet

	if c.serverCaps.MaximumPacketSize > 0 {
		n, _ := pkt.WriteTo(io.Discard)
		if uint32(n) > c.serverCaps.MaximumPacketSize {
			req.token.complete(fmt.Errorf("packet size %d bytes exceeds server maximum %d bytes",
				n, c.serverCaps.MaximumPacketSize))
			return
		}
	}

	if pkt.Retain && !c.serverCaps.RetainAvailable {
		req.token.complete(fmt.Errorf("server does not support retained messages"))
		return
	}

	if pkt.QoS > c.serverCaps.MaximumQoS {
		req.token.complete(fmt.Errorf("qos %d exceeds server maximum %d", pkt.QoS, c.serverCaps.MaximumQoS))
		return
	}

	if pkt.QoS == 0 {
		done := make(chan error, 1)
		c.sndr.Send(&sender.Request{
			Buf:    encodePacket(pkt),
			Serial: c.sndr.NextSerial(),
			Done:   done,
		})
		select {
		case err := <-done:
			req.token.complete(err)
		case <-c.stop:
			req.token.complete(ErrClientDisconnected)
		}
		return
	}

	go c.runPublishOp(pkt, req.token)
}

// runPublishOp drives the QoS 1 or QoS 2 acknowledgement handshake for one
// PUBLISH, reissuing with Dup set whenever a reconnect invalidates an
// in-flight attempt, and releasing its Receive Maximum quota slot exactly
// once the exchange is settled.
func (c *Client) runPublishOp(pkt *packets.PublishPacket, tok *token) {
	id := c.pids.Allocate()
	if id == 0 {
		tok.complete(fmt.Errorf("mq: no packet ids available"))
		return
	}
	defer c.pids.Free(id)
	pkt.PacketID = id

	ackCode := byte(packets.PUBACK)
	if pkt.QoS == 2 {
		ackCode = packets.PUBREC
	}

	first := true
	data, err := c.sendAndWaitAck(matcher.Key{Code: ackCode, PID: id}, sender.Throttled, func() []byte {
		if !first {
			pkt.Dup = true
		}
		first = false
		return encodePacket(pkt)
	})
	if err != nil {
		c.sndr.ThrottledOpDone()
		tok.complete(err)
		return
	}

	reasonCode := ackReasonCode(data)
	if pkt.QoS == 1 || reasonCode >= 0x80 {
		c.sndr.ThrottledOpDone()
		if reasonCode >= 0x80 {
			tok.complete(&MqttError{ReasonCode: ReasonCode(reasonCode)})
		} else {
			tok.complete(nil)
		}
		return
	}

	pubrel := &packets.PubrelPacket{PacketID: id, Version: c.opts.ProtocolVersion}
	data, err = c.sendAndWaitAck(matcher.Key{Code: packets.PUBCOMP, PID: id}, sender.Prioritized, func() []byte {
		return encodePacket(pubrel)
	})
	c.sndr.ThrottledOpDone()
	if err != nil {
		tok.complete(err)
		return
	}
	if rc := ackReasonCode(data); rc >= 0x80 {
		tok.complete(&MqttError{ReasonCode: ReasonCode(rc)})
		return
	}
	tok.complete(nil)
}

// internalSubscribe registers the subscription state before sending so that
// a PUBLISH that races ahead of the SUBACK is still routed to the handler.
func (c *Client) internalSubscribe(req *subscribeRequest) {
	select {
	case <-c.stop:
		req.token.complete(ErrClientDisconnected)
		return
	default:
	}

	pkt := req.packet

	id := c.pids.Allocate()
	if id == 0 {
		req.token.complete(fmt.Errorf("mq: no packet ids available"))
		return
	}
	pkt.PacketID = id

	c.stateMu.Lock()
	for i, topic := range pkt.Topics {
		var subOpts SubscribeOptions
		subOpts.Persistence = req.persistence

		if pkt.Version >= 5 {
			if i < len(pkt.NoLocal) {
				subOpts.NoLocal = pkt.NoLocal[i]
			}
			if i < len(pkt.RetainAsPublished) {
				subOpts.RetainAsPublished = pkt.RetainAsPublished[i]
			}
			if i < len(pkt.RetainHandling) {
				subOpts.RetainHandling = pkt.RetainHandling[i]
			}
		}

		qos := uint8(0)
		if i < len(pkt.QoS) {
			qos = pkt.QoS[i]
		}

		c.subscriptions[topic] = subscriptionEntry{
			handler: req.handler,
			options: subOpts,
			qos:     qos,
		}
	}
	c.stateMu.Unlock()

	go func() {
		defer c.pids.Free(id)
		data, err := c.sendAndWaitAck(matcher.Key{Code: packets.SUBACK, PID: id}, 0, func() []byte {
			return encodePacket(pkt)
		})
		if err != nil {
			req.token.complete(err)
			return
		}
		for _, code := range data {
			if code >= 0x80 {
				if c.opts.ProtocolVersion >= ProtocolV50 {
					req.token.complete(&MqttError{ReasonCode: ReasonCode(code), Parent: ErrSubscriptionFailed})
				} else {
					req.token.complete(ErrSubscriptionFailed)
				}
				return
			}
		}
		req.token.complete(nil)
	}()
}

// internalUnsubscribe removes subscription state before sending, mirroring
// internalSubscribe: once UNSUBSCRIBE is issued no further PUBLISH for
// those topics should be delivered, win or lose the race with the server.
func (c *Client) internalUnsubscribe(req *unsubscribeRequest) {
	select {
	case <-c.stop:
		req.token.complete(ErrClientDisconnected)
		return
	default:
	}

	pkt := req.packet

	id := c.pids.Allocate()
	if id == 0 {
		req.token.complete(fmt.Errorf("mq: no packet ids available"))
		return
	}
	pkt.PacketID = id

	c.stateMu.Lock()
	for _, topic := range req.topics {
		delete(c.subscriptions, topic)
	}
	c.stateMu.Unlock()

	go func() {
		defer c.pids.Free(id)
		data, err := c.sendAndWaitAck(matcher.Key{Code: packets.UNSUBACK, PID: id}, 0, func() []byte {
			return encodePacket(pkt)
		})
		if err != nil {
			req.token.complete(err)
			return
		}
		if c.opts.ProtocolVersion >= ProtocolV50 {
			for _, code := range data {
				if code >= 0x80 {
					req.token.complete(&MqttError{ReasonCode: ReasonCode(code)})
					return
				}
			}
		}
		req.token.complete(nil)
	}()
}
