package mq

import (
	"context"
	"fmt"

	"github.com/mireo/async-mqtt5-sub000/internal/matcher"
	"github.com/mireo/async-mqtt5-sub000/internal/packets"
	"github.com/mireo/async-mqtt5-sub000/internal/sender"
)

// internalResetState resets session state on a clean-session reconnect.
func (c *Client) internalResetState() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.receivedQoS2 = make(map[uint16]struct{})
	c.inboundUnacked = make(map[uint16]struct{})
	c.receiveMaxExceededLogged = false
}

// handleIncoming dispatches one decoded packet. Acknowledgements are
// handed to the matcher so the waiting operation state machine can
// continue; everything else is handled directly on the read goroutine.
func (c *Client) handleIncoming(pkt packets.Packet) {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		c.handlePublish(p)

	case *packets.PubackPacket:
		if !validPubAckStyleReasonCode(p.ReasonCode) {
			c.disconnectOnMalformedAck("PUBACK", p.ReasonCode)
			return
		}
		c.acks.Dispatch(matcher.Key{Code: packets.PUBACK, PID: p.PacketID}, []byte{p.ReasonCode})

	case *packets.PubrecPacket:
		if !validPubAckStyleReasonCode(p.ReasonCode) {
			c.disconnectOnMalformedAck("PUBREC", p.ReasonCode)
			return
		}
		c.acks.Dispatch(matcher.Key{Code: packets.PUBREC, PID: p.PacketID}, []byte{p.ReasonCode})

	case *packets.PubrelPacket:
		c.handlePubrel(p)

	case *packets.PubcompPacket:
		if !validPubCompReasonCode(p.ReasonCode) {
			c.disconnectOnMalformedAck("PUBCOMP", p.ReasonCode)
			return
		}
		c.acks.Dispatch(matcher.Key{Code: packets.PUBCOMP, PID: p.PacketID}, []byte{p.ReasonCode})

	case *packets.SubackPacket:
		c.acks.Dispatch(matcher.Key{Code: packets.SUBACK, PID: p.PacketID}, p.ReturnCodes)

	case *packets.UnsubackPacket:
		c.acks.Dispatch(matcher.Key{Code: packets.UNSUBACK, PID: p.PacketID}, p.ReasonCodes)

	case *packets.PingrespPacket:
		// readLoop already stamped lastReceivedAt; only the outstanding
		// PINGREQ flag is cleared here.
		c.pingPending.Store(false)

	case *packets.DisconnectPacket:
		c.handleDisconnectPacket(p)

	case *packets.AuthPacket:
		c.handleAuth(p)
	}
}

// validPubAckStyleReasonCode reports whether code is one of the MQTT v5.0
// Reason Codes legal on a PUBACK or PUBREC (they share the same table).
// MQTT v3.1.1 packets always carry 0, which is Success here too.
func validPubAckStyleReasonCode(code uint8) bool {
	switch code {
	case 0x00, 0x10, 0x80, 0x83, 0x87, 0x90, 0x91, 0x97, 0x99:
		return true
	default:
		return false
	}
}

// validPubCompReasonCode reports whether code is one of the MQTT v5.0
// Reason Codes legal on a PUBCOMP.
func validPubCompReasonCode(code uint8) bool {
	switch code {
	case 0x00, 0x92:
		return true
	default:
		return false
	}
}

// disconnectOnMalformedAck tears down the connection on an ack carrying a
// Reason Code that isn't legal for its packet type (spec §4.7.1): the
// broker violated the protocol, so the exchange can't be trusted. The
// waiting op's matcher registration is left untouched, so the normal
// reconnect resend path (ResendUnanswered) reissues the original PUBLISH
// with Dup set once a new connection is up.
func (c *Client) disconnectOnMalformedAck(name string, code uint8) {
	c.opts.Logger.Error("received malformed ack, disconnecting", "packet", name, "reason_code", code)
	_ = c.disconnectWithReason(context.Background(), uint8(ReasonCodeMalformedPacket), &Properties{
		ReasonString: fmt.Sprintf("Malformed %s: invalid Reason Code", name),
	})
}

// handlePublish processes an incoming PUBLISH packet.
func (c *Client) handlePublish(p *packets.PublishPacket) {
	// Handle topic alias if present (MQTT v5.0 only)
	if c.opts.ProtocolVersion >= ProtocolV50 && p.Properties != nil && p.Properties.Presence&packets.PresTopicAlias != 0 {
		aliasID := p.Properties.TopicAlias

		if aliasID == 0 {
			c.opts.Logger.Error("server sent invalid topic alias 0")
			_ = c.disconnectWithReason(context.Background(), uint8(ReasonCodeTopicAliasInvalid), nil)
			return
		}

		if c.opts.TopicAliasMaximum > 0 && aliasID > c.opts.TopicAliasMaximum {
			c.opts.Logger.Error("server exceeded topic alias maximum",
				"alias", aliasID,
				"max", c.opts.TopicAliasMaximum)
			_ = c.disconnectWithReason(context.Background(), uint8(ReasonCodeTopicAliasInvalid), nil)
			return
		}

		if p.Topic == "" {
			c.receivedAliasesLock.RLock()
			topic, exists := c.receivedAliases[aliasID]
			c.receivedAliasesLock.RUnlock()

			if !exists {
				c.opts.Logger.Error("server sent unknown topic alias", "alias", aliasID)
				_ = c.disconnectWithReason(context.Background(), uint8(ReasonCodeMalformedPacket), nil)
				return
			}

			p.Topic = topic
			c.opts.Logger.Debug("resolved topic alias", "alias", aliasID, "topic", topic)
		} else {
			c.receivedAliasesLock.Lock()
			c.receivedAliases[aliasID] = p.Topic
			c.receivedAliasesLock.Unlock()
			c.opts.Logger.Debug("registered topic alias", "alias", aliasID, "topic", p.Topic)
		}
	}

	c.stateMu.Lock()

	// Receive Maximum accounting (MQTT v5.0) for QoS 1 and 2.
	if c.opts.ProtocolVersion >= ProtocolV50 && p.QoS > 0 {
		if _, exists := c.inboundUnacked[p.PacketID]; !exists {
			limit := c.opts.ReceiveMaximum
			if limit == 0 {
				limit = 65535
			}
			if len(c.inboundUnacked) >= int(limit) {
				if c.opts.ReceiveMaximumPolicy == LimitPolicyStrict {
					c.stateMu.Unlock()
					c.opts.Logger.Error("receive maximum exceeded", "limit", limit)
					_ = c.disconnectWithReason(context.Background(), uint8(ReasonCodeReceiveMaximumExceed), nil)
					return
				}
				if !c.receiveMaxExceededLogged {
					c.opts.Logger.Warn("receive maximum exceeded, ignoring (server is misbehaving)", "limit", limit)
					c.receiveMaxExceededLogged = true
				}
			}
			c.inboundUnacked[p.PacketID] = struct{}{}
		}
	}

	// QoS 2 dedup: a retransmitted PUBLISH still needs its PUBREC, but must
	// not be delivered to handlers twice.
	if p.QoS == 2 {
		if _, dup := c.receivedQoS2[p.PacketID]; dup {
			c.stateMu.Unlock()
			c.sndr.Send(&sender.Request{
				Buf:    encodePacket(&packets.PubrecPacket{PacketID: p.PacketID, Version: c.opts.ProtocolVersion}),
				Serial: c.sndr.NextSerial(),
			})
			return
		}
		c.receivedQoS2[p.PacketID] = struct{}{}
	}

	var handlers []MessageHandler
	for filter, entry := range c.subscriptions {
		if matchTopic(filter, p.Topic) && entry.handler != nil {
			handlers = append(handlers, entry.handler)
		}
	}
	if len(handlers) == 0 {
		if c.defaultHandler != nil {
			handlers = append(handlers, c.defaultHandler)
		} else if c.opts.DefaultPublishHandler != nil {
			handlers = append(handlers, c.opts.DefaultPublishHandler)
		}
	}

	c.stateMu.Unlock()

	msg := Message{
		Topic:      p.Topic,
		Payload:    p.Payload,
		QoS:        QoS(p.QoS),
		Retained:   p.Retain,
		Duplicate:  p.Dup,
		Properties: toPublicProperties(p.Properties),
	}

	for _, handler := range handlers {
		h := handler
		go h(c, msg)
	}
	c.deliverToInbox(msg)

	switch p.QoS {
	case 1:
		c.stateMu.Lock()
		delete(c.inboundUnacked, p.PacketID)
		c.stateMu.Unlock()
		c.sndr.Send(&sender.Request{
			Buf:    encodePacket(&packets.PubackPacket{PacketID: p.PacketID, Version: c.opts.ProtocolVersion}),
			Serial: c.sndr.NextSerial(),
		})
	case 2:
		c.sndr.Send(&sender.Request{
			Buf:    encodePacket(&packets.PubrecPacket{PacketID: p.PacketID, Version: c.opts.ProtocolVersion}),
			Serial: c.sndr.NextSerial(),
		})
	}
}

// handlePubrel processes a PUBREL packet (QoS 2, step 2).
func (c *Client) handlePubrel(p *packets.PubrelPacket) {
	c.stateMu.Lock()
	delete(c.inboundUnacked, p.PacketID)
	delete(c.receivedQoS2, p.PacketID)
	c.stateMu.Unlock()

	c.sndr.Send(&sender.Request{
		Buf:    encodePacket(&packets.PubcompPacket{PacketID: p.PacketID, Version: c.opts.ProtocolVersion}),
		Serial: c.sndr.NextSerial(),
	})
}

// handleDisconnectPacket processes a DISCONNECT packet from the server.
func (c *Client) handleDisconnectPacket(p *packets.DisconnectPacket) {
	reason := "Unknown"
	if name, ok := disconnectReasonCodeNames[ReasonCode(p.ReasonCode)]; ok {
		reason = name
	}

	attrs := []any{
		"reason_code", p.ReasonCode,
		"reason", reason,
	}

	if p.Properties != nil && p.Properties.Presence&packets.PresReasonString != 0 {
		attrs = append(attrs, "reason_string", p.Properties.ReasonString)
	}

	c.opts.Logger.Warn("received DISCONNECT from server", attrs...)

	err := &DisconnectError{
		ReasonCode: ReasonCode(p.ReasonCode),
	}

	if p.Properties != nil {
		if p.Properties.Presence&packets.PresReasonString != 0 {
			err.ReasonString = p.Properties.ReasonString
		}
		if p.Properties.Presence&packets.PresSessionExpiryInterval != 0 {
			err.SessionExpiryInterval = p.Properties.SessionExpiryInterval
		}
		if p.Properties.Presence&packets.PresServerReference != 0 {
			err.ServerReference = p.Properties.ServerReference
		}
		if len(p.Properties.UserProperties) > 0 {
			err.UserProperties = make(map[string]string, len(p.Properties.UserProperties))
			for _, up := range p.Properties.UserProperties {
				err.UserProperties[up.Key] = up.Value
			}
		}
	}

	c.connLock.Lock()
	c.lastDisconnectReason = err
	c.connLock.Unlock()
}

// disconnectReasonCodeNames maps MQTT v5.0 reason codes to human-readable strings for DISCONNECT packets.
var disconnectReasonCodeNames = map[ReasonCode]string{
	ReasonCodeNormalDisconnect:      "Normal disconnect",
	ReasonCodeDisconnectWithWill:    "Disconnect with Will Message",
	ReasonCodeUnspecifiedError:      "Unspecified error",
	ReasonCodeMalformedPacket:       "Malformed Packet",
	ReasonCodeProtocolError:         "Protocol Error",
	ReasonCodeImplementationError:   "Implementation specific error",
	ReasonCodeNotAuthorized:         "Not authorized",
	ReasonCodeServerBusy:            "Server busy",
	ReasonCodeServerShuttingDown:    "Server shutting down",
	ReasonCodeKeepAliveTimeout:      "Keep Alive timeout",
	ReasonCodeSessionTakenOver:      "Session taken over",
	ReasonCodeTopicFilterInvalid:    "Topic Filter invalid",
	ReasonCodeTopicNameInvalid:      "Topic Name invalid",
	ReasonCodeReceiveMaximumExceed:  "Receive Maximum exceeded",
	ReasonCodeTopicAliasInvalid:     "Topic Alias invalid",
	ReasonCodePacketTooLarge:        "Packet too large",
	ReasonCodeMessageRateTooHigh:    "Message rate too high",
	ReasonCodeQuotaExceeded:         "Quota exceeded",
	ReasonCodeAdministrativeAction:  "Administrative action",
	ReasonCodePayloadFormatInvalid:  "Payload format invalid",
	ReasonCodeRetainNotSupported:    "Retain not supported",
	ReasonCodeQoSNotSupported:       "QoS not supported",
	ReasonCodeUseAnotherServer:      "Use another server",
	ReasonCodeServerMoved:           "Server moved",
	ReasonCodeSharedSubNotSupported: "Shared Subscriptions not supported",
	ReasonCodeConnectionRateExceed:  "Connection rate exceeded",
	ReasonCodeMaximumConnectTime:    "Maximum connect time",
	ReasonCodeSubscriptionIDNotSupp: "Subscription Identifiers not supported",
	ReasonCodeWildcardSubNotSupp:    "Wildcard Subscriptions not supported",
}
