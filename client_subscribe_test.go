package mq

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/mireo/async-mqtt5-sub000/internal/matcher"
	"github.com/mireo/async-mqtt5-sub000/internal/packets"
	"github.com/mireo/async-mqtt5-sub000/internal/pid"
	"github.com/mireo/async-mqtt5-sub000/internal/sender"
)

// capturingWriter decodes whatever the Sender writes and republishes each
// packet on a channel, so tests can inspect exactly what went over the wire
// without a real connection.
type capturingWriter struct {
	version uint8
	out     chan packets.Packet
}

func newCapturingWriter(version uint8, buffered int) *capturingWriter {
	return &capturingWriter{version: version, out: make(chan packets.Packet, buffered)}
}

func (w *capturingWriter) Write(bufs net.Buffers) (int64, error) {
	var buf bytes.Buffer
	var n int64
	for _, b := range bufs {
		buf.Write(b)
		n += int64(len(b))
	}
	for buf.Len() > 0 {
		pkt, err := packets.ReadPacket(&buf, w.version, 0)
		if err != nil {
			break
		}
		w.out <- pkt
	}
	return n, nil
}

func newSubscribeTestClient(w *capturingWriter) *Client {
	acks := matcher.New()
	c := &Client{
		opts: &clientOptions{
			ProtocolVersion: ProtocolV50,
			Logger:          testLogger(),
		},
		subscriptions: make(map[string]subscriptionEntry),
		stop:          make(chan struct{}),
		pids:          pid.New(),
		acks:          acks,
	}
	c.sndr = sender.New(acks, func(error) {})
	c.sndr.SetLimit(sender.Unconstrained)
	c.sndr.SetWriter(w)
	return c
}

func TestSubscribe(t *testing.T) {
	w := newCapturingWriter(ProtocolV50, 1)
	c := newSubscribeTestClient(w)

	topic := "test/topic"
	handler := func(c *Client, msg Message) {}

	// Test successful subscription request
	token := c.Subscribe(topic, 1, handler)

	select {
	case p := <-w.out:
		req, ok := p.(*packets.SubscribePacket)
		if !ok {
			t.Fatalf("Expected SubscribePacket, got %T", p)
		}
		if len(req.Topics) != 1 || req.Topics[0] != topic {
			t.Errorf("Request topic mismatch: %v", req.Topics)
		}
		// Acknowledge so the waiting goroutine completes the token.
		c.acks.Dispatch(matcher.Key{Code: packets.SUBACK, PID: req.PacketID}, []byte{0})
	case <-time.After(time.Second):
		t.Error("Timeout waiting for subscribe packet")
	}

	select {
	case <-token.Done():
		if token.Error() != nil {
			t.Errorf("unexpected error: %v", token.Error())
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for subscribe token completion")
	}

	// Test invalid topic: validation fails synchronously in Subscribe,
	// before internalSubscribe is ever reached.
	token = c.Subscribe("#/invalid", 1, handler)
	select {
	case <-token.Done():
		if token.Error() == nil {
			t.Error("Expected error for invalid topic")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for invalid topic token completion")
	}
}

func TestUnsubscribe(t *testing.T) {
	w := newCapturingWriter(ProtocolV50, 1)
	c := newSubscribeTestClient(w)

	topic := "test/topic"

	token := c.Unsubscribe(topic)

	select {
	case p := <-w.out:
		req, ok := p.(*packets.UnsubscribePacket)
		if !ok {
			t.Fatalf("Expected UnsubscribePacket, got %T", p)
		}
		if len(req.Topics) != 1 || req.Topics[0] != topic {
			t.Errorf("Request topic mismatch: %v", req.Topics)
		}
		c.acks.Dispatch(matcher.Key{Code: packets.UNSUBACK, PID: req.PacketID}, []byte{0})
	case <-time.After(time.Second):
		t.Error("Timeout waiting for unsubscribe packet")
	}

	select {
	case <-token.Done():
		if token.Error() != nil {
			t.Errorf("unexpected error: %v", token.Error())
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for unsubscribe token completion")
	}
}

func TestResubscribeAll(t *testing.T) {
	w := newCapturingWriter(ProtocolV50, 1)
	c := newSubscribeTestClient(w)
	c.subscriptions["topic1"] = subscriptionEntry{handler: nil, qos: 1}

	c.resubscribeAll()

	select {
	case p := <-w.out:
		if _, ok := p.(*packets.SubscribePacket); !ok {
			t.Errorf("Expected SubscribePacket, got %T", p)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for resubscribe packet")
	}
}

func TestInternalSubscribe(t *testing.T) {
	w := newCapturingWriter(ProtocolV50, 10)
	c := newSubscribeTestClient(w)

	topic := "test/topic"
	handler := func(c *Client, msg Message) {}

	pkt := &packets.SubscribePacket{
		Topics:  []string{topic},
		QoS:     []uint8{1},
		Version: ProtocolV50,
	}

	token := newToken()
	req := &subscribeRequest{
		packet:  pkt,
		handler: handler,
		token:   token,
	}

	c.internalSubscribe(req)

	select {
	case p := <-w.out:
		sent, ok := p.(*packets.SubscribePacket)
		if !ok {
			t.Fatalf("Expected SubscribePacket, got %T", p)
		}
		if sent.PacketID == 0 {
			t.Error("expected a nonzero packet id to be assigned")
		}
		c.acks.Dispatch(matcher.Key{Code: packets.SUBACK, PID: sent.PacketID}, []byte{0})
	case <-time.After(time.Second):
		t.Error("Timeout waiting for outgoing packet")
	}

	select {
	case <-token.Done():
		if token.Error() != nil {
			t.Errorf("unexpected error: %v", token.Error())
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for token completion")
	}
}

func TestInternalUnsubscribe(t *testing.T) {
	w := newCapturingWriter(ProtocolV50, 10)
	c := newSubscribeTestClient(w)

	topics := []string{"test/topic"}
	pkt := &packets.UnsubscribePacket{
		Topics:  topics,
		Version: ProtocolV50,
	}

	token := newToken()
	req := &unsubscribeRequest{
		packet: pkt,
		topics: topics,
		token:  token,
	}

	c.internalUnsubscribe(req)

	select {
	case p := <-w.out:
		sent, ok := p.(*packets.UnsubscribePacket)
		if !ok {
			t.Fatalf("Expected UnsubscribePacket, got %T", p)
		}
		if sent.PacketID == 0 {
			t.Error("expected a nonzero packet id to be assigned")
		}
		c.acks.Dispatch(matcher.Key{Code: packets.UNSUBACK, PID: sent.PacketID}, []byte{0})
	case <-time.After(time.Second):
		t.Error("Timeout waiting for outgoing packet")
	}

	select {
	case <-token.Done():
		if token.Error() != nil {
			t.Errorf("unexpected error: %v", token.Error())
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for token completion")
	}
}

// TestResubscribeBatching tests that resubscribe correctly batches topics.
func TestResubscribeBatching(t *testing.T) {
	tests := []struct {
		name            string
		numTopics       int
		expectedBatches int
	}{
		{"no subscriptions", 0, 0},
		{"single topic", 1, 1},
		{"exactly one batch", 100, 1},
		{"two batches", 150, 2},
		{"five batches", 500, 5},
		{"partial last batch", 250, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newCapturingWriter(ProtocolV50, tt.expectedBatches+1)
			c := newSubscribeTestClient(w)
			c.opts = defaultOptions("tcp://test:1883")

			for i := 0; i < tt.numTopics; i++ {
				topic := "test/topic/" + string(rune('a'+i%26)) + "/" + string(rune('0'+i/26))
				c.subscriptions[topic] = subscriptionEntry{handler: func(*Client, Message) {}, qos: 1}
			}

			c.resubscribeAll()

			totalTopics := 0
			for i := 0; i < tt.expectedBatches; i++ {
				select {
				case p := <-w.out:
					subPkt, ok := p.(*packets.SubscribePacket)
					if !ok {
						t.Fatalf("expected SubscribePacket, got %T", p)
					}

					batchSize := len(subPkt.Topics)
					if i < tt.expectedBatches-1 {
						if batchSize != 100 {
							t.Errorf("batch %d: expected 100 topics, got %d", i+1, batchSize)
						}
					} else {
						expectedLast := tt.numTopics % 100
						if expectedLast == 0 && tt.numTopics > 0 {
							expectedLast = 100
						}
						if batchSize != expectedLast {
							t.Errorf("last batch: expected %d topics, got %d", expectedLast, batchSize)
						}
					}

					if len(subPkt.QoS) != batchSize {
						t.Errorf("QoS array length mismatch: got %d, want %d", len(subPkt.QoS), batchSize)
					}
					for j, qos := range subPkt.QoS {
						if qos != 1 {
							t.Errorf("topic %d in batch %d: expected QoS 1, got %d", j, i+1, qos)
						}
					}

					totalTopics += batchSize
				case <-time.After(time.Second):
					t.Fatalf("timeout waiting for batch %d", i+1)
				}
			}

			if totalTopics != tt.numTopics {
				t.Errorf("total topics mismatch: expected %d, got %d", tt.numTopics, totalTopics)
			}

			select {
			case p := <-w.out:
				t.Errorf("unexpected extra packet sent: %T", p)
			default:
			}
		})
	}
}

// TestResubscribePacketIDs tests that each batch gets a unique packet ID.
func TestResubscribePacketIDs(t *testing.T) {
	w := newCapturingWriter(ProtocolV50, 10)
	c := newSubscribeTestClient(w)
	c.opts = defaultOptions("tcp://test:1883")

	// Add 250 subscriptions (should create 3 batches)
	for i := range 250 {
		c.subscriptions["topic/"+string(rune('a'+i%26))+"/"+string(rune('0'+i/26))] = subscriptionEntry{handler: func(*Client, Message) {}, qos: 1}
	}

	c.resubscribeAll()

	seenIDs := make(map[uint16]bool)
	for range 3 {
		select {
		case p := <-w.out:
			subPkt := p.(*packets.SubscribePacket)
			if seenIDs[subPkt.PacketID] {
				t.Errorf("duplicate packet ID: %d", subPkt.PacketID)
			}
			seenIDs[subPkt.PacketID] = true
			if subPkt.PacketID == 0 {
				t.Error("packet ID should not be 0")
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for resubscribe packet")
		}
	}

	if len(seenIDs) != 3 {
		t.Errorf("expected 3 unique packet IDs, got %d", len(seenIDs))
	}
}
