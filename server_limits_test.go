package mq

import (
	"strings"
	"testing"

	"github.com/mireo/async-mqtt5-sub000/internal/matcher"
	"github.com/mireo/async-mqtt5-sub000/internal/packets"
	"github.com/mireo/async-mqtt5-sub000/internal/pid"
	"github.com/mireo/async-mqtt5-sub000/internal/sender"
)

// Receive Maximum throttling itself is exercised at the internal/sender
// level (TestReceiveMaximumOne and friends); this file only covers the
// client-level precondition checks internalPublish runs before any packet
// reaches the sender.

func TestMaximumPacketSizeEnforcement(t *testing.T) {
	tests := []struct {
		name          string
		maxPacketSize uint32
		payloadSize   int
		wantError     bool
	}{
		{
			name:          "no limit set",
			maxPacketSize: 0,
			payloadSize:   10000,
			wantError:     false,
		},
		{
			name:          "under limit",
			maxPacketSize: 1024,
			payloadSize:   100,
			wantError:     false,
		},
		{
			name:          "at limit",
			maxPacketSize: 200,
			payloadSize:   150, // With headers, should be close to 200
			wantError:     false,
		},
		{
			name:          "exceeds limit",
			maxPacketSize: 100,
			payloadSize:   200, // With headers, will exceed 100
			wantError:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acks := matcher.New()
			c := &Client{
				opts: &clientOptions{
					ProtocolVersion: ProtocolV50,
					Logger:          testLogger(),
				},
				serverCaps: serverCapabilities{
					MaximumPacketSize: tt.maxPacketSize,
				},
				stop: make(chan struct{}),
				pids: pid.New(),
				acks: acks,
			}
			c.sndr = sender.New(acks, func(error) {})
			c.sndr.SetLimit(sender.Unconstrained)
			c.sndr.SetWriter(discardWriter{})

			token := &token{done: make(chan struct{})}
			req := &publishRequest{
				packet: &packets.PublishPacket{
					Topic:   "test/topic",
					Payload: []byte(strings.Repeat("x", tt.payloadSize)),
					QoS:     0,
				},
				token: token,
			}

			c.internalPublish(req)

			select {
			case <-token.done:
				err := token.Error()
				if tt.wantError && err == nil {
					t.Error("expected error, got nil")
				}
				if !tt.wantError && err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if tt.wantError && err != nil && !strings.Contains(err.Error(), "exceeds server maximum") {
					t.Errorf("expected packet size error, got: %v", err)
				}
			default:
				t.Error("QoS 0 publish did not complete synchronously")
			}
		})
	}
}
