package mq

import (
	"bytes"

	"github.com/mireo/async-mqtt5-sub000/internal/packets"
)

// encodePacket serializes pkt to its wire representation. The sender
// package works with raw bytes rather than packets.Packet so that it has
// no dependency on the wire codec.
func encodePacket(pkt packets.Packet) []byte {
	var buf bytes.Buffer
	_, _ = pkt.WriteTo(&buf)
	return buf.Bytes()
}
