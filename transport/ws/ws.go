// Package ws adapts nhooyr.io/websocket into an mq.ContextDialer, so a
// Client can run MQTT over a WebSocket transport (server URL scheme "ws"
// or "wss") instead of raw TCP or TLS.
package ws

import (
	"context"
	"net"

	"nhooyr.io/websocket"

	mq "github.com/mireo/async-mqtt5-sub000"
)

// Subprotocol is the WebSocket subprotocol name MQTT brokers expect during
// the opening handshake (see MQTT v5.0 section 6, "Network Connection").
const Subprotocol = "mqtt"

// Dialer returns an mq.ContextDialer that opens a WebSocket connection and
// presents it as a net.Conn, for use with mq.WithDialer.
//
// addr is expected to be the full WebSocket URL (e.g.
// "wss://broker.example.com/mqtt"), which is how mq.Client invokes a
// custom dialer: the scheme-bearing server string passed to Dial is
// forwarded verbatim.
func Dialer() mq.ContextDialer {
	return mq.DialFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
		c, _, err := websocket.Dial(ctx, addr, &websocket.DialOptions{
			Subprotocols: []string{Subprotocol},
		})
		if err != nil {
			return nil, err
		}
		return websocket.NetConn(ctx, c, websocket.MessageBinary), nil
	})
}
