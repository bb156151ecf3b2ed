// Package memtransport provides an in-process, net.Pipe-backed duplex
// stream for driving a Client against a scripted mock server instead of a
// real socket. It factors out the connect/mock-server boilerplate that
// otherwise gets rewritten inline in every integration-style test.
package memtransport

import (
	"fmt"
	"net"

	"github.com/mireo/async-mqtt5-sub000/internal/packets"
)

// Pair returns a connected net.Conn pair: conn is handed to the client
// under test (typically via a custom DialFunc), and srv is the test's
// handle for scripting the server side of the exchange.
func Pair() (conn net.Conn, srv *Server) {
	c, s := net.Pipe()
	return c, &Server{conn: s}
}

// Server is the test-side half of a Pair: a thin scripting layer over the
// raw pipe connection for the wire exchanges a mock MQTT server needs to
// drive a Client under test (CONNECT/CONNACK, AUTH challenges, acks).
type Server struct {
	conn net.Conn
}

// Close closes the server's end of the pipe.
func (s *Server) Close() error {
	return s.conn.Close()
}

// ReadPacket reads and decodes the next packet the client sends.
func (s *Server) ReadPacket(version uint8, maxIncomingPacket int) (packets.Packet, error) {
	return packets.ReadPacket(s.conn, version, maxIncomingPacket)
}

// ReadConnect reads the next packet and asserts it is a CONNECT.
func (s *Server) ReadConnect(version uint8) (*packets.ConnectPacket, error) {
	pkt, err := s.ReadPacket(version, 1024*1024)
	if err != nil {
		return nil, fmt.Errorf("memtransport: read CONNECT: %w", err)
	}
	connect, ok := pkt.(*packets.ConnectPacket)
	if !ok {
		return nil, fmt.Errorf("memtransport: expected CONNECT, got %T", pkt)
	}
	return connect, nil
}

// WritePacket writes an arbitrary prepared packet, for scripting the
// server's side of whatever exchange a test needs (AUTH challenges,
// PUBACK/SUBACK, redirect CONNACKs, ...).
func (s *Server) WritePacket(pkt packets.Packet) error {
	_, err := pkt.WriteTo(s.conn)
	return err
}

// WriteConnack writes a CONNACK with the given return code and an empty
// Properties (MQTT v5.0 requires a non-nil Properties on the wire, even
// when none are set).
func (s *Server) WriteConnack(returnCode uint8) error {
	return s.WritePacket(&packets.ConnackPacket{
		ReturnCode: returnCode,
		Properties: &packets.Properties{},
	})
}
