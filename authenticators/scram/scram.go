// Package scram implements the mq.Authenticator interface for SCRAM-SHA-256
// (RFC 5802), for use with MQTT v5.0 Enhanced Authentication.
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	mq "github.com/mireo/async-mqtt5-sub000"
)

var _ mq.Authenticator = (*Client)(nil)

const hashSize = sha256.Size

// Client is an mq.Authenticator that carries out the SCRAM-SHA-256
// client-first / server-first / client-final exchange described in RFC
// 5802, over MQTT v5.0 AUTH packets instead of a SASL transport.
//
// A Client is single-use: construct a new one per connection attempt via
// NewClient, and pass it to mq.WithAuthenticator.
type Client struct {
	username string
	password string

	clientNonce string
	serverNonce string
	authMsg     string
	serverKey   []byte
}

// NewClient returns a SCRAM-SHA-256 authenticator for username/password.
func NewClient(username, password string) *Client {
	return &Client{username: username, password: password}
}

func (c *Client) Method() string { return "SCRAM-SHA-256" }

// InitialData returns the client-first-message: "n,,n=user,r=nonce".
func (c *Client) InitialData() ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("scram: generating client nonce: %w", err)
	}
	c.clientNonce = base64.RawStdEncoding.EncodeToString(nonce)

	msg := fmt.Sprintf("n,,n=%s,r=%s", escapeUsername(c.username), c.clientNonce)
	c.authMsg = msg[3:] // client-first-message-bare, sans gs2 header
	return []byte(msg), nil
}

// HandleChallenge processes the server-first-message and returns the
// client-final-message. reasonCode is not consulted: a SCRAM exchange
// always carries exactly one server-first challenge before CONNACK.
func (c *Client) HandleChallenge(data []byte, reasonCode uint8) ([]byte, error) {
	attrs := parseAttrs(string(data))

	r, ok := attrs["r"]
	if !ok || !strings.HasPrefix(r, c.clientNonce) {
		return nil, fmt.Errorf("scram: server nonce %q does not extend client nonce %q", r, c.clientNonce)
	}
	c.serverNonce = r

	saltStr, ok := attrs["s"]
	if !ok {
		return nil, fmt.Errorf("scram: server-first-message missing salt")
	}
	salt, err := base64.StdEncoding.DecodeString(saltStr)
	if err != nil {
		return nil, fmt.Errorf("scram: decoding salt: %w", err)
	}

	iterStr, ok := attrs["i"]
	if !ok {
		return nil, fmt.Errorf("scram: server-first-message missing iteration count")
	}
	var iter int
	if _, err := fmt.Sscanf(iterStr, "%d", &iter); err != nil || iter < 1 {
		return nil, fmt.Errorf("scram: invalid iteration count %q", iterStr)
	}

	// AuthMessage = client-first-message-bare + "," + server-first-message + "," + client-final-message-without-proof
	c.authMsg += "," + string(data) + ",c=biws,r=" + c.serverNonce

	saltedPassword := pbkdf2.Key([]byte(c.password), salt, iter, hashSize, sha256.New)

	clientKey := hmacSum(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSum(storedKey[:], []byte(c.authMsg))

	clientProof := make([]byte, hashSize)
	for i := range clientProof {
		clientProof[i] = clientKey[i] ^ clientSignature[i]
	}

	c.serverKey = hmacSum(saltedPassword, []byte("Server Key"))

	finalMsg := fmt.Sprintf("c=biws,r=%s,p=%s", c.serverNonce, base64.StdEncoding.EncodeToString(clientProof))
	return []byte(finalMsg), nil
}

// Complete has nothing to verify: this authenticator does not receive the
// server's verification signature, since RFC 5802's server-final-message
// only ever reaches the client as the CONNACK that completed the
// exchange, and MQTT's CONNACK carries no room for it.
func (c *Client) Complete() error {
	return nil
}

func hmacSum(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// escapeUsername applies the RFC 5802 3.1 "saslname" escaping: ',' -> "=2C",
// '=' -> "=3D".
func escapeUsername(u string) string {
	u = strings.ReplaceAll(u, "=", "=3D")
	u = strings.ReplaceAll(u, ",", "=2C")
	return u
}

// parseAttrs splits a comma-separated k=v attribute list, as used by every
// SCRAM message.
func parseAttrs(msg string) map[string]string {
	attrs := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if len(part) > 1 && part[1] == '=' {
			attrs[part[:1]] = part[2:]
		}
	}
	return attrs
}
