package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/crypto/pbkdf2"
)

// fakeServer plays the server half of RFC 5802 so the real Client can be
// driven end to end without a broker.
type fakeServer struct {
	username string
	password string
	salt     []byte
	iter     int

	clientFirstBare string
	nonce           string
}

func newFakeServer(username, password string) *fakeServer {
	salt := make([]byte, 12)
	rand.Read(salt)
	return &fakeServer{username: username, password: password, salt: salt, iter: 4096}
}

func (s *fakeServer) firstMessage(clientFirst string) (string, error) {
	attrs := parseAttrs(clientFirst[3:])
	if attrs["n"] != s.username {
		return "", fmt.Errorf("unexpected username %q", attrs["n"])
	}
	clientNonce := attrs["r"]

	serverNonceSuffix := make([]byte, 8)
	rand.Read(serverNonceSuffix)
	s.nonce = clientNonce + base64.RawStdEncoding.EncodeToString(serverNonceSuffix)
	s.clientFirstBare = clientFirst[3:]

	return fmt.Sprintf("r=%s,s=%s,i=%d", s.nonce, base64.StdEncoding.EncodeToString(s.salt), s.iter), nil
}

func (s *fakeServer) verifyFinalMessage(serverFirst, clientFinal string) error {
	attrs := parseAttrs(clientFinal)
	if attrs["r"] != s.nonce {
		return fmt.Errorf("nonce mismatch")
	}
	proof, err := base64.StdEncoding.DecodeString(attrs["p"])
	if err != nil {
		return err
	}

	authMsg := s.clientFirstBare + "," + serverFirst + ",c=biws,r=" + s.nonce
	saltedPassword := pbkdf2.Key([]byte(s.password), s.salt, s.iter, hashSize, sha256.New)
	clientKey := hmacSum(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSum(storedKey[:], []byte(authMsg))

	recoveredKey := make([]byte, hashSize)
	for i := range recoveredKey {
		recoveredKey[i] = proof[i] ^ clientSignature[i]
	}
	recoveredStored := sha256.Sum256(recoveredKey)
	if !hmac.Equal(recoveredStored[:], storedKey[:]) {
		return fmt.Errorf("proof does not verify")
	}
	return nil
}

func TestClientFullExchange(t *testing.T) {
	srv := newFakeServer("alice", "s3cret")
	c := NewClient("alice", "s3cret")

	first, err := c.InitialData()
	if err != nil {
		t.Fatalf("InitialData: %v", err)
	}
	if !strings.HasPrefix(string(first), "n,,n=alice,r=") {
		t.Fatalf("unexpected client-first-message: %s", first)
	}

	serverFirst, err := srv.firstMessage(string(first))
	if err != nil {
		t.Fatalf("server firstMessage: %v", err)
	}

	final, err := c.HandleChallenge([]byte(serverFirst), 0x18)
	if err != nil {
		t.Fatalf("HandleChallenge: %v", err)
	}

	if err := srv.verifyFinalMessage(serverFirst, string(final)); err != nil {
		t.Fatalf("server rejected client-final-message: %v", err)
	}

	if err := c.Complete(); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if c.Method() != "SCRAM-SHA-256" {
		t.Fatalf("Method() = %q, want SCRAM-SHA-256", c.Method())
	}
}

func TestClientRejectsForgedServerNonce(t *testing.T) {
	c := NewClient("alice", "s3cret")
	if _, err := c.InitialData(); err != nil {
		t.Fatalf("InitialData: %v", err)
	}

	// A server-first-message whose nonce doesn't extend the client nonce
	// is a MITM or protocol error and must be rejected.
	_, err := c.HandleChallenge([]byte("r=not-the-client-nonce,s=AAAA,i=4096"), 0x18)
	if err == nil {
		t.Fatal("expected error for forged server nonce")
	}
}

func TestClientRejectsMissingSalt(t *testing.T) {
	c := NewClient("alice", "s3cret")
	first, _ := c.InitialData()
	attrs := parseAttrs(string(first)[3:])

	_, err := c.HandleChallenge([]byte("r="+attrs["r"]+",i=4096"), 0x18)
	if err == nil {
		t.Fatal("expected error for missing salt")
	}
}

func TestEscapeUsername(t *testing.T) {
	if got := escapeUsername("a,b=c"); got != "a=2Cb=3Dc" {
		t.Fatalf("escapeUsername = %q, want a=2Cb=3Dc", got)
	}
}

func TestParseAttrs(t *testing.T) {
	attrs := parseAttrs("r=abc,s=ZGVm,i=4096")
	if attrs["r"] != "abc" || attrs["s"] != "ZGVm" || attrs["i"] != "4096" {
		t.Fatalf("unexpected parse result: %+v", attrs)
	}
}
