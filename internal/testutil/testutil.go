// Package testutil builds handshakes, identities and encrypted traffic for tests.
package testutil

import (
	"context"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/nacl/box"

	"github.com/postalsys/wiretap/internal/crypto"
	"github.com/postalsys/wiretap/internal/identity"
	"github.com/postalsys/wiretap/internal/protocol"
)

// TestPowBits is a difficulty low enough to mine instantly.
const TestPowBits = 8.0

// PowTarget returns the test difficulty target.
func PowTarget(t testing.TB) *crypto.PowTarget {
	t.Helper()
	target, err := crypto.NewPowTarget(TestPowBits)
	if err != nil {
		t.Fatalf("NewPowTarget() error = %v", err)
	}
	return target
}

// Peer is one endpoint: a keypair, its mined stamp and its raw chunk-0.
type Peer struct {
	PublicKey [crypto.KeySize]byte
	SecretKey [crypto.KeySize]byte
	Message   *protocol.ConnectionMessage
	Handshake []byte
}

// NewPeer creates an endpoint whose handshake satisfies target.
func NewPeer(t testing.TB, target *crypto.PowTarget, port uint16) *Peer {
	t.Helper()

	pk, sk, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("box.GenerateKey() error = %v", err)
	}
	stamp, err := crypto.MineStamp(context.Background(), pk[:], target)
	if err != nil {
		t.Fatalf("MineStamp() error = %v", err)
	}

	msg := &protocol.ConnectionMessage{
		Port:      port,
		PublicKey: *pk,
		Stamp:     stamp,
		Versions:  []protocol.Version{{ChainName: "TEZOS_MAINNET", DistributedDBVersion: 0, P2PVersion: 1}},
	}
	if _, err := rand.Read(msg.Nonce[:]); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}

	raw, err := protocol.EncodeChunk(msg.Encode())
	if err != nil {
		t.Fatalf("EncodeChunk() error = %v", err)
	}

	return &Peer{PublicKey: *pk, SecretKey: *sk, Message: msg, Handshake: raw}
}

// Identity returns the endpoint as a loaded identity.
func (p *Peer) Identity() *identity.Identity {
	return &identity.Identity{
		PeerID:    crypto.PeerIDFromPublicKey(p.PublicKey[:]),
		PublicKey: p.PublicKey,
		SecretKey: p.SecretKey,
		Stamp:     p.Message.Stamp,
		Path:      "testdata/identity.json",
	}
}

// Session is a pair of endpoints with their derived key material.
type Session struct {
	Initiator *Peer
	Responder *Peer
	Decipher  *crypto.Decipher
}

// NewSession creates two endpoints and derives keys from the initiator's side.
func NewSession(t testing.TB) *Session {
	t.Helper()

	target := PowTarget(t)
	s := &Session{
		Initiator: NewPeer(t, target, 9732),
		Responder: NewPeer(t, target, 9733),
	}

	id := s.Initiator.Identity()
	d, err := crypto.Derive(s.Initiator.Handshake, s.Responder.Handshake, id.PeerID, id.SecretKey[:])
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	s.Decipher = d
	return s
}

// Handshake returns the raw chunk-0 of a direction.
func (s *Session) Handshake(dir protocol.Direction) []byte {
	if dir == protocol.Initiator {
		return s.Initiator.Handshake
	}
	return s.Responder.Handshake
}

// Chunk encrypts plaintext as chunk index of dir and frames it.
func (s *Session) Chunk(t testing.TB, dir protocol.Direction, index int, plaintext []byte) []byte {
	t.Helper()
	raw, err := protocol.EncodeChunk(s.Decipher.Encrypt(plaintext, crypto.ForChunk(dir, index)))
	if err != nil {
		t.Fatalf("EncodeChunk() error = %v", err)
	}
	return raw
}

// Corrupt returns a copy of raw with one bit flipped in the last byte.
func Corrupt(raw []byte) []byte {
	out := append([]byte(nil), raw...)
	out[len(out)-1] ^= 0x01
	return out
}

// Split cuts data into pieces of at most n bytes.
func Split(data []byte, n int) [][]byte {
	var out [][]byte
	for len(data) > n {
		out = append(out, data[:n])
		data = data[n:]
	}
	if len(data) > 0 {
		out = append(out, data)
	}
	return out
}
