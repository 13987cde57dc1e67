// Package crypto implements the proof-of-work gate, nonce arithmetic and the
// precomputed box used to decrypt chunk bodies.
package crypto

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/postalsys/wiretap/internal/protocol"
)

const (
	// KeySize is the size of box public, secret and shared keys.
	KeySize = 32

	// PeerIDSize is the size of a peer id (blake2b digest of the public key).
	PeerIDSize = 16

	// Overhead is the authentication tag size added by Seal.
	Overhead = box.Overhead

	initiatorNonceLabel = "Repl -> Init"
	responderNonceLabel = "Init -> Repl"
)

var (
	// ErrNoIdentityMatch is returned when neither handshake belongs to the local identity.
	ErrNoIdentityMatch = errors.New("no handshake matches the identity")

	// ErrInvalidKey is returned when key material is malformed.
	ErrInvalidKey = errors.New("invalid key material")

	// ErrAuthFailure is returned when a chunk fails authentication.
	ErrAuthFailure = errors.New("chunk authentication failed")
)

// PeerID is the identity hash of a public key.
type PeerID [PeerIDSize]byte

// PeerIDFromPublicKey hashes a public key into its peer id.
func PeerIDFromPublicKey(pk []byte) PeerID {
	h, err := blake2b.New(PeerIDSize, nil)
	if err != nil {
		// only fails for invalid sizes or keys
		panic(fmt.Sprintf("blake2b: %v", err))
	}
	h.Write(pk)

	var id PeerID
	copy(id[:], h.Sum(nil))
	return id
}

// Decipher holds the precomputed shared key and the initial nonce of each
// direction. It is immutable once derived.
type Decipher struct {
	key    [KeySize]byte
	local  Nonce
	remote Nonce

	// LocalIsInitiator records which handshake belonged to the identity.
	LocalIsInitiator bool
}

// Derive builds the decipher for a connection from the two raw handshake
// chunks (length prefixes included) and the local identity's peer id and
// secret key.
func Derive(initiatorChunk, responderChunk []byte, localPeerID PeerID, secretKey []byte) (*Decipher, error) {
	pkI, err := protocol.PublicKeyFromChunk(initiatorChunk)
	if err != nil {
		return nil, fmt.Errorf("%w: initiator: %v", ErrInvalidKey, err)
	}
	pkR, err := protocol.PublicKeyFromChunk(responderChunk)
	if err != nil {
		return nil, fmt.Errorf("%w: responder: %v", ErrInvalidKey, err)
	}

	var peerKey [KeySize]byte
	var localIsInitiator bool
	switch localPeerID {
	case PeerIDFromPublicKey(pkI[:]):
		peerKey, localIsInitiator = pkR, true
	case PeerIDFromPublicKey(pkR[:]):
		peerKey, localIsInitiator = pkI, false
	default:
		return nil, ErrNoIdentityMatch
	}

	if len(secretKey) != KeySize {
		return nil, fmt.Errorf("%w: secret key is %d bytes", ErrInvalidKey, len(secretKey))
	}
	var sk [KeySize]byte
	copy(sk[:], secretKey)

	// X25519 rejects low-order peer keys that would yield an all-zero secret.
	if _, err := curve25519.X25519(sk[:], peerKey[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	d := &Decipher{LocalIsInitiator: localIsInitiator}
	box.Precompute(&d.key, &peerKey, &sk)
	d.local, d.remote = InitialNonces(initiatorChunk, responderChunk)

	return d, nil
}

// InitialNonces derives the initial nonce of each direction from the two raw
// handshake chunks. Order matters: initiator bytes first.
func InitialNonces(initiatorChunk, responderChunk []byte) (local, remote Nonce) {
	derive := func(label string) Nonce {
		h, _ := blake2b.New256(nil)
		h.Write(initiatorChunk)
		h.Write(responderChunk)
		h.Write([]byte(label))

		var n Nonce
		copy(n[:], h.Sum(nil))
		return n
	}
	return derive(initiatorNonceLabel), derive(responderNonceLabel)
}

// Nonce returns the nonce for a sequence addition.
func (d *Decipher) Nonce(a NonceAddition) Nonce {
	switch a.Direction {
	case protocol.Initiator:
		return d.local.Add(a.Count)
	case protocol.Responder:
		return d.remote.Add(a.Count)
	default:
		panic(fmt.Sprintf("crypto: unknown direction %d", a.Direction))
	}
}

// Decrypt authenticates and decrypts a chunk body (tag first). The returned
// plaintext is Overhead bytes shorter than ciphertext.
func (d *Decipher) Decrypt(ciphertext []byte, a NonceAddition) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the tag", ErrAuthFailure, len(ciphertext))
	}
	nonce := [NonceSize]byte(d.Nonce(a))
	plaintext, ok := box.OpenAfterPrecomputation(nil, ciphertext, &nonce, &d.key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAuthFailure, a)
	}
	return plaintext, nil
}

// Encrypt seals plaintext for a sequence addition. Used to build traffic in tests
// and by replay tooling.
func (d *Decipher) Encrypt(plaintext []byte, a NonceAddition) []byte {
	nonce := [NonceSize]byte(d.Nonce(a))
	return box.SealAfterPrecomputation(nil, plaintext, &nonce, &d.key)
}

// Equal reports whether two deciphers hold the same key material.
func (d *Decipher) Equal(o *Decipher) bool {
	return bytes.Equal(d.key[:], o.key[:]) && d.local == o.local && d.remote == o.remote
}
