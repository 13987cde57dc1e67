// Package identity loads and generates the long-term identity used to decrypt
// connections.
package identity

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/nacl/box"

	"github.com/postalsys/wiretap/internal/crypto"
)

var (
	// ErrInvalidPeerID is returned when the peer id is malformed.
	ErrInvalidPeerID = errors.New("invalid peer id")

	// ErrPeerIDMismatch is returned when the peer id does not hash from the public key.
	ErrPeerIDMismatch = errors.New("peer id does not match public key")

	// ErrInvalidKeyLength is returned when a key has the wrong size.
	ErrInvalidKeyLength = errors.New("invalid key length")
)

// peerIDPrefix is the base58check version prefix of peer ids ("idt").
var peerIDPrefix = []byte{0x99, 0x67}

// Identity is a loaded identity. It is immutable and may be shared by any
// number of connections.
type Identity struct {
	PeerID    crypto.PeerID
	PublicKey [crypto.KeySize]byte
	SecretKey [crypto.KeySize]byte
	Stamp     [crypto.StampSize]byte

	// Path is the file the identity was loaded from, if any.
	Path string
}

// file is the on-disk representation.
type file struct {
	PeerID    string `json:"peer_id"`
	PublicKey string `json:"public_key"`
	SecretKey string `json:"secret_key"`
	Stamp     string `json:"proof_of_work_stamp"`
}

// Generate creates a new identity whose stamp satisfies target.
func Generate(ctx context.Context, target *crypto.PowTarget) (*Identity, error) {
	pk, sk, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	stamp, err := crypto.MineStamp(ctx, pk[:], target)
	if err != nil {
		return nil, fmt.Errorf("mine proof-of-work stamp: %w", err)
	}

	return &Identity{
		PeerID:    crypto.PeerIDFromPublicKey(pk[:]),
		PublicKey: *pk,
		SecretKey: *sk,
		Stamp:     stamp,
	}, nil
}

// Load reads an identity file.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	id, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	id.Path = path
	return id, nil
}

// Parse decodes an identity from JSON.
func Parse(data []byte) (*Identity, error) {
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse identity: %w", err)
	}

	id := &Identity{}
	if err := decodeHex("public_key", f.PublicKey, id.PublicKey[:]); err != nil {
		return nil, err
	}
	if err := decodeHex("secret_key", f.SecretKey, id.SecretKey[:]); err != nil {
		return nil, err
	}
	if err := decodeHex("proof_of_work_stamp", f.Stamp, id.Stamp[:]); err != nil {
		return nil, err
	}

	peerID, err := ParsePeerID(f.PeerID)
	if err != nil {
		return nil, err
	}
	if peerID != crypto.PeerIDFromPublicKey(id.PublicKey[:]) {
		return nil, ErrPeerIDMismatch
	}
	id.PeerID = peerID

	return id, nil
}

// ParsePeerID accepts either 32 hex characters or the base58check form.
func ParsePeerID(s string) (crypto.PeerID, error) {
	var id crypto.PeerID
	s = strings.TrimSpace(s)

	if len(s) == crypto.PeerIDSize*2 {
		if b, err := hex.DecodeString(s); err == nil {
			copy(id[:], b)
			return id, nil
		}
	}

	raw := base58.Decode(s)
	if len(raw) != len(peerIDPrefix)+crypto.PeerIDSize+4 {
		return id, fmt.Errorf("%w: %q", ErrInvalidPeerID, s)
	}
	payload, sum := raw[:len(raw)-4], raw[len(raw)-4:]
	if !bytes.Equal(checksum(payload), sum) {
		return id, fmt.Errorf("%w: bad checksum", ErrInvalidPeerID)
	}
	if !bytes.Equal(payload[:len(peerIDPrefix)], peerIDPrefix) {
		return id, fmt.Errorf("%w: bad prefix", ErrInvalidPeerID)
	}
	copy(id[:], payload[len(peerIDPrefix):])
	return id, nil
}

// FormatPeerID renders a peer id in base58check form.
func FormatPeerID(id crypto.PeerID) string {
	payload := append(append([]byte{}, peerIDPrefix...), id[:]...)
	return base58.Encode(append(payload, checksum(payload)...))
}

// String returns the base58check peer id.
func (id *Identity) String() string {
	return FormatPeerID(id.PeerID)
}

// CheckProofOfWork reports whether the identity's stamp satisfies target.
func (id *Identity) CheckProofOfWork(target *crypto.PowTarget) bool {
	data := make([]byte, 0, crypto.KeySize+crypto.StampSize)
	data = append(data, id.PublicKey[:]...)
	data = append(data, id.Stamp[:]...)
	return target.Check(data)
}

// Marshal encodes the identity as indented JSON.
func (id *Identity) Marshal() ([]byte, error) {
	return json.MarshalIndent(file{
		PeerID:    FormatPeerID(id.PeerID),
		PublicKey: hex.EncodeToString(id.PublicKey[:]),
		SecretKey: hex.EncodeToString(id.SecretKey[:]),
		Stamp:     hex.EncodeToString(id.Stamp[:]),
	}, "", "  ")
}

// Store writes the identity to path atomically.
func (id *Identity) Store(path string) error {
	data, err := id.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create identity directory: %w", err)
		}
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist identity: %w", err)
	}

	id.Path = path
	return nil
}

// Source returns the path for reporting, or a placeholder for in-memory identities.
func (id *Identity) Source() string {
	if id.Path == "" {
		return "<memory>"
	}
	return id.Path
}

func decodeHex(field, s string, dst []byte) error {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("%w: %s is %d bytes, expected %d", ErrInvalidKeyLength, field, len(b), len(dst))
	}
	copy(dst, b)
	return nil
}

func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:4]
}
