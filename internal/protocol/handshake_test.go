package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func testMessage() *ConnectionMessage {
	m := &ConnectionMessage{
		Port: 9732,
		Versions: []Version{
			{ChainName: "TEZOS_MAINNET", DistributedDBVersion: 0, P2PVersion: 1},
			{ChainName: "TEZOS_GHOSTNET", DistributedDBVersion: 2, P2PVersion: 3},
		},
	}
	for i := range m.PublicKey {
		m.PublicKey[i] = byte(i)
	}
	m.Stamp[0] = 0xaa
	m.Nonce[NonceSize-1] = 0xbb
	return m
}

func TestParseConnectionMessage(t *testing.T) {
	m := testMessage()
	body := m.Encode()

	if len(body) != VersionsOffset+(4+13+4)+(4+14+4) {
		t.Fatalf("Encode() length = %d", len(body))
	}

	got, err := ParseConnectionMessage(body)
	if err != nil {
		t.Fatalf("ParseConnectionMessage() error = %v", err)
	}
	if got.Port != 9732 || got.PublicKey != m.PublicKey || got.Stamp != m.Stamp || got.Nonce != m.Nonce {
		t.Errorf("fixed fields = %v, want %v", got, m)
	}
	if len(got.Versions) != 2 || got.Versions[1] != m.Versions[1] {
		t.Errorf("Versions = %+v, want %+v", got.Versions, m.Versions)
	}
}

func TestParseConnectionMessage_Errors(t *testing.T) {
	body := testMessage().Encode()

	tests := []struct {
		name string
		body []byte
	}{
		{"shorter than fixed fields", body[:VersionsOffset-1]},
		{"truncated name length", body[:VersionsOffset+2]},
		{"truncated entry", body[:VersionsOffset+10]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseConnectionMessage(tt.body); !errors.Is(err, ErrInvalidHandshake) {
				t.Errorf("ParseConnectionMessage() error = %v, want ErrInvalidHandshake", err)
			}
		})
	}

	if m, err := ParseConnectionMessage(body[:VersionsOffset]); err != nil || len(m.Versions) != 0 {
		t.Errorf("no versions: got %v, %v", m, err)
	}
}

func TestEncodeChunk(t *testing.T) {
	raw, err := EncodeChunk([]byte{0x01, 0x02, 0x03})
	if err != nil {
		t.Fatalf("EncodeChunk() error = %v", err)
	}
	if !bytes.Equal(raw, []byte{0x00, 0x03, 0x01, 0x02, 0x03}) {
		t.Errorf("EncodeChunk() = %x", raw)
	}

	if _, err := EncodeChunk(make([]byte, MaxChunkBody+1)); err == nil {
		t.Error("expected error for oversized body")
	}
}

func TestPublicKeyFromChunk(t *testing.T) {
	m := testMessage()
	raw, err := EncodeChunk(m.Encode())
	if err != nil {
		t.Fatalf("EncodeChunk() error = %v", err)
	}

	pk, err := PublicKeyFromChunk(raw)
	if err != nil {
		t.Fatalf("PublicKeyFromChunk() error = %v", err)
	}
	if pk != m.PublicKey {
		t.Errorf("PublicKeyFromChunk() = %x, want %x", pk, m.PublicKey)
	}

	if _, err := PublicKeyFromChunk(raw[:PoWStart+10]); !errors.Is(err, ErrInvalidHandshake) {
		t.Errorf("short chunk error = %v, want ErrInvalidHandshake", err)
	}
}

func TestDirection(t *testing.T) {
	if Initiator.Other() != Responder || Responder.Other() != Initiator {
		t.Error("Other() is not an involution")
	}
	if Initiator.String() != "initiator" || Responder.String() != "responder" {
		t.Errorf("String() = %s, %s", Initiator, Responder)
	}
	if Direction(7).String() != "direction(7)" {
		t.Errorf("unknown direction String() = %s", Direction(7))
	}
	if !IsRetryable(ErrNotEnoughData) || IsRetryable(ErrMalformedTag) {
		t.Error("IsRetryable() misclassifies decoder errors")
	}
}
