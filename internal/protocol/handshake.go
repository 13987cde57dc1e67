package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Version is one entry of the connection message version list.
type Version struct {
	ChainName            string
	DistributedDBVersion uint16
	P2PVersion           uint16
}

// ConnectionMessage is the plaintext handshake carried by chunk 0.
type ConnectionMessage struct {
	Port      uint16
	PublicKey [PublicKeySize]byte
	Stamp     [StampSize]byte
	Nonce     [NonceSize]byte
	Versions  []Version
}

// ParseConnectionMessage decodes a chunk-0 body (without the length prefix).
func ParseConnectionMessage(body []byte) (*ConnectionMessage, error) {
	if len(body) < VersionsOffset {
		return nil, fmt.Errorf("%w: body of %d bytes, need at least %d", ErrInvalidHandshake, len(body), VersionsOffset)
	}

	m := &ConnectionMessage{
		Port: binary.BigEndian.Uint16(body[PortOffset:]),
	}
	copy(m.PublicKey[:], body[PublicKeyOffset:StampOffset])
	copy(m.Stamp[:], body[StampOffset:NonceOffset])
	copy(m.Nonce[:], body[NonceOffset:VersionsOffset])

	offset := VersionsOffset
	for offset < len(body) {
		if offset+4 > len(body) {
			return nil, fmt.Errorf("%w: chain name length truncated", ErrInvalidHandshake)
		}
		nameLen := int(binary.BigEndian.Uint32(body[offset:]))
		offset += 4
		if nameLen < 0 || offset+nameLen+4 > len(body) {
			return nil, fmt.Errorf("%w: version entry truncated", ErrInvalidHandshake)
		}
		v := Version{ChainName: string(body[offset : offset+nameLen])}
		offset += nameLen
		v.DistributedDBVersion = binary.BigEndian.Uint16(body[offset:])
		v.P2PVersion = binary.BigEndian.Uint16(body[offset+2:])
		offset += 4
		m.Versions = append(m.Versions, v)
	}

	return m, nil
}

// Encode serializes the connection message as a chunk body.
func (m *ConnectionMessage) Encode() []byte {
	size := VersionsOffset
	for _, v := range m.Versions {
		size += 4 + len(v.ChainName) + 4
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[PortOffset:], m.Port)
	copy(buf[PublicKeyOffset:], m.PublicKey[:])
	copy(buf[StampOffset:], m.Stamp[:])
	copy(buf[NonceOffset:], m.Nonce[:])

	offset := VersionsOffset
	for _, v := range m.Versions {
		binary.BigEndian.PutUint32(buf[offset:], uint32(len(v.ChainName)))
		offset += 4
		copy(buf[offset:], v.ChainName)
		offset += len(v.ChainName)
		binary.BigEndian.PutUint16(buf[offset:], v.DistributedDBVersion)
		binary.BigEndian.PutUint16(buf[offset+2:], v.P2PVersion)
		offset += 4
	}

	return buf
}

// String returns a debug representation of the connection message.
func (m *ConnectionMessage) String() string {
	return fmt.Sprintf("ConnectionMessage{Port=%d, PublicKey=%s, Versions=%d}",
		m.Port, hex.EncodeToString(m.PublicKey[:]), len(m.Versions))
}

// EncodeChunk prefixes body with its big-endian length.
func EncodeChunk(body []byte) ([]byte, error) {
	if len(body) > MaxChunkBody {
		return nil, fmt.Errorf("chunk body of %d bytes exceeds %d", len(body), MaxChunkBody)
	}
	buf := make([]byte, LengthSize+len(body))
	binary.BigEndian.PutUint16(buf, uint16(len(body)))
	copy(buf[LengthSize:], body)
	return buf, nil
}

// PublicKeyFromChunk extracts the public key from a raw chunk-0 (length prefix included).
func PublicKeyFromChunk(raw []byte) ([PublicKeySize]byte, error) {
	var pk [PublicKeySize]byte
	start := LengthSize + PublicKeyOffset
	if len(raw) < start+PublicKeySize {
		return pk, fmt.Errorf("%w: chunk too short for public key", ErrInvalidHandshake)
	}
	copy(pk[:], raw[start:start+PublicKeySize])
	return pk, nil
}
