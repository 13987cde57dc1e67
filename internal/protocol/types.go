// Package protocol defines the wire layout of the chunked peer protocol.
package protocol

import "fmt"

// Chunk framing
const (
	// LengthSize is the size of the big-endian length prefix of every chunk.
	LengthSize = 2

	// TagSize is the size of the authentication tag carried by encrypted chunks.
	TagSize = 16

	// MaxChunkBody is the largest body a length prefix can describe.
	MaxChunkBody = 1<<16 - 1
)

// Handshake (connection message) layout, offsets within the chunk-0 body.
const (
	PortOffset      = 0
	PortSize        = 2
	PublicKeyOffset = PortOffset + PortSize
	PublicKeySize   = 32
	StampOffset     = PublicKeyOffset + PublicKeySize
	StampSize       = 24
	NonceOffset     = StampOffset + StampSize
	NonceSize       = 24
	VersionsOffset  = NonceOffset + NonceSize

	// PoWStart and PoWEnd bound the proof-of-work input within the raw chunk
	// (public key and stamp, after the length prefix and the port).
	PoWStart = LengthSize + PublicKeyOffset
	PoWEnd   = LengthSize + NonceOffset
)

// Direction identifies which endpoint sent a byte.
type Direction uint8

const (
	// Initiator is the endpoint that sent the first observed packet.
	Initiator Direction = iota
	// Responder is the other endpoint.
	Responder
)

// Directions lists both directions in index order.
var Directions = [2]Direction{Initiator, Responder}

// Other returns the opposite direction.
func (d Direction) Other() Direction {
	if d == Initiator {
		return Responder
	}
	return Initiator
}

// Index returns the direction as an array index.
func (d Direction) Index() int {
	return int(d)
}

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}
