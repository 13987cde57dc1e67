// Package connection is the per-connection entry point: it classifies
// packets by direction, feeds them to the conversation and renders them.
package connection

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/postalsys/wiretap/internal/protocol"
)

// ErrForeignPacket is returned for a packet whose endpoints do not belong to
// the connection.
var ErrForeignPacket = errors.New("packet does not belong to connection")

// AddressRoster fixes the initiator on the first packet it sees and
// classifies later packets by their endpoints.
type AddressRoster struct {
	initiator netip.AddrPort
	responder netip.AddrPort
	set       bool
}

// Classify returns the direction of a packet sent from src to dst.
func (r *AddressRoster) Classify(src, dst netip.AddrPort) (protocol.Direction, error) {
	if !r.set {
		r.initiator, r.responder, r.set = src, dst, true
		return protocol.Initiator, nil
	}
	switch {
	case src == r.initiator && dst == r.responder:
		return protocol.Initiator, nil
	case src == r.responder && dst == r.initiator:
		return protocol.Responder, nil
	default:
		return 0, fmt.Errorf("%w: %s -> %s", ErrForeignPacket, src, dst)
	}
}

// Endpoints returns the initiator and responder addresses, once known.
func (r *AddressRoster) Endpoints() (initiator, responder netip.AddrPort, ok bool) {
	return r.initiator, r.responder, r.set
}
