package conversation

import (
	"fmt"

	"github.com/postalsys/wiretap/internal/protocol"
)

// State is the decryption state of a connection. The set of variants is
// closed: Correct, HaveNoIdentity, IdentityInvalid, IdentityCannotDecrypt
// and DecryptError.
type State interface {
	isState()
	String() string
}

// Correct means every framed chunk so far is available as plaintext, or the
// handshake is still pending.
type Correct struct{}

// HaveNoIdentity means both handshakes are known but no identity was supplied.
type HaveNoIdentity struct{}

// IdentityInvalid means the identity's key material could not be used.
type IdentityInvalid struct {
	Path string
}

// IdentityCannotDecrypt means the identity belongs to neither endpoint.
type IdentityCannotDecrypt struct {
	Path string
}

// DecryptError records the first chunk of a direction that failed authentication.
type DecryptError struct {
	Direction protocol.Direction
	Chunk     int
}

func (Correct) isState()               {}
func (HaveNoIdentity) isState()        {}
func (IdentityInvalid) isState()       {}
func (IdentityCannotDecrypt) isState() {}
func (DecryptError) isState()          {}

func (Correct) String() string        { return "correct" }
func (HaveNoIdentity) String() string { return "identity required" }

func (s IdentityInvalid) String() string {
	return fmt.Sprintf("identity invalid: %s", s.Path)
}

func (s IdentityCannotDecrypt) String() string {
	return fmt.Sprintf("identity cannot decrypt: %s", s.Path)
}

func (s DecryptError) String() string {
	return fmt.Sprintf("decryption error: %s chunk %d", s.Direction, s.Chunk)
}

// Label returns a short metric-friendly name for a state.
func Label(s State) string {
	switch s.(type) {
	case Correct:
		return "correct"
	case HaveNoIdentity:
		return "have_no_identity"
	case IdentityInvalid:
		return "identity_invalid"
	case IdentityCannotDecrypt:
		return "identity_cannot_decrypt"
	case DecryptError:
		return "decrypt_error"
	default:
		panic(fmt.Sprintf("conversation: unknown state %T", s))
	}
}
