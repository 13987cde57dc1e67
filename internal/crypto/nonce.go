package crypto

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/postalsys/wiretap/internal/protocol"
)

// NonceSize is the size of a box nonce.
const NonceSize = 24

// Nonce is a 192-bit big-endian counter.
type Nonce [NonceSize]byte

// Add returns n + count modulo 2^192.
func (n Nonce) Add(count uint64) Nonce {
	var addend [8]byte
	binary.BigEndian.PutUint64(addend[:], count)

	out := n
	carry := 0
	for i := 0; i < NonceSize; i++ {
		pos := NonceSize - 1 - i
		sum := int(out[pos]) + carry
		if i < len(addend) {
			sum += int(addend[len(addend)-1-i])
		}
		out[pos] = byte(sum)
		carry = sum >> 8
		if carry == 0 && i >= len(addend) {
			break
		}
	}
	return out
}

// String returns the nonce as hex.
func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

// NonceAddition is the sequence number of a ciphertext chunk within one
// direction. The first chunk after the handshake has count 0.
type NonceAddition struct {
	Direction protocol.Direction
	Count     uint64
}

// ForChunk returns the addition for chunk index i (i >= 1) of a direction.
func ForChunk(d protocol.Direction, i int) NonceAddition {
	if i < 1 {
		panic(fmt.Sprintf("crypto: chunk %d carries no nonce", i))
	}
	return NonceAddition{Direction: d, Count: uint64(i - 1)}
}

// String returns e.g. "initiator+3".
func (a NonceAddition) String() string {
	return fmt.Sprintf("%s+%d", a.Direction, a.Count)
}
