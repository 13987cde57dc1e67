package crypto

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math"
	"math/big"

	"golang.org/x/crypto/blake2b"
)

const (
	// StampSize is the size of a proof-of-work stamp.
	StampSize = 24

	// powMantissaBits and powShiftBase fix the threshold construction shared
	// with peers that generate stamps.
	powMantissaBits = 54
	powShiftBase    = 202
)

// PowTarget is a proof-of-work difficulty threshold. A hash passes when its
// little-endian integer value does not exceed the threshold.
type PowTarget struct {
	bits      float64
	threshold *big.Int
}

// NewPowTarget builds the threshold for a difficulty expressed in leading-zero
// bit density. bits must lie in [0, 256).
func NewPowTarget(bits float64) (*PowTarget, error) {
	if math.IsNaN(bits) || bits < 0 || bits >= 256 {
		return nil, fmt.Errorf("proof-of-work target %v out of range [0,256)", bits)
	}

	shiftF, frac := math.Modf(bits)
	shift := int(shiftF)

	var m *big.Int
	if frac == 0 {
		m = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), powMantissaBits), big.NewInt(1))
	} else {
		m = big.NewInt(int64(math.Pow(2, powMantissaBits-frac)))
	}

	threshold := new(big.Int)
	if shift < powShiftBase {
		n := uint(powShiftBase - shift)
		low := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), n), big.NewInt(1))
		threshold.Lsh(m, n)
		threshold.Or(threshold, low)
	} else {
		threshold.Rsh(m, uint(shift-powShiftBase))
	}

	return &PowTarget{bits: bits, threshold: threshold}, nil
}

// Bits returns the difficulty the target was built from.
func (t *PowTarget) Bits() float64 {
	return t.bits
}

// Threshold returns a copy of the threshold integer.
func (t *PowTarget) Threshold() *big.Int {
	return new(big.Int).Set(t.threshold)
}

// Check reports whether data (public key followed by stamp) satisfies the target.
func (t *PowTarget) Check(data []byte) bool {
	sum := blake2b.Sum256(data)
	return hashToInt(sum).Cmp(t.threshold) <= 0
}

// CheckProofOfWork checks data against a difficulty in bits. An invalid
// difficulty never passes.
func CheckProofOfWork(data []byte, bits float64) bool {
	t, err := NewPowTarget(bits)
	if err != nil {
		return false
	}
	return t.Check(data)
}

// MineStamp searches for a stamp such that publicKey||stamp passes the target.
func MineStamp(ctx context.Context, publicKey []byte, t *PowTarget) ([StampSize]byte, error) {
	var stamp [StampSize]byte
	if _, err := io.ReadFull(rand.Reader, stamp[:]); err != nil {
		return stamp, fmt.Errorf("seed stamp: %w", err)
	}

	data := make([]byte, len(publicKey)+StampSize)
	copy(data, publicKey)

	for i := uint64(0); ; i++ {
		if i&0xfff == 0 {
			if err := ctx.Err(); err != nil {
				return stamp, err
			}
		}
		copy(data[len(publicKey):], stamp[:])
		if t.Check(data) {
			return stamp, nil
		}
		incrementStamp(&stamp)
	}
}

// hashToInt interprets a digest as a little-endian unsigned integer.
func hashToInt(sum [blake2b.Size256]byte) *big.Int {
	var be [blake2b.Size256]byte
	for i := range sum {
		be[len(sum)-1-i] = sum[i]
	}
	return new(big.Int).SetBytes(be[:])
}

func incrementStamp(stamp *[StampSize]byte) {
	for i := StampSize - 1; i >= 0; i-- {
		stamp[i]++
		if stamp[i] != 0 {
			return
		}
	}
}
