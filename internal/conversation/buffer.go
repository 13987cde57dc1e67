// Package conversation drives framing, protocol detection, key derivation and
// chunk decryption for both directions of one connection.
package conversation

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/postalsys/wiretap/internal/chunk"
	"github.com/postalsys/wiretap/internal/crypto"
	"github.com/postalsys/wiretap/internal/identity"
	"github.com/postalsys/wiretap/internal/logging"
	"github.com/postalsys/wiretap/internal/metrics"
	"github.com/postalsys/wiretap/internal/protocol"
)

const (
	// DefaultPowTarget is the difficulty a handshake stamp must satisfy.
	DefaultPowTarget = 24.0

	// DefaultMaxUnpairedChunks is how many chunks one direction may frame
	// before the other direction's handshake arrives.
	DefaultMaxUnpairedChunks = 2
)

// ErrUnrecognized is returned once the byte stream is classified as not
// belonging to the protocol. It is terminal.
var ErrUnrecognized = errors.New("stream not recognized")

// Options configures a Buffer.
type Options struct {
	// PowTarget gates protocol detection. Nil uses DefaultPowTarget.
	PowTarget *crypto.PowTarget

	// MaxUnpairedChunks bounds one-sided traffic before the handshake pair
	// completes. Zero uses DefaultMaxUnpairedChunks.
	MaxUnpairedChunks int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Buffer is the per-connection conversation state. It is not safe for
// concurrent use.
type Buffer struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	streams    [2]*chunk.Stream
	powChecked [2]bool

	resolved bool
	decipher *crypto.Decipher
	state    State

	failedAt     [2]int
	firstFailure *DecryptError
}

// New creates an empty conversation buffer.
func New(opts Options) (*Buffer, error) {
	if opts.PowTarget == nil {
		t, err := crypto.NewPowTarget(DefaultPowTarget)
		if err != nil {
			return nil, err
		}
		opts.PowTarget = t
	}
	if opts.MaxUnpairedChunks <= 0 {
		opts.MaxUnpairedChunks = DefaultMaxUnpairedChunks
	}

	return &Buffer{
		opts:     opts,
		logger:   logging.OrNop(opts.Logger),
		metrics:  opts.Metrics,
		streams:  [2]*chunk.Stream{chunk.NewStream(), chunk.NewStream()},
		state:    Correct{},
		failedAt: [2]int{-1, -1},
	}, nil
}

// Consume feeds one packet's payload for direction dir. id may be nil. It
// returns the range the payload occupies in the direction's byte store, and
// ErrUnrecognized when the stream fails protocol detection.
func (b *Buffer) Consume(payload []byte, dir protocol.Direction, id *identity.Identity) (chunk.Range, error) {
	stream := b.streams[dir.Index()]
	before := stream.Count()
	r := stream.Consume(payload)

	b.metrics.RecordBytes(dir.String(), len(payload))
	b.metrics.RecordChunksFramed(dir.String(), stream.Count()-before)

	if err := b.checkProofOfWork(dir); err != nil {
		return r, err
	}

	if !b.resolved {
		if b.streams[0].Count() > 0 && b.streams[1].Count() > 0 {
			b.derive(id)
		} else if stream.Count() > b.opts.MaxUnpairedChunks {
			b.logger.Info("one-sided traffic before handshake pair",
				logging.KeyDirection, dir.String(),
				logging.KeyCount, stream.Count())
			return r, fmt.Errorf("%w: %d chunks from %s without a peer handshake",
				ErrUnrecognized, stream.Count(), dir)
		}
	}

	if b.decipher != nil {
		for _, d := range protocol.Directions {
			b.decrypt(d)
		}
	}

	return r, nil
}

func (b *Buffer) checkProofOfWork(dir protocol.Direction) error {
	i := dir.Index()
	if b.powChecked[i] {
		return nil
	}
	prefix, ok := b.streams[i].Prefix(protocol.PoWEnd)
	if !ok {
		return nil
	}
	b.powChecked[i] = true

	passed := b.opts.PowTarget.Check(prefix[protocol.PoWStart:protocol.PoWEnd])
	b.metrics.RecordPowCheck(passed)
	if !passed {
		b.logger.Info("proof-of-work check failed",
			logging.KeyDirection, dir.String(),
			"target", b.opts.PowTarget.Bits())
		return fmt.Errorf("%w: %s handshake fails proof of work", ErrUnrecognized, dir)
	}
	return nil
}

func (b *Buffer) derive(id *identity.Identity) {
	b.resolved = true

	if id == nil {
		b.setState(HaveNoIdentity{})
		b.metrics.RecordKeyDerivation("no_identity")
		return
	}

	d, err := crypto.Derive(b.streams[0].Raw(0), b.streams[1].Raw(0), id.PeerID, id.SecretKey[:])
	switch {
	case err == nil:
		b.decipher = d
		b.metrics.RecordKeyDerivation("ok")
		b.logger.Debug("derived connection keys",
			logging.KeyPeerID, id.String(),
			"local_initiator", d.LocalIsInitiator)
	case errors.Is(err, crypto.ErrNoIdentityMatch):
		b.setState(IdentityCannotDecrypt{Path: id.Source()})
		b.metrics.RecordKeyDerivation("no_match")
	default:
		b.setState(IdentityInvalid{Path: id.Source()})
		b.metrics.RecordKeyDerivation("invalid_key")
		b.logger.Debug("key derivation failed", logging.KeyError, err)
	}
}

func (b *Buffer) decrypt(dir protocol.Direction) {
	i := dir.Index()
	if b.failedAt[i] >= 0 {
		return
	}

	stream := b.streams[i]
	for {
		index, ciphertext, ok := stream.Ciphertext()
		if !ok {
			return
		}

		plaintext, err := b.decipher.Decrypt(ciphertext, crypto.ForChunk(dir, index))
		if err != nil {
			b.failedAt[i] = index
			if b.firstFailure == nil {
				b.firstFailure = &DecryptError{Direction: dir, Chunk: index}
			}
			b.metrics.RecordDecrypt(dir.String(), false)
			b.logger.Info("chunk failed authentication",
				logging.KeyDirection, dir.String(),
				logging.KeyChunk, index)
			return
		}

		stream.StorePlaintext(index, plaintext)
		b.metrics.RecordDecrypt(dir.String(), true)
	}
}

func (b *Buffer) setState(s State) {
	b.logger.Debug("conversation state changed",
		logging.KeyState, s.String())
	b.state = s
}

// State returns the current connection state. Identity problems take
// precedence; otherwise the first recorded decryption failure is reported.
func (b *Buffer) State() State {
	if _, ok := b.state.(Correct); !ok {
		return b.state
	}
	if b.firstFailure != nil {
		return *b.firstFailure
	}
	return b.state
}

// DirectionError returns the chunk index at which dir failed authentication.
func (b *Buffer) DirectionError(dir protocol.Direction) (int, bool) {
	i := b.failedAt[dir.Index()]
	return i, i >= 0
}

// Stream returns the chunk store of a direction.
func (b *Buffer) Stream(dir protocol.Direction) *chunk.Stream {
	return b.streams[dir.Index()]
}

// Decipher returns the derived key material, or nil before derivation.
func (b *Buffer) Decipher() *crypto.Decipher {
	return b.decipher
}
