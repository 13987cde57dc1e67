// Package chunk reassembles one direction of a connection into length-prefixed chunks.
package chunk

import (
	"encoding/binary"
	"fmt"

	"github.com/postalsys/wiretap/internal/protocol"
)

// Range is a half-open byte range [Start, End) over a direction's byte store.
type Range struct {
	Start int
	End   int
}

// Len returns the number of bytes in the range.
func (r Range) Len() int {
	return r.End - r.Start
}

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// String returns the range as [start,end).
func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Chunk is one framed unit of the wire protocol. Flags are written after
// framing by the decoding pass, through the owning Stream.
type Chunk struct {
	Range        Range
	Continuation bool
	Incomplete   bool
}

// Body returns the range of the chunk body: the chunk without its length
// prefix and, for every chunk except the first, without the trailing tag.
func (c Chunk) Body(index int) Range {
	start := c.Range.Start + protocol.LengthSize
	end := c.Range.End
	if index > 0 {
		end -= protocol.TagSize
		if end < start {
			end = start
		}
	}
	return Range{Start: start, End: end}
}

// Stream is the authoritative byte store of one direction together with the
// ordered chunks framed from it. It has exactly one writer.
type Stream struct {
	data      []byte
	chunks    []Chunk
	framed    int
	decrypted int
}

// NewStream creates an empty direction stream.
func NewStream() *Stream {
	return &Stream{}
}

// Consume appends payload to the byte store and frames every chunk that is
// now complete. It returns the range the payload occupies in the store.
func (s *Stream) Consume(payload []byte) Range {
	appended := Range{Start: len(s.data), End: len(s.data) + len(payload)}
	s.data = append(s.data, payload...)

	for {
		if len(s.data)-s.framed < protocol.LengthSize {
			break
		}
		length := int(binary.BigEndian.Uint16(s.data[s.framed:]))
		end := s.framed + protocol.LengthSize + length
		if end > len(s.data) {
			break
		}
		s.chunks = append(s.chunks, Chunk{Range: Range{Start: s.framed, End: end}})
		s.framed = end
		if len(s.chunks) == 1 {
			// chunk 0 is the plaintext handshake
			s.decrypted = 1
		}
	}

	return appended
}

// Len returns the number of bytes stored.
func (s *Stream) Len() int {
	return len(s.data)
}

// Framed returns the end offset of the last complete chunk.
func (s *Stream) Framed() int {
	return s.framed
}

// Count returns the number of framed chunks.
func (s *Stream) Count() int {
	return len(s.chunks)
}

// Chunk returns the chunk at index i.
func (s *Stream) Chunk(i int) Chunk {
	return s.chunks[i]
}

// Chunks returns a copy of the chunk list.
func (s *Stream) Chunks() []Chunk {
	out := make([]Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Raw returns the raw bytes of chunk i, length prefix included. The slice
// aliases the store and must not be modified by the caller.
func (s *Stream) Raw(i int) []byte {
	r := s.chunks[i].Range
	return s.data[r.Start:r.End:r.End]
}

// Bytes returns the stored bytes in r.
func (s *Stream) Bytes(r Range) []byte {
	return s.data[r.Start:r.End:r.End]
}

// Prefix returns the first n stored bytes, or false if fewer are stored.
func (s *Stream) Prefix(n int) ([]byte, bool) {
	if len(s.data) < n {
		return nil, false
	}
	return s.data[:n:n], true
}

// Decrypted returns the number of leading chunks holding plaintext.
func (s *Stream) Decrypted() int {
	return s.decrypted
}

// Ciphertext returns the encrypted body of the next chunk awaiting
// decryption, tag included, and its index.
func (s *Stream) Ciphertext() (int, []byte, bool) {
	i := s.decrypted
	if i == 0 || i >= len(s.chunks) {
		return i, nil, false
	}
	r := s.chunks[i].Range
	return i, s.data[r.Start+protocol.LengthSize : r.End : r.End], true
}

// StorePlaintext overwrites the body of chunk i with its plaintext and
// advances the decrypted count. Chunks must be stored in order.
func (s *Stream) StorePlaintext(i int, plaintext []byte) {
	if i == 0 {
		panic("chunk: chunk 0 is plaintext and is never decrypted")
	}
	if i != s.decrypted {
		panic(fmt.Sprintf("chunk: storing plaintext for chunk %d, expected %d", i, s.decrypted))
	}
	body := s.chunks[i].Body(i)
	if len(plaintext) != body.Len() {
		panic(fmt.Sprintf("chunk: plaintext of %d bytes for body of %d", len(plaintext), body.Len()))
	}
	copy(s.data[body.Start:body.End], plaintext)
	s.decrypted++
}

// MarkContinuation flags chunk i as the tail of a message headed earlier.
func (s *Stream) MarkContinuation(i int) {
	s.chunks[i].Continuation = true
}

// MarkIncomplete flags chunk i as heading a message that lacked bytes.
func (s *Stream) MarkIncomplete(i int) {
	s.chunks[i].Incomplete = true
}

// ClearIncomplete removes the incomplete flag once the message decoded.
func (s *Stream) ClearIncomplete(i int) {
	s.chunks[i].Incomplete = false
}

// Overlapping returns the indices [first, last] of chunks overlapping r, and
// false when none do.
func (s *Stream) Overlapping(r Range) (int, int, bool) {
	first, last := -1, -1
	for i, c := range s.chunks {
		if c.Range.Start >= r.End {
			break
		}
		if c.Range.Overlaps(r) {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	return first, last, first >= 0
}

// EndedBy returns how many chunks are complete by store offset end.
func (s *Stream) EndedBy(end int) int {
	n := 0
	for _, c := range s.chunks {
		if c.Range.End > end {
			break
		}
		n++
	}
	return n
}
