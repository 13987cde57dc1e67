// Package cursor reads the plaintext chunk bodies of one direction as a
// single byte sequence.
package cursor

import (
	"fmt"
	"log/slog"

	"github.com/postalsys/wiretap/internal/chunk"
	"github.com/postalsys/wiretap/internal/logging"
	"github.com/postalsys/wiretap/internal/protocol"
)

// Cursor is positioned at a (chunk, offset) pair over the bodies of the first
// Available chunks of a stream. Bytes of later chunks are invisible.
type Cursor struct {
	stream    *chunk.Stream
	available int
	logger    *slog.Logger

	index  int
	offset int

	total    int
	consumed int
	limits   []int
	lastEnd  int
}

// New creates a cursor at the start of chunk first that sees chunks
// [first, available).
func New(stream *chunk.Stream, first, available int, logger *slog.Logger) *Cursor {
	if available > stream.Count() {
		available = stream.Count()
	}
	c := &Cursor{
		stream:    stream,
		available: available,
		logger:    logging.OrNop(logger),
		index:     first,
	}
	for i := first; i < available; i++ {
		c.total += c.body(i).Len()
	}
	if first < stream.Count() {
		c.lastEnd = c.body(first).Start
	}
	c.normalize()
	return c
}

func (c *Cursor) body(i int) chunk.Range {
	return c.stream.Chunk(i).Body(i)
}

// normalize moves past exhausted bodies so that offset always points at an
// unread byte of the current chunk, or index equals available.
func (c *Cursor) normalize() {
	for c.index < c.available && c.offset >= c.body(c.index).Len() {
		c.index++
		c.offset = 0
	}
}

// Remaining returns how many bytes may be read, bounded by the innermost limit.
func (c *Cursor) Remaining() int {
	n := c.total - c.consumed
	if l, ok := c.limit(); ok && l < n {
		n = l
	}
	return n
}

// Limit returns the bytes left under the innermost limit.
func (c *Cursor) Limit() (int, bool) {
	return c.limit()
}

func (c *Cursor) limit() (int, bool) {
	if len(c.limits) == 0 {
		return 0, false
	}
	return c.limits[len(c.limits)-1] - c.consumed, true
}

// Has reports whether n more bytes can be read.
func (c *Cursor) Has(n int) bool {
	return n <= c.Remaining()
}

// check returns the error for reading n bytes, or nil.
func (c *Cursor) check(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative length %d", protocol.ErrLimitExceeded, n)
	}
	if l, ok := c.limit(); ok && n > l {
		return fmt.Errorf("%w: %d bytes requested, %d left in limit", protocol.ErrLimitExceeded, n, l)
	}
	if n > c.total-c.consumed {
		return fmt.Errorf("%w: %d bytes requested, %d available", protocol.ErrNotEnoughData, n, c.total-c.consumed)
	}
	return nil
}

// Advance skips n bytes, crossing chunk boundaries. The cursor does not move
// on error.
func (c *Cursor) Advance(n int) error {
	_, err := c.Read(n)
	return err
}

// ReadExact fills buf from the cursor.
func (c *Cursor) ReadExact(buf []byte) error {
	r, err := c.Read(len(buf))
	if err != nil {
		return err
	}
	copy(buf, r.Data)
	return nil
}

// Span is a read result: the bytes and the store range from the first to the
// last byte read. When a read crosses chunks the range covers the framing in
// between.
type Span struct {
	Data  []byte
	Range chunk.Range
}

// Read consumes n bytes and returns them with their store range.
func (c *Cursor) Read(n int) (Span, error) {
	if err := c.check(n); err != nil {
		return Span{}, err
	}

	span := Span{Range: chunk.Range{Start: c.Offset(), End: c.Offset()}}
	if n > 0 {
		span.Data = make([]byte, 0, n)
	}
	for n > 0 {
		body := c.body(c.index)
		start := body.Start + c.offset
		take := body.End - start
		if take > n {
			take = n
		}
		span.Data = append(span.Data, c.stream.Bytes(chunk.Range{Start: start, End: start + take})...)
		span.Range.End = start + take
		c.lastEnd = span.Range.End

		c.offset += take
		c.consumed += take
		n -= take
		c.normalize()
	}
	return span, nil
}

// Offset returns the store offset of the next byte, or the end of the last
// byte read when nothing more is visible.
func (c *Cursor) Offset() int {
	if c.index < c.available {
		return c.body(c.index).Start + c.offset
	}
	return c.lastEnd
}

// End returns the store offset just past the last byte read.
func (c *Cursor) End() int {
	return c.lastEnd
}

// Position returns the current chunk index and offset within its body.
func (c *Cursor) Position() (int, int) {
	return c.index, c.offset
}

// Consumed returns the bytes read since the cursor was created.
func (c *Cursor) Consumed() int {
	return c.consumed
}

// PushLimit caps reads to n bytes from the current position until PopLimit.
// A limit may not extend past an enclosing one.
func (c *Cursor) PushLimit(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative limit %d", protocol.ErrLimitExceeded, n)
	}
	if l, ok := c.limit(); ok && n > l {
		return fmt.Errorf("%w: limit of %d bytes inside %d", protocol.ErrLimitExceeded, n, l)
	}
	c.limits = append(c.limits, c.consumed+n)
	return nil
}

// PopLimit restores the enclosing limit. Popping an empty stack panics.
func (c *Cursor) PopLimit() {
	if len(c.limits) == 0 {
		panic("cursor: pop of empty limit stack")
	}
	c.limits = c.limits[:len(c.limits)-1]
}

// Depth returns the number of active limits.
func (c *Cursor) Depth() int {
	return len(c.limits)
}

// CompleteGroup closes the message headed by chunk first and returns the
// index of the next head chunk. Chunks the message spilled into are flagged
// as continuations. A message that consumed nothing flags first incomplete
// and skips it.
func (c *Cursor) CompleteGroup(first int) int {
	if c.consumed == 0 {
		c.stream.MarkIncomplete(first)
		c.logger.Warn("decoder consumed no bytes, skipping chunk",
			logging.KeyChunk, first)
		return first + 1
	}

	next := c.index
	if c.offset > 0 {
		next = c.index + 1
	}
	for i := first + 1; i < next; i++ {
		c.stream.MarkContinuation(i)
	}
	return next
}
