package decoder

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/postalsys/wiretap/internal/chunk"
	"github.com/postalsys/wiretap/internal/cursor"
	"github.com/postalsys/wiretap/internal/protocol"
	"github.com/postalsys/wiretap/internal/tree"
)

// Cursor is the read contract the decoder needs.
type Cursor interface {
	Remaining() int
	Read(n int) (cursor.Span, error)
	Offset() int
	End() int
	Limit() (int, bool)
	PushLimit(n int) error
	PopLimit()
}

// merkle path step markers
const (
	pathEnd   = 0x00
	pathLeft  = 0xf0
	pathRight = 0x0f
)

// DecodeSchema reads one value of schema s named name and renders it into sink.
// On error the sink may hold a partial rendering.
func DecodeSchema(c Cursor, s *Schema, name string, sink tree.Sink) error {
	switch s.Kind {
	case KindU8, KindU16, KindU32, KindI32, KindI64:
		span, err := c.Read(s.width())
		if err != nil {
			return err
		}
		sink.Leaf(name, formatInt(s.Kind, span.Data), span.Range)

	case KindBool:
		span, err := c.Read(1)
		if err != nil {
			return err
		}
		switch span.Data[0] {
		case 0x00:
			sink.Leaf(name, "false", span.Range)
		case 0xff:
			sink.Leaf(name, "true", span.Range)
		default:
			return fmt.Errorf("%w: bool %s is 0x%02x", protocol.ErrMalformedOption, name, span.Data[0])
		}

	case KindFixed:
		span, err := c.Read(s.Size)
		if err != nil {
			return err
		}
		sink.Leaf(name, hex.EncodeToString(span.Data), span.Range)

	case KindBytes:
		n := c.Remaining()
		if l, ok := c.Limit(); ok {
			n = l
		}
		span, err := c.Read(n)
		if err != nil {
			return err
		}
		sink.Leaf(name, hex.EncodeToString(span.Data), span.Range)

	case KindString:
		start := c.Offset()
		n, err := readLength(c)
		if err != nil {
			return err
		}
		span, err := c.Read(n)
		if err != nil {
			return err
		}
		sink.Leaf(name, strconv.Quote(string(span.Data)), chunkRange(start, c.End()))

	case KindDynamic:
		return decodeDynamic(c, s, name, sink)

	case KindList:
		g := sink.Child(name, c.Offset())
		start := c.Offset()
		for i := 0; ; i++ {
			if l, ok := c.Limit(); ok && l == 0 || !ok && c.Remaining() == 0 {
				break
			}
			before := c.Remaining()
			if err := DecodeSchema(c, s.Elem, strconv.Itoa(i), g); err != nil {
				return err
			}
			if c.Remaining() == before {
				break
			}
		}
		closeGroup(g, start, c)

	case KindObject:
		start := c.Offset()
		g := sink.Child(name, start)
		if err := decodeFields(c, s, g); err != nil {
			return err
		}
		closeGroup(g, start, c)

	case KindTagged:
		start := c.Offset()
		g := sink.Child(name, start)
		if err := decodeTagged(c, s, g); err != nil {
			return err
		}
		closeGroup(g, start, c)

	case KindOption:
		span, err := c.Read(1)
		if err != nil {
			return err
		}
		switch span.Data[0] {
		case 0x00:
			sink.Leaf(name, "none", span.Range)
		case 0xff:
			return DecodeSchema(c, s.Elem, name, sink)
		default:
			return fmt.Errorf("%w: option %s has presence byte 0x%02x", protocol.ErrMalformedOption, name, span.Data[0])
		}

	case KindPath:
		return decodePath(c, name, sink)

	default:
		panic(fmt.Sprintf("decoder: unknown schema kind %d", s.Kind))
	}

	return nil
}

// decodeInto renders s directly into g, flattening objects and unions.
func decodeInto(c Cursor, s *Schema, g tree.Sink) error {
	switch s.Kind {
	case KindObject:
		return decodeFields(c, s, g)
	case KindTagged:
		return decodeTagged(c, s, g)
	default:
		return DecodeSchema(c, s, "value", g)
	}
}

func decodeFields(c Cursor, s *Schema, g tree.Sink) error {
	for _, f := range s.Fields {
		if err := DecodeSchema(c, f.Schema, f.Name, g); err != nil {
			return err
		}
	}
	return nil
}

func decodeTagged(c Cursor, s *Schema, g tree.Sink) error {
	if s.TagWidth != 1 && s.TagWidth != 2 {
		return fmt.Errorf("%w: %d bytes", protocol.ErrUnsupportedTagWidth, s.TagWidth)
	}
	span, err := c.Read(s.TagWidth)
	if err != nil {
		return err
	}
	tag := uint16(span.Data[0])
	if s.TagWidth == 2 {
		tag = binary.BigEndian.Uint16(span.Data)
	}

	cs, ok := s.lookup(tag)
	if !ok {
		return fmt.Errorf("%w: 0x%0*x", protocol.ErrMalformedTag, s.TagWidth*2, tag)
	}
	g.Leaf("tag", fmt.Sprintf("%s (0x%0*x)", cs.Name, s.TagWidth*2, tag), span.Range)
	if cs.Schema == nil {
		return nil
	}
	return decodeInto(c, cs.Schema, g)
}

func decodeDynamic(c Cursor, s *Schema, name string, sink tree.Sink) error {
	start := c.Offset()
	lspan, err := c.Read(4)
	if err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lspan.Data)
	if err := c.PushLimit(int(n)); err != nil {
		return err
	}

	g := sink.Child(name, start)
	g.Leaf("length", strconv.FormatUint(uint64(n), 10), lspan.Range)
	err = decodeInto(c, s.Elem, g)
	if err == nil {
		if left, _ := c.Limit(); left > 0 {
			var span cursor.Span
			if span, err = c.Read(left); err == nil {
				g.Leaf("trailing", hex.EncodeToString(span.Data), span.Range)
			}
		}
	}
	c.PopLimit()
	if err != nil {
		return err
	}
	closeGroup(g, start, c)
	return nil
}

func decodePath(c Cursor, name string, sink tree.Sink) error {
	start := c.Offset()
	g := sink.Child(name, start)
	for {
		span, err := c.Read(1)
		if err != nil {
			return err
		}
		var step string
		switch span.Data[0] {
		case pathEnd:
			g.Leaf("end", "", span.Range)
			closeGroup(g, start, c)
			return nil
		case pathLeft:
			step = "left"
		case pathRight:
			step = "right"
		default:
			return fmt.Errorf("%w: step 0x%02x", protocol.ErrMalformedPath, span.Data[0])
		}
		hash, err := c.Read(32)
		if err != nil {
			return err
		}
		g.Leaf(step, hex.EncodeToString(hash.Data), chunkRange(span.Range.Start, hash.Range.End))
	}
}

func readLength(c Cursor) (int, error) {
	span, err := c.Read(4)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(span.Data)), nil
}

func chunkRange(start, end int) chunk.Range {
	return chunk.Range{Start: start, End: end}
}

func closeGroup(g tree.Sink, start int, c Cursor) {
	end := c.End()
	if end < start {
		end = start
	}
	g.End(end)
}

func formatInt(k Kind, b []byte) string {
	switch k {
	case KindU8:
		return strconv.FormatUint(uint64(b[0]), 10)
	case KindU16:
		return strconv.FormatUint(uint64(binary.BigEndian.Uint16(b)), 10)
	case KindU32:
		return strconv.FormatUint(uint64(binary.BigEndian.Uint32(b)), 10)
	case KindI32:
		return strconv.FormatInt(int64(int32(binary.BigEndian.Uint32(b))), 10)
	default:
		return strconv.FormatInt(int64(binary.BigEndian.Uint64(b)), 10)
	}
}

// ErrorLabel returns a short metric-friendly name for a decode error.
func ErrorLabel(err error) string {
	switch {
	case errors.Is(err, protocol.ErrNotEnoughData):
		return "not_enough_data"
	case errors.Is(err, protocol.ErrMalformedTag):
		return "malformed_tag"
	case errors.Is(err, protocol.ErrMalformedOption):
		return "malformed_option"
	case errors.Is(err, protocol.ErrMalformedPath):
		return "malformed_path"
	case errors.Is(err, protocol.ErrUnsupportedTagWidth):
		return "unsupported_tag_width"
	case errors.Is(err, protocol.ErrLimitExceeded):
		return "limit_exceeded"
	default:
		return "other"
	}
}
