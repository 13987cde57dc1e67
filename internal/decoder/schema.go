// Package decoder renders binary messages described by schemas. It reads
// through a cursor and reports retryable and hard failures apart.
package decoder

// Kind is the shape of a schema node.
type Kind int

const (
	KindU8 Kind = iota
	KindU16
	KindU32
	KindI32
	KindI64
	KindBool
	KindFixed
	KindBytes
	KindString
	KindDynamic
	KindList
	KindObject
	KindTagged
	KindOption
	KindPath
)

var kindNames = [...]string{
	KindU8:      "u8",
	KindU16:     "u16",
	KindU32:     "u32",
	KindI32:     "i32",
	KindI64:     "i64",
	KindBool:    "bool",
	KindFixed:   "fixed",
	KindBytes:   "bytes",
	KindString:  "string",
	KindDynamic: "dynamic",
	KindList:    "list",
	KindObject:  "object",
	KindTagged:  "tagged",
	KindOption:  "option",
	KindPath:    "path",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Schema describes how to read one value.
type Schema struct {
	Kind Kind

	// Size is the byte count of a fixed value.
	Size int

	// Elem is the wrapped schema of dynamic, list and option values.
	Elem *Schema

	// Fields are the members of an object, in wire order.
	Fields []Field

	// TagWidth is 1 or 2 for tagged unions.
	TagWidth int
	Cases    []Case
}

// Field is a named object member.
type Field struct {
	Name   string
	Schema *Schema
}

// Case is one alternative of a tagged union. A nil Schema carries no payload.
type Case struct {
	Tag    uint16
	Name   string
	Schema *Schema
}

func (s *Schema) width() int {
	switch s.Kind {
	case KindU8, KindBool:
		return 1
	case KindU16:
		return 2
	case KindU32, KindI32:
		return 4
	case KindI64:
		return 8
	case KindFixed:
		return s.Size
	default:
		return 0
	}
}

func (s *Schema) lookup(tag uint16) (Case, bool) {
	for _, c := range s.Cases {
		if c.Tag == tag {
			return c, true
		}
	}
	return Case{}, false
}

func U8() *Schema   { return &Schema{Kind: KindU8} }
func U16() *Schema  { return &Schema{Kind: KindU16} }
func U32() *Schema  { return &Schema{Kind: KindU32} }
func I32() *Schema  { return &Schema{Kind: KindI32} }
func I64() *Schema  { return &Schema{Kind: KindI64} }
func Bool() *Schema { return &Schema{Kind: KindBool} }

// Fixed is a byte string of exactly n bytes.
func Fixed(n int) *Schema { return &Schema{Kind: KindFixed, Size: n} }

// Bytes is a byte string filling the rest of the enclosing limit.
func Bytes() *Schema { return &Schema{Kind: KindBytes} }

// String is a u32 length followed by that many bytes of text.
func String() *Schema { return &Schema{Kind: KindString} }

// Dynamic is a u32 length followed by elem, which must fit the length.
func Dynamic(elem *Schema) *Schema { return &Schema{Kind: KindDynamic, Elem: elem} }

// List repeats elem until the enclosing limit is exhausted.
func List(elem *Schema) *Schema { return &Schema{Kind: KindList, Elem: elem} }

// Option is a presence byte (0x00 or 0xff) followed by elem when present.
func Option(elem *Schema) *Schema { return &Schema{Kind: KindOption, Elem: elem} }

// Path is a merkle path: steps of 0xf0 or 0x0f each followed by a 32-byte
// sibling hash, terminated by 0x00.
func Path() *Schema { return &Schema{Kind: KindPath} }

// Object reads fields in order.
func Object(fields ...Field) *Schema { return &Schema{Kind: KindObject, Fields: fields} }

// Tagged is a union selected by a big-endian tag of width bytes.
func Tagged(width int, cases ...Case) *Schema {
	return &Schema{Kind: KindTagged, TagWidth: width, Cases: cases}
}

// F is shorthand for a Field.
func F(name string, s *Schema) Field {
	return Field{Name: name, Schema: s}
}
