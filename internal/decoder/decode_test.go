package decoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"testing"

	"github.com/postalsys/wiretap/internal/chunk"
	"github.com/postalsys/wiretap/internal/cursor"
	"github.com/postalsys/wiretap/internal/protocol"
	"github.com/postalsys/wiretap/internal/tree"
)

// newCursor frames bodies into a stream (tags zeroed after chunk 0) and
// returns a cursor over chunks [first, available).
func newCursor(t *testing.T, first, available int, bodies ...[]byte) *cursor.Cursor {
	t.Helper()
	s := chunk.NewStream()
	for i, b := range bodies {
		if i > 0 {
			b = append(append([]byte(nil), b...), make([]byte, protocol.TagSize)...)
		}
		raw, err := protocol.EncodeChunk(b)
		if err != nil {
			t.Fatalf("EncodeChunk() error = %v", err)
		}
		s.Consume(raw)
	}
	if available < 0 {
		available = s.Count()
	}
	return cursor.New(s, first, available, nil)
}

func str(s string) []byte {
	return append(binary.BigEndian.AppendUint32(nil, uint32(len(s))), s...)
}

func dynamic(b []byte) []byte {
	return append(binary.BigEndian.AppendUint32(nil, uint32(len(b))), b...)
}

func value(t *testing.T, root *tree.Node, name string) string {
	t.Helper()
	n := root.Find(name)
	if n == nil {
		t.Fatalf("field %q not rendered:\n%s", name, root)
	}
	return n.Value
}

func TestDecode_ConnectionMessage(t *testing.T) {
	msg := &protocol.ConnectionMessage{
		Port: 9732,
		Versions: []protocol.Version{
			{ChainName: "TEZOS_MAINNET", DistributedDBVersion: 0, P2PVersion: 1},
			{ChainName: "TEZOS_MAINNET", DistributedDBVersion: 1, P2PVersion: 1},
		},
	}
	msg.PublicKey[0] = 0xab
	body := msg.Encode()

	c := newCursor(t, 0, -1, body)
	if err := c.PushLimit(len(body)); err != nil {
		t.Fatalf("PushLimit() error = %v", err)
	}
	root := tree.NewRoot("packet")
	if err := Decode(c, TagConnectionMessage, root); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	c.PopLimit()

	if got := value(t, root, "port"); got != "9732" {
		t.Errorf("port = %q", got)
	}
	if got := value(t, root, "public_key"); got[:2] != "ab" {
		t.Errorf("public_key = %q", got)
	}
	versions := root.Find("versions")
	if versions == nil || versions.Len() != 2 {
		t.Fatalf("versions not rendered:\n%s", root)
	}
	if got := value(t, versions, "chain_name"); got != strconv.Quote("TEZOS_MAINNET") {
		t.Errorf("chain_name = %q", got)
	}

	cm := root.Find("connection_message")
	if cm.Range != (chunk.Range{Start: 2, End: 2 + len(body)}) {
		t.Errorf("message range = %v", cm.Range)
	}
}

func TestDecode_Metadata(t *testing.T) {
	tests := []struct {
		name    string
		body    []byte
		want    [2]string
		wantErr error
	}{
		{"flags", []byte{0x00, 0xff}, [2]string{"false", "true"}, nil},
		{"bad bool", []byte{0x00, 0x01}, [2]string{}, protocol.ErrMalformedOption},
		{"short", []byte{0x00}, [2]string{}, protocol.ErrNotEnoughData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCursor(t, 1, -1, []byte("hs"), tt.body)
			root := tree.NewRoot("packet")
			err := Decode(c, TagMetadata, root)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Decode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got := value(t, root, "disable_mempool"); got != tt.want[0] {
				t.Errorf("disable_mempool = %q", got)
			}
			if got := value(t, root, "private_node"); got != tt.want[1] {
				t.Errorf("private_node = %q", got)
			}
		})
	}
}

func TestDecode_Ack(t *testing.T) {
	nack := []byte{0x01, 0x00, 0x03}
	nack = append(nack, dynamic(append(str("10.0.0.1:9732"), str("10.0.0.2:9732")...))...)

	tests := []struct {
		name    string
		body    []byte
		wantTag string
		wantErr error
	}{
		{"ack", []byte{0x00}, "ack (0x00)", nil},
		{"nack v0", []byte{0xff}, "nack_v_0 (0xff)", nil},
		{"nack", nack, "nack (0x01)", nil},
		{"unknown", []byte{0x02}, "", protocol.ErrMalformedTag},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCursor(t, 2, -1, []byte("hs"), []byte{0, 0}, tt.body)
			root := tree.NewRoot("packet")
			err := Decode(c, TagAck, root)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Decode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got := value(t, root, "tag"); got != tt.wantTag {
				t.Errorf("tag = %q, want %q", got, tt.wantTag)
			}
		})
	}

	c := newCursor(t, 2, -1, []byte("hs"), []byte{0, 0}, nack)
	root := tree.NewRoot("packet")
	if err := Decode(c, TagAck, root); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := value(t, root, "motive"); got != "3" {
		t.Errorf("motive = %q", got)
	}
	peers := root.Find("potential_peers_to_connect")
	if peers == nil || peers.Find("1") == nil {
		t.Errorf("peer list not rendered:\n%s", root)
	}
}

func swapRequest(point string, peerID byte) []byte {
	payload := []byte{0x00, 0x04}
	payload = append(payload, str(point)...)
	payload = append(payload, bytes.Repeat([]byte{peerID}, 16)...)
	return dynamic(payload)
}

func TestDecode_PeerMessageAcrossChunks(t *testing.T) {
	msg := swapRequest("192.168.1.1:9732", 0x42)
	first, second := msg[:10], msg[10:]

	c := newCursor(t, 3, 4, []byte("hs"), []byte{0, 0}, []byte{0}, first, second)
	if err := Decode(c, TagPeerMessage, tree.NewRoot("packet")); !protocol.IsRetryable(err) {
		t.Fatalf("Decode() with half the message = %v, want retryable", err)
	}

	c = newCursor(t, 3, -1, []byte("hs"), []byte{0, 0}, []byte{0}, first, second)
	root := tree.NewRoot("packet")
	if err := Decode(c, TagPeerMessage, root); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := value(t, root, "tag"); got != "swap_request (0x0004)" {
		t.Errorf("tag = %q", got)
	}
	if got := value(t, root, "point"); got != strconv.Quote("192.168.1.1:9732") {
		t.Errorf("point = %q", got)
	}
	if got := value(t, root, "peer_id"); got != fmt.Sprintf("%032x", bytes.Repeat([]byte{0x42}, 16)) {
		t.Errorf("peer_id = %q", got)
	}
	if i, off := c.Position(); i != 5 || off != 0 {
		t.Errorf("Position() = %d, %d, want 5, 0", i, off)
	}
}

func TestDecode_OperationsForBlocks(t *testing.T) {
	payload := []byte{0x00, 0x61}
	payload = append(payload, bytes.Repeat([]byte{0x11}, 32)...)
	payload = append(payload, 0x02)
	payload = append(payload, 0xf0)
	payload = append(payload, bytes.Repeat([]byte{0x22}, 32)...)
	payload = append(payload, 0x0f)
	payload = append(payload, bytes.Repeat([]byte{0x33}, 32)...)
	payload = append(payload, 0x00)
	op := append(bytes.Repeat([]byte{0x44}, 32), 0xde, 0xad)
	payload = append(payload, dynamic(op)...)

	c := newCursor(t, 3, -1, []byte("hs"), []byte{0, 0}, []byte{0}, dynamic(payload))
	root := tree.NewRoot("packet")
	if err := Decode(c, TagPeerMessage, root); err != nil {
		t.Fatalf("Decode() error = %v\n%s", err, root)
	}

	path := root.Find("operation_hashes_path")
	if path == nil || path.Len() != 3 {
		t.Fatalf("path not rendered:\n%s", root)
	}
	if path.Children[0].Name != "left" || path.Children[1].Name != "right" || path.Children[2].Name != "end" {
		t.Errorf("path steps = %s", path)
	}
	if got := value(t, root, "data"); got != "dead" {
		t.Errorf("operation data = %q", got)
	}
}

func TestDecodeSchema_Errors(t *testing.T) {
	tests := []struct {
		name    string
		schema  *Schema
		body    []byte
		wantErr error
	}{
		{"unsupported tag width", Tagged(3, Case{Tag: 1, Name: "x"}), []byte{0, 0, 1}, protocol.ErrUnsupportedTagWidth},
		{"malformed path", Path(), []byte{0x11}, protocol.ErrMalformedPath},
		{"malformed option", Option(U8()), []byte{0x05}, protocol.ErrMalformedOption},
		{"dynamic overrun", Dynamic(U16()), []byte{0, 0, 0, 1, 0xaa, 0xbb}, protocol.ErrLimitExceeded},
		{"truncated string", String(), []byte{0, 0, 0, 9, 'a'}, protocol.ErrNotEnoughData},
		{"unknown tag", Tagged(2, Case{Tag: 1, Name: "x"}), []byte{0, 2}, protocol.ErrMalformedTag},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCursor(t, 0, -1, tt.body)
			err := DecodeSchema(c, tt.schema, "v", tree.NewRoot("packet"))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("DecodeSchema() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != protocol.ErrNotEnoughData && protocol.IsRetryable(err) {
				t.Error("hard error reported as retryable")
			}
		})
	}
}

func TestDecodeSchema_Values(t *testing.T) {
	tests := []struct {
		name   string
		schema *Schema
		body   []byte
		want   string
	}{
		{"option none", Option(U8()), []byte{0x00}, "none"},
		{"option some", Option(U8()), []byte{0xff, 0x07}, "7"},
		{"i32", I32(), []byte{0xff, 0xff, 0xff, 0xfe}, "-2"},
		{"i64", I64(), []byte{0, 0, 0, 0, 0, 0, 0x01, 0x00}, "256"},
		{"u32", U32(), []byte{0, 1, 0, 0}, "65536"},
		{"fixed", Fixed(2), []byte{0xca, 0xfe}, "cafe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCursor(t, 0, -1, tt.body)
			root := tree.NewRoot("packet")
			if err := DecodeSchema(c, tt.schema, "v", root); err != nil {
				t.Fatalf("DecodeSchema() error = %v", err)
			}
			if got := value(t, root, "v"); got != tt.want {
				t.Errorf("v = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeSchema_DynamicTrailing(t *testing.T) {
	c := newCursor(t, 0, -1, []byte{0, 0, 0, 2, 0x07, 0x08})
	root := tree.NewRoot("packet")
	if err := DecodeSchema(c, Dynamic(U8()), "v", root); err != nil {
		t.Fatalf("DecodeSchema() error = %v", err)
	}
	if got := value(t, root, "trailing"); got != "08" {
		t.Errorf("trailing = %q", got)
	}
	if c.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", c.Remaining())
	}
}

func TestTagForChunk(t *testing.T) {
	tests := map[int]Tag{0: TagConnectionMessage, 1: TagMetadata, 2: TagAck, 3: TagPeerMessage, 40: TagPeerMessage}
	for index, want := range tests {
		if got := TagForChunk(index); got != want {
			t.Errorf("TagForChunk(%d) = %s, want %s", index, got, want)
		}
	}
}

func TestErrorLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", protocol.ErrNotEnoughData), "not_enough_data"},
		{protocol.ErrMalformedTag, "malformed_tag"},
		{protocol.ErrMalformedOption, "malformed_option"},
		{protocol.ErrMalformedPath, "malformed_path"},
		{protocol.ErrUnsupportedTagWidth, "unsupported_tag_width"},
		{protocol.ErrLimitExceeded, "limit_exceeded"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		if got := ErrorLabel(tt.err); got != tt.want {
			t.Errorf("ErrorLabel(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
