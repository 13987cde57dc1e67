package cursor

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/postalsys/wiretap/internal/chunk"
	"github.com/postalsys/wiretap/internal/logging"
	"github.com/postalsys/wiretap/internal/protocol"
)

type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

// newStream frames bodies as chunks; every chunk after the first carries a
// zeroed tag after its body.
func newStream(t fataler, bodies ...string) *chunk.Stream {
	t.Helper()
	s := chunk.NewStream()
	for i, b := range bodies {
		body := []byte(b)
		if i > 0 {
			body = append(body, make([]byte, protocol.TagSize)...)
		}
		raw, err := protocol.EncodeChunk(body)
		if err != nil {
			t.Fatalf("EncodeChunk() error = %v", err)
		}
		s.Consume(raw)
	}
	return s
}

func TestCursor_ReadAcrossChunks(t *testing.T) {
	s := newStream(t, "abc", "de", "fgh")
	c := New(s, 0, s.Count(), nil)

	if c.Remaining() != 8 {
		t.Fatalf("Remaining() = %d, want 8", c.Remaining())
	}

	span, err := c.Read(6)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(span.Data) != "abcdef" {
		t.Errorf("Read() = %q, want %q", span.Data, "abcdef")
	}
	wantRange := chunk.Range{Start: 2, End: s.Chunk(2).Body(2).Start + 1}
	if span.Range != wantRange {
		t.Errorf("Read() range = %v, want %v", span.Range, wantRange)
	}

	if i, off := c.Position(); i != 2 || off != 1 {
		t.Errorf("Position() = %d, %d, want 2, 1", i, off)
	}

	buf := make([]byte, 2)
	if err := c.ReadExact(buf); err != nil {
		t.Fatalf("ReadExact() error = %v", err)
	}
	if string(buf) != "gh" {
		t.Errorf("ReadExact() = %q, want %q", buf, "gh")
	}
	if c.Remaining() != 0 || c.Has(1) {
		t.Errorf("Remaining() = %d after reading everything", c.Remaining())
	}
	if c.End() != s.Chunk(2).Body(2).End {
		t.Errorf("End() = %d, want %d", c.End(), s.Chunk(2).Body(2).End)
	}
}

func TestCursor_NotEnoughData(t *testing.T) {
	s := newStream(t, "abc", "de", "fgh")
	c := New(s, 0, 2, nil)

	if c.Remaining() != 5 {
		t.Fatalf("Remaining() = %d, want 5 with two chunks visible", c.Remaining())
	}

	if err := c.Advance(2); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	err := c.Advance(4)
	if !errors.Is(err, protocol.ErrNotEnoughData) {
		t.Fatalf("Advance() error = %v, want ErrNotEnoughData", err)
	}
	if !protocol.IsRetryable(err) {
		t.Error("not enough data must be retryable")
	}
	if c.Consumed() != 2 {
		t.Errorf("Consumed() = %d, cursor moved on error", c.Consumed())
	}
}

func TestCursor_StartsAtChunk(t *testing.T) {
	s := newStream(t, "hs", "one", "two")
	c := New(s, 1, s.Count(), nil)

	span, err := c.Read(4)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(span.Data) != "onet" {
		t.Errorf("Read() = %q, want %q", span.Data, "onet")
	}
}

func TestCursor_SkipsEmptyBodies(t *testing.T) {
	s := newStream(t, "a", "", "", "b")
	c := New(s, 0, s.Count(), nil)

	span, err := c.Read(2)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(span.Data) != "ab" {
		t.Errorf("Read() = %q, want %q", span.Data, "ab")
	}
}

func TestCursor_Limits(t *testing.T) {
	s := newStream(t, "abcd", "efgh")
	c := New(s, 0, s.Count(), nil)

	if err := c.PushLimit(3); err != nil {
		t.Fatalf("PushLimit() error = %v", err)
	}
	if c.Has(4) {
		t.Error("Has(4) = true under a limit of 3")
	}
	if l, ok := c.Limit(); !ok || l != 3 {
		t.Errorf("Limit() = %d, %v", l, ok)
	}

	err := c.Advance(4)
	if !errors.Is(err, protocol.ErrLimitExceeded) {
		t.Fatalf("Advance() error = %v, want ErrLimitExceeded", err)
	}
	if protocol.IsRetryable(err) {
		t.Error("limit overrun must not be retryable")
	}

	if err := c.PushLimit(2); err != nil {
		t.Fatalf("nested PushLimit() error = %v", err)
	}
	if err := c.PushLimit(3); !errors.Is(err, protocol.ErrLimitExceeded) {
		t.Errorf("PushLimit() past enclosing = %v, want ErrLimitExceeded", err)
	}
	if c.Depth() != 2 {
		t.Errorf("Depth() = %d, want 2", c.Depth())
	}
	if err := c.Advance(2); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	c.PopLimit()
	if c.Remaining() != 1 {
		t.Errorf("Remaining() = %d, want 1 in outer limit", c.Remaining())
	}
	c.PopLimit()
	if c.Remaining() != 6 {
		t.Errorf("Remaining() = %d, want 6", c.Remaining())
	}
}

func TestCursor_LimitBeyondAvailable(t *testing.T) {
	s := newStream(t, "abcd", "efgh")
	c := New(s, 0, 1, nil)

	if err := c.PushLimit(6); err != nil {
		t.Fatalf("PushLimit() error = %v", err)
	}
	if err := c.Advance(6); !errors.Is(err, protocol.ErrNotEnoughData) {
		t.Errorf("Advance() error = %v, want ErrNotEnoughData", err)
	}
}

func TestCursor_PopEmptyPanics(t *testing.T) {
	c := New(newStream(t, "a"), 0, 1, nil)
	defer func() {
		if recover() == nil {
			t.Error("PopLimit() did not panic")
		}
	}()
	c.PopLimit()
}

func TestCursor_CompleteGroup(t *testing.T) {
	tests := []struct {
		name             string
		read             int
		wantNext         int
		wantContinuation []int
	}{
		{"ends at chunk boundary", 3, 2, nil},
		{"spills into next chunk", 4, 3, []int{2}},
		{"spans three chunks", 8, 5, []int{2, 3, 4}},
		{"spans to boundary", 7, 4, []int{2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStream(t, "hs", "abc", "de", "fg", "hij")
			c := New(s, 1, s.Count(), nil)
			if err := c.Advance(tt.read); err != nil {
				t.Fatalf("Advance() error = %v", err)
			}

			if got := c.CompleteGroup(1); got != tt.wantNext {
				t.Errorf("CompleteGroup() = %d, want %d", got, tt.wantNext)
			}
			var got []int
			for i, ch := range s.Chunks() {
				if ch.Continuation {
					got = append(got, i)
				}
				if ch.Incomplete {
					t.Errorf("chunk %d marked incomplete", i)
				}
			}
			if len(got) != len(tt.wantContinuation) {
				t.Fatalf("continuations = %v, want %v", got, tt.wantContinuation)
			}
			for i := range got {
				if got[i] != tt.wantContinuation[i] {
					t.Errorf("continuations = %v, want %v", got, tt.wantContinuation)
				}
			}
		})
	}
}

func TestCursor_CompleteGroupWithoutProgress(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "debug", Writer: &buf})
	if err != nil {
		t.Fatalf("logging.New() error = %v", err)
	}

	s := newStream(t, "hs", "abc")
	c := New(s, 1, s.Count(), logger)

	if got := c.CompleteGroup(1); got != 2 {
		t.Errorf("CompleteGroup() = %d, want 2", got)
	}
	if !s.Chunk(1).Incomplete {
		t.Error("chunk 1 should be marked incomplete")
	}
	if !strings.Contains(buf.String(), "decoder consumed no bytes") {
		t.Errorf("expected a warning, got %q", buf.String())
	}
}

func TestCursor_LimitNesting(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sizes := rapid.SliceOfN(rapid.IntRange(0, 40), 1, 6).Draw(t, "sizes")
		bodies := make([]string, len(sizes))
		for i, n := range sizes {
			bodies[i] = strings.Repeat("x", n)
		}
		s := newStream(t, bodies...)
		c := New(s, 0, s.Count(), nil)

		skip := rapid.IntRange(0, c.Remaining()).Draw(t, "skip")
		if err := c.Advance(skip); err != nil {
			t.Fatalf("Advance() error = %v", err)
		}

		before := c.Remaining()
		l := rapid.IntRange(0, before).Draw(t, "limit")
		if err := c.PushLimit(l); err != nil {
			t.Fatalf("PushLimit() error = %v", err)
		}
		if c.Has(l + 1) {
			t.Fatalf("Has(%d) = true under a limit of %d", l+1, l)
		}
		if err := c.Advance(l); err != nil {
			t.Fatalf("Advance(%d) error = %v", l, err)
		}
		c.PopLimit()

		if got := c.Remaining(); got != before-l {
			t.Fatalf("Remaining() = %d after pop, want %d", got, before-l)
		}
	})
}
