// Package tree records rendered fields and replays them into a sink.
package tree

import (
	"fmt"
	"strings"

	"github.com/postalsys/wiretap/internal/chunk"
)

// Sink receives rendered fields. Ranges are byte ranges; the meaning of the
// offsets depends on who produces them.
type Sink interface {
	// Leaf adds a field.
	Leaf(name, value string, r chunk.Range)

	// Child opens a group starting at start and returns the sink for its
	// fields. The group is closed with End.
	Child(name string, start int) Sink

	// End closes the group at end.
	End(end int)
}

// Node is a recording Sink.
type Node struct {
	Name     string
	Value    string
	Range    chunk.Range
	Group    bool
	Children []*Node
}

// NewRoot creates an empty group to record into.
func NewRoot(name string) *Node {
	return &Node{Name: name, Group: true}
}

// Leaf implements Sink.
func (n *Node) Leaf(name, value string, r chunk.Range) {
	n.Children = append(n.Children, &Node{Name: name, Value: value, Range: r})
}

// Child implements Sink.
func (n *Node) Child(name string, start int) Sink {
	c := &Node{Name: name, Range: chunk.Range{Start: start, End: start}, Group: true}
	n.Children = append(n.Children, c)
	return c
}

// End implements Sink.
func (n *Node) End(end int) {
	n.Range.End = end
}

// Len returns the number of direct children.
func (n *Node) Len() int {
	return len(n.Children)
}

// Find returns the first descendant named name, depth first.
func (n *Node) Find(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
		if f := c.Find(name); f != nil {
			return f
		}
	}
	return nil
}

// Replay writes the children of n into dst. Ranges are clipped to window and
// made relative to its start.
func (n *Node) Replay(dst Sink, window chunk.Range) {
	for _, c := range n.Children {
		r := clip(c.Range, window)
		if !c.Group {
			dst.Leaf(c.Name, c.Value, r)
			continue
		}
		child := dst.Child(c.Name, r.Start)
		c.Replay(child, window)
		child.End(r.End)
	}
}

func clip(r, window chunk.Range) chunk.Range {
	clamp := func(v int) int {
		if v < window.Start {
			v = window.Start
		}
		if v > window.End {
			v = window.End
		}
		return v - window.Start
	}
	return chunk.Range{Start: clamp(r.Start), End: clamp(r.End)}
}

// String renders the tree as indented text, one field per line.
func (n *Node) String() string {
	var b strings.Builder
	for _, c := range n.Children {
		c.write(&b, 0)
	}
	return b.String()
}

func (n *Node) write(b *strings.Builder, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(n.Name)
	if n.Value != "" {
		fmt.Fprintf(b, ": %s", n.Value)
	}
	fmt.Fprintf(b, " %s\n", n.Range)
	for _, c := range n.Children {
		c.write(b, depth+1)
	}
}
