package connection

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/postalsys/wiretap/internal/chunk"
	"github.com/postalsys/wiretap/internal/conversation"
	"github.com/postalsys/wiretap/internal/crypto"
	"github.com/postalsys/wiretap/internal/cursor"
	"github.com/postalsys/wiretap/internal/decoder"
	"github.com/postalsys/wiretap/internal/identity"
	"github.com/postalsys/wiretap/internal/logging"
	"github.com/postalsys/wiretap/internal/metrics"
	"github.com/postalsys/wiretap/internal/protocol"
	"github.com/postalsys/wiretap/internal/tree"
)

// Options configures a Context.
type Options struct {
	PowTarget         *crypto.PowTarget
	MaxUnpairedChunks int
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

type packetInfo struct {
	dir         protocol.Direction
	r           chunk.Range
	displayable bool
}

// Context is the state of one connection. Packets must be added in capture
// order. A Context is not safe for concurrent use.
type Context struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	buffer       *conversation.Buffer
	unrecognized error

	// errorPacket is the first packet of each direction added after that
	// direction failed authentication, or -1.
	errorPacket [2]int64

	packets  map[uint64]*packetInfo
	rendered map[uint64]*tree.Node
	decoded  [2]decodeState
}

// New creates an empty connection context.
func New(opts Options) *Context {
	m := opts.Metrics
	m.RecordConnectionOpen()
	return &Context{
		opts:        opts,
		logger:      logging.OrNop(opts.Logger),
		metrics:     m,
		errorPacket: [2]int64{-1, -1},
		packets:     make(map[uint64]*packetInfo),
		rendered:    make(map[uint64]*tree.Node),
	}
}

// Add feeds the payload of packet into the connection and reports whether
// the packet may be visualized. Adding a packet number a second time does not
// consume its payload again.
func (c *Context) Add(id *identity.Identity, payload []byte, dir protocol.Direction, packet uint64) bool {
	if info, ok := c.packets[packet]; ok {
		return info.displayable
	}
	if c.unrecognized != nil {
		return false
	}

	if c.buffer == nil {
		b, err := conversation.New(conversation.Options{
			PowTarget:         c.opts.PowTarget,
			MaxUnpairedChunks: c.opts.MaxUnpairedChunks,
			Logger:            c.logger,
			Metrics:           c.metrics,
		})
		if err != nil {
			c.unrecognized = err
			return false
		}
		c.buffer = b
	}

	r, err := c.buffer.Consume(payload, dir, id)
	if err != nil {
		c.unrecognized = err
		c.logger.Info("connection not recognized",
			logging.KeyPacket, packet,
			logging.KeyError, err)
		return false
	}

	info := &packetInfo{dir: dir, r: r, displayable: true}
	if _, failed := c.buffer.DirectionError(dir); failed {
		if c.errorPacket[dir.Index()] < 0 {
			c.errorPacket[dir.Index()] = int64(packet)
		}
		info.displayable = int64(packet) <= c.errorPacket[dir.Index()]
	}
	c.packets[packet] = info
	return info.displayable
}

// Visualize renders packet into sink. Ranges are relative to the packet
// payload. Messages are shown in the packet that frames their last chunk,
// whatever order packets are visualized in. The first rendering of a packet
// is recorded and replayed on later calls.
func (c *Context) Visualize(packet uint64, sink tree.Sink) {
	info, ok := c.packets[packet]
	if !ok || !info.displayable {
		return
	}
	root, ok := c.rendered[packet]
	if !ok {
		start := time.Now()
		root = c.render(packet, info)
		c.metrics.RecordDecodeDuration(time.Since(start).Seconds())
		c.rendered[packet] = root
	}
	root.Replay(sink, info.r)
}

func (c *Context) render(packet uint64, info *packetInfo) *tree.Node {
	root := tree.NewRoot("packet")
	stream := c.buffer.Stream(info.dir)

	state := c.buffer.State()
	if _, ok := state.(conversation.Correct); !ok {
		root.Leaf("state", state.String(), info.r)
	}
	if c.errorPacket[info.dir.Index()] == int64(packet) {
		if idx, ok := c.buffer.DirectionError(info.dir); ok {
			r := stream.Chunk(idx).Range
			root.Leaf("error", fmt.Sprintf("%s chunk %d failed authentication", info.dir, idx), r)
		}
	}

	c.decode(info.dir)

	first, last, ok := stream.Overlapping(info.r)
	if ok {
		for i := first; i <= last; i++ {
			c.renderChunk(root, info.dir, i, info.r.End)
		}
	}
	if framed := stream.EndedBy(info.r.End); framed == 0 || stream.Chunk(framed-1).Range.End < info.r.End {
		pendingStart := info.r.Start
		if framed > 0 && stream.Chunk(framed-1).Range.End > pendingStart {
			pendingStart = stream.Chunk(framed - 1).Range.End
		}
		root.Leaf("pending", strconv.Itoa(info.r.End-pendingStart)+" bytes",
			chunk.Range{Start: pendingStart, End: info.r.End})
	}

	for _, m := range c.messagesEndedIn(info.dir, info.r) {
		root.Children = append(root.Children, m.nodes...)
	}
	return root
}

func (c *Context) renderChunk(root *tree.Node, dir protocol.Direction, i, end int) {
	stream := c.buffer.Stream(dir)
	ch := stream.Chunk(i)
	if ch.Range.End > end {
		// framed by a later packet
		return
	}

	node := root.Child("chunk "+strconv.Itoa(i), ch.Range.Start)
	node.Leaf("length", strconv.Itoa(ch.Range.Len()-protocol.LengthSize),
		chunk.Range{Start: ch.Range.Start, End: ch.Range.Start + protocol.LengthSize})

	if i > 0 {
		body := ch.Body(i)
		encrypted := chunk.Range{Start: body.Start, End: ch.Range.End}
		failed, isFailed := c.buffer.DirectionError(dir)
		switch {
		case i < stream.Decrypted():
			node.Leaf("plaintext", strconv.Itoa(body.Len())+" bytes", body)
		case isFailed && i >= failed:
			node.Leaf("ciphertext", "authentication failed", encrypted)
		case c.buffer.Decipher() == nil:
			node.Leaf("ciphertext", "identity required", encrypted)
		default:
			node.Leaf("ciphertext", "not decrypted", encrypted)
		}
		node.Leaf("mac", "", chunk.Range{Start: body.End, End: ch.Range.End})
	}
	if ch.Continuation {
		node.Leaf("continuation", "true", ch.Range)
	}
	if c.incompleteAt(dir, i, end) {
		node.Leaf("incomplete", "true", ch.Range)
	}
	node.End(ch.Range.End)
}

// message is one decoded message of a direction. It belongs to the packet
// that frames its last chunk.
type message struct {
	head  int
	last  int
	nodes []*tree.Node
	err   error
}

// decodeState tracks the decoding pass of one direction. Messages are decoded
// in stream order regardless of the order packets are visualized in.
type decodeState struct {
	next     int
	messages []message

	// failed is a message that hit a hard error and is skipped once skip
	// plaintext bytes from its head are available.
	failed *message
	skip   int
}

// decode advances the decoding pass of dir over every chunk framed and
// decrypted so far.
func (c *Context) decode(dir protocol.Direction) {
	stream := c.buffer.Stream(dir)
	st := &c.decoded[dir.Index()]

	available := stream.Count()
	if stream.Decrypted() < available {
		available = stream.Decrypted()
	}

	for st.next < available {
		head := st.next

		if st.failed != nil {
			cur := cursor.New(stream, head, available, c.logger)
			if err := cur.Advance(st.skip); err != nil {
				return
			}
			stream.ClearIncomplete(head)
			c.finish(stream, st, *st.failed, cur.CompleteGroup(head))
			st.failed = nil
			continue
		}

		tag := decoder.TagForChunk(head)
		cur := cursor.New(stream, head, available, c.logger)
		msg := tree.NewRoot(tag.String())
		var err error
		if head == 0 {
			err = c.decodeHandshake(cur, stream, msg)
		} else {
			err = decoder.Decode(cur, tag, msg)
		}

		switch {
		case err == nil:
			stream.ClearIncomplete(head)
			c.finish(stream, st, message{head: head, nodes: msg.Children}, cur.CompleteGroup(head))
			c.metrics.RecordMessage(tag.String())

		case protocol.IsRetryable(err):
			stream.MarkIncomplete(head)
			return

		default:
			c.metrics.RecordDecodeError(decoder.ErrorLabel(err))
			c.logger.Debug("message decode failed",
				logging.KeyDirection, dir.String(),
				logging.KeyChunk, head,
				logging.KeySchema, tag.String(),
				logging.KeyError, err)
			failed := message{head: head, nodes: msg.Children, err: err}

			skip, ok := envelope(stream, head, available, tag)
			if !ok {
				stream.ClearIncomplete(head)
				c.finish(stream, st, failed, cur.CompleteGroup(head))
				continue
			}
			st.failed = &failed
			st.skip = skip
			stream.MarkIncomplete(head)
		}
	}
}

// envelope returns the plaintext size of the length-prefixed message headed
// by chunk head, prefix included.
func envelope(stream *chunk.Stream, head, available int, tag decoder.Tag) (int, bool) {
	if tag != decoder.TagPeerMessage {
		return 0, false
	}
	span, err := cursor.New(stream, head, available, nil).Read(4)
	if err != nil {
		return 0, false
	}
	return 4 + int(binary.BigEndian.Uint32(span.Data)), true
}

// finish records m as ending just before chunk next.
func (c *Context) finish(stream *chunk.Stream, st *decodeState, m message, next int) {
	m.last = next - 1
	if m.last < m.head {
		m.last = m.head
	}
	if m.err != nil {
		m.nodes = append(m.nodes, &tree.Node{
			Name:  "decode error",
			Value: m.err.Error(),
			Range: chunk.Range{Start: stream.Chunk(m.head).Range.Start, End: stream.Chunk(m.last).Range.End},
		})
	}
	st.messages = append(st.messages, m)
	st.next = next
}

// messagesEndedIn returns the decoded messages of dir whose last chunk ends
// inside r.
func (c *Context) messagesEndedIn(dir protocol.Direction, r chunk.Range) []message {
	stream := c.buffer.Stream(dir)
	msgs := c.decoded[dir.Index()].messages
	end := func(i int) int { return stream.Chunk(msgs[i].last).Range.End }

	first := sort.Search(len(msgs), func(i int) bool { return end(i) > r.Start })
	last := first
	for last < len(msgs) && end(last) <= r.End {
		last++
	}
	return msgs[first:last]
}

// incompleteAt reports whether chunk i heads a message that did not end by
// store offset end.
func (c *Context) incompleteAt(dir protocol.Direction, i, end int) bool {
	stream := c.buffer.Stream(dir)
	if stream.Chunk(i).Incomplete {
		return true
	}
	msgs := c.decoded[dir.Index()].messages
	k := sort.Search(len(msgs), func(k int) bool { return msgs[k].head >= i })
	return k < len(msgs) && msgs[k].head == i && stream.Chunk(msgs[k].last).Range.End > end
}

func (c *Context) decodeHandshake(cur *cursor.Cursor, stream *chunk.Stream, msg *tree.Node) error {
	if err := cur.PushLimit(stream.Chunk(0).Body(0).Len()); err != nil {
		return err
	}
	defer cur.PopLimit()
	return decoder.Decode(cur, decoder.TagConnectionMessage, msg)
}

// State returns the decryption state, or nil when nothing was added or the
// connection is unrecognized.
func (c *Context) State() conversation.State {
	if c.buffer == nil || c.unrecognized != nil {
		return nil
	}
	return c.buffer.State()
}

// Unrecognized returns the classification error once the connection was
// found not to carry the protocol.
func (c *Context) Unrecognized() error {
	return c.unrecognized
}

// Handshake parses the connection message sent by dir. It returns
// protocol.ErrNotEnoughData until chunk 0 of dir is framed.
func (c *Context) Handshake(dir protocol.Direction) (*protocol.ConnectionMessage, error) {
	if c.buffer == nil || c.buffer.Stream(dir).Count() == 0 {
		return nil, protocol.ErrNotEnoughData
	}
	raw := c.buffer.Stream(dir).Raw(0)
	return protocol.ParseConnectionMessage(raw[protocol.LengthSize:])
}

// Bytes returns how many bytes were added for dir.
func (c *Context) Bytes(dir protocol.Direction) int {
	if c.buffer == nil {
		return 0
	}
	return c.buffer.Stream(dir).Len()
}

// Close records the final state of the connection.
func (c *Context) Close() string {
	label := "empty"
	switch {
	case c.unrecognized != nil:
		label = "unrecognized"
	case c.buffer != nil:
		label = conversation.Label(c.buffer.State())
	}
	c.metrics.RecordConnectionClose(label)
	return label
}
