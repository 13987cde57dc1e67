package decoder

import (
	"fmt"

	"github.com/postalsys/wiretap/internal/tree"
)

// Tag selects the message schema for a head chunk.
type Tag int

const (
	// TagConnectionMessage is the plaintext handshake in chunk 0. Its version
	// list runs to the end of the chunk, so callers bound it with a limit.
	TagConnectionMessage Tag = iota
	// TagMetadata is the first encrypted chunk.
	TagMetadata
	// TagAck is the second encrypted chunk.
	TagAck
	// TagPeerMessage is every later message.
	TagPeerMessage
)

// TagForChunk returns the schema tag of a message headed by chunk index.
func TagForChunk(index int) Tag {
	switch index {
	case 0:
		return TagConnectionMessage
	case 1:
		return TagMetadata
	case 2:
		return TagAck
	default:
		return TagPeerMessage
	}
}

func (t Tag) String() string {
	switch t {
	case TagConnectionMessage:
		return "connection_message"
	case TagMetadata:
		return "metadata"
	case TagAck:
		return "ack"
	case TagPeerMessage:
		return "peer_message"
	default:
		return fmt.Sprintf("tag(%d)", int(t))
	}
}

var (
	hash32  = Fixed(32)
	chainID = Fixed(4)

	versionSchema = Object(
		F("chain_name", String()),
		F("distributed_db_version", U16()),
		F("p2p_version", U16()),
	)

	connectionMessageSchema = Object(
		F("port", U16()),
		F("public_key", Fixed(32)),
		F("proof_of_work_stamp", Fixed(24)),
		F("message_nonce", Fixed(24)),
		F("versions", List(versionSchema)),
	)

	metadataSchema = Object(
		F("disable_mempool", Bool()),
		F("private_node", Bool()),
	)

	ackSchema = Tagged(1,
		Case{Tag: 0x00, Name: "ack"},
		Case{Tag: 0xff, Name: "nack_v_0"},
		Case{Tag: 0x01, Name: "nack", Schema: Object(
			F("motive", U16()),
			F("potential_peers_to_connect", Dynamic(List(String()))),
		)},
	)

	blockHeaderSchema = Object(
		F("level", I32()),
		F("proto", U8()),
		F("predecessor", hash32),
		F("timestamp", I64()),
		F("validation_pass", U8()),
		F("operations_hash", hash32),
		F("fitness", Dynamic(List(Dynamic(Bytes())))),
		F("context", hash32),
		F("protocol_data", Bytes()),
	)

	operationSchema = Object(
		F("branch", hash32),
		F("data", Bytes()),
	)

	mempoolSchema = Object(
		F("known_valid", Dynamic(List(hash32))),
		F("pending", Dynamic(List(Dynamic(operationSchema)))),
	)

	blockOperationsSchema = Object(
		F("hash", hash32),
		F("validation_pass", U8()),
	)

	peerMessageSchema = Dynamic(Tagged(2,
		Case{Tag: 0x01, Name: "disconnect"},
		Case{Tag: 0x02, Name: "bootstrap"},
		Case{Tag: 0x03, Name: "advertise", Schema: Object(
			F("id", Dynamic(List(String()))),
		)},
		Case{Tag: 0x04, Name: "swap_request", Schema: Object(
			F("point", String()),
			F("peer_id", Fixed(16)),
		)},
		Case{Tag: 0x05, Name: "swap_ack", Schema: Object(
			F("point", String()),
			F("peer_id", Fixed(16)),
		)},
		Case{Tag: 0x10, Name: "get_current_branch", Schema: Object(
			F("chain_id", chainID),
		)},
		Case{Tag: 0x11, Name: "current_branch", Schema: Object(
			F("chain_id", chainID),
			F("current_head", Dynamic(blockHeaderSchema)),
			F("history", Dynamic(List(hash32))),
		)},
		Case{Tag: 0x12, Name: "deactivate", Schema: Object(
			F("chain_id", chainID),
		)},
		Case{Tag: 0x13, Name: "get_current_head", Schema: Object(
			F("chain_id", chainID),
		)},
		Case{Tag: 0x14, Name: "current_head", Schema: Object(
			F("chain_id", chainID),
			F("current_block_header", Dynamic(blockHeaderSchema)),
			F("current_mempool", Dynamic(mempoolSchema)),
		)},
		Case{Tag: 0x20, Name: "get_block_headers", Schema: Object(
			F("get_block_headers", Dynamic(List(hash32))),
		)},
		Case{Tag: 0x21, Name: "block_header", Schema: Object(
			F("block_header", Dynamic(blockHeaderSchema)),
		)},
		Case{Tag: 0x30, Name: "get_operations", Schema: Object(
			F("get_operations", Dynamic(List(hash32))),
		)},
		Case{Tag: 0x31, Name: "operation", Schema: Object(
			F("operation", Dynamic(operationSchema)),
		)},
		Case{Tag: 0x40, Name: "get_protocols", Schema: Object(
			F("get_protocols", Dynamic(List(hash32))),
		)},
		Case{Tag: 0x41, Name: "protocol", Schema: Object(
			F("protocol", Dynamic(Bytes())),
		)},
		Case{Tag: 0x60, Name: "get_operations_for_blocks", Schema: Object(
			F("get_operations_for_blocks", Dynamic(List(blockOperationsSchema))),
		)},
		Case{Tag: 0x61, Name: "operations_for_blocks", Schema: Object(
			F("operations_for_block", blockOperationsSchema),
			F("operation_hashes_path", Path()),
			F("operations", List(Dynamic(operationSchema))),
		)},
	))
)

// Lookup returns the schema for a tag.
func Lookup(t Tag) *Schema {
	switch t {
	case TagConnectionMessage:
		return connectionMessageSchema
	case TagMetadata:
		return metadataSchema
	case TagAck:
		return ackSchema
	case TagPeerMessage:
		return peerMessageSchema
	default:
		panic(fmt.Sprintf("decoder: no schema for %s", t))
	}
}

// Decode reads the message selected by tag and renders it into sink. A
// wrapped protocol.ErrNotEnoughData means the message should be retried once
// more chunks are available; any other error is final.
func Decode(c Cursor, tag Tag, sink tree.Sink) error {
	return DecodeSchema(c, Lookup(tag), tag.String(), sink)
}
