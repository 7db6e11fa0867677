// Package wire implements the outbound feed framing: a JSON array of
// alternating numeric opcode and payload. Serialization happens once per
// tick per coalesced batch (see internal/feed) and the resulting bytes
// are shared, read-only, across every subscriber — this package never
// mutates a payload after Encode returns it.
package wire

// Opcode identifies the shape of a feed message payload. Values are
// stable across releases.
type Opcode byte

const (
	FeedVersion          Opcode = 0x00
	BestBlock            Opcode = 0x01
	BestFinalized        Opcode = 0x02
	AddedNode            Opcode = 0x03
	RemovedNode          Opcode = 0x04
	LocatedNode          Opcode = 0x05
	ImportedBlock        Opcode = 0x06
	FinalizedBlock       Opcode = 0x07
	NodeStats            Opcode = 0x08
	NodeHardware         Opcode = 0x09
	TimeSync             Opcode = 0x0A
	AddedChain           Opcode = 0x0B
	RemovedChain         Opcode = 0x0C
	SubscribedTo         Opcode = 0x0D
	UnsubscribedFrom     Opcode = 0x0E
	Pong                 Opcode = 0x0F
	AfgFinalized         Opcode = 0x10
	AfgReceivedPrevote   Opcode = 0x11
	AfgReceivedPrecommit Opcode = 0x12
	AfgAuthoritySet      Opcode = 0x13
	StaleNode            Opcode = 0x14
	NodeIO               Opcode = 0x15
	ChainStatsUpdate     Opcode = 0x16
)

// ProtocolVersion is the value carried by the first FeedVersion message
// ever sent to a feed; a mismatch on the client forces a reload.
const ProtocolVersion = 1
