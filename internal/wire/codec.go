package wire

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a batch of messages into a single JSON array of
// alternating opcode and payload, e.g. [0x01,[H,T,avg], 0x06,[id,[...]]].
// It is called at most once per coalesced tick per batch (see
// internal/feed.FeedSet); the resulting bytes are immutable and safe to
// hand to every subscriber without copying.
func Encode(msgs []Message) ([]byte, error) {
	flat := make([]any, 0, len(msgs)*2)
	for _, m := range msgs {
		flat = append(flat, byte(m.Op), m.Payload)
	}
	return json.Marshal(flat)
}

// RawMessage is a decoded (opcode, payload) pair with the payload left as
// raw JSON, since the opcode alone does not tell a generic decoder which
// Go type to target.
type RawMessage struct {
	Op      Opcode
	Payload json.RawMessage
}

// Decode is the inverse of Encode: it groups the flat array back into
// opcode/payload pairs. Any parse failure fails the whole batch; the
// caller is expected to drop the feed connection rather than partially
// apply a corrupt batch.
func Decode(data []byte) ([]RawMessage, error) {
	var flat []json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("wire: malformed batch: %w", err)
	}
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("wire: odd number of elements in batch (%d)", len(flat))
	}

	out := make([]RawMessage, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		var op int
		if err := json.Unmarshal(flat[i], &op); err != nil {
			return nil, fmt.Errorf("wire: malformed opcode at index %d: %w", i, err)
		}
		if op < 0 || op > 0xFF {
			return nil, fmt.Errorf("wire: opcode out of range at index %d: %d", i, op)
		}
		out = append(out, RawMessage{Op: Opcode(op), Payload: flat[i+1]})
	}
	return out, nil
}
