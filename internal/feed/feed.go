// Package feed implements the subscriber session: a long-lived socket
// that receives a coalesced, wire-encoded stream of chain events and
// accepts a small colon-delimited text command protocol.
package feed

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/chainscope/telemetry-aggregator/internal/wire"
)

var nextFeedID uint64

// Feed is one subscriber session.
type Feed struct {
	ID uint64

	conn   net.Conn
	logger zerolog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool

	mu              sync.Mutex
	chainLabel      string // genesis hash currently subscribed to, "" if none
	sendFinality    bool
	pingOutstanding bool
}

// New wraps an already-upgraded WebSocket connection as a Feed session.
func New(conn net.Conn, logger zerolog.Logger) *Feed {
	id := atomic.AddUint64(&nextFeedID, 1)
	return &Feed{
		ID:     id,
		conn:   conn,
		logger: logger.With().Uint64("feed_id", id).Logger(),
	}
}

// ChainLabel returns the genesis hash currently subscribed to, "" if none.
func (f *Feed) ChainLabel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chainLabel
}

// SetChainLabel records the currently-subscribed chain.
func (f *Feed) SetChainLabel(label string) {
	f.mu.Lock()
	f.chainLabel = label
	f.mu.Unlock()
}

// SendFinality reports whether consensus (afg-*) messages should be
// relayed to this feed.
func (f *Feed) SendFinality() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendFinality
}

// SetSendFinality toggles consensus relay for this feed.
func (f *Feed) SetSendFinality(v bool) {
	f.mu.Lock()
	f.sendFinality = v
	f.mu.Unlock()
}

// Write serializes msgs once and writes the resulting frame directly to
// this feed's socket. Used for catch-up (which precedes this feed's
// entry into any FeedSet, so there is nothing to coalesce with) and for
// one-off replies like Pong.
func (f *Feed) Write(msgs []wire.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	data, err := wire.Encode(msgs)
	if err != nil {
		return fmt.Errorf("feed: encode: %w", err)
	}
	return f.WriteRaw(data)
}

// WriteRaw writes an already-serialized batch verbatim; this is the path
// FeedSet.Flush uses to hand every subscriber the same immutable buffer
// without re-serializing per feed.
func (f *Feed) WriteRaw(data []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if f.closed.Load() {
		return fmt.Errorf("feed: closed")
	}
	return wsutil.WriteServerMessage(f.conn, ws.OpText, data)
}

// Ping sends a WebSocket-layer ping and marks one outstanding. Returns
// false (without sending) if a prior ping was never ponged, signalling
// the caller to disconnect this feed instead.
func (f *Feed) Ping() bool {
	f.mu.Lock()
	if f.pingOutstanding {
		f.mu.Unlock()
		return false
	}
	f.pingOutstanding = true
	f.mu.Unlock()

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if f.closed.Load() {
		return true
	}
	_ = wsutil.WriteServerMessage(f.conn, ws.OpPing, nil)
	return true
}

// MarkPonged clears the outstanding-ping flag on receipt of a pong.
func (f *Feed) MarkPonged() {
	f.mu.Lock()
	f.pingOutstanding = false
	f.mu.Unlock()
}

// Close closes the underlying socket. Safe to call more than once.
func (f *Feed) Close() {
	if f.closed.CompareAndSwap(false, true) {
		_ = f.conn.Close()
	}
}

// Command is a parsed inbound feed instruction.
type Command struct {
	Tag string // "subscribe", "send-finality", "no-more-finality", "ping"
	Arg string
}

// ParseCommand parses one colon-delimited inbound text frame. An unknown
// tag or malformed frame is reported via ok=false; callers log and
// ignore it.
func ParseCommand(raw string) (Command, bool) {
	raw = strings.TrimSpace(raw)
	idx := strings.IndexByte(raw, ':')
	if idx < 0 {
		return Command{}, false
	}
	tag, arg := raw[:idx], raw[idx+1:]
	switch tag {
	case "subscribe", "send-finality", "no-more-finality", "ping":
		return Command{Tag: tag, Arg: arg}, true
	default:
		return Command{}, false
	}
}

