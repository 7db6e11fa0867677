package feed

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/chainscope/telemetry-aggregator/internal/wire"
)

func newPipeFeed(t *testing.T) (*Feed, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	f := New(server, zerolog.Nop())
	t.Cleanup(f.Close)
	t.Cleanup(func() { _ = client.Close() })
	return f, client
}

func readBatch(t *testing.T, conn net.Conn) []wire.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	msgs, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	return msgs
}

func TestFeedSetFlushCoalescesMultipleBroadcasts(t *testing.T) {
	s := NewFeedSet(zerolog.Nop())
	f, conn := newPipeFeed(t)
	s.Add(f)

	done := make(chan []wire.RawMessage, 1)
	go func() { done <- readBatch(t, conn) }()

	s.Broadcast(wire.Message{Op: wire.BestBlock, Payload: []any{float64(1), float64(0), nil}})
	s.Broadcast(wire.Message{Op: wire.StaleNode, Payload: float64(7)})
	s.Flush()

	select {
	case msgs := <-done:
		if len(msgs) != 2 {
			t.Fatalf("got %d messages, want 2 (both broadcasts coalesced into one frame)", len(msgs))
		}
		if msgs[0].Op != wire.BestBlock || msgs[1].Op != wire.StaleNode {
			t.Errorf("got opcodes [%v %v], want [BestBlock StaleNode]", msgs[0].Op, msgs[1].Op)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for coalesced frame")
	}
}

func TestFeedSetFlushNoopWhenNothingPending(t *testing.T) {
	s := NewFeedSet(zerolog.Nop())
	f, _ := newPipeFeed(t)
	s.Add(f)

	if failed := s.Flush(); failed != nil {
		t.Errorf("Flush() with nothing pending returned %v, want nil", failed)
	}
}

func TestFeedSetRemovesFeedOnWriteFailure(t *testing.T) {
	s := NewFeedSet(zerolog.Nop())
	f, conn := newPipeFeed(t)
	s.Add(f)
	_ = conn.Close()
	f.Close()

	s.Broadcast(wire.Message{Op: wire.TimeSync, Payload: float64(1)})
	s.Flush()

	if s.Len() != 0 {
		t.Errorf("Len() after a failed write = %d, want 0 (a dead feed must be shed, never block the broadcaster)", s.Len())
	}
}
