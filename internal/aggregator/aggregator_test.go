package aggregator

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/chainscope/telemetry-aggregator/internal/feed"
	"github.com/chainscope/telemetry-aggregator/internal/ingest"
	"github.com/chainscope/telemetry-aggregator/internal/locator"
	"github.com/chainscope/telemetry-aggregator/internal/nodeid"
	"github.com/chainscope/telemetry-aggregator/internal/wire"
)

func newTestAggregator() *Aggregator {
	nodeIDs := nodeid.New(time.Hour)
	locators := locator.New(locator.NullProvider{}, time.Hour, time.Hour)
	return New(nodeIDs, locators, time.Second, 60*time.Second, 60*time.Second, zerolog.Nop())
}

func readFrame(t *testing.T, conn net.Conn) []wire.RawMessage {
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

// TestCatchUpOrdering checks that a freshly subscribed feed sees TimeSync,
// BestBlock, BestFinalized, then one AddedNode per roster node, strictly
// before anything else — here, before the SubscribedTo ack that follows
// in its own frame.
func TestCatchUpOrdering(t *testing.T) {
	agg := newTestAggregator()
	now := time.Now()

	handle := agg.RegisterNode("203.0.113.1", ingest.Connected{
		Name: "n1", Chain: "0xabc", Implementation: "test-client", Version: "1.0.0",
	}, now)
	handle.HandleFrame(now, ingest.Frame{
		Kind: ingest.KindBlockImport, Ts: now,
		BlockImport: &ingest.BlockImport{Best: "0xhh", Height: 1},
	})

	server, client := net.Pipe()
	defer client.Close()
	f := feed.New(server, zerolog.Nop())
	defer f.Close()

	subscribeErr := make(chan error, 1)
	go func() { subscribeErr <- agg.Subscribe(f, "0xabc") }()

	catchup := readFrame(t, client)
	if len(catchup) < 4 {
		t.Fatalf("catch-up frame has %d messages, want at least 4", len(catchup))
	}
	wantPrefix := []wire.Opcode{wire.TimeSync, wire.BestBlock, wire.BestFinalized, wire.AddedNode}
	for i, op := range wantPrefix {
		if catchup[i].Op != op {
			t.Errorf("catch-up[%d].Op = %#x, want %#x", i, catchup[i].Op, op)
		}
	}

	ackFrame := readFrame(t, client)
	if len(ackFrame) != 1 || ackFrame[0].Op != wire.SubscribedTo {
		t.Fatalf("post-catchup frame = %+v, want a single SubscribedTo message", ackFrame)
	}

	if err := <-subscribeErr; err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
}

// TestRegisterNodeAssignsStableIDAcrossReconnect checks that a node
// reconnecting from the same address within the ID-TTL window gets back
// its previous numeric id instead of a fresh one.
func TestRegisterNodeAssignsStableIDAcrossReconnect(t *testing.T) {
	agg := newTestAggregator()
	now := time.Now()
	netID := "net-1"

	c := ingest.Connected{Name: "n1", Chain: "0xabc", Implementation: "x", Version: "1.0.0", NetworkID: &netID}

	h1 := agg.RegisterNode("203.0.113.1", c, now)
	h1.Close()
	h2 := agg.RegisterNode("203.0.113.1", c, now.Add(time.Second))

	if h1.Node.ID != h2.Node.ID {
		t.Errorf("reconnect within TTL got id %d then %d, want identical", h1.Node.ID, h2.Node.ID)
	}
}

func TestTickSweepsTimedOutNodes(t *testing.T) {
	agg := newTestAggregator()
	now := time.Now()

	handle := agg.RegisterNode("203.0.113.1", ingest.Connected{
		Name: "n1", Chain: "0xabc", Implementation: "x", Version: "1.0.0",
	}, now)
	_ = handle

	later := now.Add(61 * time.Second)
	timedOut := agg.Tick(later)

	if len(timedOut) != 1 {
		t.Fatalf("Tick() returned %d timed-out nodes, want 1", len(timedOut))
	}
	if timedOut[0].ChainLabel != "0xabc" {
		t.Errorf("timed-out node chain label = %q, want 0xabc", timedOut[0].ChainLabel)
	}
}
