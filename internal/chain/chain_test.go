package chain

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/chainscope/telemetry-aggregator/internal/feed"
	"github.com/chainscope/telemetry-aggregator/internal/ingest"
	"github.com/chainscope/telemetry-aggregator/internal/locator"
	"github.com/chainscope/telemetry-aggregator/internal/wire"
)

func newTestLogger() zerolog.Logger {
	return zerolog.Nop()
}

func connected(name, genesisHash string) ingest.Connected {
	return ingest.Connected{
		Name:           name,
		Chain:          genesisHash,
		Implementation: "test-client",
		Version:        "1.0.0",
	}
}

func TestBlockImportUpdatesHeightAndZeroesFirstImporterPropagation(t *testing.T) {
	c := New("0xabc", newTestLogger())

	n := NewNodeState(1, connected("n1", "0xabc"), time.Now())
	c.AddNode(n)

	now := time.Now()
	events := n.HandleFrame(now, ingest.Frame{
		Kind:        ingest.KindBlockImport,
		Ts:          now,
		BlockImport: &ingest.BlockImport{Best: "0xhh", Height: 1},
	}, time.Second)
	c.HandleFrameResult(n, events)

	if c.Height != 1 {
		t.Errorf("Chain.Height = %d, want 1", c.Height)
	}
	if n.PropagationTime == nil || *n.PropagationTime != 0 {
		t.Errorf("first-importer PropagationTime = %v, want pointer to 0", n.PropagationTime)
	}
}

func TestSecondImporterGetsPropagationTime(t *testing.T) {
	c := New("0xabc", newTestLogger())

	n1 := NewNodeState(1, connected("n1", "0xabc"), time.Now())
	n2 := NewNodeState(2, connected("n2", "0xabc"), time.Now())
	c.AddNode(n1)
	c.AddNode(n2)

	t0 := time.Now()
	ev1 := n1.HandleFrame(t0, ingest.Frame{
		Kind: ingest.KindBlockImport, Ts: t0,
		BlockImport: &ingest.BlockImport{Best: "0xhh", Height: 1},
	}, time.Second)
	c.HandleFrameResult(n1, ev1)

	t1 := t0.Add(250 * time.Millisecond)
	ev2 := n2.HandleFrame(t1, ingest.Frame{
		Kind: ingest.KindBlockImport, Ts: t1,
		BlockImport: &ingest.BlockImport{Best: "0xhh", Height: 1},
	}, time.Second)
	c.HandleFrameResult(n2, ev2)

	if n2.PropagationTime == nil {
		t.Fatal("second importer should have a non-nil PropagationTime")
	}
	if *n2.PropagationTime < 200 || *n2.PropagationTime > 300 {
		t.Errorf("PropagationTime = %dms, want ~250ms", *n2.PropagationTime)
	}
}

func TestFinalizationUpdatesChainBestFinalized(t *testing.T) {
	c := New("0xabc", newTestLogger())
	n := NewNodeState(1, connected("n1", "0xabc"), time.Now())
	c.AddNode(n)

	now := time.Now()
	h := uint64(1)
	hash := "0xff"
	events := n.HandleFrame(now, ingest.Frame{
		Kind: ingest.KindInterval, Ts: now,
		Interval: &ingest.Interval{FinalizedHeight: &h, FinalizedHash: &hash},
	}, time.Second)
	c.HandleFrameResult(n, events)

	if c.BestFinalized.Number != 1 || c.BestFinalized.Hash != "0xff" {
		t.Errorf("BestFinalized = %+v, want {1 0xff}", c.BestFinalized)
	}
}

func TestDowngradeOnDisconnect(t *testing.T) {
	c := New("0xabc", newTestLogger())
	n1 := NewNodeState(1, connected("n1", "0xabc"), time.Now())
	n2 := NewNodeState(2, connected("n2", "0xabc"), time.Now())
	c.AddNode(n1)
	c.AddNode(n2)

	now := time.Now()
	ev1 := n1.HandleFrame(now, ingest.Frame{
		Kind: ingest.KindBlockImport, Ts: now,
		BlockImport: &ingest.BlockImport{Best: "0xhh", Height: 5},
	}, time.Second)
	c.HandleFrameResult(n1, ev1)

	if c.Height != 5 {
		t.Fatalf("Chain.Height = %d, want 5", c.Height)
	}

	// n2 never reported a best block (still at the zero block); removing
	// n1 (the unique chain-best holder) must downgrade Chain.Height to the
	// max remaining non-stale node's best, i.e. 0.
	c.RemoveNode(1)

	if c.Height != 0 {
		t.Errorf("Chain.Height after downgrade = %d, want 0", c.Height)
	}
}

func TestDowngradeSkipsStaleNodes(t *testing.T) {
	c := New("0xabc", newTestLogger())
	n1 := NewNodeState(1, connected("n1", "0xabc"), time.Now())
	n2 := NewNodeState(2, connected("n2", "0xabc"), time.Now())
	c.AddNode(n1)
	c.AddNode(n2)

	now := time.Now()
	ev1 := n1.HandleFrame(now, ingest.Frame{
		Kind: ingest.KindBlockImport, Ts: now,
		BlockImport: &ingest.BlockImport{Best: "0xhh", Height: 5},
	}, time.Second)
	c.HandleFrameResult(n1, ev1)

	ev2 := n2.HandleFrame(now, ingest.Frame{
		Kind: ingest.KindBlockImport, Ts: now,
		BlockImport: &ingest.BlockImport{Best: "0xgg", Height: 3},
	}, time.Second)
	c.HandleFrameResult(n2, ev2)

	n2.Stale = true

	c.RemoveNode(1)

	// The only other node is stale and must be excluded; with no
	// non-stale node left, the height keeps its previous value.
	if c.Height != 5 {
		t.Errorf("Chain.Height = %d, want 5 (the stale node's height 3 must be excluded)", c.Height)
	}
}

func TestSetNodeLocationAppliesToLiveNodeAndDropsForGoneOne(t *testing.T) {
	c := New("0xabc", newTestLogger())
	n := NewNodeState(1, connected("n1", "0xabc"), time.Now())
	c.AddNode(n)

	if !c.SetNodeLocation(1, locator.Location{Lat: 1.5, Lon: 2.5, City: "Berlin"}) {
		t.Fatal("SetNodeLocation on a live node should apply and return true")
	}
	if n.Location == nil || n.Location.City != "Berlin" {
		t.Errorf("node.Location = %+v, want city Berlin", n.Location)
	}

	c.RemoveNode(1)
	if c.SetNodeLocation(1, locator.Location{City: "too-late"}) {
		t.Error("SetNodeLocation for a node that already disconnected should drop silently and return false")
	}
}

func TestChainEmptyAfterLastNodeRemoved(t *testing.T) {
	c := New("0xabc", newTestLogger())
	n := NewNodeState(1, connected("n1", "0xabc"), time.Now())
	c.AddNode(n)
	c.RemoveNode(1)

	if c.NodeCount() != 0 {
		t.Errorf("NodeCount() = %d, want 0", c.NodeCount())
	}
}

func TestBlockUpdateThrottleCoalescesRapidUpdates(t *testing.T) {
	n := NewNodeState(1, connected("n1", "0xabc"), time.Now())

	now := time.Now()
	ev := n.HandleFrame(now, ingest.Frame{
		Kind: ingest.KindBlockImport, Ts: now,
		BlockImport: &ingest.BlockImport{Best: "0x1", Height: 1},
	}, time.Second)
	if len(ev) != 1 {
		t.Fatalf("first update should emit immediately, got %d events", len(ev))
	}

	// A second update inside the 1s throttle window must not emit yet.
	soon := now.Add(100 * time.Millisecond)
	ev = n.HandleFrame(soon, ingest.Frame{
		Kind: ingest.KindBlockImport, Ts: soon,
		BlockImport: &ingest.BlockImport{Best: "0x2", Height: 2},
	}, time.Second)
	if len(ev) != 0 {
		t.Fatalf("throttled update should defer, got %d immediate events", len(ev))
	}
	if _, ready := n.DeferredBlockReady(soon); ready {
		t.Fatal("deferred block should not be ready before the throttle window elapses")
	}

	after := now.Add(1100 * time.Millisecond)
	deferred, ready := n.DeferredBlockReady(after)
	if !ready {
		t.Fatal("deferred block should be ready once the throttle window elapses")
	}
	if deferred.Block.Number != 2 {
		t.Errorf("deferred block number = %d, want 2 (the latest coalesced update)", deferred.Block.Number)
	}
}

func TestCheckStaleFlagsOnceAfterNoBlockTimeout(t *testing.T) {
	n := NewNodeState(1, connected("n1", "0xabc"), time.Now())
	now := time.Now()
	n.HandleFrame(now, ingest.Frame{
		Kind: ingest.KindBlockImport, Ts: now,
		BlockImport: &ingest.BlockImport{Best: "0x1", Height: 1},
	}, time.Second)

	if _, ok := n.CheckStale(now.Add(30*time.Second), 60*time.Second); ok {
		t.Error("CheckStale before the window elapses should not fire")
	}

	if _, ok := n.CheckStale(now.Add(61*time.Second), 60*time.Second); !ok {
		t.Error("CheckStale after the window elapses should fire once")
	}
	if !n.Stale {
		t.Error("node.Stale should be set after CheckStale fires")
	}

	// It must not fire a second time while already stale.
	if _, ok := n.CheckStale(now.Add(120*time.Second), 60*time.Second); ok {
		t.Error("CheckStale should not re-fire while already stale")
	}
}

func TestCheckTimeoutsBroadcastsTimeSyncAndChainStats(t *testing.T) {
	c := New("0xabc", newTestLogger())
	n := NewNodeState(1, connected("n1", "0xabc"), time.Now())
	c.AddNode(n)
	// Drain the AddedNode/FinalizedBlock broadcasts from the join so the
	// batch below holds only what the timeout tick itself broadcasts.
	c.Feeds.Flush()

	server, client := net.Pipe()
	defer client.Close()
	f := feed.New(server, zerolog.Nop())
	defer f.Close()
	c.AddFeed(f)

	done := make(chan []wire.RawMessage, 1)
	go func() {
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		data, _, err := wsutil.ReadServerData(client)
		if err != nil {
			done <- nil
			return
		}
		msgs, err := wire.Decode(data)
		if err != nil {
			done <- nil
			return
		}
		done <- msgs
	}()

	c.CheckTimeouts(time.Now(), 60*time.Second, 60*time.Second)
	c.Feeds.Flush()

	msgs := <-done
	if len(msgs) != 2 {
		t.Fatalf("got %d messages from a timeout tick, want 2 (TimeSync, ChainStatsUpdate)", len(msgs))
	}
	if msgs[0].Op != wire.TimeSync || msgs[1].Op != wire.ChainStatsUpdate {
		t.Errorf("got opcodes [%v %v], want [TimeSync ChainStatsUpdate]", msgs[0].Op, msgs[1].Op)
	}
}
