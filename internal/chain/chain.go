package chain

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/chainscope/telemetry-aggregator/internal/block"
	"github.com/chainscope/telemetry-aggregator/internal/feed"
	"github.com/chainscope/telemetry-aggregator/internal/locator"
	"github.com/chainscope/telemetry-aggregator/internal/wire"
)

const chainBlockTimeHistory = 10

// Chain is the per-chain aggregation: roster, best and finalized block,
// consensus view, and feed routing. It is processed exclusively by
// whichever goroutine owns it (the Aggregator's per-chain worker) —
// nothing here takes a lock, since state is single-owner by design.
type Chain struct {
	GenesisHash string

	Nodes map[uint64]*NodeState

	Feeds *feed.FeedSet

	// FinalityFeeds holds the subset of Feeds members that opted into
	// consensus (afg-*) relay via the send-finality command. Kept as a
	// second FeedSet, not a filter predicate, so afg broadcasts still get
	// the same "serialize once, write to every member" treatment as
	// everything else instead of a per-feed branch.
	FinalityFeeds *feed.FeedSet

	Height         uint64
	BlockTimestamp int64
	blockTimes     *block.NumStats

	BestFinalized block.Block

	authoritySet *wire.Message

	consensus *ConsensusMatrix

	logger zerolog.Logger
}

// New creates an empty Chain for genesisHash (the Chain is created lazily
// on the first node to join).
func New(genesisHash string, logger zerolog.Logger) *Chain {
	return &Chain{
		GenesisHash:   genesisHash,
		Nodes:         make(map[uint64]*NodeState),
		Feeds:         feed.NewFeedSet(logger),
		FinalityFeeds: feed.NewFeedSet(logger),
		blockTimes:    block.NewNumStats(chainBlockTimeHistory),
		consensus:     NewConsensusMatrix(),
		logger:        logger.With().Str("chain", genesisHash).Logger(),
	}
}

// AddFeed attaches f to this chain after its catch-up batch (from
// Subscribe) has already been written directly to it, so no live
// broadcast can ever precede catch-up for that feed.
func (c *Chain) AddFeed(f *feed.Feed) {
	c.Feeds.Add(f)
	if f.SendFinality() {
		c.FinalityFeeds.Add(f)
	}
}

// RemoveFeed detaches f from both the general and finality-scoped sets.
func (c *Chain) RemoveFeed(f *feed.Feed) {
	c.Feeds.Remove(f)
	c.FinalityFeeds.Remove(f)
}

// SetFeedFinality applies a send-finality / no-more-finality command,
// keeping FinalityFeeds membership in sync.
func (c *Chain) SetFeedFinality(f *feed.Feed, on bool) {
	f.SetSendFinality(on)
	if on {
		c.FinalityFeeds.Add(f)
	} else {
		c.FinalityFeeds.Remove(f)
	}
}

// NodeCount returns the current roster size.
func (c *Chain) NodeCount() int {
	return len(c.Nodes)
}

// AddNode registers a new node, broadcasts AddedNode, and folds its
// reported state into the chain's aggregates.
func (c *Chain) AddNode(n *NodeState) {
	c.Nodes[n.ID] = n
	c.Feeds.Broadcast(wire.Message{Op: wire.AddedNode, Payload: c.addedNodePayload(n).Array()})
	c.updateBlock(n)
	c.updateFinalized(n)
}

// RemoveNode unregisters a node (socket close, error, or timeout),
// broadcasts RemovedNode, and — if its best block number equaled the
// chain height — runs the downgrade scan.
func (c *Chain) RemoveNode(id uint64) {
	n, ok := c.Nodes[id]
	if !ok {
		return
	}
	wasChainBest := n.Best.Number == c.Height
	delete(c.Nodes, id)
	c.Feeds.Broadcast(wire.Message{Op: wire.RemovedNode, Payload: id})

	if wasChainBest {
		c.downgrade()
	}
}

// HandleFrameResult applies domain events produced by NodeState.HandleFrame
// (and by the deferred-block flush) to chain-level aggregates, emitting
// the corresponding feed broadcasts.
func (c *Chain) HandleFrameResult(n *NodeState, events []Event) {
	for _, ev := range events {
		c.applyEvent(n, ev)
	}
}

func (c *Chain) applyEvent(n *NodeState, ev Event) {
	switch e := ev.(type) {
	case EvBlock:
		c.updateBlock(n)
	case EvStats:
		c.Feeds.Broadcast(wire.Message{Op: wire.NodeStats, Payload: []any{n.ID, []any{e.Peers, e.TxCount}}})
	case EvHardware:
		c.Feeds.Broadcast(
			wire.Message{Op: wire.NodeHardware, Payload: []any{n.ID, []any{e.Upload, e.Download, e.Chartstamps}}},
			wire.Message{Op: wire.NodeIO, Payload: []any{n.ID, []any{e.StateCacheBytes}}},
		)
	case EvFinalized:
		c.updateFinalized(n)
	case EvAfgFinalized:
		c.consensus.RecordFinalized(e.Number, e.Voter)
		c.consensus.EvictBelow(c.BestFinalized.Number)
		c.broadcastFinality(n, wire.AfgFinalized, e.Voter, e.Number, e.Hash)
	case EvAfgPrevote:
		c.consensus.RecordPrevote(e.Number, e.Reporter)
		c.broadcastFinality(n, wire.AfgReceivedPrevote, e.Voter, e.Number, e.Hash)
	case EvAfgPrecommit:
		c.consensus.RecordPrecommit(e.Number, e.Reporter)
		c.broadcastFinality(n, wire.AfgReceivedPrecommit, e.Voter, e.Number, e.Hash)
	case EvAuthoritySetChanged:
		msg := wire.Message{
			Op:      wire.AfgAuthoritySet,
			Payload: []any{e.SetID, e.Authorities, e.Address, e.Number, e.Hash},
		}
		c.authoritySet = &msg
		c.Feeds.Broadcast(msg)
	case EvStale:
		c.Feeds.Broadcast(wire.Message{Op: wire.StaleNode, Payload: n.ID})
	}
}

// broadcastFinality forwards a consensus message only to feeds that have
// opted into finality via the send-finality command. voter is the
// address an afg event names as prevoting/precommitting/finalizing;
// n is the node that reported it, whose own authority address is the
// distinct reporter slot on prevote/precommit payloads (§6: [reporter,
// number, hash, voter]).
func (c *Chain) broadcastFinality(n *NodeState, op wire.Opcode, voter string, number uint64, hash string) {
	var payload []any
	switch op {
	case wire.AfgFinalized:
		payload = []any{voter, number, hash}
	case wire.AfgReceivedPrevote, wire.AfgReceivedPrecommit:
		payload = []any{n.AuthorityAddress, number, hash, voter}
	}
	c.FinalityFeeds.Broadcast(wire.Message{Op: op, Payload: payload})
}

// updateBlock folds a node's reported best block into the chain's
// aggregates, advancing chain height and recomputing block-time stats
// when the node reports a new chain-wide best.
func (c *Chain) updateBlock(n *NodeState) {
	h := n.Best.Number
	t := n.BlockTimestamp

	switch {
	case h > c.Height:
		prevT := c.BlockTimestamp
		c.Height = h
		c.BlockTimestamp = t
		if prevT != 0 {
			c.blockTimes.Push(float64(t - prevT))
		}
		avg := c.averageBlockTime()

		for _, other := range c.Nodes {
			other.PropagationTime = nil
		}
		zero := int64(0)
		n.PropagationTime = &zero

		c.Feeds.Broadcast(wire.Message{Op: wire.BestBlock, Payload: []any{h, t, avg}})

	case h == c.Height:
		pt := n.BlockTimestamp - c.BlockTimestamp
		n.PropagationTime = &pt
	}

	n.Stale = false
	if n.Best != block.Zero {
		c.Feeds.Broadcast(wire.Message{Op: wire.ImportedBlock, Payload: []any{n.ID, c.blockDetails(n).Array()}})
	}
}

func (c *Chain) averageBlockTime() *float64 {
	if c.blockTimes.Len() < 2 {
		return nil
	}
	avg := c.blockTimes.Average()
	return &avg
}

// updateFinalized folds a node's reported finalized block into the
// chain's aggregates, advancing the chain-wide finalized block when the
// node reports a new maximum.
func (c *Chain) updateFinalized(n *NodeState) {
	if n.Finalized.Number > c.BestFinalized.Number {
		c.BestFinalized = n.Finalized
		c.consensus.EvictBelow(c.BestFinalized.Number)
		c.Feeds.Broadcast(wire.Message{Op: wire.BestFinalized, Payload: []any{c.BestFinalized.Number, c.BestFinalized.Hash}})
	}
	c.Feeds.Broadcast(wire.Message{Op: wire.FinalizedBlock, Payload: []any{n.ID, n.Finalized.Number, n.Finalized.Hash}})
}

// downgrade scans remaining non-stale nodes for the new max
// best/finalized block after a node whose best equaled the chain height
// is removed (it is called only from RemoveNode; a node going stale does
// not trigger it). With no non-stale node left, nothing changes.
func (c *Chain) downgrade() {
	var maxBest, maxFinalized uint64
	var maxBestHash, maxFinalizedHash string
	found := false

	for _, n := range c.Nodes {
		if n.Stale {
			continue
		}
		if !found || n.Best.Number > maxBest {
			maxBest, maxBestHash = n.Best.Number, n.Best.Hash
			found = true
		}
		if n.Finalized.Number > maxFinalized {
			maxFinalized, maxFinalizedHash = n.Finalized.Number, n.Finalized.Hash
		}
	}

	if !found {
		return
	}

	if maxBest != c.Height {
		c.Height = maxBest
		avg := c.averageBlockTime()
		c.Feeds.Broadcast(wire.Message{Op: wire.BestBlock, Payload: []any{c.Height, c.BlockTimestamp, avg}})
	}
	if maxFinalized > c.BestFinalized.Number {
		c.BestFinalized = block.Block{Number: maxFinalized, Hash: maxFinalizedHash}
		c.Feeds.Broadcast(wire.Message{Op: wire.BestFinalized, Payload: []any{c.BestFinalized.Number, c.BestFinalized.Hash}})
	}
}

// FlushDueBlocks emits any deferred (throttled) best-block update that
// has become due. It is driven by its own, finer-grained timer
// (BlockUpdateThrottle, typically 1s) separate from the 10s liveness
// tick, so a coalesced block update is never held back past its own
// throttle window (§4.2: "flushed 1s after the first deferred update").
func (c *Chain) FlushDueBlocks(now time.Time) {
	for _, n := range c.Nodes {
		if ev, ok := n.DeferredBlockReady(now); ok {
			c.applyEvent(n, ev)
		}
	}
}

// CheckTimeouts runs the 10s timer-tick liveness/staleness sweep over
// every node in the roster, plus any deferred (throttled) block update
// that has become due (belt-and-suspenders: the dedicated
// FlushDueBlocks timer normally already caught it). It returns the ids
// of nodes that timed out and must be removed by the caller (who also
// owns node-id registry bookkeeping that lives outside this package).
func (c *Chain) CheckTimeouts(now time.Time, ingestTimeout, noBlockTimeout time.Duration) []uint64 {
	var timedOut []uint64
	for id, n := range c.Nodes {
		if ev, ok := n.DeferredBlockReady(now); ok {
			c.applyEvent(n, ev)
		}
		if n.TimedOut(now, ingestTimeout) {
			timedOut = append(timedOut, id)
			continue
		}
		if ev, ok := n.CheckStale(now, noBlockTimeout); ok {
			c.applyEvent(n, ev)
		}
	}
	c.Feeds.Broadcast(
		wire.Message{Op: wire.TimeSync, Payload: now.UnixMilli()},
		wire.Message{Op: wire.ChainStatsUpdate, Payload: wire.ChainStatsPayload{
			NodeCount:       len(c.Nodes),
			BestHeight:      c.Height,
			FinalizedHeight: c.BestFinalized.Number,
			AvgBlockTime:    c.averageBlockTime(),
		}.Array()},
	)
	return timedOut
}

// SetNodeLocation applies an asynchronously resolved geolocation result
// to a node and broadcasts LocatedNode. Returns false (applying nothing)
// if the node has already left the roster by the time the lookup
// completed — the caller drops that result silently, per §9.
func (c *Chain) SetNodeLocation(id uint64, loc locator.Location) bool {
	n, ok := c.Nodes[id]
	if !ok {
		return false
	}
	n.Location = &loc
	c.Feeds.Broadcast(wire.Message{Op: wire.LocatedNode, Payload: []any{id, loc.Lat, loc.Lon, loc.City}})
	return true
}

// NetworkState returns the last reported system_network_state payload for
// a node, if any.
func (c *Chain) NetworkState(nodeID uint64) ([]byte, bool) {
	n, ok := c.Nodes[nodeID]
	if !ok || n.NetworkState == nil {
		return nil, false
	}
	return n.NetworkState, true
}

// Subscribe builds the deterministic catch-up prefix for a newly
// attached feed and returns it for the caller to write directly to the
// feed before adding it to c.Feeds (guaranteeing catch-up precedes any
// live broadcast).
func (c *Chain) Subscribe(f *feed.Feed) []wire.Message {
	msgs := []wire.Message{
		{Op: wire.TimeSync, Payload: time.Now().UnixMilli()},
		{Op: wire.BestBlock, Payload: []any{c.Height, c.BlockTimestamp, c.averageBlockTime()}},
		{Op: wire.BestFinalized, Payload: []any{c.BestFinalized.Number, c.BestFinalized.Hash}},
	}
	if c.authoritySet != nil {
		msgs = append(msgs, *c.authoritySet)
	}
	for _, n := range c.Nodes {
		msgs = append(msgs, wire.Message{Op: wire.AddedNode, Payload: c.addedNodePayload(n).Array()})
		msgs = append(msgs, wire.Message{Op: wire.FinalizedBlock, Payload: []any{n.ID, n.Finalized.Number, n.Finalized.Hash}})
		if n.Stale {
			msgs = append(msgs, wire.Message{Op: wire.StaleNode, Payload: n.ID})
		}
	}
	return msgs
}

func (c *Chain) blockDetails(n *NodeState) wire.BlockDetails {
	return wire.BlockDetails{
		Height:          n.Best.Number,
		Hash:            n.Best.Hash,
		BlockTime:       uint64(n.blockStats.Average()),
		BlockTimestamp:  n.BlockTimestamp,
		PropagationTime: n.PropagationTime,
	}
}

func (c *Chain) addedNodePayload(n *NodeState) wire.AddedNodePayload {
	var loc *wire.Location
	if n.Location != nil {
		loc = &wire.Location{Lat: n.Location.Lat, Lon: n.Location.Lon, City: n.Location.City}
	}
	var validator *string
	if n.IsAuthority {
		validator = nonEmptyPtr(n.AuthorityAddress)
	}
	return wire.AddedNodePayload{
		ID: n.ID,
		Details: wire.NodeDetails{
			Name:           n.Name,
			Implementation: n.Implementation,
			Version:        n.Version,
			Validator:      validator,
			NetworkID:      nonEmptyPtr(n.NetworkID),
		},
		Stats: wire.NodeStatsPayload{Peers: n.Peers, TxCount: n.TxCount},
		IO:    wire.NodeIOPayload{StateCacheBytes: n.StateCacheBytes.Values()},
		HW: wire.NodeHardwarePayload{
			Upload:      n.BandwidthUpload.Values(),
			Download:    n.BandwidthDown.Values(),
			Chartstamps: n.Chartstamps.Values(),
		},
		Block: c.blockDetails(n),
		Loc:   loc,
	}
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
