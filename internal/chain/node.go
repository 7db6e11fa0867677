package chain

import (
	"time"

	"github.com/chainscope/telemetry-aggregator/internal/block"
	"github.com/chainscope/telemetry-aggregator/internal/ingest"
	"github.com/chainscope/telemetry-aggregator/internal/locator"
)

// blockTimeHistory is the number of samples the rolling block-time
// statistic keeps.
const blockTimeHistory = 10

// NodeState is the live, per-connection state owned exclusively by the
// Chain goroutine holding this node's roster entry: single owner, no
// lock. The ingest socket only decodes frames and posts them; every
// field here is read and written from the Chain's event loop alone.
type NodeState struct {
	ID uint64

	Name           string
	Implementation string
	Version        string
	NetworkID      string
	PublicAddress  string
	IsAuthority    bool
	ChainLabel     string

	Best           block.Block
	BlockTimestamp int64 // ms, node-local wall clock when Best was set
	blockStats     *block.NumStats

	Finalized block.Block

	PropagationTime    *int64
	pendingBlock       *block.Block
	pendingBlockTime   uint64
	pendingTimestamp   int64
	pendingDeferUntil  time.Time
	hasPendingBlock    bool
	lastEmittedBlockAt time.Time

	CPU             *block.MeanList
	Memory          *block.MeanList
	BandwidthUpload *block.MeanList
	BandwidthDown   *block.MeanList
	StateCacheBytes *block.MeanList
	Chartstamps     *block.MeanList

	Peers   int64
	TxCount int64

	Location *locator.Location

	Stale bool

	LastMessage time.Time

	AuthorityAddress   string
	lastAuthoritySetID uint64
	lastAuthorities    []string
	haveAuthoritySet   bool

	NetworkState []byte
}

// NewNodeState constructs a node from a validated system.connected frame.
func NewNodeState(id uint64, c ingest.Connected, now time.Time) *NodeState {
	networkID := ""
	if c.NetworkID != nil {
		networkID = *c.NetworkID
	}
	return &NodeState{
		ID:              id,
		Name:            c.Name,
		Implementation:  c.Implementation,
		Version:         c.Version,
		NetworkID:       networkID,
		IsAuthority:     c.Authority,
		ChainLabel:      c.Chain,
		blockStats:      block.NewNumStats(blockTimeHistory),
		CPU:             block.NewMeanList(),
		Memory:          block.NewMeanList(),
		BandwidthUpload: block.NewMeanList(),
		BandwidthDown:   block.NewMeanList(),
		StateCacheBytes: block.NewMeanList(),
		Chartstamps:     block.NewMeanList(),
		LastMessage:     now,
	}
}

// HandleFrame applies one decoded ingest frame to the node's state
// machine and returns the domain events it produced. blockThrottle is
// the minimum spacing between two EvBlock emissions (the coalescing
// window); a deferred update is picked up later through
// DeferredBlockReady (see Chain.FlushDueBlocks).
func (n *NodeState) HandleFrame(now time.Time, f ingest.Frame, blockThrottle time.Duration) []Event {
	n.LastMessage = now

	var events []Event

	switch f.Kind {
	case ingest.KindInterval:
		iv := f.Interval
		if iv.Peers != nil || iv.TxCount != nil {
			if iv.Peers != nil {
				n.Peers = *iv.Peers
			}
			if iv.TxCount != nil {
				n.TxCount = *iv.TxCount
			}
			events = append(events, EvStats{Peers: n.Peers, TxCount: n.TxCount})
		}

		if hw := n.pushHardware(now, iv); hw != nil {
			events = append(events, *hw)
		}

		if iv.FinalizedHeight != nil && iv.FinalizedHash != nil {
			if fin := n.updateFinalized(block.Block{Number: *iv.FinalizedHeight, Hash: *iv.FinalizedHash}); fin != nil {
				events = append(events, *fin)
			}
		}

		if iv.HasBestBlock() {
			events = append(events, n.updateBestBlock(block.Block{Number: *iv.Height, Hash: *iv.Best}, f.Ts, now, blockThrottle)...)
		}

		if iv.NetworkState != nil {
			n.NetworkState = append([]byte(nil), iv.NetworkState...)
			events = append(events, EvNetworkState{State: n.NetworkState})
		}

	case ingest.KindBlockImport, ingest.KindNodeStart:
		bi := f.BlockImport
		events = append(events, n.updateBestBlock(block.Block{Number: bi.Height, Hash: bi.Best}, f.Ts, now, blockThrottle)...)

	case ingest.KindNetworkState:
		n.NetworkState = append([]byte(nil), f.NetworkState.State...)
		events = append(events, EvNetworkState{State: n.NetworkState})

	case ingest.KindAfgFinalized:
		af := f.AfgFinalized
		events = append(events, EvAfgFinalized{Voter: n.AuthorityAddress, Number: af.FinalizedNumber, Hash: af.FinalizedHash})

	case ingest.KindAfgPrevote:
		v := f.AfgPrevote
		events = append(events, EvAfgPrevote{Reporter: n.AuthorityAddress, Voter: v.Voter, Number: v.TargetNumber, Hash: v.TargetHash})

	case ingest.KindAfgPrecommit:
		v := f.AfgPrecommit
		events = append(events, EvAfgPrecommit{Reporter: n.AuthorityAddress, Voter: v.Voter, Number: v.TargetNumber, Hash: v.TargetHash})

	case ingest.KindAfgAuthoritySet:
		a := f.AfgAuthoritySet
		authorities, err := a.ParsedAuthorities()
		if err == nil {
			n.AuthorityAddress = a.AuthorityID
			if !n.haveAuthoritySet || a.AuthoritySetID != n.lastAuthoritySetID || !stringsEqual(authorities, n.lastAuthorities) {
				n.haveAuthoritySet = true
				n.lastAuthoritySetID = a.AuthoritySetID
				n.lastAuthorities = authorities
				events = append(events, EvAuthoritySetChanged{
					SetID:       a.AuthoritySetID,
					Authorities: authorities,
					Address:     a.AuthorityID,
					Number:      a.Number,
					Hash:        a.Hash,
				})
			}
		}
	}

	// Frames do not clear staleness here: Chain.updateBlock clears it
	// when a best-block update is folded in, and the staleness check
	// itself is driven by the timer tick against BlockTimestamp, not
	// against LastMessage — see CheckStale.
	return events
}

// updateBestBlock applies a reported best-block update, including the
// emission throttle: a block update arriving under `blockThrottle` after
// the previous EvBlock emission is buffered and handed out later by
// DeferredBlockReady once the window elapses.
func (n *NodeState) updateBestBlock(newBlock block.Block, ts time.Time, now time.Time, blockThrottle time.Duration) []Event {
	if newBlock.Hash == n.Best.Hash || newBlock.Number < n.Best.Number {
		return nil
	}

	var blockTime uint64
	if n.BlockTimestamp != 0 {
		blockTime = msDelta(n.BlockTimestamp, ts.UnixMilli())
	}
	n.blockStats.Push(float64(blockTime))
	n.Best = newBlock
	n.BlockTimestamp = now.UnixMilli()

	if n.lastEmittedBlockAt.IsZero() || now.Sub(n.lastEmittedBlockAt) >= blockThrottle {
		n.lastEmittedBlockAt = now
		n.hasPendingBlock = false
		return []Event{EvBlock{Block: newBlock, BlockTime: blockTime, Timestamp: n.BlockTimestamp}}
	}

	// Throttled: remember the latest update: it flushes 1s after the
	// *first* deferred update in this window, coalescing any further
	// updates that land before that flush.
	if !n.hasPendingBlock {
		n.pendingDeferUntil = now.Add(blockThrottle)
	}
	n.hasPendingBlock = true
	pending := newBlock
	n.pendingBlock = &pending
	n.pendingBlockTime = blockTime
	n.pendingTimestamp = n.BlockTimestamp
	return nil
}

// DeferredBlockReady reports whether a throttled block update is waiting
// to be flushed at or before now, returning the event to emit.
func (n *NodeState) DeferredBlockReady(now time.Time) (EvBlock, bool) {
	if !n.hasPendingBlock || now.Before(n.pendingDeferUntil) {
		return EvBlock{}, false
	}
	ev := EvBlock{Block: *n.pendingBlock, BlockTime: n.pendingBlockTime, Timestamp: n.pendingTimestamp}
	n.hasPendingBlock = false
	n.lastEmittedBlockAt = now
	return ev, true
}

func (n *NodeState) updateFinalized(newFinalized block.Block) *Event {
	if newFinalized.Number <= n.Finalized.Number {
		return nil
	}
	n.Finalized = newFinalized
	ev := Event(EvFinalized{Block: newFinalized})
	return &ev
}

func (n *NodeState) pushHardware(now time.Time, iv *ingest.Interval) *Event {
	decimated := false
	if iv.CPU != nil {
		before := n.CPU.Count()
		n.CPU.Push(*iv.CPU)
		decimated = decimated || before != n.CPU.Count()
	}
	if iv.Memory != nil {
		n.Memory.Push(*iv.Memory)
		decimated = true
	}
	if iv.BandwidthUpload != nil {
		n.BandwidthUpload.Push(*iv.BandwidthUpload)
		decimated = true
	}
	if iv.BandwidthDownload != nil {
		n.BandwidthDown.Push(*iv.BandwidthDownload)
		decimated = true
	}
	if iv.StateCacheBytes != nil {
		n.StateCacheBytes.Push(*iv.StateCacheBytes)
		decimated = true
	}
	if !decimated {
		return nil
	}
	n.Chartstamps.Push(float64(now.UnixMilli()))
	ev := Event(EvHardware{
		Upload:          n.BandwidthUpload.Values(),
		Download:        n.BandwidthDown.Values(),
		StateCacheBytes: n.StateCacheBytes.Values(),
		Chartstamps:     n.Chartstamps.Values(),
	})
	return &ev
}

// CheckStale implements the stale-detection window: independent of
// the liveness timeout, a node that hasn't advanced its best block within
// noBlockTimeout is flagged stale exactly once.
func (n *NodeState) CheckStale(now time.Time, noBlockTimeout time.Duration) (Event, bool) {
	if n.Stale {
		return nil, false
	}
	if n.BlockTimestamp == 0 {
		return nil, false
	}
	if now.UnixMilli()-n.BlockTimestamp < noBlockTimeout.Milliseconds() {
		return nil, false
	}
	n.Stale = true
	return EvStale{}, true
}

// TimedOut reports whether the node has exceeded the ingest liveness
// timeout (no frames of any kind).
func (n *NodeState) TimedOut(now time.Time, ingestTimeout time.Duration) bool {
	return now.Sub(n.LastMessage) >= ingestTimeout
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func msDelta(prevMs, curMs int64) uint64 {
	d := curMs - prevMs
	if d < 0 {
		return 0
	}
	return uint64(d)
}
