// Package aggregator owns the top-level chain registry and routes both
// ingest hand-offs and feed commands to the right per-chain state. Every
// operation that touches a Chain's own fields (its node roster,
// best/finalized block, consensus matrix) is funneled through that
// chain's single serializing goroutine, so chain.go itself never needs a
// lock: one owner per chain. Operations that only touch a feed.FeedSet
// (which is independently safe for concurrent use) skip the round trip.
package aggregator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainscope/telemetry-aggregator/internal/chain"
	"github.com/chainscope/telemetry-aggregator/internal/feed"
	"github.com/chainscope/telemetry-aggregator/internal/ingest"
	"github.com/chainscope/telemetry-aggregator/internal/locator"
	"github.com/chainscope/telemetry-aggregator/internal/nodeid"
	"github.com/chainscope/telemetry-aggregator/internal/obsv"
	"github.com/chainscope/telemetry-aggregator/internal/wire"
)

// chainActor serializes every call into one Chain behind a single
// goroutine and an inbox channel, the same "one owner, no lock" pattern
// the per-node state machine relies on. A late post after the chain has
// been torn down (e.g. a geolocation lookup completing after every node
// on it disconnected) is dropped silently rather than sent to a closed
// channel, per §9 "the Node may have closed by the time the result
// arrives — drop gracefully".
type chainActor struct {
	c     *chain.Chain
	inbox chan func()
	stop  chan struct{}
}

func newChainActor(c *chain.Chain) *chainActor {
	a := &chainActor{c: c, inbox: make(chan func(), 256), stop: make(chan struct{})}
	go a.run()
	return a
}

func (a *chainActor) run() {
	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-a.stop:
			return
		}
	}
}

// do enqueues fn without waiting for it to run; a no-op if the actor has
// already been closed.
func (a *chainActor) do(fn func()) {
	select {
	case a.inbox <- fn:
	case <-a.stop:
	}
}

// doWait enqueues fn and blocks until it has completed, or returns
// immediately without running fn if the actor has already been closed.
func (a *chainActor) doWait(fn func()) {
	done := make(chan struct{})
	select {
	case a.inbox <- func() { fn(); close(done) }:
	case <-a.stop:
		return
	}
	select {
	case <-done:
	case <-a.stop:
	}
}

func (a *chainActor) close() {
	close(a.stop)
}

// Aggregator is the process-wide registry of chains plus the global
// ("not yet subscribed to a specific chain") feed set that receives
// AddedChain / RemovedChain announcements.
type Aggregator struct {
	mu     sync.Mutex
	chains map[string]*chainActor

	globalFeeds *feed.FeedSet

	nodeIDs  *nodeid.Registry
	locators *locator.CachingLocator

	// totalNodes mirrors obsv.NodesActive: the sum of every chain's
	// roster size, maintained incrementally so reading it never has to
	// round-trip through every chain actor.
	totalNodes atomic.Int64

	blockThrottle  time.Duration
	ingestTimeout  time.Duration
	noBlockTimeout time.Duration

	logger zerolog.Logger
}

// New constructs an empty Aggregator.
func New(
	nodeIDs *nodeid.Registry,
	locators *locator.CachingLocator,
	blockThrottle, ingestTimeout, noBlockTimeout time.Duration,
	logger zerolog.Logger,
) *Aggregator {
	return &Aggregator{
		chains:         make(map[string]*chainActor),
		globalFeeds:    feed.NewFeedSet(logger),
		nodeIDs:        nodeIDs,
		locators:       locators,
		blockThrottle:  blockThrottle,
		ingestTimeout:  ingestTimeout,
		noBlockTimeout: noBlockTimeout,
		logger:         logger,
	}
}

// ChainHandle is the reference an ingest connection holds for the
// lifetime of its session: the chain it joined plus the node state the
// connection owns within it.
type ChainHandle struct {
	Label string
	Node  *chain.NodeState

	a     *Aggregator
	actor *chainActor
}

// actorFor returns the actor for genesisHash, creating the underlying
// Chain (and broadcasting AddedChain) if this is the first node to
// report it.
func (a *Aggregator) actorFor(genesisHash string) *chainActor {
	a.mu.Lock()
	defer a.mu.Unlock()

	act, ok := a.chains[genesisHash]
	if ok {
		return act
	}
	c := chain.New(genesisHash, a.logger)
	act = newChainActor(c)
	a.chains[genesisHash] = act
	obsv.ChainsActive.Set(float64(len(a.chains)))
	a.globalFeeds.Broadcast(wire.Message{Op: wire.AddedChain, Payload: []any{genesisHash, genesisHash, 0}})
	return act
}

func (a *Aggregator) actorByLabel(label string) (*chainActor, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	act, ok := a.chains[label]
	return act, ok
}

// dropChainIfEmpty removes a chain with no remaining nodes, broadcasting
// RemovedChain.
func (a *Aggregator) dropChainIfEmpty(genesisHash string) {
	a.mu.Lock()
	act, ok := a.chains[genesisHash]
	if !ok {
		a.mu.Unlock()
		return
	}
	var empty bool
	act.doWait(func() { empty = act.c.NodeCount() == 0 })
	if !empty {
		a.mu.Unlock()
		return
	}
	delete(a.chains, genesisHash)
	obsv.ChainsActive.Set(float64(len(a.chains)))
	a.mu.Unlock()

	act.close()
	a.globalFeeds.Broadcast(wire.Message{Op: wire.RemovedChain, Payload: genesisHash})
}

// RegisterNode hands a freshly validated system.connected frame off to
// its chain: assigns a stable node id (keyed on name+chain+network id so
// reconnects within the TTL window keep their identity), resolves a
// best-effort geo location, creates the chain on first
// contact, and broadcasts AddedNode. The returned handle is the caller's
// (the ingest connection's) reference for every subsequent frame.
func (a *Aggregator) RegisterNode(ip string, c ingest.Connected, now time.Time) *ChainHandle {
	key := c.Name + "|" + c.Chain
	if c.NetworkID != nil {
		key = key + "|" + *c.NetworkID
	}
	id := a.nodeIDs.Assign(key)

	act := a.actorFor(c.Chain)
	ns := chain.NewNodeState(id, c, now)

	var count int
	act.doWait(func() {
		act.c.AddNode(ns)
		count = act.c.NodeCount()
	})
	obsv.NodesActive.Set(float64(a.totalNodes.Add(1)))
	a.globalFeeds.Broadcast(wire.Message{Op: wire.AddedChain, Payload: []any{c.Chain, c.Chain, count}})

	if a.locators != nil {
		go a.resolveLocation(act, id, ip)
	}

	return &ChainHandle{Label: c.Chain, Node: ns, a: a, actor: act}
}

// resolveLocation runs a geolocation lookup off the chain's serializing
// goroutine (it may suspend arbitrarily long, per §5) and, once it
// completes, posts the result back onto that goroutine. If the node (or
// its whole chain) has already been torn down by the time the lookup
// finishes, the result is dropped silently rather than applied to stale
// or nonexistent state.
func (a *Aggregator) resolveLocation(act *chainActor, nodeID uint64, ip string) {
	loc, ok := a.locators.Locate(context.Background(), ip)
	if !ok {
		return
	}
	act.do(func() {
		if act.c.SetNodeLocation(nodeID, loc) {
			act.c.Feeds.Flush()
		}
	})
}

// HandleFrame applies a decoded ingest frame to the node this handle
// owns and flushes the resulting broadcasts. Ingest volume is high
// enough that batching only at the 10s tick would add unacceptable
// latency to block propagation.
func (h *ChainHandle) HandleFrame(now time.Time, f ingest.Frame) {
	h.actor.do(func() {
		events := h.Node.HandleFrame(now, f, h.a.blockThrottle)
		h.actor.c.HandleFrameResult(h.Node, events)
		h.actor.c.Feeds.Flush()
		h.actor.c.FinalityFeeds.Flush()
	})
}

// Close unregisters the node this handle owns (ingest socket teardown)
// and tears down the chain if it was the last node on it.
func (h *ChainHandle) Close() {
	var count int
	h.actor.doWait(func() {
		h.actor.c.RemoveNode(h.Node.ID)
		count = h.actor.c.NodeCount()
	})
	obsv.NodesActive.Set(float64(h.a.totalNodes.Add(-1)))
	h.a.globalFeeds.Broadcast(wire.Message{Op: wire.AddedChain, Payload: []any{h.Label, h.Label, count}})
	h.a.dropChainIfEmpty(h.Label)
}

// TimedOutNode identifies a node that exceeded the ingest liveness
// timeout during a Tick sweep. Tick only reports it and does not remove
// it; a node leaves its chain through ChainHandle.Close, which the ingest
// connection calls when its socket closes.
type TimedOutNode struct {
	ChainLabel string
	NodeID     uint64
}

// Tick runs the periodic timer sweep: per-chain timeout and
// deferred-block processing, a flush of every feed set touched, and a
// flush of the global feed set.
func (a *Aggregator) Tick(now time.Time) []TimedOutNode {
	a.mu.Lock()
	actors := make(map[string]*chainActor, len(a.chains))
	for k, v := range a.chains {
		actors[k] = v
	}
	a.mu.Unlock()

	var timedOut []TimedOutNode
	for label, act := range actors {
		var ids []uint64
		act.doWait(func() {
			ids = act.c.CheckTimeouts(now, a.ingestTimeout, a.noBlockTimeout)
			act.c.Feeds.Flush()
			act.c.FinalityFeeds.Flush()
		})
		for _, id := range ids {
			timedOut = append(timedOut, TimedOutNode{ChainLabel: label, NodeID: id})
		}
	}
	a.globalFeeds.Flush()

	// Feed liveness: one unanswered ping per tick disconnects a
	// feed. globalFeeds holds every connected feed exactly once (a feed
	// also lives in its chain's FeedSet once subscribed), so sweeping it
	// alone pings each socket a single time per tick.
	for _, f := range a.globalFeeds.PingSweep() {
		if act, ok := a.actorByLabel(f.ChainLabel()); ok {
			act.c.RemoveFeed(f)
		}
		f.Close()
	}

	return timedOut
}

// FlushDeferredBlocks runs the finer-grained (BlockUpdateThrottle-interval)
// timer sweep that flushes any best-block update still sitting in a
// node's throttle window, independent of the 10s Tick sweep: without
// this, a coalesced block update can be held back as long as the tick
// interval instead of its own 1s throttle window.
func (a *Aggregator) FlushDeferredBlocks(now time.Time) {
	a.mu.Lock()
	actors := make([]*chainActor, 0, len(a.chains))
	for _, v := range a.chains {
		actors = append(actors, v)
	}
	a.mu.Unlock()

	for _, act := range actors {
		act.do(func() {
			act.c.FlushDueBlocks(now)
			act.c.Feeds.Flush()
		})
	}
}

// Subscribe performs a feed's chain switch: detaches it from any
// previous chain, writes the new chain's catch-up batch directly to it
// (built on the target chain's own goroutine, since it reads chain-owned
// state), then attaches it — guaranteeing catch-up precedes any live
// broadcast for this feed.
func (a *Aggregator) Subscribe(f *feed.Feed, label string) error {
	a.Unsubscribe(f)

	act, ok := a.actorByLabel(label)
	if !ok {
		return nil
	}

	var catchup []wire.Message
	act.doWait(func() { catchup = act.c.Subscribe(f) })

	if err := f.Write(catchup); err != nil {
		return err
	}
	f.SetChainLabel(label)
	act.c.AddFeed(f)
	return f.Write([]wire.Message{{Op: wire.SubscribedTo, Payload: label}})
}

// Unsubscribe detaches f from whatever chain it currently follows.
func (a *Aggregator) Unsubscribe(f *feed.Feed) {
	prev := f.ChainLabel()
	if prev == "" {
		return
	}
	if act, ok := a.actorByLabel(prev); ok {
		act.c.RemoveFeed(f)
	}
	f.SetChainLabel("")
	_ = f.Write([]wire.Message{{Op: wire.UnsubscribedFrom, Payload: prev}})
}

// SetFinality applies a send-finality / no-more-finality command to
// whichever chain f currently follows.
func (a *Aggregator) SetFinality(f *feed.Feed, on bool) {
	if act, ok := a.actorByLabel(f.ChainLabel()); ok {
		act.c.SetFeedFinality(f, on)
	} else {
		f.SetSendFinality(on)
	}
}

// DropFeed removes f from its chain (if any) on feed socket close.
func (a *Aggregator) DropFeed(f *feed.Feed) {
	if act, ok := a.actorByLabel(f.ChainLabel()); ok {
		act.c.RemoveFeed(f)
	}
	a.globalFeeds.Remove(f)
}

// AddGlobalFeed attaches f to the aggregator-wide feed set (AddedChain /
// RemovedChain), independent of any per-chain subscription.
func (a *Aggregator) AddGlobalFeed(f *feed.Feed) {
	a.globalFeeds.Add(f)
}

// NetworkState looks up a node's last-reported network state JSON blob
// for the HTTP introspection endpoint.
func (a *Aggregator) NetworkState(chainLabel string, nodeID uint64) ([]byte, bool) {
	act, ok := a.actorByLabel(chainLabel)
	if !ok {
		return nil, false
	}
	var state []byte
	var found bool
	act.doWait(func() { state, found = act.c.NetworkState(nodeID) })
	return state, found
}
