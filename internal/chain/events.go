package chain

import "github.com/chainscope/telemetry-aggregator/internal/block"

// Event is a domain event produced by a Node's state machine when
// handling one ingest frame. A single frame may produce zero, one, or
// several events (e.g. an interval frame that both advances peers/tx
// counts and decimates a new hardware sample).
type Event interface {
	isEvent()
}

// EvBlock fires when updateBestBlock accepts a new best block for the
// reporting node, subject to the emission throttle.
type EvBlock struct {
	Block     block.Block
	BlockTime uint64 // ms since previous reported block, 0 if first
	Timestamp int64  // node-local wall clock ms when this was computed
}

// EvStats fires on any interval frame carrying peers/txcount.
type EvStats struct {
	Peers   int64
	TxCount int64
}

// EvHardware fires when at least one hardware MeanList produced a new
// decimated sample.
type EvHardware struct {
	Upload, Download, StateCacheBytes []float64
	Chartstamps                      []float64
}

// EvFinalized fires when the node's own finalized block increases.
type EvFinalized struct {
	Block block.Block
}

// EvAfgFinalized, EvAfgPrevote, EvAfgPrecommit mirror the three afg.*
// vote/finality reports, voter address already normalized. Prevote and
// precommit reports name a voter distinct from the reporting node, so
// they also carry Reporter (the reporting node's own authority address,
// the matrix row key); a finalized report's reporter and voter are the
// same node, so EvAfgFinalized only needs the one address.
type EvAfgFinalized struct {
	Voter  string
	Number uint64
	Hash   string
}

type EvAfgPrevote struct {
	Reporter string
	Voter    string
	Number   uint64
	Hash     string
}

type EvAfgPrecommit struct {
	Reporter string
	Voter    string
	Number   uint64
	Hash     string
}

// EvAuthoritySetChanged fires when a LIVE authority node reports a new
// (authority_set_id, authorities) pair.
type EvAuthoritySetChanged struct {
	SetID       uint64
	Authorities []string
	Address     string
	Number      uint64
	Hash        string
}

// EvStale fires once when a node crosses the no-block-timeout window.
type EvStale struct{}

// EvNetworkState carries the opaque network_state blob through to the
// HTTP sidecar's per-node cache.
type EvNetworkState struct {
	State []byte
}

func (EvBlock) isEvent()               {}
func (EvStats) isEvent()               {}
func (EvHardware) isEvent()            {}
func (EvFinalized) isEvent()           {}
func (EvAfgFinalized) isEvent()        {}
func (EvAfgPrevote) isEvent()          {}
func (EvAfgPrecommit) isEvent()        {}
func (EvAuthoritySetChanged) isEvent() {}
func (EvStale) isEvent()               {}
func (EvNetworkState) isEvent()        {}
