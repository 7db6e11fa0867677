package wire

// Message is one (opcode, payload) pair in an outbound batch. Payload
// must be JSON-marshalable; by convention every payload here is a plain
// slice/array or a scalar (never a JSON object) to match the telemetry
// wire format.
type Message struct {
	Op      Opcode
	Payload any
}

// NodeDetails is the [name, implementation, version, validator?,
// networkId?] tuple embedded in AddedNode.
type NodeDetails struct {
	Name           string
	Implementation string
	Version        string
	Validator      *string
	NetworkID      *string
}

func (n NodeDetails) Array() []any {
	return []any{n.Name, n.Implementation, n.Version, n.Validator, n.NetworkID}
}

// NodeStatsPayload is the [peers, txcount] tuple.
type NodeStatsPayload struct {
	Peers   int64
	TxCount int64
}

func (s NodeStatsPayload) Array() []any {
	return []any{s.Peers, s.TxCount}
}

// NodeIOPayload is the [stateCacheSizeSeries] tuple.
type NodeIOPayload struct {
	StateCacheBytes []float64
}

func (s NodeIOPayload) Array() []any {
	return []any{s.StateCacheBytes}
}

// NodeHardwarePayload is the [upload[], download[], chartstamps[]] tuple.
type NodeHardwarePayload struct {
	Upload      []float64
	Download    []float64
	Chartstamps []float64
}

func (h NodeHardwarePayload) Array() []any {
	return []any{h.Upload, h.Download, h.Chartstamps}
}

// BlockDetails is the [height, hash, blockTime, blockTimestamp,
// propagationTime?] tuple.
type BlockDetails struct {
	Height          uint64
	Hash            string
	BlockTime       uint64
	BlockTimestamp  int64
	PropagationTime *int64
}

func (b BlockDetails) Array() []any {
	return []any{b.Height, b.Hash, b.BlockTime, b.BlockTimestamp, b.PropagationTime}
}

// Location is the [lat, lon, city] tuple, nil when unresolved.
type Location struct {
	Lat  float64
	Lon  float64
	City string
}

func (l *Location) Array() []any {
	if l == nil {
		return nil
	}
	return []any{l.Lat, l.Lon, l.City}
}

// ChainStatsPayload is the [nodeCount, bestHeight, finalizedHeight,
// avgBlockTime?] tuple broadcast once per timer tick (opcode
// ChainStatsUpdate) so a feed's chain-overview panel can render roster
// size and finality lag without re-deriving them from the node stream.
type ChainStatsPayload struct {
	NodeCount       int
	BestHeight      uint64
	FinalizedHeight uint64
	AvgBlockTime    *float64
}

func (s ChainStatsPayload) Array() []any {
	return []any{s.NodeCount, s.BestHeight, s.FinalizedHeight, s.AvgBlockTime}
}

// AddedNodePayload is the full per-node snapshot sent on join and on
// feed catch-up.
type AddedNodePayload struct {
	ID      uint64
	Details NodeDetails
	Stats   NodeStatsPayload
	IO      NodeIOPayload
	HW      NodeHardwarePayload
	Block   BlockDetails
	Loc     *Location
	Startup *int64
}

func (a AddedNodePayload) Array() []any {
	var loc any
	if a.Loc != nil {
		loc = a.Loc.Array()
	}
	return []any{
		a.ID, a.Details.Array(), a.Stats.Array(), a.IO.Array(), a.HW.Array(),
		a.Block.Array(), loc, a.Startup,
	}
}
