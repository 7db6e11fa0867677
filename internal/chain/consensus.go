package chain

// ConsensusMatrix records, per block height, which reporters have
// directly or implicitly reported prevoting, precommitting or finalizing
// that block. It holds one record per (height, reporter); the voter named
// in a prevote or precommit report is not stored, so it is not a
// voter x voter matrix. It is a map-of-maps rather than a dense array,
// since most heights only ever hear from a small subset of the voter set.
type ConsensusMatrix struct {
	// heights[height][reporter] is the record reporter contributed for
	// that height.
	heights map[uint64]map[string]*VoteRecord
	// floor is the lowest height still retained; heights older than the
	// chain's finalized block are evicted on EvictBelow.
	floor uint64
}

// VoteRecord is one reporter's observed activity at one height.
type VoteRecord struct {
	Prevoted          bool
	Precommitted      bool
	Finalized         bool
	ImplicitPointer   uint64 // non-zero: later height implying this one
	ImplicitFinalized bool   // diagonal: reporter finalized a later height
}

// NewConsensusMatrix returns an empty matrix.
func NewConsensusMatrix() *ConsensusMatrix {
	return &ConsensusMatrix{heights: make(map[uint64]map[string]*VoteRecord)}
}

func (m *ConsensusMatrix) recordFor(height uint64, reporter string) *VoteRecord {
	row, ok := m.heights[height]
	if !ok {
		row = make(map[string]*VoteRecord)
		m.heights[height] = row
	}
	rec, ok := row[reporter]
	if !ok {
		rec = &VoteRecord{}
		row[reporter] = rec
	}
	return rec
}

// RecordPrevote marks an explicit prevote by reporter at height.
func (m *ConsensusMatrix) RecordPrevote(height uint64, reporter string) {
	m.recordFor(height, reporter).Prevoted = true
}

// RecordPrecommit marks an explicit precommit by reporter at height.
func (m *ConsensusMatrix) RecordPrecommit(height uint64, reporter string) {
	m.recordFor(height, reporter).Precommitted = true
}

// RecordFinalized marks reporter as having finalized height (diagonal
// ImplicitFinalized entries for any lower, still-retained heights are
// implied and recorded too, since finalizing height N implies finality of
// every height <= N this reporter has a row for).
func (m *ConsensusMatrix) RecordFinalized(height uint64, reporter string) {
	m.recordFor(height, reporter).Finalized = true
	for h, row := range m.heights {
		if h >= height {
			continue
		}
		if rec, ok := row[reporter]; ok && !rec.Finalized {
			rec.ImplicitFinalized = true
			rec.ImplicitPointer = height
		}
	}
}

// EvictBelow drops every retained height strictly below floor, called
// when the chain's finalized block advances (design notes: "height
// windows older than the current finalized block may be evicted").
func (m *ConsensusMatrix) EvictBelow(floor uint64) {
	m.floor = floor
	for h := range m.heights {
		if h < floor {
			delete(m.heights, h)
		}
	}
}

// Row returns a copy of the per-reporter records at height, or nil if
// nothing is retained for it.
func (m *ConsensusMatrix) Row(height uint64) map[string]VoteRecord {
	row, ok := m.heights[height]
	if !ok {
		return nil
	}
	out := make(map[string]VoteRecord, len(row))
	for voter, rec := range row {
		out[voter] = *rec
	}
	return out
}
