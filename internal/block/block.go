// Package block holds the small immutable value types shared by the
// ingest and chain layers: the (number, hash) Block pair and the two
// bounded numeric time-series helpers (MeanList, NumStats) that the
// rest of the aggregator builds its rolling statistics on.
package block

// Block is an immutable (number, hash) pair, ordered by number.
// Equality requires both fields to match.
type Block struct {
	Number uint64
	Hash   string
}

// Zero is the sentinel empty block (number=0, hash="").
var Zero = Block{}

// Less reports whether b is strictly lower than other by block number.
func (b Block) Less(other Block) bool {
	return b.Number < other.Number
}

// Equal reports whether b and other refer to the same block.
func (b Block) Equal(other Block) bool {
	return b.Number == other.Number && b.Hash == other.Hash
}
