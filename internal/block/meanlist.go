package block

// meanListCap is the number of buckets a MeanList keeps. It is the "ring"
// size referred to in the design notes: once it is full, the whole ring
// is squashed to half its length (each pair of adjacent buckets replaced
// by their arithmetic mean) before the new sample is appended, so the list
// never grows past this size but older samples are progressively
// decimated.
const meanListCap = 20

// MeanList is a bounded running-mean time series with geometric
// decimation. It always holds at most meanListCap values; pushing past
// capacity halves the resolution of every entry held (mean of adjacent
// pairs) rather than dropping any outright, so a caller reading Values()
// always sees at most meanListCap values spanning the whole history, at
// decreasing resolution toward the front.
type MeanList struct {
	vals  []float64
	count int
}

// NewMeanList returns an empty MeanList.
func NewMeanList() *MeanList {
	return &MeanList{}
}

// Push records a new raw sample.
func (m *MeanList) Push(v float64) {
	m.count++
	if len(m.vals) >= meanListCap {
		m.squash()
	}
	m.vals = append(m.vals, v)
}

// squash halves the ring by averaging adjacent pairs: vals[i] becomes
// mean(vals[2i], vals[2i+1]) for i in [0, len/2).
func (m *MeanList) squash() {
	n := len(m.vals) / 2
	for i := 0; i < n; i++ {
		m.vals[i] = (m.vals[2*i] + m.vals[2*i+1]) / 2
	}
	m.vals = m.vals[:n]
}

// Values returns a snapshot of the current ring, oldest first. Its length
// is always <= meanListCap.
func (m *MeanList) Values() []float64 {
	out := make([]float64, len(m.vals))
	copy(out, m.vals)
	return out
}

// Count returns the total number of raw samples ever pushed.
func (m *MeanList) Count() int {
	return m.count
}

// Last returns the most recently pushed (least decimated) value and
// whether the list is non-empty.
func (m *MeanList) Last() (float64, bool) {
	if len(m.vals) == 0 {
		return 0, false
	}
	return m.vals[len(m.vals)-1], true
}
