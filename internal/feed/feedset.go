package feed

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/chainscope/telemetry-aggregator/internal/obsv"
	"github.com/chainscope/telemetry-aggregator/internal/wire"
)

// FeedSet is a broadcast group: either a chain's subscribers or the
// aggregator's global "every connected feed" set. Broadcast appends to a
// shared pending batch; Flush serializes that batch exactly once and
// hands the same immutable byte slice to every member, so a broadcast is
// never encoded more than once per tick regardless of member count.
type FeedSet struct {
	mu      sync.Mutex
	members map[uint64]*Feed
	pending []wire.Message
	logger  zerolog.Logger
}

// NewFeedSet returns an empty FeedSet.
func NewFeedSet(logger zerolog.Logger) *FeedSet {
	return &FeedSet{members: make(map[uint64]*Feed), logger: logger}
}

// Add registers f as a member.
func (s *FeedSet) Add(f *Feed) {
	s.mu.Lock()
	s.members[f.ID] = f
	s.mu.Unlock()
}

// Remove unregisters f.
func (s *FeedSet) Remove(f *Feed) {
	s.mu.Lock()
	delete(s.members, f.ID)
	s.mu.Unlock()
}

// Len returns the current member count.
func (s *FeedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// Broadcast enqueues msgs for delivery to every current and
// Flush-time member. It never blocks on I/O: the actual socket write
// happens later, batched, in Flush.
func (s *FeedSet) Broadcast(msgs ...wire.Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, msgs...)
	s.mu.Unlock()
}

// PingSweep sends a WebSocket-layer ping to every member and returns
// those whose prior ping (from the previous sweep) was never ponged: the
// caller must close these and fully remove them from every FeedSet they
// belong to, not just this one.
func (s *FeedSet) PingSweep() []*Feed {
	s.mu.Lock()
	members := make([]*Feed, 0, len(s.members))
	for _, f := range s.members {
		members = append(members, f)
	}
	s.mu.Unlock()

	var dead []*Feed
	for _, f := range members {
		if !f.Ping() {
			dead = append(dead, f)
		}
	}
	for _, f := range dead {
		s.Remove(f)
	}
	return dead
}

// Flush serializes the pending batch once (if non-empty) and writes the
// resulting bytes to every member, removing from this set (and
// returning) any member whose write fails: a slow feed is shed rather
// than allowed to block the producer. The returned feeds are not closed
// here.
func (s *FeedSet) Flush() []*Feed {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	members := make([]*Feed, 0, len(s.members))
	for _, f := range s.members {
		members = append(members, f)
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	data, err := wire.Encode(batch)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode broadcast batch")
		return nil
	}
	obsv.FeedBroadcastBytes.Observe(float64(len(data)))

	var failed []*Feed
	for _, f := range members {
		if err := f.WriteRaw(data); err != nil {
			failed = append(failed, f)
		}
	}
	for _, f := range failed {
		s.Remove(f)
	}
	return failed
}
