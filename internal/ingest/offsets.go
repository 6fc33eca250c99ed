package ingest

import (
	"sort"
	"sync"
)

// Partition identifies one partition of a topic.
type Partition struct {
	Topic     string
	Partition int32
}

// PartitionOffset is the next offset to consume for a partition, which is
// what a consumer group commits.
type PartitionOffset struct {
	Partition
	Offset int64
}

// OffsetTracker computes commit positions for messages that complete out of
// order. A partition's position never passes a message that is still in
// flight, so a restart redelivers everything without a terminal outcome.
type OffsetTracker struct {
	mu    sync.Mutex
	parts map[Partition]*partitionState
}

type partitionState struct {
	inflight  map[int64]struct{}
	highest   int64 // highest offset started
	committed int64 // last position handed out and acknowledged; -1 for none
}

// NewOffsetTracker creates an empty tracker.
func NewOffsetTracker() *OffsetTracker {
	return &OffsetTracker{parts: make(map[Partition]*partitionState)}
}

// Start records that offset was handed to processing.
func (t *OffsetTracker) Start(p Partition, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.parts[p]
	if !ok {
		st = &partitionState{inflight: make(map[int64]struct{}), highest: -1, committed: -1}
		t.parts[p] = st
	}
	st.inflight[offset] = struct{}{}
	if offset > st.highest {
		st.highest = offset
	}
}

// Done records that offset reached a terminal outcome.
func (t *OffsetTracker) Done(p Partition, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.parts[p]; ok {
		delete(st.inflight, offset)
	}
}

// Committable returns the partitions whose position advanced since the last
// MarkCommitted, sorted by topic and partition.
func (t *OffsetTracker) Committable() []PartitionOffset {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []PartitionOffset
	for p, st := range t.parts {
		if pos := st.position(); pos > st.committed {
			out = append(out, PartitionOffset{Partition: p, Offset: pos})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition.Partition < out[j].Partition.Partition
	})
	return out
}

// MarkCommitted records positions the consumer group accepted.
func (t *OffsetTracker) MarkCommitted(offsets []PartitionOffset) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range offsets {
		if st, ok := t.parts[o.Partition]; ok && o.Offset > st.committed {
			st.committed = o.Offset
		}
	}
}

// Forget drops partitions after they are revoked from this consumer.
func (t *OffsetTracker) Forget(parts ...Partition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range parts {
		delete(t.parts, p)
	}
}

// InFlight returns the number of started messages without an outcome.
func (t *OffsetTracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, st := range t.parts {
		n += len(st.inflight)
	}
	return n
}

// position is the lowest in-flight offset, or one past the highest started
// offset when nothing is in flight.
func (st *partitionState) position() int64 {
	if len(st.inflight) == 0 {
		return st.highest + 1
	}
	low := int64(-1)
	for off := range st.inflight {
		if low < 0 || off < low {
			low = off
		}
	}
	return low
}
