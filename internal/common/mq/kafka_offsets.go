package mq

import "sync"

// offsetTracker decides how far each partition may be committed. Handlers
// finish out of order, so an offset is committed only once every earlier
// fetched offset of its partition was acked. An offset that is never acked
// (released) holds the partition back until the group rebalances and the
// reader fetches it again.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	// pending holds fetched offsets in fetch order that are not committed yet.
	pending []int64
	acked   map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

// track registers a fetched offset. Fetching at or below the newest tracked
// offset means the reader rewound after a rebalance; earlier state is dropped.
func (t *offsetTracker) track(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[partition]
	if !ok || (len(p.pending) > 0 && offset <= p.pending[len(p.pending)-1]) {
		p = &partitionOffsets{acked: make(map[int64]bool)}
		t.partitions[partition] = p
	}
	p.pending = append(p.pending, offset)
}

// ack marks offset handled and returns the highest offset that may now be
// committed, or false when the partition cannot advance yet.
func (t *offsetTracker) ack(partition int, offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[partition]
	// Offsets outside the tracked window were dropped by a rewind.
	if !ok || len(p.pending) == 0 || offset < p.pending[0] || offset > p.pending[len(p.pending)-1] {
		return 0, false
	}
	p.acked[offset] = true
	var (
		commit  int64
		advance bool
	)
	for len(p.pending) > 0 && p.acked[p.pending[0]] {
		commit = p.pending[0]
		advance = true
		delete(p.acked, commit)
		p.pending = p.pending[1:]
	}
	return commit, advance
}

// held reports how many handled offsets wait behind an unacked one.
func (t *offsetTracker) held(partition int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.partitions[partition]; ok {
		return len(p.acked)
	}
	return 0
}
