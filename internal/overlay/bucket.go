package overlay

import (
	"context"
	"sync"

	"ciphera/internal/domain"
)

// Pinger issues a liveness check against a peer, used when a full bucket
// needs to decide whether to evict its least-recently-seen entry.
type Pinger interface {
	Ping(ctx context.Context, peer domain.PeerRecord) bool
}

// bucket holds the peers whose XOR distance from the local node falls in
// one [2^i, 2^(i+1)) range, most-recently-seen at the tail (spec §4.5
// insertion policy).
type bucket struct {
	mu      sync.RWMutex
	entries []domain.PeerRecord
}

func newBucket() *bucket {
	return &bucket{entries: make([]domain.PeerRecord, 0, bucketCapacity)}
}

func (b *bucket) snapshot() []domain.PeerRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.PeerRecord, len(b.entries))
	copy(out, b.entries)
	return out
}

func (b *bucket) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// observe applies the insertion policy for an incoming sighting of p: if
// already present, move to most-recent; else append if there is room;
// else PING the least-recent entry and evict it only if unresponsive.
// The write lease is released before the PING RPC, per the concurrency
// contract in spec §5.
func (b *bucket) observe(ctx context.Context, p domain.PeerRecord, pinger Pinger) {
	b.mu.Lock()
	for i, e := range b.entries {
		if e.NodeID == p.NodeID {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			b.entries = append(b.entries, p)
			b.mu.Unlock()
			return
		}
	}
	if len(b.entries) < bucketCapacity {
		b.entries = append(b.entries, p)
		b.mu.Unlock()
		return
	}
	least := b.entries[0]
	b.mu.Unlock()

	if pinger != nil && pinger.Ping(ctx, least) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.NodeID == least.NodeID {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			break
		}
	}
	if len(b.entries) < bucketCapacity {
		b.entries = append(b.entries, p)
	}
}

// remove drops peer from the bucket if present.
func (b *bucket) remove(id domain.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.NodeID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// leastRecent returns the oldest (first) entry, for the background
// liveness-check task.
func (b *bucket) leastRecent() (domain.PeerRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return domain.PeerRecord{}, false
	}
	return b.entries[0], true
}

// update mutates the stored record for id in place (health fields),
// leaving its position unchanged.
func (b *bucket) update(id domain.NodeID, fn func(*domain.PeerRecord)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.entries {
		if b.entries[i].NodeID == id {
			fn(&b.entries[i])
			return
		}
	}
}
