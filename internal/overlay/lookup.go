package overlay

import (
	"context"
	"sync"
	"time"

	"ciphera/internal/domain"
)

const (
	// alpha is the iterative lookup's query concurrency (spec §4.5).
	alpha = 3
	// lookupTimeout bounds an entire FIND_NODE lookup (spec §5).
	lookupTimeout = 20 * time.Second
)

// Finder issues a single FIND_NODE RPC against peer, returning the peers
// it reports closest to target.
type Finder interface {
	FindNode(ctx context.Context, peer domain.PeerRecord, target domain.NodeID) ([]domain.PeerRecord, error)
}

// IterativeFindNode runs the iterative Kademlia lookup (spec §4.5): pick
// the alpha closest unqueried peers, query them in parallel, merge
// results, repeat until a round yields no closer node or the k closest
// have all been queried.
//
// There is no working reference for this loop in original_source/ —
// kademlia_dht.py's own find_node_async/_query_node and
// join_network/_find_and_connect_to_nodes are unimplemented stubs — so
// this is a direct implementation of the termination condition described
// in prose.
func (t *Table) IterativeFindNode(ctx context.Context, target domain.NodeID, finder Finder) []domain.PeerRecord {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	seen := make(map[domain.NodeID]domain.PeerRecord)
	queried := make(map[domain.NodeID]bool)
	for _, p := range t.Closest(target, bucketCapacity) {
		seen[p.NodeID] = p
	}

	for {
		candidates := closestUnqueried(seen, queried, target, alpha)
		if len(candidates) == 0 {
			break
		}
		for _, c := range candidates {
			queried[c.NodeID] = true
		}

		before := closestSeen(seen, target)
		merge(seen, t.self, queryAll(ctx, candidates, target, finder))
		after := closestSeen(seen, target)

		if !(before.valid && after.valid) || !closerTo(target, after.id, before.id) {
			break
		}
		kClosestQueried := true
		for _, p := range closestOf(seen, target, bucketCapacity) {
			kClosestQueried = kClosestQueried && queried[p.NodeID]
		}
		if kClosestQueried {
			break
		}
	}

	return closestOf(seen, target, bucketCapacity)
}

func queryAll(ctx context.Context, candidates []domain.PeerRecord, target domain.NodeID, finder Finder) [][]domain.PeerRecord {
	results := make([][]domain.PeerRecord, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, peer domain.PeerRecord) {
			defer wg.Done()
			peers, err := finder.FindNode(ctx, peer, target)
			if err != nil {
				return
			}
			results[i] = peers
		}(i, c)
	}
	wg.Wait()
	return results
}

func merge(seen map[domain.NodeID]domain.PeerRecord, self domain.NodeID, batches [][]domain.PeerRecord) {
	for _, batch := range batches {
		for _, p := range batch {
			if p.NodeID == self {
				continue
			}
			if _, ok := seen[p.NodeID]; !ok {
				seen[p.NodeID] = p
			}
		}
	}
}

type closestID struct {
	id    domain.NodeID
	valid bool
}

func closestSeen(seen map[domain.NodeID]domain.PeerRecord, target domain.NodeID) closestID {
	var best domain.NodeID
	found := false
	for id := range seen {
		if !found || closerTo(target, id, best) {
			best, found = id, true
		}
	}
	return closestID{id: best, valid: found}
}

func closestUnqueried(seen map[domain.NodeID]domain.PeerRecord, queried map[domain.NodeID]bool, target domain.NodeID, n int) []domain.PeerRecord {
	var candidates []domain.PeerRecord
	for id, p := range seen {
		if !queried[id] {
			candidates = append(candidates, p)
		}
	}
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && closerTo(target, candidates[j].NodeID, candidates[j-1].NodeID); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

func closestOf(seen map[domain.NodeID]domain.PeerRecord, target domain.NodeID, k int) []domain.PeerRecord {
	all := make([]domain.PeerRecord, 0, len(seen))
	for _, p := range seen {
		all = append(all, p)
	}
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && closerTo(target, all[j].NodeID, all[j-1].NodeID); j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func allQueried(seen map[domain.NodeID]domain.PeerRecord, queried map[domain.NodeID]bool) bool {
	for id := range seen {
		if !queried[id] {
			return false
		}
	}
	return true
}
