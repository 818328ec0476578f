package overlay

import (
	"context"
	"time"

	"ciphera/internal/domain"
)

const (
	// reputationFloor is the score below which a peer is marked inactive,
	// ported from routing_manager.py's update_node_reputation.
	reputationFloor = 0.1
	// maxConsecutiveHealthFail marks a peer inactive after this many
	// successive failed liveness checks (spec §4.5), independent of the
	// reputation score itself dipping below reputationFloor in one step.
	maxConsecutiveHealthFail = 3

	latencySuccessWeight = 0.3
	latencyHistoryWeight = 0.7
	fastLatencyBonus     = 1.05
	slowLatencyPenalty   = 0.95
	fastLatencyMillis    = 100.0
	slowLatencyMillis    = 1000.0

	successGrowth = 1.1
	failureDecay  = 0.9
)

// nowUnix is overridden in tests to avoid depending on wall-clock time.
var nowUnix = func() int64 { return time.Now().Unix() }

// RecordPingResult updates id's reputation and latency fields following a
// PING RPC, using the moving-average and reputation formulas from
// routing_manager.py's update_node_reputation. A peer not currently
// tracked in any bucket is a no-op.
func (t *Table) RecordPingResult(id domain.NodeID, ok bool, rtt time.Duration) {
	t.UpdateHealth(id, func(p *domain.PeerRecord) {
		p.PingCount++
		p.LastPing = nowUnix()
		rttMillis := float64(rtt) / float64(time.Millisecond)

		if ok {
			p.PingSuccess++
			p.LastSeen = nowUnix()
			p.ConsecutiveFail = 0
			if p.PingRTT == 0 {
				p.PingRTT = rttMillis
			} else {
				p.PingRTT = latencyHistoryWeight*p.PingRTT + latencySuccessWeight*rttMillis
			}
		} else {
			p.ConsecutiveFail++
		}

		successRate := float64(p.PingSuccess) / float64(p.PingCount)
		if ok {
			score := successRate * successGrowth
			if p.PingRTT < fastLatencyMillis {
				score *= fastLatencyBonus
			} else if p.PingRTT > slowLatencyMillis {
				score *= slowLatencyPenalty
			}
			if score > 1.0 {
				score = 1.0
			}
			p.Reputation = score
		} else {
			score := successRate * failureDecay
			if score < reputationFloor {
				score = reputationFloor
			}
			p.Reputation = score
		}

		p.Active = p.Reputation >= reputationFloor && p.ConsecutiveFail < maxConsecutiveHealthFail
	})
}

// RefreshLeastRecent pings the least-recently-seen peer of every non-empty
// bucket, the periodic liveness sweep referenced in spec §4.5. Callers run
// this from a background ticker owned by the node, not from this package.
func (t *Table) RefreshLeastRecent(ctx context.Context, pinger Pinger) {
	for _, b := range t.buckets {
		peer, ok := b.leastRecent()
		if !ok {
			continue
		}
		start := time.Now()
		alive := pinger != nil && pinger.Ping(ctx, peer)
		t.RecordPingResult(peer.NodeID, alive, time.Since(start))
		if !alive {
			evict := false
			t.UpdateHealth(peer.NodeID, func(p *domain.PeerRecord) {
				evict = p.ConsecutiveFail >= maxConsecutiveHealthFail
			})
			if evict {
				b.remove(peer.NodeID)
			}
		}
	}
}
