package overlay

import (
	"context"
	"testing"

	"ciphera/internal/domain"
)

// fakeNetwork maps a queried peer to the peers it claims to know, letting
// tests drive IterativeFindNode without any real transport.
type fakeNetwork struct {
	edges map[domain.NodeID][]domain.PeerRecord
	calls int
}

func (f *fakeNetwork) FindNode(ctx context.Context, peer domain.PeerRecord, target domain.NodeID) ([]domain.PeerRecord, error) {
	f.calls++
	return f.edges[peer.NodeID], nil
}

func TestIterativeFindNode_ConvergesOnCloserPeers(t *testing.T) {
	self := idWithLastByte(0)
	target := idWithLastByte(1)

	a := peerWithByte(0x40)
	b := peerWithByte(0x20)
	c := peerWithByte(0x02) // closest to target (distance 3 vs target=1)

	net := &fakeNetwork{edges: map[domain.NodeID][]domain.PeerRecord{
		a.NodeID: {b},
		b.NodeID: {c},
		c.NodeID: {},
	}}

	tbl := NewTable(self)
	tbl.Observe(context.Background(), a, nil)

	results := tbl.IterativeFindNode(context.Background(), target, net)

	found := false
	for _, p := range results {
		if p.NodeID == c.NodeID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected lookup to discover closer peer via chained FIND_NODE, got %v", results)
	}
	if net.calls == 0 {
		t.Fatal("expected at least one FindNode RPC to be issued")
	}
}

func TestIterativeFindNode_TerminatesWithNoKnownPeers(t *testing.T) {
	self := idWithLastByte(0)
	target := idWithLastByte(1)
	tbl := NewTable(self)
	net := &fakeNetwork{edges: map[domain.NodeID][]domain.PeerRecord{}}

	results := tbl.IterativeFindNode(context.Background(), target, net)
	if len(results) != 0 {
		t.Fatalf("expected no results from an empty table, got %v", results)
	}
	if net.calls != 0 {
		t.Fatalf("expected no RPCs with no known peers, got %d", net.calls)
	}
}

func TestIterativeFindNode_TerminatesWhenAllQueried(t *testing.T) {
	self := idWithLastByte(0)
	target := idWithLastByte(1)
	tbl := NewTable(self)
	p := peerWithByte(0x40)
	tbl.Observe(context.Background(), p, nil)

	net := &fakeNetwork{edges: map[domain.NodeID][]domain.PeerRecord{
		p.NodeID: {p}, // only reports itself; no new peers, no improvement
	}}

	results := tbl.IterativeFindNode(context.Background(), target, net)
	if len(results) != 1 || results[0].NodeID != p.NodeID {
		t.Fatalf("expected the single known peer to be returned, got %v", results)
	}
}
