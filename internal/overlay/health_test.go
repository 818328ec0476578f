package overlay

import (
	"context"
	"testing"
	"time"

	"ciphera/internal/domain"
)

func TestRecordPingResult_SuccessRaisesReputation(t *testing.T) {
	self := idWithLastByte(0)
	tbl := NewTable(self)
	p := peerWithByte(1)
	tbl.Observe(context.Background(), p, nil)

	tbl.RecordPingResult(p.NodeID, true, 10*time.Millisecond)

	all := tbl.All()
	if len(all) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(all))
	}
	if !all[0].Active {
		t.Fatal("expected peer to remain active after a successful ping")
	}
	if all[0].Reputation <= 0 {
		t.Fatalf("expected positive reputation after success, got %f", all[0].Reputation)
	}
	if all[0].PingRTT <= 0 {
		t.Fatalf("expected PingRTT to be recorded, got %f", all[0].PingRTT)
	}
}

func TestRecordPingResult_ConsecutiveFailuresDeactivate(t *testing.T) {
	self := idWithLastByte(0)
	tbl := NewTable(self)
	p := peerWithByte(1)
	tbl.Observe(context.Background(), p, nil)

	for i := 0; i < maxConsecutiveHealthFail; i++ {
		tbl.RecordPingResult(p.NodeID, false, 0)
	}

	all := tbl.All()
	if all[0].Active {
		t.Fatal("expected peer to be deactivated after repeated failures")
	}
	if all[0].ConsecutiveFail < maxConsecutiveHealthFail {
		t.Fatalf("ConsecutiveFail = %d, want >= %d", all[0].ConsecutiveFail, maxConsecutiveHealthFail)
	}
}

func TestRecordPingResult_SuccessResetsConsecutiveFail(t *testing.T) {
	self := idWithLastByte(0)
	tbl := NewTable(self)
	p := peerWithByte(1)
	tbl.Observe(context.Background(), p, nil)

	tbl.RecordPingResult(p.NodeID, false, 0)
	tbl.RecordPingResult(p.NodeID, true, 5*time.Millisecond)

	all := tbl.All()
	if all[0].ConsecutiveFail != 0 {
		t.Fatalf("ConsecutiveFail = %d, want 0 after a success", all[0].ConsecutiveFail)
	}
}

type scriptedPinger struct {
	alive map[domain.NodeID]bool
}

func (s *scriptedPinger) Ping(ctx context.Context, peer domain.PeerRecord) bool {
	return s.alive[peer.NodeID]
}

func TestRefreshLeastRecent_EvictsUnresponsivePeer(t *testing.T) {
	self := idWithLastByte(0)
	tbl := NewTable(self)
	p := peerWithByte(1)
	tbl.Observe(context.Background(), p, nil)

	pinger := &scriptedPinger{alive: map[domain.NodeID]bool{}}
	for i := 0; i < maxConsecutiveHealthFail; i++ {
		tbl.RefreshLeastRecent(context.Background(), pinger)
	}

	if got := tbl.Size(); got != 0 {
		t.Fatalf("Size() = %d, want 0 after repeated unresponsive refresh", got)
	}
}
