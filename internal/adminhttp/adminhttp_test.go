package adminhttp_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"ciphera/internal/adminhttp"
	"ciphera/internal/domain"
)

type fakeView struct {
	self    domain.NodeID
	addr    string
	peers   []domain.PeerRecord
	session int
}

func (f fakeView) Self() domain.NodeID        { return f.self }
func (f fakeView) ListenAddr() string         { return f.addr }
func (f fakeView) Peers() []domain.PeerRecord { return f.peers }
func (f fakeView) SessionCount() int          { return f.session }

func TestHealthz_ReturnsNoContent(t *testing.T) {
	mux := adminhttp.Mux(fakeView{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("/healthz status = %d, want 204", rec.Code)
	}
}

func TestStats_ReportsCountsAndListenAddr(t *testing.T) {
	var self domain.NodeID
	self[0] = 0x42
	var peerID domain.NodeID
	peerID[0] = 0x99

	view := fakeView{
		self: self, addr: "127.0.0.1:9000",
		peers:   []domain.PeerRecord{{NodeID: peerID, Host: "10.0.0.1", Port: 9001, Active: true, Reputation: 0.8}},
		session: 2,
	}
	mux := adminhttp.Mux(view)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/stats status = %d, want 200", rec.Code)
	}
	var stats struct {
		NodeID       string `json:"node_id"`
		ListenAddr   string `json:"listen_addr"`
		SessionCount int    `json:"session_count"`
		PeerCount    int    `json:"peer_count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode /stats: %v", err)
	}
	if stats.SessionCount != 2 || stats.PeerCount != 1 || stats.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("stats = %+v, want session_count=2 peer_count=1 listen_addr=127.0.0.1:9000", stats)
	}
	if stats.NodeID != self.String() {
		t.Fatalf("stats.NodeID = %q, want %q", stats.NodeID, self.String())
	}
}

func TestPeers_NeverExposesKeyMaterial(t *testing.T) {
	var peerID domain.NodeID
	peerID[0] = 0x01
	view := fakeView{peers: []domain.PeerRecord{{NodeID: peerID, Host: "10.0.0.2", Port: 7000}}}
	mux := adminhttp.Mux(view)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/peers", nil))

	var peers []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&peers); err != nil {
		t.Fatalf("decode /peers: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("got %d peers, want 1", len(peers))
	}
	for _, forbidden := range []string{"identity_key", "ik_priv", "xpriv", "root_key", "session"} {
		if _, ok := peers[0][forbidden]; ok {
			t.Fatalf("peer summary unexpectedly includes field %q", forbidden)
		}
	}
}
