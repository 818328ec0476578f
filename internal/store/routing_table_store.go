package store

import (
	"path/filepath"
	"sync"

	"ciphera/internal/domain"
)

const routingTableFile = "routing_table.json"

// RoutingTableFileStore persists a snapshot of the overlay routing table
// across restarts, adapted from the account-profile store's single-file,
// mutex-guarded pattern (the account/server-URL notion it originally kept
// has no equivalent in a peer-to-peer overlay).
type RoutingTableFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewRoutingTableFileStore returns a RoutingTableFileStore rooted at dir.
func NewRoutingTableFileStore(dir string) *RoutingTableFileStore {
	return &RoutingTableFileStore{dir: dir}
}

// SaveRoutingTable overwrites the stored snapshot with records.
func (s *RoutingTableFileStore) SaveRoutingTable(records []domain.PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, routingTableFile)
	return writeJSON(path, records, 0o600)
}

// LoadRoutingTable returns the last saved snapshot, or nil if none exists.
func (s *RoutingTableFileStore) LoadRoutingTable() ([]domain.PeerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, routingTableFile)
	var records []domain.PeerRecord
	if err := readJSON(path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

var _ domain.RoutingTableStore = (*RoutingTableFileStore)(nil)
