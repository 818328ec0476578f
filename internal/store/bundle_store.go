package store

import (
	"path/filepath"
	"sync"

	"ciphera/internal/domain"
)

const bundleFile = "bundles.json"

// PrekeyBundleFileStore caches the last-served prekey bundle per peer, so a
// node can answer a repeated GET_BUNDLE without regenerating anything.
type PrekeyBundleFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewPrekeyBundleFileStore returns a PrekeyBundleFileStore rooted at dir.
func NewPrekeyBundleFileStore(dir string) *PrekeyBundleFileStore {
	return &PrekeyBundleFileStore{dir: dir}
}

// SavePrekeyBundle writes or updates the cached bundle for b's NodeID.
func (s *PrekeyBundleFileStore) SavePrekeyBundle(b domain.PrekeyBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, bundleFile)
	m := map[domain.NodeID]domain.PrekeyBundle{}
	_ = readJSON(path, &m)
	m[b.NodeID] = b
	return writeJSON(path, m, 0o600)
}

// LoadPrekeyBundle returns the cached bundle for peer and whether it was
// present.
func (s *PrekeyBundleFileStore) LoadPrekeyBundle(peer domain.NodeID) (domain.PrekeyBundle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, bundleFile)
	m := map[domain.NodeID]domain.PrekeyBundle{}
	if err := readJSON(path, &m); err != nil {
		return domain.PrekeyBundle{}, false, err
	}
	b, ok := m[peer]
	return b, ok, nil
}

var _ domain.PrekeyBundleStore = (*PrekeyBundleFileStore)(nil)
