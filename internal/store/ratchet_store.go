package store

import (
	"path/filepath"
	"sync"

	"ciphera/internal/domain"
)

const convFile = "conversations.json"

// RatchetFileStore persists per-peer Double Ratchet state to disk.
type RatchetFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewRatchetFileStore returns a RatchetFileStore rooted at dir.
func NewRatchetFileStore(dir string) *RatchetFileStore { return &RatchetFileStore{dir: dir} }

// SaveConversation writes or updates the stored ratchet state for peer.
func (s *RatchetFileStore) SaveConversation(peer domain.NodeID, conv domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, convFile)
	m := make(map[domain.NodeID]domain.Conversation)
	_ = readJSON(path, &m)
	m[peer] = conv
	return writeJSON(path, m, 0o600)
}

// LoadConversation retrieves the stored ratchet state for peer.
func (s *RatchetFileStore) LoadConversation(peer domain.NodeID) (domain.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, convFile)
	m := make(map[domain.NodeID]domain.Conversation)
	if err := readJSON(path, &m); err != nil {
		return domain.Conversation{}, false, err
	}
	c, ok := m[peer]
	return c, ok, nil
}

var _ domain.RatchetStore = (*RatchetFileStore)(nil)
