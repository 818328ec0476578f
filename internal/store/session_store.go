package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"ciphera/internal/domain"
)

// SessionsFile is the on-disk container for every pending X3DH-derived
// session, keyed by peer NodeID.
type SessionsFile struct {
	Version  int                             `json:"version"`
	Sessions map[domain.NodeID]domain.Session `json:"sessions"`
}

// SessionStore persists X3DH-derived root keys until the Double Ratchet
// consumes them.
type SessionStore struct {
	home string
}

// NewSessionStore returns a SessionStore rooted at home.
func NewSessionStore(home string) *SessionStore {
	return &SessionStore{home: home}
}

func (s *SessionStore) path() string {
	return filepath.Join(s.home, "sessions.json")
}

// SaveSession stores or replaces the session derived for peer.
func (s *SessionStore) SaveSession(peer domain.NodeID, sess domain.Session) error {
	state, err := s.loadAll()
	if err != nil {
		return err
	}
	if state.Sessions == nil {
		state.Sessions = make(map[domain.NodeID]domain.Session)
	}
	state.Sessions[peer] = sess
	return s.saveAll(state)
}

// LoadSession retrieves the session for peer, if one is pending.
func (s *SessionStore) LoadSession(peer domain.NodeID) (domain.Session, bool, error) {
	state, err := s.loadAll()
	if err != nil {
		return domain.Session{}, false, err
	}
	sess, ok := state.Sessions[peer]
	return sess, ok, nil
}

func (s *SessionStore) loadAll() (SessionsFile, error) {
	var out SessionsFile
	b, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			out.Version = 1
			out.Sessions = make(map[domain.NodeID]domain.Session)
			return out, nil
		}
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (s *SessionStore) saveAll(sf SessionsFile) error {
	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(), b, 0o600)
}

var _ domain.SessionStore = (*SessionStore)(nil)
