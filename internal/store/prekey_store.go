package store

import (
	"path/filepath"
	"sync"

	"ciphera/internal/domain"
)

const (
	spkPairsFile   = "spk_pairs.json"
	opkPairsFile   = "opk_pairs.json"
	prekeyMetaFile = "prekey_meta.json"
)

// PrekeyFileStore persists the signed prekey and one-time prekey pool to
// disk for component A (identitystore).
type PrekeyFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewPrekeyFileStore returns a PrekeyFileStore rooted at dir.
func NewPrekeyFileStore(dir string) *PrekeyFileStore {
	return &PrekeyFileStore{dir: dir}
}

type spkPair struct {
	Priv domain.X25519Private `json:"priv"`
	Pub  domain.X25519Public  `json:"pub"`
	Sig  []byte               `json:"sig"`
}

type prekeyMeta struct {
	CurrentSPKID  uint32 `json:"current_spk_id"`
	HasCurrent    bool   `json:"has_current"`
	NextOneTimeID uint32 `json:"next_one_time_id"`
}

// SaveSignedPrekey stores a signed prekey by id.
func (s *PrekeyFileStore) SaveSignedPrekey(id uint32, priv domain.X25519Private, pub domain.X25519Public, sig []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, spkPairsFile)
	m := map[uint32]spkPair{}
	_ = readJSON(path, &m)
	m[id] = spkPair{Priv: priv, Pub: pub, Sig: sig}
	return writeJSON(path, m, 0o600)
}

// LoadSignedPrekey retrieves a signed prekey by id.
func (s *PrekeyFileStore) LoadSignedPrekey(id uint32) (priv domain.X25519Private, pub domain.X25519Public, sig []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, spkPairsFile)
	m := map[uint32]spkPair{}
	if err = readJSON(path, &m); err != nil {
		return priv, pub, nil, false, err
	}
	p, ok := m[id]
	if !ok {
		return priv, pub, nil, false, nil
	}
	return p.Priv, p.Pub, p.Sig, true, nil
}

// CurrentSPKID returns the id of the signed prekey currently being served.
func (s *PrekeyFileStore) CurrentSPKID() (uint32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, prekeyMetaFile)
	var meta prekeyMeta
	if err := readJSON(path, &meta); err != nil {
		return 0, false, err
	}
	return meta.CurrentSPKID, meta.HasCurrent, nil
}

// SetCurrentSPKID records which signed prekey id is current.
func (s *PrekeyFileStore) SetCurrentSPKID(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, prekeyMetaFile)
	var meta prekeyMeta
	if err := readJSON(path, &meta); err != nil {
		return err
	}
	meta.CurrentSPKID = id
	meta.HasCurrent = true
	return writeJSON(path, meta, 0o600)
}

// NextOneTimeIDs reserves the next n one-time prekey ids off a persisted
// monotonic counter (starting at 1), so ids handed out by one Replenish
// call can never collide with ids from an earlier call that are still
// unconsumed in the pool - unlike deriving ids from the pool's current
// size, which a non-LIFO consumption pattern can make reissue a live id.
func (s *PrekeyFileStore) NextOneTimeIDs(n int) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, prekeyMetaFile)
	var meta prekeyMeta
	if err := readJSON(path, &meta); err != nil {
		return nil, err
	}
	start := meta.NextOneTimeID
	if start == 0 {
		start = 1
	}
	ids := make([]uint32, n)
	for i := 0; i < n; i++ {
		ids[i] = start + uint32(i)
	}
	meta.NextOneTimeID = start + uint32(n)
	if err := writeJSON(path, meta, 0o600); err != nil {
		return nil, err
	}
	return ids, nil
}

// SaveOneTimePairs merges the provided one-time prekey pairs into the pool.
func (s *PrekeyFileStore) SaveOneTimePairs(pairs []domain.OneTimePair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, opkPairsFile)
	m := map[uint32]domain.OneTimePair{}
	_ = readJSON(path, &m)
	for _, p := range pairs {
		m[p.ID] = p
	}
	return writeJSON(path, m, 0o600)
}

// ConsumeOneTimePair atomically pops one unused OPK from the pool. Which
// one is popped is unspecified; callers only need "not reused."
func (s *PrekeyFileStore) ConsumeOneTimePair() (domain.OneTimePair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, opkPairsFile)
	m := map[uint32]domain.OneTimePair{}
	if err := readJSON(path, &m); err != nil {
		return domain.OneTimePair{}, false, err
	}
	if len(m) == 0 {
		return domain.OneTimePair{}, false, nil
	}
	var picked domain.OneTimePair
	for _, p := range m {
		picked = p
		break
	}
	delete(m, picked.ID)
	if err := writeJSON(path, m, 0o600); err != nil {
		return domain.OneTimePair{}, false, err
	}
	return picked, true, nil
}

// TakeOneTimePair retrieves and deletes the private half for id, used by
// the responder side of X3DH to consume the OPK the initiator referenced.
func (s *PrekeyFileStore) TakeOneTimePair(id uint32) (domain.OneTimePair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, opkPairsFile)
	m := map[uint32]domain.OneTimePair{}
	if err := readJSON(path, &m); err != nil {
		return domain.OneTimePair{}, false, err
	}
	p, ok := m[id]
	if !ok {
		return domain.OneTimePair{}, false, nil
	}
	delete(m, id)
	if err := writeJSON(path, m, 0o600); err != nil {
		return domain.OneTimePair{}, false, err
	}
	return p, true, nil
}

// CountOneTime reports how many unused one-time prekeys remain, for the
// low-water replenishment check.
func (s *PrekeyFileStore) CountOneTime() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, opkPairsFile)
	m := map[uint32]domain.OneTimePair{}
	if err := readJSON(path, &m); err != nil {
		return 0, err
	}
	return len(m), nil
}

var _ domain.PrekeyStore = (*PrekeyFileStore)(nil)
