// Package identitystore implements component A (spec §4.1): the local
// identity plus the signed-prekey/one-time-prekey pool, behind a single
// exclusive lock so every operation's critical section is O(1).
package identitystore

import (
	"sync"

	"ciphera/internal/crypto"
	"ciphera/internal/domain"
	"ciphera/internal/protocol/errs"
)

const (
	defaultOneTimeBatch = 20
	defaultLowWater     = 5
)

// Store owns the identity and prekey pool together, generalizing the
// teacher's separate identity/prekey services into the one component
// spec.md treats as a unit.
type Store struct {
	mu sync.Mutex

	identity domain.IdentityStore
	prekey   domain.PrekeyStore
	bundle   domain.PrekeyBundleStore
}

// New returns a Store backed by the given persistence layers.
func New(identity domain.IdentityStore, prekey domain.PrekeyStore, bundle domain.PrekeyBundleStore) *Store {
	return &Store{identity: identity, prekey: prekey, bundle: bundle}
}

// Generate creates a fresh identity plus an initial signed prekey and a
// batch of one-time prekeys, persists everything under passphrase, and
// returns the identity and its derived NodeID.
func (s *Store) Generate(passphrase string) (domain.Identity, domain.NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	xPriv, xPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.Identity{}, domain.NodeID{}, errs.Wrap(errs.Protocol, "generate identity x25519 key", err)
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.Identity{}, domain.NodeID{}, errs.Wrap(errs.Protocol, "generate identity ed25519 key", err)
	}
	id := domain.Identity{XPriv: xPriv, XPub: xPub, EdPriv: edPriv, EdPub: edPub}

	if err := s.identity.SaveIdentity(passphrase, id); err != nil {
		return domain.Identity{}, domain.NodeID{}, errs.Wrap(errs.Protocol, "save identity", err)
	}

	if err := s.rotateSignedPrekey(passphrase, id, 1); err != nil {
		return domain.Identity{}, domain.NodeID{}, err
	}
	if err := s.replenishLocked(passphrase, id, 0, defaultOneTimeBatch); err != nil {
		return domain.Identity{}, domain.NodeID{}, err
	}

	return id, crypto.DeriveNodeID(xPub), nil
}

// Load reads back a previously generated identity.
func (s *Store) Load(passphrase string) (domain.Identity, domain.NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(passphrase)
}

func (s *Store) loadLocked(passphrase string) (domain.Identity, domain.NodeID, error) {
	id, err := s.identity.LoadIdentity(passphrase)
	if err != nil {
		return domain.Identity{}, domain.NodeID{}, errs.Wrap(errs.Protocol, "load identity", err)
	}
	return id, crypto.DeriveNodeID(id.XPub), nil
}

// Bundle serves the current public prekey bundle, popping at most one
// one-time prekey so it is never handed out twice.
func (s *Store) Bundle(passphrase string) (domain.PrekeyBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, nodeID, err := s.loadLocked(passphrase)
	if err != nil {
		return domain.PrekeyBundle{}, err
	}

	spkID, ok, err := s.prekey.CurrentSPKID()
	if err != nil {
		return domain.PrekeyBundle{}, errs.Wrap(errs.Protocol, "load current spk id", err)
	}
	if !ok {
		return domain.PrekeyBundle{}, errs.New(errs.Protocol, "no signed prekey has been generated yet")
	}
	_, spkPub, spkSig, ok, err := s.prekey.LoadSignedPrekey(spkID)
	if err != nil {
		return domain.PrekeyBundle{}, errs.Wrap(errs.Protocol, "load signed prekey", err)
	}
	if !ok {
		return domain.PrekeyBundle{}, errs.New(errs.Protocol, "current spk id has no stored key")
	}

	b := domain.PrekeyBundle{
		NodeID:          nodeID,
		IdentityKey:     id.XPub,
		SignKey:         id.EdPub,
		SPKID:           spkID,
		SignedPrekey:    spkPub,
		SignedPrekeySig: spkSig,
	}

	if pair, ok, err := s.prekey.ConsumeOneTimePair(); err != nil {
		return domain.PrekeyBundle{}, errs.Wrap(errs.Protocol, "consume one-time prekey", err)
	} else if ok {
		b.OneTime = &domain.OneTimePub{ID: pair.ID, Pub: pair.Pub}
	}

	if s.bundle != nil {
		_ = s.bundle.SavePrekeyBundle(b)
	}
	return b, nil
}

// ConsumeOPK retrieves and deletes the private half of the one-time prekey
// referenced by a peer's X3DH initial message, for the responder side.
func (s *Store) ConsumeOPK(opkID uint32) (domain.X25519Private, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair, ok, err := s.prekey.TakeOneTimePair(opkID)
	if err != nil {
		return domain.X25519Private{}, false, errs.Wrap(errs.Protocol, "consume opk", err)
	}
	return pair.Priv, ok, nil
}

// SignedPrekeyPriv returns the private half of spkID, for the responder
// side of X3DH.
func (s *Store) SignedPrekeyPriv(spkID uint32) (domain.X25519Private, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	priv, _, _, ok, err := s.prekey.LoadSignedPrekey(spkID)
	if err != nil {
		return domain.X25519Private{}, false, errs.Wrap(errs.Protocol, "load signed prekey", err)
	}
	return priv, ok, nil
}

// Replenish tops up the one-time prekey pool with a fresh batch if it has
// dropped to or below lowWater.
func (s *Store) Replenish(passphrase string, lowWater, batch int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, _, err := s.loadLocked(passphrase)
	if err != nil {
		return err
	}
	return s.replenishLocked(passphrase, id, lowWater, batch)
}

func (s *Store) replenishLocked(passphrase string, id domain.Identity, lowWater, batch int) error {
	if lowWater <= 0 {
		lowWater = defaultLowWater
	}
	if batch <= 0 {
		batch = defaultOneTimeBatch
	}
	n, err := s.prekey.CountOneTime()
	if err != nil {
		return errs.Wrap(errs.Protocol, "count one-time prekeys", err)
	}
	if n > lowWater {
		return nil
	}

	ids, err := s.prekey.NextOneTimeIDs(batch)
	if err != nil {
		return errs.Wrap(errs.Protocol, "reserve one-time prekey ids", err)
	}

	pairs := make([]domain.OneTimePair, 0, batch)
	for _, id := range ids {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return errs.Wrap(errs.Protocol, "generate one-time prekey", err)
		}
		pairs = append(pairs, domain.OneTimePair{ID: id, Priv: priv, Pub: pub})
	}
	if err := s.prekey.SaveOneTimePairs(pairs); err != nil {
		return errs.Wrap(errs.Protocol, "save one-time prekeys", err)
	}
	return nil
}

// rotateSignedPrekey generates a new signed prekey under id and marks it
// current. Existing sessions are unaffected: X3DH's SPK contribution is
// consumed once at session establishment, never re-derived from a live
// bundle afterward (spec §3 "rotation without session loss").
func (s *Store) rotateSignedPrekey(passphrase string, id domain.Identity, spkID uint32) error {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return errs.Wrap(errs.Protocol, "generate signed prekey", err)
	}
	sig := crypto.SignEd25519(id.EdPriv, pub.Slice())
	if err := s.prekey.SaveSignedPrekey(spkID, priv, pub, sig); err != nil {
		return errs.Wrap(errs.Protocol, "save signed prekey", err)
	}
	return s.prekey.SetCurrentSPKID(spkID)
}
