package domain

import "context"

// IdentityStore persists the local identity encrypted at rest.
type IdentityStore interface {
	SaveIdentity(passphrase string, id Identity) error
	LoadIdentity(passphrase string) (Identity, error)
}

// PrekeyStore keeps the signed prekey and one-time prekey pairs locally,
// plus the bookkeeping component A needs to hand out each OPK at most once.
type PrekeyStore interface {
	SaveSignedPrekey(id uint32, priv X25519Private, pub X25519Public, sig []byte) error
	LoadSignedPrekey(id uint32) (priv X25519Private, pub X25519Public, sig []byte, ok bool, err error)
	CurrentSPKID() (uint32, bool, error)
	SetCurrentSPKID(id uint32) error

	SaveOneTimePairs(pairs []OneTimePair) error
	// ConsumeOneTimePair atomically pops one unused OPK for serving in a
	// bundle; the same id is never returned twice.
	ConsumeOneTimePair() (OneTimePair, bool, error)
	// TakeOneTimePair retrieves and deletes the private half for id, for
	// the responder side of X3DH.
	TakeOneTimePair(id uint32) (OneTimePair, bool, error)
	CountOneTime() (int, error)
	// NextOneTimeIDs reserves and persists the next n one-time prekey ids
	// from a monotonically increasing counter, so a replenish batch can
	// never reissue an id still outstanding in the unconsumed pool.
	NextOneTimeIDs(n int) ([]uint32, error)
}

// PrekeyBundleStore caches the last-served bundle for a peer.
type PrekeyBundleStore interface {
	SavePrekeyBundle(b PrekeyBundle) error
	LoadPrekeyBundle(peer NodeID) (PrekeyBundle, bool, error)
}

// SessionStore persists X3DH-derived sessions, keyed by peer NodeID.
type SessionStore interface {
	SaveSession(peer NodeID, s Session) error
	LoadSession(peer NodeID) (Session, bool, error)
}

// RatchetStore persists per-peer Double Ratchet state.
type RatchetStore interface {
	SaveConversation(peer NodeID, conv Conversation) error
	LoadConversation(peer NodeID) (Conversation, bool, error)
}

// RoutingTableStore optionally persists a routing table snapshot across
// restarts so a node does not start with an empty table every launch.
type RoutingTableStore interface {
	SaveRoutingTable(records []PeerRecord) error
	LoadRoutingTable() ([]PeerRecord, error)
}

// Transport is what internal/node needs from internal/transport: dial a
// peer and obtain a connection abstraction wire messages travel over.
type Transport interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Conn is a single framed, possibly-obfuscated connection to a peer.
type Conn interface {
	Send(ctx context.Context, raw []byte) error
	Recv(ctx context.Context) ([]byte, error)
	RemoteAddr() string
	Close() error
}
