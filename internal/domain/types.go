package domain

import (
	"encoding/hex"
	"fmt"
	"strconv"
)

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// Ed25519Public is an Ed25519 signing public key.
type Ed25519Public [32]byte

// Slice returns the key as a []byte.
func (p Ed25519Public) Slice() []byte { return p[:] }

// Ed25519Private is an Ed25519 signing private key.
type Ed25519Private [64]byte

// Slice returns the key as a []byte.
func (k Ed25519Private) Slice() []byte { return k[:] }

// Identity holds a node's long-term X25519 and Ed25519 keys.
type Identity struct {
	XPub   X25519Public   `json:"xpub"`
	XPriv  X25519Private  `json:"xpriv"`
	EdPub  Ed25519Public  `json:"edpub"`
	EdPriv Ed25519Private `json:"edpriv"`
}

// NodeID is the 256-bit overlay identifier, SHA-256(IK_pub).
type NodeID [32]byte

// String renders a truncated (16 hex char) form for logs and display.
func (n NodeID) String() string {
	full := hex.EncodeToString(n[:])
	return full[:16]
}

// Full renders the complete 64 hex char identifier.
func (n NodeID) Full() string { return hex.EncodeToString(n[:]) }

// IsZero reports whether n is the zero value.
func (n NodeID) IsZero() bool { return n == NodeID{} }

// XOR returns the XOR-distance metric between two node identifiers.
func (n NodeID) XOR(other NodeID) NodeID {
	var out NodeID
	for i := range n {
		out[i] = n[i] ^ other[i]
	}
	return out
}

// MarshalText renders the full hex form, letting NodeID serve directly as
// a JSON object key (encoding/json requires string, integer, or
// TextMarshaler map keys).
func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.Full()), nil
}

// UnmarshalText parses the full hex form produced by MarshalText.
func (n *NodeID) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("NodeID: %w", err)
	}
	if len(b) != len(*n) {
		return fmt.Errorf("NodeID: want %d bytes, got %d", len(*n), len(b))
	}
	copy(n[:], b)
	return nil
}

// OneTimePair is the full (private+public) one-time prekey stored locally.
type OneTimePair struct {
	ID   uint32        `json:"id"`
	Priv X25519Private `json:"priv"`
	Pub  X25519Public  `json:"pub"`
}

// OneTimePub is only the public half, served in bundles.
type OneTimePub struct {
	ID  uint32       `json:"id"`
	Pub X25519Public `json:"pub"`
}

// PrekeyBundle is the public-only material served to any peer for
// asynchronous X3DH key agreement.
type PrekeyBundle struct {
	NodeID          NodeID       `json:"node_id"`
	IdentityKey     X25519Public `json:"identity_key"`
	SignKey         Ed25519Public `json:"sign_key"`
	SPKID           uint32       `json:"spk_id"`
	SignedPrekey    X25519Public `json:"signed_prekey"`
	SignedPrekeySig []byte       `json:"signed_prekey_sig"`
	OneTime         *OneTimePub  `json:"one_time,omitempty"`
}

// PrekeyMessage carries the X3DH handshake parameters in the first message
// of a new session.
type PrekeyMessage struct {
	InitiatorIK X25519Public `json:"initiator_ik"`
	Ephemeral   X25519Public `json:"ephemeral"`
	SPKID       uint32       `json:"spk_id"`
	OPKID       uint32       `json:"opk_id,omitempty"`
	HasOPKID    bool         `json:"has_opk_id,omitempty"`
}

// RatchetHeader is sent alongside every ciphertext.
type RatchetHeader struct {
	DHPub []byte `json:"dh_pub"`
	PN    uint32 `json:"pn"`
	N     uint32 `json:"n"`
}

// Envelope is a message as carried over the wire between two peers.
type Envelope struct {
	From      NodeID         `json:"from"`
	To        NodeID         `json:"to"`
	Header    RatchetHeader  `json:"header"`
	Cipher    []byte         `json:"cipher"`
	AD        []byte         `json:"ad,omitempty"`
	Prekey    *PrekeyMessage `json:"prekey,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Session holds the X3DH-derived root key and bootstrap metadata for a peer,
// consumed once by the Double Ratchet initializer.
type Session struct {
	Peer        NodeID       `json:"peer"`
	RootKey     []byte       `json:"root_key"`
	PeerSPK     X25519Public `json:"peer_spk"`
	PeerIK      X25519Public `json:"peer_ik"`
	CreatedUTC  int64        `json:"created_utc"`
	SPKID       uint32       `json:"spk_id"`
	OPKID       uint32       `json:"opk_id"`
	HasOPKID    bool         `json:"has_opk_id"`
	InitiatorEK X25519Public `json:"initiator_ek"`
}

// RatchetStatus is the per-session state machine position (spec §4.3).
type RatchetStatus int

const (
	RatchetFresh RatchetStatus = iota
	RatchetEstablished
	RatchetClosed
)

func (s RatchetStatus) String() string {
	switch s {
	case RatchetFresh:
		return "fresh"
	case RatchetEstablished:
		return "established"
	case RatchetClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SkippedKeyID identifies one buffered message key: the sender ratchet
// public key it was derived under, plus its chain index.
type SkippedKeyID struct {
	DHPub [32]byte
	N     uint32
}

// Conversation persists the ratchet state for a peer.
type Conversation struct {
	Peer  NodeID       `json:"peer"`
	State RatchetState `json:"state"`
}

// DecryptedMessage is what the application-facing recv API returns.
type DecryptedMessage struct {
	From      NodeID `json:"from"`
	To        NodeID `json:"to"`
	Plaintext []byte `json:"plaintext"`
	Timestamp int64  `json:"timestamp"`
}

// RatchetState contains all fields the Double Ratchet needs to track for
// one peer session (spec §3, §4.3).
type RatchetState struct {
	RootKey             []byte                  `json:"root_key"`
	DHPriv              X25519Private           `json:"dh_priv"`
	DHPub               X25519Public            `json:"dh_pub"`
	PeerDHPub           X25519Public            `json:"peer_dh_pub"`
	SendCK              []byte                  `json:"send_ck,omitempty"`
	RecvCK              []byte                  `json:"recv_ck,omitempty"`
	Ns                  uint32                  `json:"ns"`
	Nr                  uint32                  `json:"nr"`
	PN                  uint32                  `json:"pn"`
	Skipped             map[SkippedKeyID][]byte `json:"-"`
	SkippedOrder        []SkippedKeyID          `json:"-"`
	Status              RatchetStatus           `json:"status"`
	ConsecutiveAuthFail int                     `json:"consecutive_auth_fail"`
}

// PeerRecord is one entry in the overlay routing table (spec §3, §4.5).
type PeerRecord struct {
	NodeID          NodeID  `json:"node_id"`
	Host            string  `json:"host"`
	Port            uint16  `json:"port"`
	LastSeen        int64   `json:"last_seen"`
	LastPing        int64   `json:"last_ping"`
	PingRTT         float64 `json:"ping_rtt"`
	PingCount       int     `json:"ping_count"`
	PingSuccess     int     `json:"ping_success"`
	Reputation      float64 `json:"reputation"`
	ConsecutiveFail int     `json:"consecutive_fail"`
	Active          bool    `json:"active"`
}

// Address returns "host:port" for dialing.
func (p PeerRecord) Address() string {
	return p.Host + ":" + strconv.Itoa(int(p.Port))
}
