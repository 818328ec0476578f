// Package ratchet implements the Double Ratchet algorithm (spec §4.3):
// per-session key evolution with skipped-key buffering for out-of-order
// delivery and a DH ratchet step whenever the peer advances its own
// ratchet key.
package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"ciphera/internal/crypto"
	"ciphera/internal/domain"
	"ciphera/internal/protocol/errs"
)

const (
	aeadKeySize = chacha20poly1305.KeySize
	nonceSize   = chacha20poly1305.NonceSize

	// maxSkippedMK is MAX_SKIP: the per-session bound on buffered skipped
	// message keys (spec §4.3, §5).
	maxSkippedMK = 1000

	// maxConsecutiveAuthFail is MAX_CONSECUTIVE_AUTH_FAIL: decrypt failures
	// in a row before a session transitions to Closed (spec §4.3).
	maxConsecutiveAuthFail = 8
)

// zeroNonce is used for every AEAD operation: each message key is derived
// fresh and used exactly once, so a constant nonce under a one-time key is
// safe (spec §6).
var zeroNonce [nonceSize]byte

// InitAsInitiator initializes ratchet state for the session initiator: a
// fresh ratchet keypair is generated and the send chain is seeded via
// KDF_RK against the peer's identity key (spec §4.3 "Initialization
// (initiator, after X3DH)").
func InitAsInitiator(
	root []byte,
	_ domain.X25519Private,
	_ domain.X25519Public,
	peerIdentity domain.X25519Public,
) (domain.RatchetState, error) {
	priv, pub, err := generateRatchetKey()
	if err != nil {
		return domain.RatchetState{}, err
	}

	dh, err := crypto.DH(priv, peerIdentity)
	if err != nil {
		return domain.RatchetState{}, err
	}
	newRoot, sendCK := kdfRK(root, dh[:])
	crypto.Wipe(dh[:])

	return domain.RatchetState{
		RootKey:   newRoot,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: peerIdentity,
		SendCK:    sendCK,
		Skipped:   make(map[domain.SkippedKeyID][]byte),
		Status:    domain.RatchetFresh,
	}, nil
}

// InitAsResponder initializes ratchet state for the session responder. Its
// identity key pair serves as its first ratchet key pair, and the receive
// chain is seeded via KDF_RK from DH(identity key, senderRatchetPub), the
// same DH the initiator used for its send chain. The root key therefore
// already moves past the X3DH secret here and the receive chain is set
// when this returns; only the send chain stays nil until the first send,
// which lazily generates a fresh ratchet keypair and seeds it.
func InitAsResponder(
	root []byte,
	priv domain.X25519Private,
	pub domain.X25519Public,
	senderRatchetPub domain.X25519Public,
) (domain.RatchetState, error) {
	dh, err := crypto.DH(priv, senderRatchetPub)
	if err != nil {
		return domain.RatchetState{}, err
	}
	newRoot, recvCK := kdfRK(root, dh[:])
	crypto.Wipe(dh[:])

	return domain.RatchetState{
		RootKey:   newRoot,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: senderRatchetPub,
		RecvCK:    recvCK,
		Skipped:   make(map[domain.SkippedKeyID][]byte),
		Status:    domain.RatchetFresh,
	}, nil
}

// Encrypt derives the next message key from the send chain and seals
// plaintext under it, advancing Ns (spec §4.3 "Per-send").
func Encrypt(st *domain.RatchetState, ad, plaintext []byte) (domain.RatchetHeader, []byte, error) {
	if st == nil {
		return domain.RatchetHeader{}, nil, errs.New(errs.Protocol, "ratchet state uninitialised")
	}
	if st.Status == domain.RatchetClosed {
		return domain.RatchetHeader{}, nil, errs.New(errs.Closed, "session is closed")
	}

	if st.SendCK == nil {
		// Lazy responder ratchet: the first send generates a fresh keypair
		// and re-derives the root/send-chain against the current peer key.
		st.PN = st.Ns
		st.Ns, st.Nr = 0, 0

		priv, pub, err := generateRatchetKey()
		if err != nil {
			return domain.RatchetHeader{}, nil, err
		}
		dh, err := crypto.DH(priv, st.PeerDHPub)
		if err != nil {
			return domain.RatchetHeader{}, nil, err
		}
		newRoot, sendCK := kdfRK(st.RootKey, dh[:])
		crypto.Wipe(dh[:])

		st.RootKey, st.DHPriv, st.DHPub, st.SendCK = newRoot, priv, pub, sendCK
	}

	mk, err := kdfCKSend(st)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}

	header := domain.RatchetHeader{DHPub: append([]byte{}, st.DHPub.Slice()...), PN: st.PN, N: st.Ns}
	ct, err := seal(mk, header, ad, plaintext)
	crypto.Wipe(mk)
	if err != nil {
		return domain.RatchetHeader{}, nil, errs.Wrap(errs.Protocol, "seal", err)
	}

	st.Ns++
	if st.Status == domain.RatchetFresh {
		st.Status = domain.RatchetEstablished
	}
	return header, ct, nil
}

// Decrypt resolves the message key for an incoming header (from skipped
// storage, the current receive chain, or a DH ratchet step) and opens
// ciphertext under it (spec §4.3 "Per-receive"). budget enforces the
// global skipped-key cap (MAX_SKIP_TOTAL) across all sessions; pass nil to
// skip that check (e.g. in isolated single-session tests).
func Decrypt(st *domain.RatchetState, budget *Budget, ad []byte, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	if st == nil {
		return nil, errs.New(errs.Protocol, "ratchet state uninitialised")
	}
	if st.Status == domain.RatchetClosed {
		return nil, errs.New(errs.Closed, "session is closed")
	}
	if len(header.DHPub) != 32 {
		return nil, errs.New(errs.Protocol, "malformed header: dh_pub must be 32 bytes")
	}

	// 1. Already-buffered skipped key.
	keyID := skippedKeyID(header.DHPub, header.N)
	if mk, ok := st.Skipped[keyID]; ok {
		removeSkipped(st, keyID)
		if budget != nil {
			budget.Release(1)
		}
		pt, err := open(mk, header, ad, ciphertext)
		crypto.Wipe(mk)
		if err != nil {
			return nil, recordAuthFail(st, err)
		}
		recordAuthSuccess(st)
		return pt, nil
	}

	sameEpoch := equal32(st.PeerDHPub.Slice(), header.DHPub)

	// 2. Replay of an already-consumed, non-buffered key in the current epoch.
	if sameEpoch && header.N < st.Nr {
		return nil, errs.New(errs.ReplayOld, "message key already consumed")
	}

	if !sameEpoch {
		// New DH ratchet step: first skip-ahead the remainder of the
		// current receive chain, then advance RK/CK via the peer's new key.
		if err := skipAhead(st, budget, header.PN); err != nil {
			st.Status = domain.RatchetClosed
			return nil, err
		}

		var peer domain.X25519Public
		copy(peer[:], header.DHPub)

		dh, err := crypto.DH(st.DHPriv, peer)
		if err != nil {
			return nil, err
		}
		newRoot, recvCK := kdfRK(st.RootKey, dh[:])
		crypto.Wipe(dh[:])

		priv, pub, err := generateRatchetKey()
		if err != nil {
			return nil, err
		}
		dh2, err := crypto.DH(priv, peer)
		if err != nil {
			return nil, err
		}
		rk2, sendCK := kdfRK(newRoot, dh2[:])
		crypto.Wipe(dh2[:])

		st.PN, st.Ns, st.Nr = st.Ns, 0, 0
		st.RootKey, st.DHPriv, st.DHPub, st.PeerDHPub, st.SendCK, st.RecvCK = rk2, priv, pub, peer, sendCK, recvCK
	}

	// 3. Skip ahead inside the (possibly just-advanced) current chain.
	if err := skipAhead(st, budget, header.N); err != nil {
		st.Status = domain.RatchetClosed
		return nil, err
	}

	if st.RecvCK == nil {
		return nil, errs.New(errs.Protocol, "receive chain key uninitialised")
	}
	// Derive without committing: on AEAD failure the chain must not move,
	// so a retry of the same header re-derives the same message key.
	nextCK, mk := kdfCK(st.RecvCK)
	pt, err := open(mk, header, ad, ciphertext)
	crypto.Wipe(mk)
	if err != nil {
		return nil, recordAuthFail(st, err)
	}
	st.RecvCK = nextCK
	st.Nr++
	recordAuthSuccess(st)
	return pt, nil
}

func recordAuthFail(st *domain.RatchetState, cause error) error {
	st.ConsecutiveAuthFail++
	if st.ConsecutiveAuthFail >= maxConsecutiveAuthFail {
		st.Status = domain.RatchetClosed
	}
	return errs.Wrap(errs.AuthFail, "aead open failed", cause)
}

func recordAuthSuccess(st *domain.RatchetState) {
	st.ConsecutiveAuthFail = 0
	if st.Status == domain.RatchetFresh {
		st.Status = domain.RatchetEstablished
	}
}

// skipAhead derives and buffers message keys for every index in
// [Nr, upTo) of the current receive chain, enforcing MAX_SKIP and
// MAX_SKIP_TOTAL (spec §4.3 "Skipped-key bound").
func skipAhead(st *domain.RatchetState, budget *Budget, upTo uint32) error {
	if upTo <= st.Nr {
		return nil
	}
	delta := int(upTo - st.Nr)
	if delta > maxSkippedMK {
		return errs.New(errs.TooManySkipped, "single skip-ahead exceeds MAX_SKIP")
	}
	if st.RecvCK == nil {
		// No receive chain yet (an initiator that has not yet heard from
		// its peer): nothing to derive from; Decrypt's own RecvCK check
		// reports the error if a key from this chain is still needed.
		return nil
	}
	if budget != nil && !budget.Reserve(delta) {
		return errs.New(errs.TooManySkipped, "global skipped-key budget exhausted")
	}

	for st.Nr < upTo {
		mk, err := kdfCKRecv(st)
		if err != nil {
			if budget != nil {
				budget.Release(delta)
			}
			return err
		}
		insertSkipped(st, skippedKeyID(st.PeerDHPub.Slice(), st.Nr), mk, budget)
		st.Nr++
	}
	return nil
}

// insertSkipped stores a skipped key, evicting the oldest entry first if
// the per-session bound is already saturated (spec invariant 4).
func insertSkipped(st *domain.RatchetState, id domain.SkippedKeyID, mk []byte, budget *Budget) {
	if len(st.Skipped) >= maxSkippedMK && len(st.SkippedOrder) > 0 {
		oldest := st.SkippedOrder[0]
		st.SkippedOrder = st.SkippedOrder[1:]
		delete(st.Skipped, oldest)
		if budget != nil {
			budget.Release(1)
		}
	}
	st.Skipped[id] = mk
	st.SkippedOrder = append(st.SkippedOrder, id)
}

func removeSkipped(st *domain.RatchetState, id domain.SkippedKeyID) {
	delete(st.Skipped, id)
	for i, v := range st.SkippedOrder {
		if v == id {
			st.SkippedOrder = append(st.SkippedOrder[:i], st.SkippedOrder[i+1:]...)
			break
		}
	}
}

// --- KDFs (spec §4.3 "KDFs (concrete)") ---

// kdfRK derives a new root key and chain key from a DH output:
// HKDF-SHA256(salt=rk, ikm=dh, info="ratchet").
func kdfRK(root, dh []byte) (newRoot, ck []byte) {
	hk := hkdf.New(sha256.New, dh, root, []byte("ratchet"))
	newRoot = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(hk, newRoot)
	_, _ = io.ReadFull(hk, ck)
	return
}

// kdfCKSend advances the send chain key, returning the next message key.
// ck' = HMAC-SHA256(ck, 0x02); mk = HMAC-SHA256(ck, 0x01).
func kdfCKSend(st *domain.RatchetState) ([]byte, error) {
	if st.SendCK == nil {
		return nil, errs.New(errs.Protocol, "send chain key uninitialised")
	}
	nextCK, mk := kdfCK(st.SendCK)
	st.SendCK = nextCK
	return mk, nil
}

// kdfCKRecv advances the receive chain key, returning the next message key.
func kdfCKRecv(st *domain.RatchetState) ([]byte, error) {
	if st.RecvCK == nil {
		return nil, errs.New(errs.Protocol, "receive chain key uninitialised")
	}
	nextCK, mk := kdfCK(st.RecvCK)
	st.RecvCK = nextCK
	return mk, nil
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	nextCK = hmacLabel(ck, 0x02)
	mk = hmacLabel(ck, 0x01)
	return
}

func hmacLabel(ck []byte, label byte) []byte {
	h := newHMAC(ck)
	h.Write([]byte{label})
	return h.Sum(nil)
}

func newHMAC(key []byte) hash.Hash {
	return hmac.New(sha256.New, key)
}

// seal encrypts plaintext with ChaCha20-Poly1305 under a zero nonce (spec
// §6: each message key is used exactly once then destroyed, so nonce
// reuse under a fixed key never occurs). header||ad forms the AEAD
// associated data.
func seal(mk []byte, header domain.RatchetHeader, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, zeroNonce[:], plaintext, append(append([]byte{}, ad...), headerBytes(header)...)), nil
}

// open decrypts ciphertext with ChaCha20-Poly1305 under a zero nonce.
func open(mk []byte, header domain.RatchetHeader, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, zeroNonce[:], ciphertext, append(append([]byte{}, ad...), headerBytes(header)...))
}

// headerBytes serializes DHPub||PN||N as associated data.
func headerBytes(h domain.RatchetHeader) []byte {
	var tmp [4]byte
	out := append([]byte{}, h.DHPub...)
	binary.BigEndian.PutUint32(tmp[:], h.PN)
	out = append(out, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], h.N)
	return append(out, tmp[:]...)
}

func skippedKeyID(pub []byte, n uint32) domain.SkippedKeyID {
	var id domain.SkippedKeyID
	copy(id.DHPub[:], pub)
	id.N = n
	return id
}

func equal32(a, b []byte) bool {
	if len(a) != 32 || len(b) != 32 {
		return false
	}
	var v byte
	for i := range 32 {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

func generateRatchetKey() (domain.X25519Private, domain.X25519Public, error) {
	return crypto.GenerateX25519()
}
