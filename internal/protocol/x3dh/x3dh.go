// Package x3dh implements the X3DH asynchronous key agreement (spec §4.2):
// the initiator derives an initial root secret from a peer's published
// prekey bundle; the responder derives the same secret from the resulting
// initial message and its own private prekeys.
package x3dh

import (
	"crypto/sha256"

	"golang.org/x/crypto/hkdf"

	"ciphera/internal/crypto"
	"ciphera/internal/domain"
	"ciphera/internal/protocol/errs"
	"ciphera/internal/util/memzero"
)

const hkdfInfo = "x3dh"

// InitiatorRoot runs the initiator side of X3DH against a peer's bundle: it
// verifies the signed prekey, generates a fresh ephemeral key, computes the
// 3-or-4-DH input and derives the 32-byte root secret. It returns the
// identifiers the responder needs to recompute the same DH set.
func InitiatorRoot(self domain.Identity, bundle domain.PrekeyBundle) (root []byte, spkID uint32, opkID uint32, hasOPK bool, ephPub domain.X25519Public, err error) {
	if !crypto.VerifyEd25519(bundle.SignKey, bundle.SignedPrekey.Slice(), bundle.SignedPrekeySig) {
		return nil, 0, 0, false, ephPub, errs.New(errs.BadBundle, "signed prekey signature does not verify")
	}

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, 0, 0, false, ephPub, errs.Wrap(errs.Protocol, "generate ephemeral key", err)
	}
	defer memzero.Zero(ephPriv[:])

	dh1, err := crypto.DH(self.XPriv, bundle.SignedPrekey) // DH(IK_A, SPK_B)
	if err != nil {
		return nil, 0, 0, false, ephPub, errs.Wrap(errs.Protocol, "dh1", err)
	}
	dh2, err := crypto.DH(ephPriv, bundle.IdentityKey) // DH(EK_A, IK_B)
	if err != nil {
		return nil, 0, 0, false, ephPub, errs.Wrap(errs.Protocol, "dh2", err)
	}
	dh3, err := crypto.DH(ephPriv, bundle.SignedPrekey) // DH(EK_A, SPK_B)
	if err != nil {
		return nil, 0, 0, false, ephPub, errs.Wrap(errs.Protocol, "dh3", err)
	}

	ikm := make([]byte, 0, 32*4)
	ikm = append(ikm, dh1[:]...)
	ikm = append(ikm, dh2[:]...)
	ikm = append(ikm, dh3[:]...)
	defer memzero.Zero(ikm)

	if bundle.OneTime != nil {
		dh4, derr := crypto.DH(ephPriv, bundle.OneTime.Pub) // DH(EK_A, OPK_B)
		if derr != nil {
			return nil, 0, 0, false, ephPub, errs.Wrap(errs.Protocol, "dh4", derr)
		}
		ikm = append(ikm, dh4[:]...)
		opkID, hasOPK = bundle.OneTime.ID, true
	}

	root = deriveRoot(ikm)
	return root, bundle.SPKID, opkID, hasOPK, ephPub, nil
}

// ResponderRoot runs the responder side of X3DH: given the initiator's
// prekey message and the responder's own signed-prekey (and, if referenced,
// one-time-prekey) private halves, it recomputes the same root secret.
func ResponderRoot(self domain.Identity, spkPriv domain.X25519Private, opkPriv *domain.X25519Private, pm domain.PrekeyMessage) ([]byte, error) {
	dh1, err := crypto.DH(spkPriv, pm.InitiatorIK) // DH(SPK_B, IK_A)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "dh1", err)
	}
	dh2, err := crypto.DH(self.XPriv, pm.Ephemeral) // DH(IK_B, EK_A)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "dh2", err)
	}
	dh3, err := crypto.DH(spkPriv, pm.Ephemeral) // DH(SPK_B, EK_A)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "dh3", err)
	}

	ikm := make([]byte, 0, 32*4)
	ikm = append(ikm, dh1[:]...)
	ikm = append(ikm, dh2[:]...)
	ikm = append(ikm, dh3[:]...)
	defer memzero.Zero(ikm)

	if pm.HasOPKID {
		if opkPriv == nil {
			return nil, errs.New(errs.UnknownOpk, "message references an opk_id we do not hold")
		}
		dh4, derr := crypto.DH(*opkPriv, pm.Ephemeral) // DH(OPK_B, EK_A)
		if derr != nil {
			return nil, errs.Wrap(errs.Protocol, "dh4", derr)
		}
		ikm = append(ikm, dh4[:]...)
	}

	return deriveRoot(ikm), nil
}

func deriveRoot(ikm []byte) []byte {
	r := hkdf.New(sha256.New, ikm, nil, []byte(hkdfInfo))
	out := make([]byte, 32)
	_, _ = r.Read(out) // hkdf.Read on a correctly sized reader never errors
	return out
}
