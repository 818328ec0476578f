package crypto

import (
	"crypto/sha256"

	"ciphera/internal/domain"
)

// DeriveNodeID computes the overlay node id for an identity key,
// SHA-256(IK_pub), the same hash construction Fingerprint uses for its
// truncated display form.
func DeriveNodeID(ikPub domain.X25519Public) domain.NodeID {
	return domain.NodeID(sha256.Sum256(ikPub[:]))
}
