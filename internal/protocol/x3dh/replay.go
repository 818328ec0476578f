package x3dh

import (
	"container/list"
	"sync"

	"ciphera/internal/domain"
	"ciphera/internal/protocol/errs"
)

// replayGuardCapacity bounds the responder's recently-seen (ek_pub, opk_id)
// set, grounded on the teacher relay server's fixed maxPerUserQueue style
// bound rather than an unbounded map.
const replayGuardCapacity = 4096

type replayKey struct {
	ek     domain.X25519Public
	opkID  uint32
	hasOPK bool
}

// ReplayGuard rejects a previously-seen X3DH initial message, the
// responder-side DuplicateInit check spec §4.2 requires. Zero value is
// ready to use.
type ReplayGuard struct {
	mu    sync.Mutex
	order list.List
	index map[replayKey]*list.Element
}

// Check records (ephemeral, opk) if new, or returns a DuplicateInit error
// if it was already seen.
func (g *ReplayGuard) Check(ephemeral domain.X25519Public, opkID uint32, hasOPK bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.index == nil {
		g.index = make(map[replayKey]*list.Element, replayGuardCapacity)
	}

	key := replayKey{ek: ephemeral, opkID: opkID, hasOPK: hasOPK}
	if _, seen := g.index[key]; seen {
		return errs.New(errs.DuplicateInit, "x3dh initial message already processed")
	}

	if g.order.Len() >= replayGuardCapacity {
		oldest := g.order.Front()
		if oldest != nil {
			g.order.Remove(oldest)
			delete(g.index, oldest.Value.(replayKey))
		}
	}
	g.index[key] = g.order.PushBack(key)
	return nil
}
