package node

import (
	"context"
	"sync"

	"ciphera/internal/domain"
	"ciphera/internal/obslog"
	"ciphera/internal/protocol/ratchet"
	"ciphera/internal/transport"
	"ciphera/internal/wire"
)

// peerSession is one peer's live state: the Double Ratchet, the connection
// carrying its traffic, and (for a session this node initiated but has not
// yet sent a first message over) the pending X3DH parameters to embed in
// that first X3DH_INIT frame.
type peerSession struct {
	peer domain.NodeID
	node *Node

	mu          sync.Mutex
	state       domain.RatchetState
	conn        *transport.Conn
	pendingInit *domain.Session // non-nil until this node's first Send

	closeOnce sync.Once
}

func newPeerSession(n *Node, peer domain.NodeID) *peerSession {
	return &peerSession{peer: peer, node: n}
}

// attachConn installs conn as this session's transport and starts its
// dedicated read goroutine, replacing any prior connection.
func (s *peerSession) attachConn(conn *transport.Conn) {
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.mu.Unlock()

	if old != nil && old != conn {
		_ = old.Close()
	}

	s.node.wg.Add(1)
	go s.readLoop(conn)
}

func (s *peerSession) readLoop(conn *transport.Conn) {
	defer s.node.wg.Done()
	for {
		raw, err := conn.Recv(s.node.ctx)
		if err != nil {
			return
		}
		msg, err := wire.Decode(raw)
		if err != nil {
			obslog.Warn("malformed frame from session peer", obslog.Peer(s.peer.String()), obslog.Err(err))
			continue
		}
		switch msg.Type {
		case wire.MsgRatchet:
			if msg.Ratchet == nil {
				continue
			}
			s.deliver(*msg.Ratchet)
		case wire.MsgX3DHInit:
			if msg.X3DHInit == nil {
				continue
			}
			s.deliverX3DHInit(*msg.X3DHInit)
		case wire.MsgPing:
			if msg.Ping != nil {
				_ = s.node.reply(conn, wire.Message{Type: wire.MsgPong, Pong: &wire.Pong{Nonce: msg.Ping.Nonce}})
			}
		default:
			// Overlay control traffic arriving on a session socket is
			// ignored; PING/FIND_NODE RPCs use their own short-lived
			// connections (see protocol.go).
		}
	}
}

// deliverX3DHInit handles an X3DH_INIT arriving on this session's already
// attached connection - the common case, since Connect always performs
// HELLO/WELCOME before either side's first X3DH_INIT rides the same
// connection as a later frame rather than its opening one.
func (s *peerSession) deliverX3DHInit(m wire.X3DHInit) {
	if _, err := s.node.AcceptInitial(m); err != nil {
		obslog.Warn("x3dh init rejected", obslog.Peer(s.peer.String()), obslog.Err(err))
	}
}

func (s *peerSession) deliver(rm wire.RatchetMsg) {
	header := domain.RatchetHeader{DHPub: rm.DHPub, PN: rm.PN, N: rm.N}

	s.mu.Lock()
	pt, err := ratchet.Decrypt(&s.state, s.node.budget, nil, header, rm.CT)
	state := s.state
	s.mu.Unlock()

	if s.node.ratDB != nil {
		_ = s.node.ratDB.SaveConversation(s.peer, domain.Conversation{Peer: s.peer, State: state})
	}
	if err != nil {
		obslog.Warn("ratchet decrypt failed", obslog.Peer(s.peer.String()), obslog.Err(err))
		return
	}

	select {
	case s.node.recvCh <- domain.DecryptedMessage{From: s.peer, To: s.node.self, Plaintext: pt, Timestamp: nowUnix()}:
	case <-s.node.ctx.Done():
	}
}

// send encrypts plaintext under the session ratchet and writes it to the
// peer, wrapping it in an X3DH_INIT frame the first time this node sends
// to an initiator-side session that has never put bytes on the wire.
func (s *peerSession) send(ctx context.Context, plaintext []byte) error {
	s.mu.Lock()
	header, ct, err := ratchet.Encrypt(&s.state, nil, plaintext)
	state := s.state
	pending := s.pendingInit
	s.pendingInit = nil
	conn := s.conn
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if s.node.ratDB != nil {
		_ = s.node.ratDB.SaveConversation(s.peer, domain.Conversation{Peer: s.peer, State: state})
	}
	if conn == nil {
		return errNotConnected(s.peer)
	}

	rm := wire.RatchetMsg{DHPub: header.DHPub, PN: header.PN, N: header.N, CT: ct}
	if pending != nil {
		msg := wire.Message{
			Type: wire.MsgX3DHInit,
			X3DHInit: &wire.X3DHInit{
				IKPub:   s.node.identity.XPub,
				EKPub:   pending.InitiatorEK,
				SPKID:   pending.SPKID,
				OPKID:   pending.OPKID,
				HasOPK:  pending.HasOPKID,
				Ratchet: rm,
			},
		}
		return s.node.send(ctx, conn, msg)
	}
	return s.node.send(ctx, conn, wire.Message{Type: wire.MsgRatchet, Ratchet: &rm})
}

func (s *peerSession) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}
