package node

import (
	"context"
	"crypto/sha256"
	"net"
	"time"

	"ciphera/internal/crypto"
	"ciphera/internal/domain"
	"ciphera/internal/obslog"
	"ciphera/internal/overlay"
	"ciphera/internal/protocol/errs"
	"ciphera/internal/protocol/ratchet"
	"ciphera/internal/protocol/x3dh"
	"ciphera/internal/transport"
	"ciphera/internal/wire"
)

// rpcTimeout bounds the ephemeral PING/FIND_NODE RPCs the overlay router
// issues (spec §4.5 "5s RPC timeout").
const rpcTimeout = 5 * time.Second

var nowUnix = func() int64 { return time.Now().Unix() }

func errNotConnected(peer domain.NodeID) error {
	return errs.New(errs.Closed, "no open connection to "+peer.String())
}

// send obfuscates and frames msg, writing it to conn.
func (n *Node) send(ctx context.Context, conn *transport.Conn, msg wire.Message) error {
	raw, err := wire.Encode(msg)
	if err != nil {
		return errs.Wrap(errs.Protocol, "encode message", err)
	}
	return conn.Send(ctx, raw)
}

func (n *Node) reply(conn *transport.Conn, msg wire.Message) error {
	return n.send(n.ctx, conn, msg)
}

// acceptLoop accepts inbound connections until the node is closed.
func (n *Node) acceptLoop() {
	defer n.wg.Done()
	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
				obslog.Warn("accept failed", obslog.Err(err))
				continue
			}
		}
		n.wg.Add(1)
		go n.handleInbound(conn)
	}
}

// handleInbound reads the first frame on a freshly accepted connection to
// learn its purpose, then either answers a one-off RPC and closes, or
// hands the connection off to a persistent per-peer session.
func (n *Node) handleInbound(conn *transport.Conn) {
	defer n.wg.Done()

	raw, err := conn.Recv(n.ctx)
	if err != nil {
		_ = conn.Close()
		return
	}
	msg, err := wire.Decode(raw)
	if err != nil {
		obslog.Warn("malformed inbound frame", obslog.Err(err))
		_ = conn.Close()
		return
	}

	switch msg.Type {
	case wire.MsgHello:
		n.handleHello(conn, msg.Hello)
	case wire.MsgPing:
		defer conn.Close()
		if !n.table.Allow(rateLimitKey(conn.RemoteAddr())) {
			return
		}
		if msg.Ping != nil {
			_ = n.reply(conn, wire.Message{Type: wire.MsgPong, Pong: &wire.Pong{Nonce: msg.Ping.Nonce}})
		}
	case wire.MsgFindNode:
		defer conn.Close()
		if !n.table.Allow(rateLimitKey(conn.RemoteAddr())) {
			return
		}
		if msg.FindNode != nil {
			peers := toWirePeers(n.table.Closest(msg.FindNode.Target, overlay.K))
			_ = n.reply(conn, wire.Message{Type: wire.MsgNodes, Nodes: &wire.Nodes{Peers: peers}})
		}
	case wire.MsgX3DHInit:
		if msg.X3DHInit == nil {
			_ = conn.Close()
			return
		}
		peer, err := n.AcceptInitial(*msg.X3DHInit)
		if err != nil {
			obslog.Warn("x3dh init rejected", obslog.Err(err))
			_ = conn.Close()
			return
		}
		n.getOrCreateSession(peer).attachConn(conn)
	default:
		_ = conn.Close()
	}
}

func (n *Node) handleHello(conn *transport.Conn, h *wire.Hello) {
	if h == nil {
		_ = conn.Close()
		return
	}
	n.table.Observe(n.ctx, domain.PeerRecord{
		NodeID: h.NodeID, Host: h.IP.String(), Port: h.Port, LastSeen: nowUnix(), Active: true,
	}, nodePinger{n})

	_ = n.reply(conn, wire.Message{
		Type: wire.MsgWelcome,
		Welcome: &wire.Welcome{
			Hello: wire.Hello{NodeID: n.self, IKPub: n.identity.XPub},
			Peers: toWirePeers(n.table.Closest(h.NodeID, overlay.K)),
		},
	})

	s := n.getOrCreateSession(h.NodeID)
	s.attachConn(conn)
}

// respondX3DH runs the responder side of X3DH plus the first ratchet
// decrypt for an inbound X3DH_INIT. It touches no connection state, so the
// two places an X3DH_INIT frame can arrive - a connection's first frame
// (handleInbound) or a later frame on an already-attached session
// connection (peerSession.readLoop, the common case since Connect always
// does HELLO first) - share the same responder logic.
func (n *Node) respondX3DH(m wire.X3DHInit) (domain.NodeID, domain.RatchetState, []byte, error) {
	if err := n.replay.Check(m.EKPub, m.OPKID, m.HasOPK); err != nil {
		return domain.NodeID{}, domain.RatchetState{}, nil, err
	}

	spkPriv, ok, err := n.ids.SignedPrekeyPriv(m.SPKID)
	if err != nil {
		return domain.NodeID{}, domain.RatchetState{}, nil, err
	}
	if !ok {
		return domain.NodeID{}, domain.RatchetState{}, nil, errs.New(errs.BadBundle, "referenced signed prekey id is unknown")
	}
	pm := domain.PrekeyMessage{InitiatorIK: m.IKPub, Ephemeral: m.EKPub, SPKID: m.SPKID, HasOPKID: m.HasOPK, OPKID: m.OPKID}

	var opkPriv *domain.X25519Private
	if m.HasOPK {
		priv, ok, err := n.ids.ConsumeOPK(m.OPKID)
		if err != nil {
			return domain.NodeID{}, domain.RatchetState{}, nil, err
		}
		if !ok {
			return domain.NodeID{}, domain.RatchetState{}, nil, errs.New(errs.UnknownOpk, "referenced one-time prekey is unknown")
		}
		opkPriv = &priv
	}

	root, err := x3dh.ResponderRoot(n.identity, spkPriv, opkPriv, pm)
	if err != nil {
		return domain.NodeID{}, domain.RatchetState{}, nil, err
	}

	peer := crypto.DeriveNodeID(m.IKPub)

	var senderRatchetPub domain.X25519Public
	copy(senderRatchetPub[:], m.Ratchet.DHPub)
	state, err := ratchet.InitAsResponder(root, n.identity.XPriv, n.identity.XPub, senderRatchetPub)
	if err != nil {
		return domain.NodeID{}, domain.RatchetState{}, nil, err
	}

	header := domain.RatchetHeader{DHPub: m.Ratchet.DHPub, PN: m.Ratchet.PN, N: m.Ratchet.N}
	pt, err := ratchet.Decrypt(&state, n.budget, nil, header, m.Ratchet.CT)
	if err != nil {
		return domain.NodeID{}, domain.RatchetState{}, nil, err
	}

	if n.ratDB != nil {
		_ = n.ratDB.SaveConversation(peer, domain.Conversation{Peer: peer, State: state})
	}
	return peer, state, pt, nil
}

// deliverPlaintext pushes a decrypted message to Recv, dropping it if the
// node is closing rather than blocking forever.
func (n *Node) deliverPlaintext(peer domain.NodeID, pt []byte) {
	select {
	case n.recvCh <- domain.DecryptedMessage{From: peer, To: n.self, Plaintext: pt, Timestamp: nowUnix()}:
	case <-n.ctx.Done():
	}
}

func (n *Node) getOrCreateSession(peer domain.NodeID) *peerSession {
	n.sessMu.Lock()
	defer n.sessMu.Unlock()
	s, ok := n.sessions[peer]
	if !ok {
		s = newPeerSession(n, peer)
		n.sessions[peer] = s
	}
	return s
}

// rateLimitKey derives a Table.Allow key for an inbound PING/FIND_NODE RPC
// from its raw remote address, since neither wire message carries the
// sender's NodeID to key the per-peer limiter by directly.
func rateLimitKey(remoteAddr string) domain.NodeID {
	return domain.NodeID(sha256.Sum256([]byte(remoteAddr)))
}

// parseIP renders a PeerRecord.Host as net.IP, falling back to the
// unspecified address for a hostname the wire peer_record format cannot
// carry (spec §6 "peer_record" is IP-only, not DNS-name aware).
func parseIP(host string) net.IP {
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	return net.IPv4zero
}

func toWirePeers(records []domain.PeerRecord) []wire.PeerRecord {
	out := make([]wire.PeerRecord, 0, len(records))
	for _, r := range records {
		out = append(out, wire.PeerRecord{NodeID: r.NodeID, IP: parseIP(r.Host), Port: r.Port})
	}
	return out
}

func fromWirePeers(records []wire.PeerRecord) []domain.PeerRecord {
	out := make([]domain.PeerRecord, 0, len(records))
	for _, r := range records {
		out = append(out, domain.PeerRecord{NodeID: r.NodeID, Host: r.IP.String(), Port: r.Port, LastSeen: nowUnix(), Active: true})
	}
	return out
}

// nodePinger adapts Node to overlay.Pinger via an ephemeral PING/PONG RPC.
type nodePinger struct{ n *Node }

func (p nodePinger) Ping(ctx context.Context, peer domain.PeerRecord) bool {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	conn, err := p.n.dialer.Dial(ctx, peer.Address())
	if err != nil {
		return false
	}
	c := conn.(*transport.Conn)
	defer c.Close()

	nonce := uint64(nowUnix())
	if err := p.n.send(ctx, c, wire.Message{Type: wire.MsgPing, Ping: &wire.Ping{Nonce: nonce}}); err != nil {
		return false
	}
	raw, err := c.Recv(ctx)
	if err != nil {
		return false
	}
	msg, err := wire.Decode(raw)
	if err != nil || msg.Type != wire.MsgPong || msg.Pong == nil {
		return false
	}
	return msg.Pong.Nonce == nonce
}

// netFinder adapts Node to overlay.Finder via an ephemeral FIND_NODE RPC.
type netFinder struct{ n *Node }

func (f netFinder) FindNode(ctx context.Context, peer domain.PeerRecord, target domain.NodeID) ([]domain.PeerRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	conn, err := f.n.dialer.Dial(ctx, peer.Address())
	if err != nil {
		return nil, err
	}
	c := conn.(*transport.Conn)
	defer c.Close()

	if err := f.n.send(ctx, c, wire.Message{Type: wire.MsgFindNode, FindNode: &wire.FindNode{Target: target}}); err != nil {
		return nil, err
	}
	raw, err := c.Recv(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := wire.Decode(raw)
	if err != nil || msg.Type != wire.MsgNodes || msg.Nodes == nil {
		return nil, errs.New(errs.Protocol, "expected NODES reply")
	}
	return fromWirePeers(msg.Nodes.Peers), nil
}
