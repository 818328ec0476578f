package node

import (
	"context"
	"net"
	"strconv"

	"ciphera/internal/domain"
	"ciphera/internal/protocol/errs"
	"ciphera/internal/protocol/ratchet"
	"ciphera/internal/protocol/x3dh"
	"ciphera/internal/transport"
	"ciphera/internal/wire"
)

// IdentityInfo returns the local identity and its derived overlay id
// (spec §6 "identity_info").
func (n *Node) IdentityInfo() (domain.NodeID, domain.Identity) {
	return n.self, n.identity
}

// Bundle serves the current public prekey bundle (spec §6 "bundle").
func (n *Node) Bundle() (domain.PrekeyBundle, error) {
	return n.ids.Bundle(n.passphrase)
}

// Connect dials addr, performs the HELLO/WELCOME overlay handshake, seeds
// the routing table with what the peer reports, and keeps the resulting
// connection open as that peer's session transport (spec §6 "connect").
func (n *Node) Connect(ctx context.Context, addr string) (domain.NodeID, error) {
	conn, err := n.dialer.Dial(ctx, addr)
	if err != nil {
		return domain.NodeID{}, err
	}
	c := conn.(*transport.Conn)

	host, port := splitHostPort(addr)
	if err := n.send(ctx, c, wire.Message{
		Type:  wire.MsgHello,
		Hello: &wire.Hello{NodeID: n.self, IP: parseIP(host), Port: port, IKPub: n.identity.XPub},
	}); err != nil {
		_ = c.Close()
		return domain.NodeID{}, err
	}

	raw, err := c.Recv(ctx)
	if err != nil {
		_ = c.Close()
		return domain.NodeID{}, err
	}
	msg, err := wire.Decode(raw)
	if err != nil || msg.Type != wire.MsgWelcome || msg.Welcome == nil {
		_ = c.Close()
		return domain.NodeID{}, errs.New(errs.Protocol, "expected WELCOME reply")
	}

	peer := msg.Welcome.Hello.NodeID
	n.table.Observe(n.ctx, domain.PeerRecord{
		NodeID: peer, Host: host, Port: port, LastSeen: nowUnix(), Active: true,
	}, nodePinger{n})
	for _, p := range fromWirePeers(msg.Welcome.Peers) {
		n.table.Observe(n.ctx, p, nodePinger{n})
	}

	s := n.getOrCreateSession(peer)
	s.attachConn(c)

	// self-FIND_NODE on join (spec §4.5): the first successful Connect
	// kicks off an iterative lookup of this node's own id, populating the
	// routing table beyond what a single peer's WELCOME gossiped. Runs
	// once per node lifetime, in the background, so Connect's caller
	// doesn't wait on it.
	n.joinOnce.Do(func() {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.table.IterativeFindNode(n.ctx, n.self, netFinder{n})
		}()
	})
	return peer, nil
}

// BeginSession runs the initiator side of X3DH against a peer's bundle and
// installs the resulting ratchet state on an already-connected session
// (spec §6 "begin_session"). The actual X3DH_INIT wire frame is deferred
// to the session's first Send, per X3DH's asynchronous design.
func (n *Node) BeginSession(bundle domain.PrekeyBundle) error {
	root, spkID, opkID, hasOPK, ephPub, err := x3dh.InitiatorRoot(n.identity, bundle)
	if err != nil {
		return err
	}
	state, err := ratchet.InitAsInitiator(root, n.identity.XPriv, n.identity.XPub, bundle.IdentityKey)
	if err != nil {
		return err
	}

	sess := domain.Session{
		Peer: bundle.NodeID, RootKey: root, PeerSPK: bundle.SignedPrekey, PeerIK: bundle.IdentityKey,
		CreatedUTC: nowUnix(), SPKID: spkID, OPKID: opkID, HasOPKID: hasOPK, InitiatorEK: ephPub,
	}
	if n.sessDB != nil {
		_ = n.sessDB.SaveSession(bundle.NodeID, sess)
	}
	if n.ratDB != nil {
		_ = n.ratDB.SaveConversation(bundle.NodeID, domain.Conversation{Peer: bundle.NodeID, State: state})
	}

	s := n.getOrCreateSession(bundle.NodeID)
	s.mu.Lock()
	s.state = state
	s.pendingInit = &sess
	s.mu.Unlock()
	return nil
}

// AcceptInitial runs the responder side of X3DH for an inbound X3DH_INIT
// frame, installs the resulting ratchet session, and delivers its embedded
// first plaintext to Recv (spec §6 "accept_initial"). Node's own inbound
// handling (handleInbound, peerSession.readLoop) calls this for every
// X3DH_INIT it sees rather than queuing it for explicit app approval:
// gating session establishment behind a separate app-level decision has no
// use in a node where any peer the overlay router already accepted into a
// connection is, by definition, one this node is willing to talk to.
// Exported anyway so a caller wanting an allow-list or manual approval step
// can intercept a raw X3DH_INIT frame and call this directly instead.
func (n *Node) AcceptInitial(init wire.X3DHInit) (domain.NodeID, error) {
	peer, state, pt, err := n.respondX3DH(init)
	if err != nil {
		return domain.NodeID{}, err
	}
	s := n.getOrCreateSession(peer)
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	n.deliverPlaintext(peer, pt)
	return peer, nil
}

// Send encrypts plaintext under peer's session ratchet and writes it to
// the wire (spec §6 "send"). The session must already exist via
// BeginSession/AcceptInitial and be connected via Connect.
func (n *Node) Send(ctx context.Context, peer domain.NodeID, plaintext []byte) error {
	n.sessMu.Lock()
	s, ok := n.sessions[peer]
	n.sessMu.Unlock()
	if !ok {
		return errs.New(errs.Closed, "no session with "+peer.String())
	}
	return s.send(ctx, plaintext)
}

// Recv blocks until a decrypted message arrives from any peer, or ctx is
// done (spec §6 "recv").
func (n *Node) Recv(ctx context.Context) (domain.DecryptedMessage, error) {
	select {
	case m := <-n.recvCh:
		return m, nil
	case <-ctx.Done():
		return domain.DecryptedMessage{}, errs.Wrap(errs.Timeout, "recv", ctx.Err())
	case <-n.ctx.Done():
		return domain.DecryptedMessage{}, errs.New(errs.Closed, "node is closed")
	}
}

// Lookup runs an iterative FIND_NODE search for target over the overlay
// (spec §6 "lookup").
func (n *Node) Lookup(ctx context.Context, target domain.NodeID) []domain.PeerRecord {
	return n.table.IterativeFindNode(ctx, target, netFinder{n})
}

// CloseSession tears down peer's session connection and forgets its
// in-memory state (spec §6 "close(SessionHandle)"). Ratchet state already
// persisted via internal/node's RatchetStore stays on disk but is not
// reloaded: a later BeginSession/AcceptInitial with the same peer runs a
// new X3DH and starts a fresh ratchet. It is not an error to close a peer
// with no open session.
func (n *Node) CloseSession(peer domain.NodeID) error {
	n.sessMu.Lock()
	s, ok := n.sessions[peer]
	if ok {
		delete(n.sessions, peer)
	}
	n.sessMu.Unlock()
	if ok {
		s.close()
	}
	return nil
}

// splitHostPort parses "host:port" for the wire HELLO fields, tolerating a
// missing or malformed port (rendered as 0) rather than failing Connect
// over a display detail.
func splitHostPort(addr string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return host, 0
	}
	return host, uint16(port)
}
