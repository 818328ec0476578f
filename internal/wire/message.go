package wire

import (
	"encoding/binary"
	"fmt"
	"net"

	"ciphera/internal/domain"
	"ciphera/internal/protocol/errs"
)

// MsgType is the closed set of inner message tags (spec §6). Handling is
// a static, exhaustively-matched switch rather than dynamic dispatch
// keyed by string (§9 "Dynamic dispatch for message types").
type MsgType uint8

const (
	MsgHello     MsgType = 0x01
	MsgWelcome   MsgType = 0x02
	MsgPing      MsgType = 0x03
	MsgPong      MsgType = 0x04
	MsgFindNode  MsgType = 0x05
	MsgNodes     MsgType = 0x06
	MsgX3DHInit  MsgType = 0x10
	MsgRatchet   MsgType = 0x11
	wireVersion          = 1
	noOPK        uint32  = 0xFFFFFFFF
)

// PeerRecord is the wire encoding of a routing-table entry (spec §6
// "peer_record"), distinct from domain.PeerRecord which additionally
// carries local-only health bookkeeping.
type PeerRecord struct {
	NodeID domain.NodeID
	IP     net.IP
	Port   uint16
}

// Hello is the HELLO/WELCOME-shared header: a node announcing itself.
type Hello struct {
	NodeID domain.NodeID
	IP     net.IP
	Port   uint16
	IKPub  domain.X25519Public
}

// Welcome answers a HELLO with the responder's own header plus a sample
// of its routing table.
type Welcome struct {
	Hello Hello
	Peers []PeerRecord
}

// Ping carries a nonce the responder must echo in Pong, letting the
// caller measure round-trip time (spec §4.5 "ping_rtt").
type Ping struct {
	Nonce uint64
}

// Pong echoes a Ping's nonce.
type Pong struct {
	Nonce uint64
}

// FindNode asks the peer for the k nodes closest to Target.
type FindNode struct {
	Target domain.NodeID
}

// Nodes answers a FindNode with the closest peers the responder knows.
type Nodes struct {
	Peers []PeerRecord
}

// X3DHInit is the initial X3DH message (spec §6 "X3DH_INIT body"),
// carrying the initiator's identity and ephemeral public keys plus the
// first ratchet-sealed message.
type X3DHInit struct {
	IKPub   domain.X25519Public
	EKPub   domain.X25519Public
	SPKID   uint32
	OPKID   uint32
	HasOPK  bool
	Ratchet RatchetMsg
}

// RatchetMsg is a Double Ratchet header plus its AEAD ciphertext (spec §6
// "RATCHET_MSG body").
type RatchetMsg struct {
	DHPub []byte
	PN    uint32
	N     uint32
	CT    []byte
}

// Message pairs a MsgType with exactly one populated body field; Encode
// and Decode switch exhaustively over Type so adding a new msg_type is a
// compile-time-visible change in both places.
type Message struct {
	Type     MsgType
	Hello    *Hello
	Welcome  *Welcome
	Ping     *Ping
	Pong     *Pong
	FindNode *FindNode
	Nodes    *Nodes
	X3DHInit *X3DHInit
	Ratchet  *RatchetMsg
}

// Encode serializes m as version‖msg_type‖body (spec §6 "inner_msg").
func Encode(m Message) ([]byte, error) {
	var body []byte
	switch m.Type {
	case MsgHello:
		if m.Hello == nil {
			return nil, errs.New(errs.Protocol, "HELLO message missing body")
		}
		body = encodeHello(*m.Hello)
	case MsgWelcome:
		if m.Welcome == nil {
			return nil, errs.New(errs.Protocol, "WELCOME message missing body")
		}
		body = encodeWelcome(*m.Welcome)
	case MsgPing:
		if m.Ping == nil {
			return nil, errs.New(errs.Protocol, "PING message missing body")
		}
		body = encodeUint64(m.Ping.Nonce)
	case MsgPong:
		if m.Pong == nil {
			return nil, errs.New(errs.Protocol, "PONG message missing body")
		}
		body = encodeUint64(m.Pong.Nonce)
	case MsgFindNode:
		if m.FindNode == nil {
			return nil, errs.New(errs.Protocol, "FIND_NODE message missing body")
		}
		body = append([]byte{}, m.FindNode.Target[:]...)
	case MsgNodes:
		if m.Nodes == nil {
			return nil, errs.New(errs.Protocol, "NODES message missing body")
		}
		body = encodePeerList(m.Nodes.Peers)
	case MsgX3DHInit:
		if m.X3DHInit == nil {
			return nil, errs.New(errs.Protocol, "X3DH_INIT message missing body")
		}
		body = encodeX3DHInit(*m.X3DHInit)
	case MsgRatchet:
		if m.Ratchet == nil {
			return nil, errs.New(errs.Protocol, "RATCHET_MSG message missing body")
		}
		body = encodeRatchetMsg(*m.Ratchet)
	default:
		return nil, errs.New(errs.Protocol, fmt.Sprintf("unknown msg_type 0x%02x", m.Type))
	}

	out := make([]byte, 0, 2+len(body))
	out = append(out, wireVersion, byte(m.Type))
	out = append(out, body...)
	return out, nil
}

// Decode parses version‖msg_type‖body into a Message.
func Decode(raw []byte) (Message, error) {
	if len(raw) < 2 {
		return Message{}, errs.New(errs.Protocol, "inner message shorter than version+msg_type")
	}
	if raw[0] != wireVersion {
		return Message{}, errs.New(errs.Protocol, fmt.Sprintf("unsupported wire version %d", raw[0]))
	}
	typ := MsgType(raw[1])
	body := raw[2:]

	switch typ {
	case MsgHello:
		h, err := decodeHello(body)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: typ, Hello: &h}, nil
	case MsgWelcome:
		w, err := decodeWelcome(body)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: typ, Welcome: &w}, nil
	case MsgPing:
		n, err := decodeUint64(body)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: typ, Ping: &Ping{Nonce: n}}, nil
	case MsgPong:
		n, err := decodeUint64(body)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: typ, Pong: &Pong{Nonce: n}}, nil
	case MsgFindNode:
		if len(body) != 32 {
			return Message{}, errs.New(errs.Protocol, "FIND_NODE body must be 32 bytes")
		}
		var target domain.NodeID
		copy(target[:], body)
		return Message{Type: typ, FindNode: &FindNode{Target: target}}, nil
	case MsgNodes:
		peers, err := decodePeerList(body)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: typ, Nodes: &Nodes{Peers: peers}}, nil
	case MsgX3DHInit:
		x, err := decodeX3DHInit(body)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: typ, X3DHInit: &x}, nil
	case MsgRatchet:
		r, err := decodeRatchetMsg(body)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: typ, Ratchet: &r}, nil
	default:
		return Message{}, errs.New(errs.Protocol, fmt.Sprintf("unknown msg_type 0x%02x", typ))
	}
}

func encodeHello(h Hello) []byte {
	ip := h.IP.To4()
	if ip == nil {
		ip = h.IP.To16()
	}
	out := make([]byte, 0, 32+1+len(ip)+2+32)
	out = append(out, h.NodeID[:]...)
	out = append(out, byte(len(ip)))
	out = append(out, ip...)
	out = binary.BigEndian.AppendUint16(out, h.Port)
	out = append(out, h.IKPub.Slice()...)
	return out
}

func decodeHello(b []byte) (Hello, error) {
	h, rest, err := decodeHelloPrefix(b)
	if err != nil {
		return Hello{}, err
	}
	if len(rest) != 0 {
		return Hello{}, errs.New(errs.Protocol, "HELLO body has trailing bytes")
	}
	return h, nil
}

// decodeHelloPrefix parses a HELLO-shaped header and returns the unread
// remainder, for WELCOME's "same as HELLO ‖ ..." reuse.
func decodeHelloPrefix(b []byte) (Hello, []byte, error) {
	if len(b) < 32+1 {
		return Hello{}, nil, errs.New(errs.Protocol, "HELLO body too short")
	}
	var h Hello
	copy(h.NodeID[:], b[:32])
	ipLen := int(b[32])
	b = b[33:]
	if len(b) < ipLen+2+32 {
		return Hello{}, nil, errs.New(errs.Protocol, "HELLO body too short for declared ip_len")
	}
	h.IP = append(net.IP{}, b[:ipLen]...)
	b = b[ipLen:]
	h.Port = binary.BigEndian.Uint16(b[:2])
	b = b[2:]
	var ik domain.X25519Public
	copy(ik[:], b[:32])
	h.IKPub = ik
	return h, b[32:], nil
}

func encodeWelcome(w Welcome) []byte {
	out := encodeHello(w.Hello)
	out = binary.BigEndian.AppendUint16(out, uint16(len(w.Peers)))
	out = append(out, encodePeerList(w.Peers)...)
	return out
}

func decodeWelcome(b []byte) (Welcome, error) {
	h, rest, err := decodeHelloPrefix(b)
	if err != nil {
		return Welcome{}, err
	}
	if len(rest) < 2 {
		return Welcome{}, errs.New(errs.Protocol, "WELCOME body missing peer count")
	}
	count := binary.BigEndian.Uint16(rest[:2])
	peers, err := decodePeerListN(rest[2:], int(count))
	if err != nil {
		return Welcome{}, err
	}
	return Welcome{Hello: h, Peers: peers}, nil
}

func encodePeerList(peers []PeerRecord) []byte {
	var out []byte
	for _, p := range peers {
		ip := p.IP.To4()
		if ip == nil {
			ip = p.IP.To16()
		}
		out = append(out, p.NodeID[:]...)
		out = append(out, byte(len(ip)))
		out = append(out, ip...)
		out = binary.BigEndian.AppendUint16(out, p.Port)
	}
	return out
}

func decodePeerList(b []byte) ([]PeerRecord, error) {
	var peers []PeerRecord
	for len(b) > 0 {
		p, rest, err := decodeOnePeer(b)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
		b = rest
	}
	return peers, nil
}

func decodePeerListN(b []byte, n int) ([]PeerRecord, error) {
	peers := make([]PeerRecord, 0, n)
	for i := 0; i < n; i++ {
		p, rest, err := decodeOnePeer(b)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
		b = rest
	}
	return peers, nil
}

func decodeOnePeer(b []byte) (PeerRecord, []byte, error) {
	if len(b) < 32+1 {
		return PeerRecord{}, nil, errs.New(errs.Protocol, "peer_record too short")
	}
	var p PeerRecord
	copy(p.NodeID[:], b[:32])
	ipLen := int(b[32])
	b = b[33:]
	if len(b) < ipLen+2 {
		return PeerRecord{}, nil, errs.New(errs.Protocol, "peer_record too short for declared ip_len")
	}
	p.IP = append(net.IP{}, b[:ipLen]...)
	b = b[ipLen:]
	p.Port = binary.BigEndian.Uint16(b[:2])
	return p, b[2:], nil
}

func encodeX3DHInit(x X3DHInit) []byte {
	out := make([]byte, 0, 32+32+4+4)
	out = append(out, x.IKPub.Slice()...)
	out = append(out, x.EKPub.Slice()...)
	out = binary.BigEndian.AppendUint32(out, x.SPKID)
	opkID := noOPK
	if x.HasOPK {
		opkID = x.OPKID
	}
	out = binary.BigEndian.AppendUint32(out, opkID)
	out = append(out, encodeRatchetMsg(x.Ratchet)...)
	return out
}

func decodeX3DHInit(b []byte) (X3DHInit, error) {
	if len(b) < 32+32+4+4 {
		return X3DHInit{}, errs.New(errs.Protocol, "X3DH_INIT body too short")
	}
	var x X3DHInit
	var ik, ek domain.X25519Public
	copy(ik[:], b[:32])
	copy(ek[:], b[32:64])
	x.IKPub, x.EKPub = ik, ek
	x.SPKID = binary.BigEndian.Uint32(b[64:68])
	opkID := binary.BigEndian.Uint32(b[68:72])
	if opkID != noOPK {
		x.OPKID, x.HasOPK = opkID, true
	}
	rm, err := decodeRatchetMsg(b[72:])
	if err != nil {
		return X3DHInit{}, err
	}
	x.Ratchet = rm
	return x, nil
}

func encodeRatchetMsg(r RatchetMsg) []byte {
	out := make([]byte, 0, 32+4+4+4+len(r.CT))
	out = append(out, r.DHPub...)
	out = binary.BigEndian.AppendUint32(out, r.PN)
	out = binary.BigEndian.AppendUint32(out, r.N)
	out = binary.BigEndian.AppendUint32(out, uint32(len(r.CT)))
	out = append(out, r.CT...)
	return out
}

func decodeRatchetMsg(b []byte) (RatchetMsg, error) {
	if len(b) < 32+4+4+4 {
		return RatchetMsg{}, errs.New(errs.Protocol, "RATCHET_MSG body too short")
	}
	var r RatchetMsg
	r.DHPub = append([]byte{}, b[:32]...)
	r.PN = binary.BigEndian.Uint32(b[32:36])
	r.N = binary.BigEndian.Uint32(b[36:40])
	ctLen := binary.BigEndian.Uint32(b[40:44])
	b = b[44:]
	if uint32(len(b)) < ctLen {
		return RatchetMsg{}, errs.New(errs.Protocol, "RATCHET_MSG ct_len exceeds remaining body")
	}
	r.CT = append([]byte{}, b[:ctLen]...)
	return r, nil
}

func encodeUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errs.New(errs.Protocol, "expected 8-byte nonce body")
	}
	return binary.BigEndian.Uint64(b), nil
}
