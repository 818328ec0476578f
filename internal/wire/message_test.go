package wire_test

import (
	"bytes"
	"net"
	"testing"

	"ciphera/internal/domain"
	"ciphera/internal/wire"
)

func mustNodeID(b byte) domain.NodeID {
	var id domain.NodeID
	for i := range id {
		id[i] = b
	}
	return id
}

func mustX25519(b byte) domain.X25519Public {
	var k domain.X25519Public
	for i := range k {
		k[i] = b
	}
	return k
}

func TestMessage_HelloRoundTrip(t *testing.T) {
	msg := wire.Message{
		Type: wire.MsgHello,
		Hello: &wire.Hello{
			NodeID: mustNodeID(0x11),
			IP:     net.ParseIP("203.0.113.7").To4(),
			Port:   9000,
			IKPub:  mustX25519(0x22),
		},
	}
	encoded, err := wire.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := wire.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Type != wire.MsgHello || decoded.Hello == nil {
		t.Fatalf("decoded message is not HELLO: %+v", decoded)
	}
	if decoded.Hello.NodeID != msg.Hello.NodeID {
		t.Fatalf("node id mismatch")
	}
	if !decoded.Hello.IP.Equal(msg.Hello.IP) {
		t.Fatalf("ip mismatch: got %v want %v", decoded.Hello.IP, msg.Hello.IP)
	}
	if decoded.Hello.Port != msg.Hello.Port {
		t.Fatalf("port mismatch")
	}
	if decoded.Hello.IKPub != msg.Hello.IKPub {
		t.Fatalf("ik_pub mismatch")
	}
}

func TestMessage_WelcomeRoundTrip(t *testing.T) {
	msg := wire.Message{
		Type: wire.MsgWelcome,
		Welcome: &wire.Welcome{
			Hello: wire.Hello{
				NodeID: mustNodeID(0x01),
				IP:     net.ParseIP("198.51.100.1").To4(),
				Port:   443,
				IKPub:  mustX25519(0x02),
			},
			Peers: []wire.PeerRecord{
				{NodeID: mustNodeID(0x03), IP: net.ParseIP("198.51.100.2").To4(), Port: 9001},
				{NodeID: mustNodeID(0x04), IP: net.ParseIP("198.51.100.3").To4(), Port: 9002},
			},
		},
	}
	encoded, err := wire.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := wire.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded.Welcome.Peers) != 2 {
		t.Fatalf("want 2 peers, got %d", len(decoded.Welcome.Peers))
	}
	if decoded.Welcome.Peers[1].Port != 9002 {
		t.Fatalf("peer port mismatch")
	}
}

func TestMessage_X3DHInitRoundTrip_WithAndWithoutOPK(t *testing.T) {
	base := wire.X3DHInit{
		IKPub: mustX25519(0x55),
		EKPub: mustX25519(0x66),
		Ratchet: wire.RatchetMsg{
			DHPub: mustX25519(0x77).Slice(),
			PN:    3,
			N:     9,
			CT:    []byte("ciphertext"),
		},
	}

	withOPK := base
	withOPK.OPKID, withOPK.HasOPK = 42, true

	for name, x := range map[string]wire.X3DHInit{"no_opk": base, "with_opk": withOPK} {
		t.Run(name, func(t *testing.T) {
			encoded, err := wire.Encode(wire.Message{Type: wire.MsgX3DHInit, X3DHInit: &x})
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			decoded, err := wire.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if decoded.X3DHInit.HasOPK != x.HasOPK || decoded.X3DHInit.OPKID != x.OPKID {
				t.Fatalf("opk mismatch: got %+v want %+v", decoded.X3DHInit, x)
			}
			if !bytes.Equal(decoded.X3DHInit.Ratchet.CT, x.Ratchet.CT) {
				t.Fatalf("ratchet ciphertext mismatch")
			}
		})
	}
}

func TestMessage_PingPongRoundTrip(t *testing.T) {
	encoded, err := wire.Encode(wire.Message{Type: wire.MsgPing, Ping: &wire.Ping{Nonce: 0xDEADBEEF}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := wire.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Ping.Nonce != 0xDEADBEEF {
		t.Fatalf("nonce mismatch")
	}
}

func TestMessage_UnknownVersionRejected(t *testing.T) {
	if _, err := wire.Decode([]byte{9, byte(wire.MsgPing), 0, 0, 0, 0, 0, 0, 0, 0}); err == nil {
		t.Fatal("expected decode to reject an unknown wire version")
	}
}
