// Package main runs a routing-only overlay node: no identity store, no
// X3DH, no ratchet, no message send/recv — just the Overlay Router (E) and
// Wire Framer (D) answering HELLO/PING/FIND_NODE so other nodes have a
// stable, low-churn peer to bootstrap their routing table through.
//
// Adapted from cmd/relay/main.go for its flag parsing, logging, and
// graceful-shutdown idiom; the DHT-only process itself has no relay
// analogue in the teacher and is grounded on original_source's
// kademlia_dht.py DHTNode / routing_manager.py's RELAY node type.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"ciphera/internal/crypto"
	"ciphera/internal/domain"
	"ciphera/internal/overlay"
	"ciphera/internal/transport"
	"ciphera/internal/wire"
)

const rpcTimeout = 5 * time.Second

var (
	listenAddr  string
	obfuscation string
)

func main() {
	pflag.StringVar(&listenAddr, "listen", ":7700", "address to accept inbound overlay connections on")
	pflag.StringVar(&obfuscation, "obfuscation", "raw", "wire obfuscation method: raw, random-pad, http-looking, websocket-looking")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	method, err := parseMethod(obfuscation)
	if err != nil {
		slog.Error("bad obfuscation method", "err", err)
		os.Exit(2)
	}

	// A seed node has no durable identity: its NodeID is a fresh, unsaved
	// X25519 key derived once per run. It never runs X3DH, so the private
	// half is never needed again once the public key is derived.
	_, xpub, err := crypto.GenerateX25519()
	if err != nil {
		slog.Error("generating seed identity", "err", err)
		os.Exit(1)
	}
	self := crypto.DeriveNodeID(xpub)

	table := overlay.NewTable(self)
	ln, err := transport.Listen(listenAddr, method, transport.TLSConfig{})
	if err != nil {
		slog.Error("listen failed", "err", err)
		os.Exit(1)
	}

	fmt.Printf("node_id: %s\n", self.Full())
	slog.Info("seed node listening", "addr", ln.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go acceptLoop(ctx, ln, table, self, method)

	<-ctx.Done()
	slog.Info("shutting down")
	_ = ln.Close()
	os.Exit(0)
}

func parseMethod(s string) (wire.Method, error) {
	switch s {
	case "", "raw":
		return wire.MethodRaw, nil
	case "random-pad":
		return wire.MethodRandomPad, nil
	case "http-looking":
		return wire.MethodHTTPLooking, nil
	case "websocket-looking":
		return wire.MethodWebSocketLooking, nil
	default:
		return 0, fmt.Errorf("unknown obfuscation method %q", s)
	}
}

func acceptLoop(ctx context.Context, ln *transport.Listener, table *overlay.Table, self domain.NodeID, method wire.Method) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Warn("accept failed", "err", err)
				continue
			}
		}
		go handleConn(ctx, conn, table, self, method)
	}
}

func handleConn(ctx context.Context, conn *transport.Conn, table *overlay.Table, self domain.NodeID, method wire.Method) {
	defer conn.Close()

	raw, err := conn.Recv(ctx)
	if err != nil {
		return
	}
	msg, err := wire.Decode(raw)
	if err != nil {
		slog.Warn("malformed frame", "err", err)
		return
	}

	switch msg.Type {
	case wire.MsgHello:
		if msg.Hello == nil {
			return
		}
		table.Observe(ctx, domain.PeerRecord{
			NodeID: msg.Hello.NodeID, Host: msg.Hello.IP.String(), Port: msg.Hello.Port,
			LastSeen: time.Now().Unix(), Active: true,
		}, pinger{method})
		reply(ctx, conn, wire.Message{
			Type: wire.MsgWelcome,
			Welcome: &wire.Welcome{
				Hello: wire.Hello{NodeID: self},
				Peers: toWirePeers(table.Closest(msg.Hello.NodeID, overlay.K)),
			},
		})
	case wire.MsgPing:
		if msg.Ping != nil {
			reply(ctx, conn, wire.Message{Type: wire.MsgPong, Pong: &wire.Pong{Nonce: msg.Ping.Nonce}})
		}
	case wire.MsgFindNode:
		if msg.FindNode != nil {
			reply(ctx, conn, wire.Message{
				Type:  wire.MsgNodes,
				Nodes: &wire.Nodes{Peers: toWirePeers(table.Closest(msg.FindNode.Target, overlay.K))},
			})
		}
	default:
		// Message/session traffic has no meaning on a routing-only node.
	}
}

func reply(ctx context.Context, conn *transport.Conn, msg wire.Message) {
	raw, err := wire.Encode(msg)
	if err != nil {
		return
	}
	_ = conn.Send(ctx, raw)
}

func toWirePeers(records []domain.PeerRecord) []wire.PeerRecord {
	out := make([]wire.PeerRecord, 0, len(records))
	for _, r := range records {
		out = append(out, wire.PeerRecord{NodeID: r.NodeID, Port: r.Port})
	}
	return out
}

// pinger adapts a bare obfuscation method into an overlay.Pinger via an
// ephemeral PING/PONG RPC, mirroring internal/node's nodePinger but without
// any Node dependency.
type pinger struct{ method wire.Method }

func (p pinger) Ping(ctx context.Context, peer domain.PeerRecord) bool {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	conn, err := transport.Dial(ctx, peer.Address(), p.method, transport.TLSConfig{})
	if err != nil {
		return false
	}
	defer conn.Close()

	nonce := uint64(time.Now().Unix())
	raw, err := wire.Encode(wire.Message{Type: wire.MsgPing, Ping: &wire.Ping{Nonce: nonce}})
	if err != nil {
		return false
	}
	if err := conn.Send(ctx, raw); err != nil {
		return false
	}
	respRaw, err := conn.Recv(ctx)
	if err != nil {
		return false
	}
	resp, err := wire.Decode(respRaw)
	if err != nil || resp.Type != wire.MsgPong || resp.Pong == nil {
		return false
	}
	return resp.Pong.Nonce == nonce
}

