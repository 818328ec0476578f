package transport_test

import (
	"context"
	"testing"
	"time"

	"ciphera/internal/protocol/errs"
	"ciphera/internal/transport"
	"ciphera/internal/wire"
)

func listenAndDial(t *testing.T, method wire.Method) (*transport.Conn, *transport.Conn, func()) {
	t.Helper()
	ln, err := transport.Listen("127.0.0.1:0", method, transport.TLSConfig{})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	accepted := make(chan *transport.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		c, err := ln.Accept(context.Background())
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- c
	}()

	client, err := transport.Dial(context.Background(), ln.Addr().String(), method, transport.TLSConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var server *transport.Conn
	select {
	case server = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("Accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}

	cleanup := func() {
		_ = client.Close()
		_ = server.Close()
		_ = ln.Close()
	}
	return client, server, cleanup
}

func TestConn_SendRecvRoundTrip(t *testing.T) {
	for _, method := range []wire.Method{
		wire.MethodRaw, wire.MethodRandomPad, wire.MethodHTTPLooking, wire.MethodWebSocketLooking,
	} {
		client, server, cleanup := listenAndDial(t, method)
		defer cleanup()

		payload := []byte("hello overlay")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := client.Send(ctx, payload); err != nil {
			t.Fatalf("method %v: Send: %v", method, err)
		}
		got, err := server.Recv(ctx)
		if err != nil {
			t.Fatalf("method %v: Recv: %v", method, err)
		}
		if string(got) != string(payload) {
			t.Fatalf("method %v: got %q, want %q", method, got, payload)
		}
	}
}

func TestConn_EnqueueFullReturnsBackpressureError(t *testing.T) {
	client, _, cleanup := listenAndDial(t, wire.MethodRaw)
	defer cleanup()

	// Flood the internal queue faster than the pacer can drain it.
	var lastErr error
	for i := 0; i < 10000; i++ {
		if err := client.Enqueue([]byte("x")); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr == nil {
		t.Fatal("expected the send queue to eventually report back-pressure")
	}
	kind, ok := errs.Of(lastErr)
	if !ok || kind != errs.Enqueue {
		t.Fatalf("expected Enqueue kind, got %v", lastErr)
	}
}

func TestConn_RecvRespectsContextCancellation(t *testing.T) {
	_, server, cleanup := listenAndDial(t, wire.MethodRaw)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := server.Recv(ctx)
	if err == nil {
		t.Fatal("expected Recv to time out when nothing is sent")
	}
}

func TestConn_CloseUnblocksWriteLoop(t *testing.T) {
	client, server, cleanup := listenAndDial(t, wire.MethodRaw)
	defer cleanup()

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Enqueue([]byte("late")); err == nil {
		t.Fatal("expected Enqueue on a closed connection to fail")
	}
	_ = server
}
