package wire_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"ciphera/internal/wire"
)

func TestObfuscate_RoundTripAllMethods(t *testing.T) {
	methods := []wire.Method{
		wire.MethodRaw,
		wire.MethodRandomPad,
		wire.MethodHTTPLooking,
		wire.MethodWebSocketLooking,
	}
	sizes := []int{0, 1, 125, 126, 1000, 70000}

	for _, m := range methods {
		for _, n := range sizes {
			payload := make([]byte, n)
			if _, err := rand.Read(payload); err != nil {
				t.Fatalf("rand.Read: %v", err)
			}
			obfuscated, err := wire.Obfuscate(m, payload)
			if err != nil {
				t.Fatalf("Obfuscate(method=%d, n=%d): %v", m, n, err)
			}
			got, err := wire.Deobfuscate(m, obfuscated)
			if err != nil {
				t.Fatalf("Deobfuscate(method=%d, n=%d): %v", m, n, err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("method=%d n=%d: round trip mismatch", m, n)
			}
		}
	}
}

func TestObfuscate_HTTPLookingHasContentLength(t *testing.T) {
	payload := []byte("hello world")
	out, err := wire.Obfuscate(wire.MethodHTTPLooking, payload)
	if err != nil {
		t.Fatalf("Obfuscate: %v", err)
	}
	if !bytes.Contains(out, []byte("Content-Length: 11")) {
		t.Fatalf("expected Content-Length: 11 in %q", out)
	}
}

func TestObfuscate_WebSocketNoMaskBit(t *testing.T) {
	out, err := wire.Obfuscate(wire.MethodWebSocketLooking, []byte("x"))
	if err != nil {
		t.Fatalf("Obfuscate: %v", err)
	}
	if out[1]&0x80 != 0 {
		t.Fatal("mask bit must never be set")
	}
}
