package ratchet_test

import (
	"bytes"
	"testing"

	"ciphera/internal/crypto"
	"ciphera/internal/domain"
	"ciphera/internal/protocol/errs"
	"ciphera/internal/protocol/ratchet"
)

func makeIdentity(t *testing.T) (domain.X25519Private, domain.X25519Public) {
	t.Helper()
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	return priv, pub
}

func establish(t *testing.T) (a, b domain.RatchetState) {
	t.Helper()
	aPriv, aPub := makeIdentity(t)
	bPriv, bPub := makeIdentity(t)

	rk := bytes.Repeat([]byte{0x42}, 32)

	aState, err := ratchet.InitAsInitiator(rk, aPriv, aPub, bPub)
	if err != nil {
		t.Fatalf("InitAsInitiator: %v", err)
	}
	bState, err := ratchet.InitAsResponder(rk, bPriv, bPub, aState.DHPub)
	if err != nil {
		t.Fatalf("InitAsResponder: %v", err)
	}
	return aState, bState
}

func TestDoubleRatchet_OneRoundTrip(t *testing.T) {
	aState, bState := establish(t)

	header, ct, err := ratchet.Encrypt(&aState, nil, []byte("hi"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := ratchet.Decrypt(&bState, nil, nil, header, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != "hi" {
		t.Fatalf("got %q", pt)
	}
	if aState.Status != domain.RatchetEstablished || bState.Status != domain.RatchetEstablished {
		t.Fatalf("expected both sides Established, got a=%v b=%v", aState.Status, bState.Status)
	}
}

func TestDoubleRatchet_OutOfOrderDelivery(t *testing.T) {
	aState, bState := establish(t)

	var headers []domain.RatchetHeader
	var cts [][]byte
	for i := 0; i < 3; i++ {
		h, ct, err := ratchet.Encrypt(&aState, nil, []byte{byte(i)})
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		headers = append(headers, h)
		cts = append(cts, ct)
	}

	// Deliver message 2 before 0 and 1: the decryptor must skip-ahead and
	// buffer keys for 0 and 1.
	pt2, err := ratchet.Decrypt(&bState, nil, nil, headers[2], cts[2])
	if err != nil {
		t.Fatalf("Decrypt msg2: %v", err)
	}
	if pt2[0] != 2 {
		t.Fatalf("want 2, got %v", pt2)
	}

	pt0, err := ratchet.Decrypt(&bState, nil, nil, headers[0], cts[0])
	if err != nil {
		t.Fatalf("Decrypt msg0 (buffered): %v", err)
	}
	if pt0[0] != 0 {
		t.Fatalf("want 0, got %v", pt0)
	}

	pt1, err := ratchet.Decrypt(&bState, nil, nil, headers[1], cts[1])
	if err != nil {
		t.Fatalf("Decrypt msg1 (buffered): %v", err)
	}
	if pt1[0] != 1 {
		t.Fatalf("want 1, got %v", pt1)
	}
}

func TestDoubleRatchet_DHRatchetStep(t *testing.T) {
	aState, bState := establish(t)

	h0, ct0, err := ratchet.Encrypt(&aState, nil, []byte("a->b"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := ratchet.Decrypt(&bState, nil, nil, h0, ct0); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	// B replies: this forces A to take a DH ratchet step on receipt.
	h1, ct1, err := ratchet.Encrypt(&bState, nil, []byte("b->a"))
	if err != nil {
		t.Fatalf("Encrypt (reply): %v", err)
	}
	pt1, err := ratchet.Decrypt(&aState, nil, nil, h1, ct1)
	if err != nil {
		t.Fatalf("Decrypt (reply): %v", err)
	}
	if string(pt1) != "b->a" {
		t.Fatalf("got %q", pt1)
	}
	if !bytes.Equal(aState.PeerDHPub.Slice(), bState.DHPub.Slice()) {
		t.Fatal("A did not adopt B's new ratchet key")
	}

	// A replies again on its new sending chain; B must decrypt it.
	h2, ct2, err := ratchet.Encrypt(&aState, nil, []byte("a->b again"))
	if err != nil {
		t.Fatalf("Encrypt (second a->b): %v", err)
	}
	pt2, err := ratchet.Decrypt(&bState, nil, nil, h2, ct2)
	if err != nil {
		t.Fatalf("Decrypt (second a->b): %v", err)
	}
	if string(pt2) != "a->b again" {
		t.Fatalf("got %q", pt2)
	}
}

func TestDoubleRatchet_ReplayRejected(t *testing.T) {
	aState, bState := establish(t)

	h, ct, err := ratchet.Encrypt(&aState, nil, []byte("once"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := ratchet.Decrypt(&bState, nil, nil, h, ct); err != nil {
		t.Fatalf("first Decrypt: %v", err)
	}

	_, err = ratchet.Decrypt(&bState, nil, nil, h, ct)
	if err == nil {
		t.Fatal("expected replay rejection on second delivery")
	}
	if kind, ok := errs.Of(err); !ok || kind != errs.ReplayOld {
		t.Fatalf("want ReplayOld, got %v", err)
	}
}

func TestDoubleRatchet_TooManySkippedClosesSession(t *testing.T) {
	aState, bState := establish(t)

	var last domain.RatchetHeader
	var lastCT []byte
	for i := 0; i < 1500; i++ {
		h, ct, err := ratchet.Encrypt(&aState, nil, []byte("x"))
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		last, lastCT = h, ct
	}

	_, err := ratchet.Decrypt(&bState, nil, nil, last, lastCT)
	if err == nil {
		t.Fatal("expected TooManySkipped for a single jump beyond MAX_SKIP")
	}
	if kind, ok := errs.Of(err); !ok || kind != errs.TooManySkipped {
		t.Fatalf("want TooManySkipped, got %v", err)
	}
	if bState.Status != domain.RatchetClosed {
		t.Fatalf("want session Closed after bound violation, got %v", bState.Status)
	}

	// The session stays closed for any further attempt.
	_, err = ratchet.Decrypt(&bState, nil, nil, last, lastCT)
	if kind, ok := errs.Of(err); !ok || kind != errs.Closed {
		t.Fatalf("want Closed, got %v", err)
	}
}

func TestDoubleRatchet_ExactlyMaxSkipStorable(t *testing.T) {
	aState, bState := establish(t)

	var headers []domain.RatchetHeader
	var cts [][]byte
	for i := 0; i < 1001; i++ {
		h, ct, err := ratchet.Encrypt(&aState, nil, []byte("x"))
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		headers = append(headers, h)
		cts = append(cts, ct)
	}

	// Deliver the last one first: exactly MAX_SKIP keys must be bufferable.
	if _, err := ratchet.Decrypt(&bState, nil, nil, headers[1000], cts[1000]); err != nil {
		t.Fatalf("Decrypt at exactly MAX_SKIP boundary: %v", err)
	}
	if len(bState.Skipped) != 1000 {
		t.Fatalf("want 1000 buffered skipped keys, got %d", len(bState.Skipped))
	}

	if _, err := ratchet.Decrypt(&bState, nil, nil, headers[0], cts[0]); err != nil {
		t.Fatalf("Decrypt buffered msg0: %v", err)
	}
}

func TestDoubleRatchet_ConsecutiveAuthFailClosesSession(t *testing.T) {
	aState, bState := establish(t)

	h, ct, err := ratchet.Encrypt(&aState, nil, []byte("hi"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := append([]byte{}, ct...)
	tampered[0] ^= 0xFF

	var lastErr error
	for i := 0; i < 8; i++ {
		_, lastErr = ratchet.Decrypt(&bState, nil, nil, h, tampered)
		if lastErr == nil {
			t.Fatal("expected AEAD failure on tampered ciphertext")
		}
	}
	if bState.Status != domain.RatchetClosed {
		t.Fatalf("want Closed after 8 consecutive auth failures, got %v", bState.Status)
	}

	_, err = ratchet.Decrypt(&bState, nil, nil, h, ct)
	if kind, ok := errs.Of(err); !ok || kind != errs.Closed {
		t.Fatalf("want Closed, got %v", err)
	}
}

func TestBudget_GlobalCapEnforced(t *testing.T) {
	aState, bState := establish(t)
	budget := ratchet.NewBudget(500)

	var last domain.RatchetHeader
	var lastCT []byte
	for i := 0; i < 600; i++ {
		h, ct, err := ratchet.Encrypt(&aState, nil, []byte("x"))
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		last, lastCT = h, ct
	}

	_, err := ratchet.Decrypt(&bState, budget, nil, last, lastCT)
	if err == nil {
		t.Fatal("expected global budget exhaustion")
	}
	if kind, ok := errs.Of(err); !ok || kind != errs.TooManySkipped {
		t.Fatalf("want TooManySkipped, got %v", err)
	}
}
