package wire_test

import (
	"bytes"
	"testing"

	"ciphera/internal/wire"
)

func TestFrame_RoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("hi"),
		bytes.Repeat([]byte{0xAB}, 70000),
	}
	for _, payload := range cases {
		var buf bytes.Buffer
		if err := wire.WriteFrame(&buf, payload); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		got, err := wire.ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
		}
	}
}

func TestFrame_ZeroLengthAccepted(t *testing.T) {
	var buf bytes.Buffer
	if err := wire.WriteFrame(&buf, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := wire.ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want empty payload, got %d bytes", len(got))
	}
}

func TestFrame_OversizeRejected(t *testing.T) {
	oversize := make([]byte, wire.MaxFrameLen+1)
	if err := wire.WriteFrame(&bytes.Buffer{}, oversize); err == nil {
		t.Fatal("expected WriteFrame to reject a frame over MaxFrameLen")
	}

	// A declared length over the max must be rejected without reading the body.
	var buf bytes.Buffer
	buf.Write([]byte{0x02, 0x00, 0x00, 0x00}) // 0x02000000 > 16 MiB
	if _, err := wire.ReadFrame(&buf); err == nil {
		t.Fatal("expected ReadFrame to reject an oversize declared length")
	}
}
