package overlay

import (
	"testing"

	"ciphera/internal/domain"
)

func idWithLastByte(b byte) domain.NodeID {
	var id domain.NodeID
	id[31] = b
	return id
}

func TestBucketIndex_Self(t *testing.T) {
	self := idWithLastByte(0x01)
	if idx := bucketIndex(self, self); idx != -1 {
		t.Fatalf("bucketIndex(self, self) = %d, want -1", idx)
	}
}

func TestBucketIndex_MonotonicInDistance(t *testing.T) {
	self := idWithLastByte(0x00)
	near := idWithLastByte(0x01)  // distance 1 -> bit 0 -> bucket 0
	far := idWithLastByte(0x80)   // distance 0x80 -> bit 7 -> bucket 7
	farther := domain.NodeID{}
	farther[0] = 0x80 // top byte set -> bucket 255

	if idx := bucketIndex(self, near); idx != 0 {
		t.Fatalf("bucketIndex(near) = %d, want 0", idx)
	}
	if idx := bucketIndex(self, far); idx != 7 {
		t.Fatalf("bucketIndex(far) = %d, want 7", idx)
	}
	if idx := bucketIndex(self, farther); idx != 255 {
		t.Fatalf("bucketIndex(farther) = %d, want 255", idx)
	}
}

func TestCloserTo(t *testing.T) {
	target := idWithLastByte(0x00)
	a := idWithLastByte(0x01)
	b := idWithLastByte(0x02)
	if !closerTo(target, a, b) {
		t.Fatal("expected a closer to target than b")
	}
	if closerTo(target, b, a) {
		t.Fatal("expected b not closer to target than a")
	}
}
