package store_test

import (
	"testing"

	"ciphera/internal/domain"
	"ciphera/internal/store"
)

func TestNextOneTimeIDs_NeverReissuesAnIDStillUnconsumed(t *testing.T) {
	dir := t.TempDir()
	s := store.NewPrekeyFileStore(dir)

	first, err := s.NextOneTimeIDs(20)
	if err != nil {
		t.Fatalf("NextOneTimeIDs: %v", err)
	}
	pairs := make([]domain.OneTimePair, 0, len(first))
	for _, id := range first {
		pairs = append(pairs, domain.OneTimePair{ID: id})
	}
	if err := s.SaveOneTimePairs(pairs); err != nil {
		t.Fatalf("SaveOneTimePairs: %v", err)
	}

	// Consume everything except ids 16..20, simulating non-LIFO consumption
	// that leaves a gap near the end of the first batch rather than the
	// start.
	keep := map[uint32]bool{16: true, 17: true, 18: true, 19: true, 20: true}
	for _, id := range first {
		if keep[id] {
			continue
		}
		if _, ok, err := s.TakeOneTimePair(id); err != nil || !ok {
			t.Fatalf("TakeOneTimePair(%d): ok=%v err=%v", id, ok, err)
		}
	}

	second, err := s.NextOneTimeIDs(20)
	if err != nil {
		t.Fatalf("NextOneTimeIDs: %v", err)
	}
	for _, id := range second {
		if keep[id] {
			t.Fatalf("replenish batch reissued still-unconsumed id %d", id)
		}
	}
}

func TestNextOneTimeIDs_MonotonicAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	s := store.NewPrekeyFileStore(dir)

	a, err := s.NextOneTimeIDs(3)
	if err != nil {
		t.Fatalf("NextOneTimeIDs: %v", err)
	}
	b, err := s.NextOneTimeIDs(3)
	if err != nil {
		t.Fatalf("NextOneTimeIDs: %v", err)
	}
	for _, x := range a {
		for _, y := range b {
			if x == y {
				t.Fatalf("overlapping ids across calls: %d", x)
			}
		}
	}
}

func TestSetCurrentSPKID_PreservesOneTimeIDCounter(t *testing.T) {
	dir := t.TempDir()
	s := store.NewPrekeyFileStore(dir)

	if _, err := s.NextOneTimeIDs(5); err != nil {
		t.Fatalf("NextOneTimeIDs: %v", err)
	}
	if err := s.SetCurrentSPKID(1); err != nil {
		t.Fatalf("SetCurrentSPKID: %v", err)
	}

	next, err := s.NextOneTimeIDs(1)
	if err != nil {
		t.Fatalf("NextOneTimeIDs: %v", err)
	}
	if next[0] != 6 {
		t.Fatalf("NextOneTimeIDs after SetCurrentSPKID = %d, want 6", next[0])
	}
}
