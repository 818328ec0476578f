package domain

import "fmt"

// MustX25519Private panics unless b is exactly 32 bytes; used when decoding
// trusted on-disk state where a length mismatch means store corruption.
func MustX25519Private(b []byte) X25519Private {
	if len(b) != 32 {
		panic(fmt.Errorf("X25519 private: want 32 bytes, got %d", len(b)))
	}
	var out X25519Private
	copy(out[:], b)
	return out
}

func MustX25519Public(b []byte) X25519Public {
	if len(b) != 32 {
		panic(fmt.Errorf("X25519 public: want 32 bytes, got %d", len(b)))
	}
	var out X25519Public
	copy(out[:], b)
	return out
}

func MustEd25519Private(b []byte) Ed25519Private {
	if len(b) != 64 {
		panic(fmt.Errorf("Ed25519 private: want 64 bytes, got %d", len(b)))
	}
	var out Ed25519Private
	copy(out[:], b)
	return out
}

func MustEd25519Public(b []byte) Ed25519Public {
	if len(b) != 32 {
		panic(fmt.Errorf("Ed25519 public: want 32 bytes, got %d", len(b)))
	}
	var out Ed25519Public
	copy(out[:], b)
	return out
}
