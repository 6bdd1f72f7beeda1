package security

import (
	"testing"
)

func TestHasher_HashAndVerify(t *testing.T) {
	h := NewHasher(4)
	hash, err := h.Hash("s3cret")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if hash == "" || hash == "s3cret" {
		t.Fatalf("Hash returned %q", hash)
	}
	if !h.Verify(hash, "s3cret") {
		t.Fatal("Verify should accept the original secret")
	}
	if h.Verify(hash, "wrong") {
		t.Fatal("Verify should reject a wrong secret")
	}
}

func TestHasher_Cost(t *testing.T) {
	if h := NewHasher(12); h.Cost != 12 {
		t.Errorf("Cost want 12, got %d", h.Cost)
	}
	if h := NewHasher(1); h.Cost != 4 {
		t.Errorf("cost 1 should clamp to 4, got %d", h.Cost)
	}
	if h := NewHasher(0); h.Cost != 10 {
		t.Errorf("zero cost should use default 10, got %d", h.Cost)
	}
}
