package identity

import (
	"bytes"
	"crypto/ed25519"
	"strings"
	"testing"
)

func TestDeriveKeyPairDeterministic(t *testing.T) {
	seed := []byte("test-seed-material")
	k1, err := DeriveKeyPair(seed)
	if err != nil {
		t.Fatalf("derive keys 1 failed: %v", err)
	}
	k2, err := DeriveKeyPair(seed)
	if err != nil {
		t.Fatalf("derive keys 2 failed: %v", err)
	}
	if !bytes.Equal(k1.PublicKey, k2.PublicKey) {
		t.Fatal("signing public keys should be deterministic")
	}
	if k1.ID != k2.ID {
		t.Fatalf("key ids differ: %s vs %s", k1.ID, k2.ID)
	}
	if !k1.Valid() {
		t.Fatal("derived key pair should be valid")
	}

	other, err := DeriveKeyPair([]byte("other-seed-material"))
	if err != nil {
		t.Fatalf("derive other keys failed: %v", err)
	}
	if other.ID == k1.ID {
		t.Fatal("different seeds must yield different key ids")
	}
}

func TestDerivedKeysSign(t *testing.T) {
	keys, err := DeriveKeyPair([]byte("sign-seed"))
	if err != nil {
		t.Fatalf("derive keys failed: %v", err)
	}
	msg := []byte("callback token")
	if !ed25519.Verify(keys.PublicKey, msg, keys.Sign(msg)) {
		t.Fatal("signature should verify with the derived public key")
	}
}

func TestBuildKeyID(t *testing.T) {
	pub := make([]byte, ed25519.PublicKeySize)
	id, err := BuildKeyID(pub)
	if err != nil {
		t.Fatalf("build key id failed: %v", err)
	}
	if !strings.HasPrefix(id, keyIDPrefix) {
		t.Fatalf("unexpected key id prefix: %s", id)
	}
	if _, err := BuildKeyID(pub[:10]); err == nil {
		t.Fatal("expected error for short public key")
	}
}
