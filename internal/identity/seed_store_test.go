package identity

import (
	"testing"
	"time"
)

func TestOpenMnemonicRejectsMalformedEnvelope(t *testing.T) {
	env, err := SealMnemonic([]byte("seed-value"), []byte("password"), time.Now())
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	malformed := *env
	malformed.Nonce = []byte{1, 2, 3}
	if _, err := OpenMnemonic(&malformed, []byte("password")); err == nil {
		t.Fatal("expected error for malformed nonce")
	}
}

func TestOpenMnemonicRejectsKDFDowngrade(t *testing.T) {
	env, err := SealMnemonic([]byte("seed-value"), []byte("password"), time.Now())
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	downgraded := *env
	downgraded.KDFMemoryKB = 8 * 1024
	if _, err := OpenMnemonic(&downgraded, []byte("password")); err == nil {
		t.Fatal("expected error for downgraded kdf policy")
	}
}

func TestOpenMnemonicRejectsWrongPassphrase(t *testing.T) {
	env, err := SealMnemonic([]byte("seed-value"), []byte("password"), time.Now())
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := OpenMnemonic(env, []byte("other")); err == nil {
		t.Fatal("expected error for wrong passphrase")
	}
}
