package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoLegalSigning = "idwallet/legal-identity/signing/v1"
	keyIDPrefix          = "lk1"
)

// DeriveKeyPair turns a recovery seed into the legal-identity signing keys.
func DeriveKeyPair(seedBytes []byte) (KeyPair, error) {
	signingSeed, err := hkdfExpand(seedBytes, hkdfInfoLegalSigning, ed25519.SeedSize)
	if err != nil {
		return KeyPair{}, err
	}
	priv := ed25519.NewKeyFromSeed(signingSeed)
	pub := priv.Public().(ed25519.PublicKey)
	id, err := BuildKeyID(pub)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{ID: id, PublicKey: pub, PrivateKey: priv}, nil
}

func BuildKeyID(publicKey []byte) (string, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid signing public key size: %d", len(publicKey))
	}
	h := blake2b.Sum256(publicKey)
	return keyIDPrefix + base58.Encode(h[:20]), nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
