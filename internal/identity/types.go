package identity

import (
	"crypto/ed25519"
	"time"
)

// KeyPair is the signing key set backing the legal identity.
type KeyPair struct {
	ID         string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	CreatedAt  time.Time
}

func (k KeyPair) Valid() bool {
	return len(k.PublicKey) == ed25519.PublicKeySize && len(k.PrivateKey) == ed25519.PrivateKeySize
}

func (k KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.PrivateKey, message)
}

type KeyEnvelope struct {
	Version     uint32    `json:"version"`
	KDF         string    `json:"kdf"`
	KDFTime     uint32    `json:"kdf_time"`
	KDFMemoryKB uint32    `json:"kdf_memory_kb"`
	KDFThreads  uint8     `json:"kdf_threads"`
	Salt        []byte    `json:"salt"`
	Nonce       []byte    `json:"nonce"`
	Ciphertext  []byte    `json:"ciphertext"`
	CreatedAt   time.Time `json:"created_at"`
}
