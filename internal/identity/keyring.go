package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tyler-smith/go-bip39"
)

var (
	ErrNoKeys             = errors.New("no legal identity keys stored")
	ErrInvalidMnemonic    = errors.New("invalid mnemonic")
	ErrPassphraseRequired = errors.New("key passphrase is required")
)

// Store persists the sealed recovery phrase.
type Store interface {
	ReadEnvelope() (*KeyEnvelope, error)
	WriteEnvelope(env *KeyEnvelope) error
}

type FileStore struct {
	Path string
}

func (s FileStore) ReadEnvelope() (*KeyEnvelope, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoKeys
		}
		return nil, err
	}
	var env KeyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode key envelope: %w", err)
	}
	return &env, nil
}

func (s FileStore) WriteEnvelope(env *KeyEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

type MemoryStore struct {
	mu  sync.Mutex
	env *KeyEnvelope
}

func (s *MemoryStore) ReadEnvelope() (*KeyEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.env == nil {
		return nil, ErrNoKeys
	}
	cp := *s.env
	return &cp, nil
}

func (s *MemoryStore) WriteEnvelope(env *KeyEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *env
	s.env = &cp
	return nil
}

// Keyring loads, generates and caches the legal-identity signing keys.
type Keyring struct {
	mu         sync.Mutex
	store      Store
	passphrase []byte
	now        func() time.Time
	current    *KeyPair
}

func NewKeyring(store Store, passphrase string) *Keyring {
	return &Keyring{
		store:      store,
		passphrase: []byte(passphrase),
		now:        time.Now,
	}
}

func (k *Keyring) Current() (KeyPair, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current == nil {
		return KeyPair{}, false
	}
	return *k.current, true
}

// Load opens the stored envelope and re-derives the keys.
func (k *Keyring) Load() (KeyPair, error) {
	if len(k.passphrase) == 0 {
		return KeyPair{}, ErrPassphraseRequired
	}
	env, err := k.store.ReadEnvelope()
	if err != nil {
		return KeyPair{}, err
	}
	mnemonic, err := OpenMnemonic(env, k.passphrase)
	if err != nil {
		return KeyPair{}, fmt.Errorf("open key envelope: %w", err)
	}
	defer zeroBytes(mnemonic)
	keys, err := k.derive(string(mnemonic))
	if err != nil {
		return KeyPair{}, err
	}
	keys.CreatedAt = env.CreatedAt
	k.setCurrent(keys)
	return keys, nil
}

// Generate creates fresh keys, replacing whatever the store held, and returns the recovery phrase.
func (k *Keyring) Generate() (KeyPair, string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return KeyPair{}, "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return KeyPair{}, "", err
	}
	keys, err := k.Restore(mnemonic)
	if err != nil {
		return KeyPair{}, "", err
	}
	return keys, mnemonic, nil
}

func (k *Keyring) Restore(mnemonic string) (KeyPair, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return KeyPair{}, ErrInvalidMnemonic
	}
	if len(k.passphrase) == 0 {
		return KeyPair{}, ErrPassphraseRequired
	}
	keys, err := k.derive(mnemonic)
	if err != nil {
		return KeyPair{}, err
	}
	now := k.now()
	env, err := SealMnemonic([]byte(mnemonic), k.passphrase, now)
	if err != nil {
		return KeyPair{}, err
	}
	if err := k.store.WriteEnvelope(env); err != nil {
		return KeyPair{}, fmt.Errorf("store key envelope: %w", err)
	}
	keys.CreatedAt = env.CreatedAt
	k.setCurrent(keys)
	return keys, nil
}

// LoadKeys loads stored keys. New keys are generated only when canGenerate is
// set and the store holds no envelope at all; a wrong passphrase or an
// unreadable envelope is returned as is and the store is left untouched.
func (k *Keyring) LoadKeys(canGenerate bool) (KeyPair, error) {
	if keys, ok := k.Current(); ok {
		return keys, nil
	}
	keys, err := k.Load()
	if err == nil {
		return keys, nil
	}
	if !canGenerate || !errors.Is(err, ErrNoKeys) {
		return KeyPair{}, err
	}
	keys, _, genErr := k.Generate()
	if genErr != nil {
		return KeyPair{}, errors.Join(err, genErr)
	}
	return keys, nil
}

func (k *Keyring) derive(mnemonic string) (KeyPair, error) {
	return DeriveKeyPair(bip39.NewSeed(mnemonic, ""))
}

func (k *Keyring) setCurrent(keys KeyPair) {
	k.mu.Lock()
	defer k.mu.Unlock()
	cp := keys
	k.current = &cp
}
