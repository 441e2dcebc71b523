package profilestore

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"idwallet/go-core/pkg/models"
)

var ErrReadOnly = errors.New("profilestore: update function is nil")

// Data is the persisted profile document.
type Data struct {
	Parameters          models.ConnectionParameters `yaml:"parameters"`
	Addresses           models.AddressSet           `yaml:"addresses"`
	DefaultConnectivity bool                        `yaml:"defaultConnectivity"`
	Step                models.Step                 `yaml:"step"`
}

// Store is a profile held in memory and, when opened from a path, mirrored to a YAML file.
// Change subscribers run synchronously after the store lock is released.
type Store struct {
	mu      sync.RWMutex
	path    string
	data    Data
	subs    map[int]func()
	nextSub int
}

func NewMemory(initial Data) *Store {
	initial.Addresses = initial.Addresses.Clone()
	return &Store{data: initial, subs: make(map[int]func())}
}

// Open loads the profile at path. A missing file yields an empty profile that is
// created on first write.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("profilestore: path is required")
	}
	s := &Store{path: path, subs: make(map[int]func())}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) Snapshot() Data {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.data
	out.Addresses = s.data.Addresses.Clone()
	return out
}

func (s *Store) Parameters() models.ConnectionParameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Parameters
}

func (s *Store) SetParameters(p models.ConnectionParameters) error {
	return s.mutate(func(d *Data) { d.Parameters = p })
}

func (s *Store) SetCredentialHash(hash, method string) error {
	return s.mutate(func(d *Data) {
		d.Parameters.CredentialHash = hash
		d.Parameters.CredentialHashMethod = method
	})
}

func (s *Store) Addresses() models.AddressSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Addresses.Clone()
}

func (s *Store) UpdateAddresses(fn func(*models.AddressSet)) error {
	if fn == nil {
		return ErrReadOnly
	}
	return s.mutate(func(d *Data) { fn(&d.Addresses) })
}

func (s *Store) DefaultConnectivity() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.DefaultConnectivity
}

func (s *Store) SetDefaultConnectivity(v bool) error {
	return s.mutate(func(d *Data) { d.DefaultConnectivity = v })
}

func (s *Store) Step() models.Step {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Step
}

// SetStep only moves the onboarding step forward.
func (s *Store) SetStep(step models.Step) error {
	return s.mutate(func(d *Data) {
		if step > d.Step {
			d.Step = step
		}
	})
}

func (s *Store) Subscribe(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// mutate applies fn to a copy, persists it, and only then commits and notifies.
func (s *Store) mutate(fn func(*Data)) error {
	s.mu.Lock()
	next := s.data
	next.Addresses = s.data.Addresses.Clone()
	fn(&next)
	if equal(s.data, next) {
		s.mu.Unlock()
		return nil
	}
	if s.path != "" {
		if err := writeYAML(s.path, next); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.data = next
	subs := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, notify := range subs {
		notify()
	}
	return nil
}

func equal(a, b Data) bool {
	return a.Parameters == b.Parameters &&
		a.DefaultConnectivity == b.DefaultConnectivity &&
		a.Step == b.Step &&
		a.Addresses.MaxUploadSize == b.Addresses.MaxUploadSize &&
		a.Addresses.PushSupported == b.Addresses.PushSupported &&
		maps.Equal(a.Addresses.Addresses, b.Addresses.Addresses)
}

func writeYAML(path string, data Data) error {
	raw, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
