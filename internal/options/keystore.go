package options

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"gitlab.com/d21d3q/gombus/internal/frame"
)

// KeyEntry is one device key in a key file. Manufacturer may be empty to
// match the identification number alone.
type KeyEntry struct {
	Manufacturer string `yaml:"manufacturer"`
	ID           string `yaml:"id"`
	Key          string `yaml:"key"`
}

// KeyFile is the YAML document read by LoadKeyFile.
type KeyFile struct {
	Default string     `yaml:"default"`
	Keys    []KeyEntry `yaml:"keys"`
}

type deviceKey struct {
	manufacturer uint16
	id           [4]byte
}

// KeyStore resolves AES keys by device identity. Lookups fall back from
// manufacturer and id, to id alone, to the store default and finally to a
// key carried in the context.
type KeyStore struct {
	mu    sync.RWMutex
	exact map[deviceKey][]byte
	byID  map[[4]byte][]byte
	deflt []byte
}

// NewKeyStore returns an empty store.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		exact: make(map[deviceKey][]byte),
		byID:  make(map[[4]byte][]byte),
	}
}

// LoadKeyFile reads a YAML key file.
func LoadKeyFile(path string) (*KeyStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open key file: %w", err)
	}
	defer f.Close()
	s, err := ReadKeys(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ReadKeys decodes a YAML key document.
func ReadKeys(r io.Reader) (*KeyStore, error) {
	var doc KeyFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode key file: %w", err)
	}
	s := NewKeyStore()
	if doc.Default != "" {
		key, err := ParseKeyHex(doc.Default)
		if err != nil {
			return nil, fmt.Errorf("default key: %w", err)
		}
		s.SetDefault(key)
	}
	for i, e := range doc.Keys {
		if err := s.AddEntry(e); err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
	}
	return s, nil
}

// AddEntry parses and stores one entry.
func (s *KeyStore) AddEntry(e KeyEntry) error {
	id, err := frame.ParseID(e.ID)
	if err != nil {
		return err
	}
	key, err := ParseKeyHex(e.Key)
	if err != nil {
		return err
	}
	if key == nil {
		return fmt.Errorf("device %s has no key", e.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(e.Manufacturer) == "" {
		s.byID[id] = key
		return nil
	}
	m, err := frame.ManufacturerFromCode(e.Manufacturer)
	if err != nil {
		return err
	}
	s.exact[deviceKey{manufacturer: m, id: id}] = key
	return nil
}

// Add stores key for device.
func (s *KeyStore) Add(device frame.Address, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exact[deviceKey{manufacturer: device.Manufacturer, id: device.ID}] = append([]byte(nil), key...)
}

// SetDefault sets the key used for devices without an entry.
func (s *KeyStore) SetDefault(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deflt = append([]byte(nil), key...)
}

// Len returns the number of device entries.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.exact) + len(s.byID)
}

// Key implements security.KeyLookup.
func (s *KeyStore) Key(ctx context.Context, device frame.Address) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key, ok := s.exact[deviceKey{manufacturer: device.Manufacturer, id: device.ID}]; ok {
		return key, true
	}
	if key, ok := s.byID[device.ID]; ok {
		return key, true
	}
	if len(s.deflt) > 0 {
		return s.deflt, true
	}
	if key := SecurityKey(ctx); len(key) > 0 {
		return key, true
	}
	return nil, false
}

// ContextKeys is a key lookup that only consults WithSecurityKey.
type ContextKeys struct{}

// Key implements security.KeyLookup.
func (ContextKeys) Key(ctx context.Context, _ frame.Address) ([]byte, bool) {
	key := SecurityKey(ctx)
	return key, len(key) > 0
}
