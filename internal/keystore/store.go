package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tyler-smith/go-bip39"
)

const deviceKeyRecord = "deviceKey"

var (
	ErrStoreUnavailable = errors.New("keystore is unavailable")
	ErrKeyGeneration    = errors.New("device key generation failed")
	ErrMnemonicInvalid  = errors.New("recovery mnemonic is invalid")
)

// Store persists exactly one named record, the device keypair seed, in an
// encrypted file. The file and its lock are acquired per call rather than
// held open, so other local consumers are never starved.
type Store struct {
	path   string
	secret string
	now    func() time.Time
}

type records struct {
	DeviceKey *keyRecord `json:"deviceKey,omitempty"`
}

type keyRecord struct {
	Seed      []byte    `json:"seed"`
	CreatedAt time.Time `json:"created_at"`
}

func Open(path, secret string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: store path is required", ErrStoreUnavailable)
	}
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: store secret is required", ErrStoreUnavailable)
	}
	return &Store{path: path, secret: secret, now: time.Now}, nil
}

// GetOrCreate returns the device identity, generating and persisting it on
// first call. The recovery mnemonic is non-empty only on the call that
// created the key; it is never stored.
func (s *Store) GetOrCreate() (*Identity, string, error) {
	unlock, err := s.acquireLock()
	if err != nil {
		return nil, "", err
	}
	defer unlock()

	recs, err := s.loadLocked()
	if err != nil {
		return nil, "", err
	}
	if recs.DeviceKey != nil {
		id, err := identityFromSeed(recs.DeviceKey.Seed, recs.DeviceKey.CreatedAt)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrKeyGeneration, err)
		}
		return id, "", nil
	}

	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	id, err := s.importLocked(mnemonic)
	if err != nil {
		return nil, "", err
	}
	return id, mnemonic, nil
}

// Get returns the persisted identity, or an error if none exists yet.
func (s *Store) Get() (*Identity, error) {
	unlock, err := s.acquireLock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	recs, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	if recs.DeviceKey == nil {
		return nil, fmt.Errorf("%w: no device key record", ErrStoreUnavailable)
	}
	id, err := identityFromSeed(recs.DeviceKey.Seed, recs.DeviceKey.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return id, nil
}

// Import replaces the device key with one recovered from a mnemonic.
// Every grant bound to the previous key becomes invalid.
func (s *Store) Import(mnemonic string) (*Identity, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrMnemonicInvalid
	}
	unlock, err := s.acquireLock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.importLocked(mnemonic)
}

func (s *Store) importLocked(mnemonic string) (*Identity, error) {
	seed := bip39.NewSeed(mnemonic, "")[:32]
	createdAt := s.now().UTC()
	id, err := identityFromSeed(seed, createdAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	recs := records{DeviceKey: &keyRecord{Seed: seed, CreatedAt: createdAt}}
	if err := s.saveLocked(recs); err != nil {
		return nil, err
	}
	return id, nil
}

func (s *Store) loadLocked() (records, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return records{}, nil
		}
		return records{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	plaintext, err := openRecords(s.secret, raw)
	if err != nil {
		return records{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var recs records
	if err := json.Unmarshal(plaintext, &recs); err != nil {
		return records{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return recs, nil
}

func (s *Store) saveLocked(recs records) error {
	plaintext, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	sealed, err := sealRecords(s.secret, plaintext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := os.WriteFile(s.path, sealed, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// acquireLock takes an exclusive-by-creation lock file next to the store.
// Contention maps to ErrStoreUnavailable, matching the failure mode of a
// store already held by another consumer.
func (s *Store) acquireLock() (func(), error) {
	lockPath := s.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: store is locked by another consumer", ErrStoreUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	_ = f.Close()
	return func() { _ = os.Remove(lockPath) }, nil
}
