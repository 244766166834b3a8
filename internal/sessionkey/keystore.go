package sessionkey

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"cometshift/go-backend/internal/securestore"
	"cometshift/go-backend/internal/signer"
)

var (
	ErrNoSessionKey = errors.New("no session key configured for account")
)

// StoredKey is a session signing credential at rest. The secret is a
// securestore envelope; the plaintext key exists only transiently inside
// Signer calls and never leaves the backend.
type StoredKey struct {
	Account         string    `json:"account"`
	Address         string    `json:"address"`
	EncryptedSecret []byte    `json:"encrypted_secret"`
	ValidUntil      time.Time `json:"valid_until"`
	Targets         []string  `json:"targets"`
	Granted         bool      `json:"granted"`
	CreatedAt       time.Time `json:"created_at"`
}

// KeyStore persists one session key per account in an encrypted snapshot
// file.
type KeyStore struct {
	mu     sync.RWMutex
	byAcct map[string]StoredKey
	path   string
	secret string
}

func NewKeyStore(path, secret string) (*KeyStore, error) {
	s := &KeyStore{byAcct: make(map[string]StoredKey), path: path, secret: secret}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemoryKeyStore keeps keys only in memory; test and dry-run use.
func NewMemoryKeyStore() *KeyStore {
	return &KeyStore{byAcct: make(map[string]StoredKey)}
}

// Generate creates a fresh credential for the account, replacing any
// previous one. The caller still has to run the grant flow before the key
// is usable on-chain.
func (s *KeyStore) Generate(account common.Address, validUntil time.Time, targets []common.Address) (StoredKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return StoredKey{}, err
	}
	raw := crypto.FromECDSA(key)
	defer zero(raw)
	encrypted, err := securestore.Encrypt(s.secret, raw)
	if err != nil {
		return StoredKey{}, err
	}
	targetStrs := make([]string, 0, len(targets))
	for _, t := range targets {
		targetStrs = append(targetStrs, t.Hex())
	}
	stored := StoredKey{
		Account:         account.Hex(),
		Address:         crypto.PubkeyToAddress(key.PublicKey).Hex(),
		EncryptedSecret: encrypted,
		ValidUntil:      validUntil.UTC(),
		Targets:         targetStrs,
		Granted:         false,
		CreatedAt:       time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneKeys(s.byAcct)
	next[stored.Account] = stored
	if err := s.persistLocked(next); err != nil {
		return StoredKey{}, err
	}
	s.byAcct = next
	return stored, nil
}

func (s *KeyStore) Get(account common.Address) (StoredKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byAcct[account.Hex()]
	return k, ok
}

// MarkGranted flips the cached granted flag. The flag is bookkeeping only;
// security decisions re-check the on-chain registry.
func (s *KeyStore) MarkGranted(account common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byAcct[account.Hex()]
	if !ok {
		return ErrNoSessionKey
	}
	k.Granted = true
	next := cloneKeys(s.byAcct)
	next[account.Hex()] = k
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.byAcct = next
	return nil
}

// Signer decrypts the account's session secret and returns a signer over
// it. Expired keys refuse to sign.
func (s *KeyStore) Signer(account common.Address, now time.Time) (*signer.Signer, error) {
	s.mu.RLock()
	stored, ok := s.byAcct[account.Hex()]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNoSessionKey
	}
	if now.After(stored.ValidUntil) {
		return nil, errors.New("session key expired at " + stored.ValidUntil.String())
	}
	raw, err := securestore.Decrypt(s.secret, stored.EncryptedSecret)
	if err != nil {
		return nil, err
	}
	defer zero(raw)
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, err
	}
	return signer.New(key), nil
}

func (s *KeyStore) load() error {
	if s.path == "" {
		return nil
	}
	var snapshot map[string]StoredKey
	err := securestore.ReadDecryptedJSON(s.path, s.secret, &snapshot)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	s.byAcct = snapshot
	return nil
}

func (s *KeyStore) persistLocked(snapshot map[string]StoredKey) error {
	if s.path == "" {
		return nil
	}
	return securestore.WriteEncryptedJSON(s.path, s.secret, snapshot)
}

func cloneKeys(m map[string]StoredKey) map[string]StoredKey {
	out := make(map[string]StoredKey, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
