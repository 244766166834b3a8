package sessionkey

import (
	"crypto/rand"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58/base58"

	"cometshift/go-backend/internal/securestore"
	"cometshift/go-backend/internal/userop"
)

// Registration lifecycle. The unsigned payload is stored durably so a
// process restart never strands a pending grant with an un-reproducible
// hash: the retry serves the stored operation instead of rebuilding it
// against a possibly advanced nonce.
const (
	RegUnsigned  = "UNSIGNED"
	RegSigned    = "SIGNED"
	RegSubmitted = "SUBMITTED"
	RegConfirmed = "CONFIRMED"
)

var ErrNoRegistration = errors.New("no pending registration for account")

type Registration struct {
	ID         string            `json:"id"`
	Account    string            `json:"account"`
	Owner      string            `json:"owner"`
	SessionKey string            `json:"session_key"`
	Operation  *userop.Operation `json:"operation"`
	OpHash     string            `json:"op_hash"`
	State      string            `json:"state"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func newRegistrationID() string {
	raw := make([]byte, 12)
	_, _ = rand.Read(raw)
	return "reg1" + base58.Encode(raw)
}

// RegistrationStore persists at most one in-flight grant per account in an
// encrypted snapshot file.
type RegistrationStore struct {
	mu     sync.RWMutex
	byAcct map[string]Registration
	path   string
	secret string
}

func NewRegistrationStore(path, secret string) (*RegistrationStore, error) {
	s := &RegistrationStore{byAcct: make(map[string]Registration), path: path, secret: secret}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func NewMemoryRegistrationStore() *RegistrationStore {
	return &RegistrationStore{byAcct: make(map[string]Registration)}
}

func (s *RegistrationStore) Put(reg Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg.UpdatedAt = time.Now().UTC()
	next := cloneRegs(s.byAcct)
	next[reg.Account] = reg
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.byAcct = next
	return nil
}

func (s *RegistrationStore) Get(account common.Address) (Registration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.byAcct[account.Hex()]
	return reg, ok
}

// Transition moves the account's registration to the given state. Invalid
// direction changes are rejected; the machine only moves forward.
func (s *RegistrationStore) Transition(account common.Address, state string) (Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.byAcct[account.Hex()]
	if !ok {
		return Registration{}, ErrNoRegistration
	}
	if rank(state) <= rank(reg.State) {
		return Registration{}, errors.New("registration cannot move from " + reg.State + " to " + state)
	}
	reg.State = state
	reg.UpdatedAt = time.Now().UTC()
	next := cloneRegs(s.byAcct)
	next[reg.Account] = reg
	if err := s.persistLocked(next); err != nil {
		return Registration{}, err
	}
	s.byAcct = next
	return reg, nil
}

// Invalidate removes the registration, after confirmation or abandonment,
// so a stale nonce can never be resubmitted.
func (s *RegistrationStore) Invalidate(account common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byAcct[account.Hex()]; !ok {
		return nil
	}
	next := cloneRegs(s.byAcct)
	delete(next, account.Hex())
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.byAcct = next
	return nil
}

func rank(state string) int {
	switch state {
	case RegUnsigned:
		return 0
	case RegSigned:
		return 1
	case RegSubmitted:
		return 2
	case RegConfirmed:
		return 3
	default:
		return -1
	}
}

func (s *RegistrationStore) load() error {
	if s.path == "" {
		return nil
	}
	var snapshot map[string]Registration
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

func (s *RegistrationStore) persistLocked(snapshot map[string]Registration) error {
	if s.path == "" {
		return nil
	}
	return securestore.WriteEncryptedJSON(s.path, s.secret, snapshot)
}

func cloneRegs(m map[string]Registration) map[string]Registration {
	out := make(map[string]Registration, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
