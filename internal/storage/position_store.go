// Package storage holds the engine's bookkeeping records. Position records
// mirror, never replace, on-chain state: they are written only after a
// confirmed transaction and re-derivable from chain reads.
package storage

import (
	"crypto/rand"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mr-tron/base58/base58"

	"cometshift/go-backend/internal/securestore"
	"cometshift/go-backend/pkg/models"
)

var (
	ErrPositionExists   = errors.New("account already has an active position on this market")
	ErrPositionNotFound = errors.New("no active position for account on this market")
)

// PositionStore persists position records in an encrypted snapshot file. At
// most one ACTIVE position exists per account/market pair.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]models.Position
	path      string
	secret    string
}

func NewPositionStore(path, secret string) (*PositionStore, error) {
	s := &PositionStore{positions: make(map[string]models.Position), path: path, secret: secret}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func NewMemoryPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]models.Position)}
}

func newPositionID() string {
	raw := make([]byte, 12)
	_, _ = rand.Read(raw)
	return "pos1" + base58.Encode(raw)
}

// Open records a new active position. Opening a second active position for
// the same account and market is a conflict.
func (s *PositionStore) Open(p models.Position) (models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.positions {
		if existing.Account == p.Account && existing.Market == p.Market && existing.Status == models.PositionActive {
			return models.Position{}, ErrPositionExists
		}
	}
	p.ID = newPositionID()
	p.Status = models.PositionActive
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	next := clonePositions(s.positions)
	next[p.ID] = p
	if err := s.persistLocked(next); err != nil {
		return models.Position{}, err
	}
	s.positions = next
	return p, nil
}

// Close marks the account's active position on the market as closed.
func (s *PositionStore) Close(account, market string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.positions {
		if p.Account != account || p.Market != market || p.Status != models.PositionActive {
			continue
		}
		p.Status = models.PositionClosed
		p.UpdatedAt = time.Now().UTC()
		next := clonePositions(s.positions)
		next[id] = p
		if err := s.persistLocked(next); err != nil {
			return err
		}
		s.positions = next
		return nil
	}
	return ErrPositionNotFound
}

// Active returns the account's active position on the market, if any.
func (s *PositionStore) Active(account, market string) (models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.positions {
		if p.Account == account && p.Market == market && p.Status == models.PositionActive {
			return p, true
		}
	}
	return models.Position{}, false
}

// List returns all records for an account, newest first, closed included.
func (s *PositionStore) List(account string) []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Position, 0)
	for _, p := range s.positions {
		if p.Account == account {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *PositionStore) load() error {
	if s.path == "" {
		return nil
	}
	var snapshot map[string]models.Position
	err := securestore.ReadDecryptedJSON(s.path, s.secret, &snapshot)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if snapshot != nil {
		s.positions = snapshot
	}
	return nil
}

func (s *PositionStore) persistLocked(snapshot map[string]models.Position) error {
	if s.path == "" {
		return nil
	}
	return securestore.WriteEncryptedJSON(s.path, s.secret, snapshot)
}

func clonePositions(in map[string]models.Position) map[string]models.Position {
	out := make(map[string]models.Position, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
