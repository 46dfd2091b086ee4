// Package memory provides an in-memory allocation store, used in tests and
// for single-node development runs.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meridianlabs/disperse/pkg/alloc"
)

type Store struct {
	log *slog.Logger

	mu          sync.RWMutex
	shareOrder  []string
	shares      map[string]uint64
	tokenOrder  []string
	tokens      map[string]alloc.TokenEntry
	interrupted map[string]uint64
	intOrder    []string
	ledgerID    string
}

func New(log *slog.Logger) *Store {
	return &Store{
		log:         log,
		shares:      make(map[string]uint64),
		tokens:      make(map[string]alloc.TokenEntry),
		interrupted: make(map[string]uint64),
	}
}

// AddShare merges weight into any existing entry for the recipient.
// Accumulating keeps retried uploads idempotent-safe at the batch level: the
// upload tool can re-send a failed batch without silently overwriting weights
// added in between.
func (s *Store) AddShare(_ context.Context, recipient string, weight uint64) error {
	if weight == 0 {
		return alloc.ErrZeroWeight
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shares[recipient]; !ok {
		s.shareOrder = append(s.shareOrder, recipient)
	}
	s.shares[recipient] += weight
	return nil
}

func (s *Store) RemoveShare(_ context.Context, recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shares[recipient]; !ok {
		return alloc.ErrNotFound
	}
	s.dropShareLocked(recipient)
	return nil
}

func (s *Store) SettleShare(_ context.Context, recipient string, amount uint64, paidAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shares[recipient]; !ok {
		return alloc.ErrNotFound
	}
	s.dropShareLocked(recipient)

	if _, ok := s.tokens[recipient]; !ok {
		s.tokenOrder = append(s.tokenOrder, recipient)
	}
	s.tokens[recipient] = alloc.TokenEntry{Recipient: recipient, Amount: amount, PaidAt: paidAt}

	if _, ok := s.interrupted[recipient]; ok {
		delete(s.interrupted, recipient)
		s.intOrder = removeFirst(s.intOrder, recipient)
	}
	return nil
}

func (s *Store) ListShares(_ context.Context, offset uint64) ([]alloc.ShareEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if offset >= uint64(len(s.shareOrder)) {
		return nil, nil
	}
	end := min(offset+alloc.PageSize, uint64(len(s.shareOrder)))

	page := make([]alloc.ShareEntry, 0, end-offset)
	for _, recipient := range s.shareOrder[offset:end] {
		page = append(page, alloc.ShareEntry{Recipient: recipient, Weight: s.shares[recipient]})
	}
	return page, nil
}

func (s *Store) ListTokens(_ context.Context, offset uint64) ([]alloc.TokenEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if offset >= uint64(len(s.tokenOrder)) {
		return nil, nil
	}
	end := min(offset+alloc.PageSize, uint64(len(s.tokenOrder)))

	page := make([]alloc.TokenEntry, 0, end-offset)
	for _, recipient := range s.tokenOrder[offset:end] {
		page = append(page, s.tokens[recipient])
	}
	return page, nil
}

func (s *Store) GetShare(_ context.Context, recipient string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	weight, ok := s.shares[recipient]
	return weight, ok, nil
}

func (s *Store) GetToken(_ context.Context, recipient string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.tokens[recipient]
	return entry.Amount, ok, nil
}

func (s *Store) MarkInterrupted(_ context.Context, recipient string, weight uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.interrupted[recipient]; !ok {
		s.intOrder = append(s.intOrder, recipient)
	}
	s.interrupted[recipient] = weight
	return nil
}

func (s *Store) ListInterrupted(_ context.Context) ([]alloc.ShareEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]alloc.ShareEntry, 0, len(s.intOrder))
	for _, recipient := range s.intOrder {
		entries = append(entries, alloc.ShareEntry{Recipient: recipient, Weight: s.interrupted[recipient]})
	}
	return entries, nil
}

func (s *Store) ClearInterrupted(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.interrupted = make(map[string]uint64)
	s.intOrder = nil
	return nil
}

func (s *Store) SetLedgerID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledgerID = id
	return nil
}

func (s *Store) LedgerID(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.ledgerID, nil
}

func (s *Store) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shareOrder = nil
	s.shares = make(map[string]uint64)
	s.tokenOrder = nil
	s.tokens = make(map[string]alloc.TokenEntry)
	s.intOrder = nil
	s.interrupted = make(map[string]uint64)
	s.ledgerID = ""
	return nil
}

func (s *Store) dropShareLocked(recipient string) {
	delete(s.shares, recipient)
	s.shareOrder = removeFirst(s.shareOrder, recipient)
}

func removeFirst(ss []string, target string) []string {
	for i, v := range ss {
		if v == target {
			return append(ss[:i], ss[i+1:]...)
		}
	}
	return ss
}
