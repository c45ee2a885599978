package repository

import (
	"context"
	"sync"
	"time"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
)

type memoryHold struct {
	sessionID  string
	acquiredAt time.Time
	expiresAt  time.Time
}

// MemoryHoldStore is an in-process HoldStore. Expired holds are evicted
// lazily on access.
type MemoryHoldStore struct {
	mu    sync.Mutex
	holds map[string]memoryHold
	cfg   HoldStoreConfig
	now   func() time.Time
}

// NewMemoryHoldStore creates a hold store; now may be nil to use time.Now
func NewMemoryHoldStore(cfg *HoldStoreConfig, now func() time.Time) *MemoryHoldStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryHoldStore{
		holds: make(map[string]memoryHold),
		cfg:   cfg.withDefaults(),
		now:   now,
	}
}

// live returns the hold of key if it has not expired; callers hold mu
func (s *MemoryHoldStore) live(key string, now time.Time) (memoryHold, bool) {
	h, ok := s.holds[key]
	if !ok {
		return memoryHold{}, false
	}
	if !now.Before(h.expiresAt) {
		delete(s.holds, key)
		return memoryHold{}, false
	}
	return h, true
}

// Acquire holds seats for a session
func (s *MemoryHoldStore) Acquire(ctx context.Context, eventID string, seatIDs []string, sessionID string, ttl time.Duration) (*domain.AcquireResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	result := &domain.AcquireResult{}
	for _, seatID := range seatIDs {
		key := HoldKey(eventID, seatID)
		h, ok := s.live(key, now)
		switch {
		case ok && h.sessionID != sessionID:
			result.Conflicts = append(result.Conflicts, seatID)
		case ok:
			h.expiresAt = domain.HoldExpiry(h.acquiredAt, now, ttl, s.cfg.MaxLifetime)
			s.holds[key] = h
			result.Renewed = append(result.Renewed, seatID)
		default:
			s.holds[key] = memoryHold{
				sessionID:  sessionID,
				acquiredAt: now,
				expiresAt:  domain.HoldExpiry(now, now, ttl, s.cfg.MaxLifetime),
			}
			result.Granted = append(result.Granted, seatID)
		}
	}
	return result, nil
}

// Release deletes the session's holds on the given seats
func (s *MemoryHoldStore) Release(ctx context.Context, eventID string, seatIDs []string, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	released := 0
	for _, seatID := range seatIDs {
		key := HoldKey(eventID, seatID)
		if h, ok := s.live(key, now); ok && h.sessionID == sessionID {
			delete(s.holds, key)
			released++
		}
	}
	return released, nil
}

// IsHeldByOther reports whether a different session holds the seat
func (s *MemoryHoldStore) IsHeldByOther(ctx context.Context, eventID, seatID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.live(HoldKey(eventID, seatID), s.now())
	return ok && h.sessionID != sessionID, nil
}

// Holders maps held seats to the session holding them
func (s *MemoryHoldStore) Holders(ctx context.Context, eventID string, seatIDs []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	holders := make(map[string]string)
	for _, seatID := range seatIDs {
		if h, ok := s.live(HoldKey(eventID, seatID), now); ok {
			holders[seatID] = h.sessionID
		}
	}
	return holders, nil
}

var _ HoldStore = (*MemoryHoldStore)(nil)
