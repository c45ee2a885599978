package domain

import "time"

const (
	DefaultHoldTTL         = 5 * time.Minute
	DefaultHoldMaxLifetime = 15 * time.Minute
)

// Hold is a short-lived exclusive claim on a seat by one session
type Hold struct {
	EventID    string    `json:"event_id"`
	SeatID     string    `json:"seat_id"`
	SessionID  string    `json:"session_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AcquireResult splits the seats of one acquire call. Granted holds are
// new, Renewed holds already belonged to the session.
type AcquireResult struct {
	Granted   []string `json:"granted"`
	Renewed   []string `json:"renewed"`
	Conflicts []string `json:"conflicts"`
}

// Held returns every seat the session now holds
func (r *AcquireResult) Held() []string {
	held := make([]string, 0, len(r.Granted)+len(r.Renewed))
	held = append(held, r.Granted...)
	return append(held, r.Renewed...)
}

// HasConflicts checks if any seat was held by another session
func (r *AcquireResult) HasConflicts() bool {
	return len(r.Conflicts) > 0
}

// HoldExpiry computes the expiry of a hold first acquired at acquiredAt and
// renewed at now. The result never passes acquiredAt+maxLifetime.
func HoldExpiry(acquiredAt, now time.Time, ttl, maxLifetime time.Duration) time.Time {
	expiry := now.Add(ttl)
	if limit := acquiredAt.Add(maxLifetime); maxLifetime > 0 && expiry.After(limit) {
		return limit
	}
	return expiry
}
