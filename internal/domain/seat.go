package domain

import (
	"fmt"
	"time"
)

// SeatStatus is the durable per-event disposition of a seat
type SeatStatus int

const (
	SeatAvailable SeatStatus = iota
	SeatBooked
	SeatDisabled
)

var seatStatusNames = map[SeatStatus]string{
	SeatAvailable: "available",
	SeatBooked:    "booked",
	SeatDisabled:  "disabled",
}

// String returns the wire name of the status
func (s SeatStatus) String() string {
	if name, ok := seatStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// IsValid checks if the status is a known SeatStatus
func (s SeatStatus) IsValid() bool {
	_, ok := seatStatusNames[s]
	return ok
}

// Code returns the compact storage code
func (s SeatStatus) Code() int16 { return int16(s) }

// SeatStatusFromCode converts a storage code back to a status
func SeatStatusFromCode(code int16) (SeatStatus, error) {
	s := SeatStatus(code)
	if !s.IsValid() {
		return SeatAvailable, fmt.Errorf("unknown seat status code %d", code)
	}
	return s, nil
}

// MarshalText encodes the status by name
func (s SeatStatus) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("unknown seat status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name
func (s *SeatStatus) UnmarshalText(text []byte) error {
	for status, name := range seatStatusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown seat status %q", string(text))
}

// SeatState is a ledger entry. BookingID is set only when Status is SeatBooked.
type SeatState struct {
	EventID   string     `json:"event_id"`
	SeatID    string     `json:"seat_id"`
	Status    SeatStatus `json:"status"`
	BookingID string     `json:"booking_id,omitempty"`
	UpdatedAt time.Time  `json:"updated_at,omitempty"`
}

// IsAvailable checks if the seat can move to booked
func (s SeatState) IsAvailable() bool {
	return s.Status == SeatAvailable
}

// AvailableSeat is the state of a seat with no ledger row
func AvailableSeat(eventID, seatID string) SeatState {
	return SeatState{EventID: eventID, SeatID: seatID, Status: SeatAvailable}
}
