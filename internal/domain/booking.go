package domain

import (
	"time"
)

// BookingStatus represents the status of a booking
type BookingStatus string

const (
	BookingStatusUnconfirmed BookingStatus = "unconfirmed"
	BookingStatusConfirmed   BookingStatus = "confirmed"
	BookingStatusCheckedIn   BookingStatus = "checked_in"
	BookingStatusCancelled   BookingStatus = "cancelled"
)

// IsValid checks if the status is a valid BookingStatus
func (s BookingStatus) IsValid() bool {
	switch s {
	case BookingStatusUnconfirmed, BookingStatusConfirmed, BookingStatusCheckedIn, BookingStatusCancelled:
		return true
	}
	return false
}

// String returns the string representation of BookingStatus
func (s BookingStatus) String() string {
	return string(s)
}

// Channel is the origin of a booking request
type Channel string

const (
	ChannelOnline Channel = "online"
	ChannelAgent  Channel = "agent"
	ChannelPOS    Channel = "pos"
)

// IsValid checks if the channel is known
func (c Channel) IsValid() bool {
	switch c {
	case ChannelOnline, ChannelAgent, ChannelPOS:
		return true
	}
	return false
}

// InitialStatus is the status a new booking of this channel starts in.
// Online buyers pay upstream, so their bookings wait for confirmation.
func (c Channel) InitialStatus() BookingStatus {
	if c == ChannelOnline {
		return BookingStatusUnconfirmed
	}
	return BookingStatusConfirmed
}

// RowPerUnit reports whether pool quantity is split into one row per unit
func (c Channel) RowPerUnit() bool {
	return c != ChannelPOS
}

// DefaultCurrency is used when a commit names none
const DefaultCurrency = "THB"

// Booking is one unit of sale: a seat, a single pool unit, or a POS pool line
type Booking struct {
	ID              string        `json:"id"`
	EventID         string        `json:"event_id"`
	TicketID        string        `json:"ticket_id"`
	SeatID          string        `json:"seat_id,omitempty"`
	Quantity        int           `json:"quantity"`
	Amount          int64         `json:"amount"`
	Discount        int64         `json:"discount"`
	Currency        string        `json:"currency"`
	Status          BookingStatus `json:"status"`
	SetID           string        `json:"set_id"`
	SessionID       string        `json:"session_id"`
	Channel         Channel       `json:"channel"`
	BuyerID         string        `json:"buyer_id,omitempty"`
	BuyerName       string        `json:"buyer_name,omitempty"`
	MasterBookingID string        `json:"master_booking_id,omitempty"`
	CancelReason    string        `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	CancelledAt     *time.Time    `json:"cancelled_at,omitempty"`
}

// IsSeated checks if the booking owns a seat
func (b *Booking) IsSeated() bool {
	return b.SeatID != ""
}

// IsCancelled checks if the booking is in cancelled status
func (b *Booking) IsCancelled() bool {
	return b.Status == BookingStatusCancelled
}

// Cancel marks the booking as cancelled
func (b *Booking) Cancel(reason string, at time.Time) error {
	if b.IsCancelled() {
		return ErrBookingAlreadyCancelled
	}
	b.Status = BookingStatusCancelled
	b.CancelReason = reason
	b.CancelledAt = &at
	return nil
}

// MasterBooking groups the bookings of one multi-unit checkout
type MasterBooking struct {
	ID            string        `json:"id"`
	EventID       string        `json:"event_id"`
	Channel       Channel       `json:"channel"`
	SetID         string        `json:"set_id"`
	BookingIDs    []string      `json:"booking_ids"`
	TotalAmount   int64         `json:"total_amount"`
	TotalDiscount int64         `json:"total_discount"`
	TotalQuantity int           `json:"total_quantity"`
	Status        BookingStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	CancelledAt   *time.Time    `json:"cancelled_at,omitempty"`
}

// NewMasterBooking aggregates bookings that share a set id
func NewMasterBooking(id string, bookings []*Booking, at time.Time) *MasterBooking {
	m := &MasterBooking{
		ID:         id,
		Status:     BookingStatusConfirmed,
		BookingIDs: make([]string, 0, len(bookings)),
		CreatedAt:  at,
	}
	for i, b := range bookings {
		if i == 0 {
			m.EventID = b.EventID
			m.Channel = b.Channel
			m.SetID = b.SetID
			m.Status = b.Status
		}
		m.BookingIDs = append(m.BookingIDs, b.ID)
		m.TotalAmount += b.Amount
		m.TotalDiscount += b.Discount
		m.TotalQuantity += b.Quantity
	}
	return m
}

// RemoveBooking drops a constituent and reports whether it was listed.
// A master left without bookings is cancelled.
func (m *MasterBooking) RemoveBooking(bookingID string, at time.Time) bool {
	for i, id := range m.BookingIDs {
		if id != bookingID {
			continue
		}
		m.BookingIDs = append(m.BookingIDs[:i:i], m.BookingIDs[i+1:]...)
		if len(m.BookingIDs) == 0 {
			m.Status = BookingStatusCancelled
			m.CancelledAt = &at
		}
		return true
	}
	return false
}

// IsCancelled checks if the master is cancelled
func (m *MasterBooking) IsCancelled() bool {
	return m.Status == BookingStatusCancelled
}
