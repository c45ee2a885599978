package domain

import (
	"time"
)

// ReservationEventType names an outbound reservation event
type ReservationEventType string

const (
	EventReservationCommitted ReservationEventType = "reservation.committed"
	EventBookingCancelled     ReservationEventType = "booking.cancelled"
)

// DefaultReservationEventsTopic carries every outbound event of this service
const DefaultReservationEventsTopic = "reservation-events"

// SeatOwnership tells seat map and check-in which booking owns a seat
type SeatOwnership struct {
	SeatID    string `json:"seat_id"`
	BookingID string `json:"booking_id"`
}

// ReservationCommittedEvent is published after a successful commit
type ReservationCommittedEvent struct {
	EventType       ReservationEventType `json:"event_type"`
	EventID         string               `json:"event_id"`
	SessionID       string               `json:"session_id"`
	SetID           string               `json:"set_id"`
	Channel         Channel              `json:"channel"`
	BuyerID         string               `json:"buyer_id,omitempty"`
	BookingIDs      []string             `json:"booking_ids"`
	MasterBookingID string               `json:"master_booking_id,omitempty"`
	Seats           []SeatOwnership      `json:"seats,omitempty"`
	TotalAmount     int64                `json:"total_amount"`
	Currency        string               `json:"currency"`
	Timestamp       time.Time            `json:"timestamp"`
}

// NewReservationCommittedEvent builds the event from the created bookings
func NewReservationCommittedEvent(req *CommitRequest, result *CommitResult, bookings []*Booking, at time.Time) *ReservationCommittedEvent {
	e := &ReservationCommittedEvent{
		EventType:       EventReservationCommitted,
		EventID:         req.EventID,
		SessionID:       req.SessionID,
		SetID:           result.SetID,
		Channel:         req.Metadata.Channel,
		BuyerID:         req.Metadata.BuyerID,
		BookingIDs:      result.BookingIDs,
		MasterBookingID: result.MasterBookingID,
		Currency:        req.Metadata.Currency,
		Timestamp:       at,
	}
	for _, b := range bookings {
		e.TotalAmount += b.Amount - b.Discount
		if b.IsSeated() {
			e.Seats = append(e.Seats, SeatOwnership{SeatID: b.SeatID, BookingID: b.ID})
		}
	}
	return e
}

// BookingCancelledEvent is published for each cancelled booking
type BookingCancelledEvent struct {
	EventType       ReservationEventType `json:"event_type"`
	BookingID       string               `json:"booking_id"`
	EventID         string               `json:"event_id"`
	TicketID        string               `json:"ticket_id"`
	SeatID          string               `json:"seat_id,omitempty"`
	Quantity        int                  `json:"quantity"`
	MasterBookingID string               `json:"master_booking_id,omitempty"`
	Reason          string               `json:"reason,omitempty"`
	Timestamp       time.Time            `json:"timestamp"`
}

// NewBookingCancelledEvent builds the event for a cancelled booking
func NewBookingCancelledEvent(b *Booking, at time.Time) *BookingCancelledEvent {
	return &BookingCancelledEvent{
		EventType:       EventBookingCancelled,
		BookingID:       b.ID,
		EventID:         b.EventID,
		TicketID:        b.TicketID,
		SeatID:          b.SeatID,
		Quantity:        b.Quantity,
		MasterBookingID: b.MasterBookingID,
		Reason:          b.CancelReason,
		Timestamp:       at,
	}
}

// CancellationRequest is consumed from refund and chargeback producers.
// Exactly one of BookingID or MasterBookingID is set.
type CancellationRequest struct {
	BookingID       string `json:"booking_id,omitempty"`
	MasterBookingID string `json:"master_booking_id,omitempty"`
	Reason          string `json:"reason"`
}
