package dto

import (
	"time"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
)

// LineRequest is one ticket line of a validate or commit request
type LineRequest struct {
	TicketID string   `json:"ticket_id" binding:"required"`
	SeatIDs  []string `json:"seat_ids,omitempty"`
	Quantity int      `json:"quantity,omitempty" binding:"min=0,max=1000"`
}

// ValidateReservationRequest represents request to validate a checkout
type ValidateReservationRequest struct {
	EventID   string        `json:"event_id" binding:"required"`
	SessionID string        `json:"session_id" binding:"required"`
	Lines     []LineRequest `json:"lines" binding:"required,min=1,dive"`
}

// ToDomain converts the request to a domain request
func (r *ValidateReservationRequest) ToDomain() *domain.ValidateRequest {
	lines := make([]domain.Line, 0, len(r.Lines))
	for _, l := range r.Lines {
		lines = append(lines, domain.Line{TicketID: l.TicketID, SeatIDs: l.SeatIDs, Quantity: l.Quantity})
	}
	return &domain.ValidateRequest{EventID: r.EventID, SessionID: r.SessionID, Lines: lines}
}

// PricingRequest overrides the list price of a ticket
type PricingRequest struct {
	UnitAmount     int64 `json:"unit_amount" binding:"min=0"`
	DiscountAmount int64 `json:"discount_amount" binding:"min=0"`
}

// CommitReservationRequest represents request to turn a checkout into bookings
type CommitReservationRequest struct {
	ValidateReservationRequest
	BuyerID   string                    `json:"buyer_id,omitempty"`
	BuyerName string                    `json:"buyer_name,omitempty"`
	Channel   string                    `json:"channel" binding:"required,oneof=online agent pos"`
	Currency  string                    `json:"currency,omitempty"`
	Pricing   map[string]PricingRequest `json:"pricing,omitempty"`
}

// ToDomain converts the request to a domain request
func (r *CommitReservationRequest) ToDomain() *domain.CommitRequest {
	req := &domain.CommitRequest{
		ValidateRequest: *r.ValidateReservationRequest.ToDomain(),
		Metadata: domain.BookingMetadata{
			BuyerID:   r.BuyerID,
			BuyerName: r.BuyerName,
			Channel:   domain.Channel(r.Channel),
			Currency:  r.Currency,
		},
	}
	if len(r.Pricing) > 0 {
		req.Metadata.Pricing = make(map[string]domain.Pricing, len(r.Pricing))
		for ticketID, p := range r.Pricing {
			req.Metadata.Pricing[ticketID] = domain.Pricing{UnitAmount: p.UnitAmount, DiscountAmount: p.DiscountAmount}
		}
	}
	return req
}

// ReleaseHoldsRequest represents request to abandon a checkout early
type ReleaseHoldsRequest struct {
	EventID   string   `json:"event_id" binding:"required"`
	SessionID string   `json:"session_id" binding:"required"`
	SeatIDs   []string `json:"seat_ids" binding:"required,min=1"`
}

// ToDomain converts the request to a domain request
func (r *ReleaseHoldsRequest) ToDomain() *domain.ReleaseRequest {
	return &domain.ReleaseRequest{EventID: r.EventID, SessionID: r.SessionID, SeatIDs: r.SeatIDs}
}

// ReleaseHoldsResponse represents response after releasing holds
type ReleaseHoldsResponse struct {
	Released int `json:"released"`
}

// SeatResponse is one seat of the seat map
type SeatResponse struct {
	SeatID    string     `json:"seat_id"`
	Status    string     `json:"status"`
	BookingID string     `json:"booking_id,omitempty"`
	Held      bool       `json:"held"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// SeatMapResponse lists seat states with the hold overlay
type SeatMapResponse struct {
	EventID string          `json:"event_id"`
	Seats   []*SeatResponse `json:"seats"`
}

// AvailabilityResponse is the remaining capacity of a ticket type
type AvailabilityResponse struct {
	TicketID  string    `json:"ticket_id"`
	EventID   string    `json:"event_id"`
	Name      string    `json:"name,omitempty"`
	Total     int       `json:"total"`
	Remaining int       `json:"remaining"`
	SoldOut   bool      `json:"sold_out"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetSeatDisabledRequest represents an operator blocking or reopening a seat
type SetSeatDisabledRequest struct {
	Disabled *bool `json:"disabled" binding:"required"`
}

// CancelRequest represents request to cancel a booking or a master booking
type CancelRequest struct {
	Reason string `json:"reason,omitempty" binding:"max=500"`
}

// CancelResponse lists what a cancellation changed
type CancelResponse struct {
	BookingIDs      []string `json:"booking_ids"`
	MasterBookingID string   `json:"master_booking_id,omitempty"`
	MasterCancelled bool     `json:"master_cancelled"`
}
