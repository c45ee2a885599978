package domain

import (
	"fmt"
	"sort"
	"strings"
)

// MaxTicketQuantity caps the pooled units one request may ask for per
// ticket type. A commit writes up to one booking row per unit.
const MaxTicketQuantity = 1000

// Line is one ticket line of a request. Exactly one of SeatIDs or Quantity
// is set.
type Line struct {
	TicketID string   `json:"ticket_id"`
	SeatIDs  []string `json:"seat_ids,omitempty"`
	Quantity int      `json:"quantity,omitempty"`
}

// IsSeated checks if the line names explicit seats
func (l Line) IsSeated() bool {
	return len(l.SeatIDs) > 0
}

// ValidateRequest asks whether a set of lines can proceed for a session
type ValidateRequest struct {
	EventID   string `json:"event_id"`
	SessionID string `json:"session_id"`
	Lines     []Line `json:"lines"`
}

// Normalize checks the request shape, trims ids and removes duplicate
// seats. Errors wrap ErrInvalidRequest.
func (r *ValidateRequest) Normalize() error {
	r.EventID = strings.TrimSpace(r.EventID)
	r.SessionID = strings.TrimSpace(r.SessionID)
	if r.SessionID == "" {
		return invalid(ErrInvalidSession)
	}
	if r.EventID == "" {
		return invalid(ErrInvalidEventID)
	}
	if len(r.Lines) == 0 {
		return invalid(ErrEmptyLines)
	}

	seen := make(map[string]struct{})
	lines := r.Lines[:0:0]
	for i := range r.Lines {
		line := r.Lines[i]
		line.TicketID = strings.TrimSpace(line.TicketID)
		if line.TicketID == "" {
			return invalid(fmt.Errorf("line %d: %w", i, ErrInvalidTicketID))
		}
		if line.Quantity < 0 {
			return invalid(fmt.Errorf("line %d: %w", i, ErrInvalidQuantity))
		}
		if line.Quantity > MaxTicketQuantity {
			return invalid(fmt.Errorf("line %d: %w (max %d)", i, ErrQuantityTooLarge, MaxTicketQuantity))
		}

		seats := line.SeatIDs[:0:0]
		for _, id := range line.SeatIDs {
			id = strings.TrimSpace(id)
			if id == "" {
				return invalid(fmt.Errorf("line %d: seat id is empty", i))
			}
			// A seat listed twice, even across lines, is requested once.
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			seats = append(seats, id)
		}
		hadSeats := len(line.SeatIDs) > 0
		line.SeatIDs = seats

		if hadSeats == (line.Quantity > 0) {
			return invalid(fmt.Errorf("line %d: %w", i, ErrAmbiguousLine))
		}
		if hadSeats && len(seats) == 0 {
			continue
		}
		lines = append(lines, line)
	}

	// Lines may split one ticket; the cap applies to the sum. Each line is
	// already capped, so checking after every add cannot overflow.
	pooled := make(map[string]int)
	for i, l := range lines {
		if l.IsSeated() {
			continue
		}
		pooled[l.TicketID] += l.Quantity
		if pooled[l.TicketID] > MaxTicketQuantity {
			return invalid(fmt.Errorf("line %d: ticket %s: %w (max %d)", i, l.TicketID, ErrQuantityTooLarge, MaxTicketQuantity))
		}
	}

	r.Lines = lines
	return nil
}

// SeatIDs returns every requested seat, sorted
func (r *ValidateRequest) SeatIDs() []string {
	var ids []string
	for _, l := range r.Lines {
		ids = append(ids, l.SeatIDs...)
	}
	sort.Strings(ids)
	return ids
}

// PoolQuantities sums pool lines per ticket. Normalize bounds each sum.
func (r *ValidateRequest) PoolQuantities() map[string]int {
	totals := make(map[string]int)
	for _, l := range r.Lines {
		if !l.IsSeated() {
			totals[l.TicketID] += l.Quantity
		}
	}
	return totals
}

// TicketIDs returns the distinct tickets named by the request, sorted
func (r *ValidateRequest) TicketIDs() []string {
	set := make(map[string]struct{})
	for _, l := range r.Lines {
		set[l.TicketID] = struct{}{}
	}
	return sortedKeys(set)
}

// LineFailureReason gives callers distinct messaging for pool shortfalls
type LineFailureReason string

const (
	LineFailureSoldOut      LineFailureReason = "sold_out"
	LineFailureLimitReached LineFailureReason = "limit_reached"
)

// LineFailure describes a pool line the advisory read rejected
type LineFailure struct {
	TicketID  string            `json:"ticket_id"`
	Reason    LineFailureReason `json:"reason"`
	Requested int               `json:"requested"`
	Remaining int               `json:"remaining"`
}

// ValidationResult is valid only when no seat or line failed
type ValidationResult struct {
	Valid              bool          `json:"valid"`
	UnavailableSeatIDs []string      `json:"unavailable_seat_ids"`
	LineFailures       []LineFailure `json:"line_failures,omitempty"`
	Message            string        `json:"message"`
}

// Pricing overrides the ticket price for a commit
type Pricing struct {
	UnitAmount     int64 `json:"unit_amount"`
	DiscountAmount int64 `json:"discount_amount"`
}

// BookingMetadata is the buyer and sales context of a commit
type BookingMetadata struct {
	BuyerID   string             `json:"buyer_id"`
	BuyerName string             `json:"buyer_name"`
	Channel   Channel            `json:"channel"`
	Currency  string             `json:"currency"`
	Pricing   map[string]Pricing `json:"pricing,omitempty"`
}

// CommitRequest turns validated lines into bookings
type CommitRequest struct {
	ValidateRequest
	Metadata BookingMetadata `json:"metadata"`
}

// Normalize checks the lines and the metadata
func (r *CommitRequest) Normalize() error {
	if err := r.ValidateRequest.Normalize(); err != nil {
		return err
	}
	if !r.Metadata.Channel.IsValid() {
		return invalid(fmt.Errorf("%w: %q", ErrInvalidChannel, r.Metadata.Channel))
	}
	if r.Metadata.Currency == "" {
		r.Metadata.Currency = DefaultCurrency
	}
	for ticketID, p := range r.Metadata.Pricing {
		if p.UnitAmount < 0 || p.DiscountAmount < 0 {
			return invalid(fmt.Errorf("pricing for %s: %w", ticketID, ErrInvalidAmount))
		}
	}
	return nil
}

// CommitResult lists the bookings a commit created
type CommitResult struct {
	BookingIDs      []string `json:"booking_ids"`
	MasterBookingID string   `json:"master_booking_id,omitempty"`
	SetID           string   `json:"set_id"`
}

// ReleaseRequest drops a session's holds before they expire
type ReleaseRequest struct {
	EventID   string   `json:"event_id"`
	SessionID string   `json:"session_id"`
	SeatIDs   []string `json:"seat_ids"`
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SortedUnique returns ids sorted with duplicates removed
func SortedUnique(ids []string) []string {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return sortedKeys(set)
}
