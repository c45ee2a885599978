package domain

import "time"

// TicketType is a pooled or seated ticket with its capacity counter
type TicketType struct {
	ID                string    `json:"id"`
	EventID           string    `json:"event_id"`
	BatchID           string    `json:"batch_id"`
	Name              string    `json:"name"`
	TotalQuantity     int       `json:"total_quantity"`
	RemainingQuantity int       `json:"remaining_quantity"`
	SoldOut           bool      `json:"sold_out"`
	PriceAmount       int64     `json:"price_amount"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// IsSoldOut derives the flag from the counter
func (t *TicketType) IsSoldOut() bool {
	return t.RemainingQuantity <= 0
}

// CanCover checks the advisory read for qty units
func (t *TicketType) CanCover(qty int) bool {
	return qty <= t.RemainingQuantity
}

// BelongsTo checks the ticket is sold for the event
func (t *TicketType) BelongsTo(eventID string) bool {
	return t.EventID == eventID
}

// ReserveResult is the outcome of a successful capacity decrement
type ReserveResult struct {
	TicketID       string `json:"ticket_id"`
	RemainingAfter int    `json:"remaining_after"`
	SoldOut        bool   `json:"sold_out"`
}
