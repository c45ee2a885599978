package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/prohmpiriya/seat-reservation/pkg/telemetry"
)

// Commit results
const (
	ResultSuccess  = "success"
	ResultConflict = "conflict"
	ResultCapacity = "capacity"
	ResultInvalid  = "invalid"
	ResultError    = "error"
)

var (
	// Validation counters
	ValidationsTotal *telemetry.Counter
	HoldConflicts    *telemetry.Counter

	// Commit counters
	CommitsTotal   *telemetry.Counter
	CommitRetries  *telemetry.Counter
	TicketsSoldOut *telemetry.Counter

	// Cancellation and hold counters
	CancellationsTotal *telemetry.Counter
	HoldsReleased      *telemetry.Counter

	// Outbox counters
	OutboxPublished *telemetry.Counter
	OutboxFailed    *telemetry.Counter
	OutboxDeleted   *telemetry.Counter

	// Histograms
	CommitDuration   *telemetry.Histogram
	ValidateDuration *telemetry.Histogram

	// Gauges
	OutboxPending *telemetry.UpDownCounter

	initOnce sync.Once
	initErr  error
)

// Init initializes all reservation metrics
func Init() error {
	initOnce.Do(func() {
		initErr = initMetrics()
	})
	return initErr
}

func initMetrics() error {
	var err error

	ValidationsTotal, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_validations_total",
		Description: "Total number of validations by outcome",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	HoldConflicts, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_hold_conflicts_total",
		Description: "Total number of seats lost to another session or booking",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	CommitsTotal, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_commits_total",
		Description: "Total number of commits by result",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	CommitRetries, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_commit_retries_total",
		Description: "Total number of commit attempts retried after a transient failure",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	TicketsSoldOut, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_tickets_sold_out_total",
		Description: "Total number of ticket types that reached zero remaining",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	CancellationsTotal, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_cancellations_total",
		Description: "Total number of cancelled bookings",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	HoldsReleased, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_holds_released_total",
		Description: "Total number of holds released before expiry",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	OutboxPublished, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_outbox_published_total",
		Description: "Total number of outbox messages published",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	OutboxFailed, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_outbox_failed_total",
		Description: "Total number of failed outbox publish attempts",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	OutboxDeleted, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_outbox_deleted_total",
		Description: "Total number of published outbox messages cleaned up",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	CommitDuration, err = telemetry.NewHistogram(telemetry.MetricOpts{
		Name:        "reservation_commit_duration_seconds",
		Description: "Commit duration in seconds including retries",
		Unit:        "s",
	}, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5) // 5ms to 5s
	if err != nil {
		return err
	}

	ValidateDuration, err = telemetry.NewHistogram(telemetry.MetricOpts{
		Name:        "reservation_validate_duration_seconds",
		Description: "Validation duration in seconds",
		Unit:        "s",
	}, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1)
	if err != nil {
		return err
	}

	OutboxPending, err = telemetry.NewUpDownCounter(telemetry.MetricOpts{
		Name:        "reservation_outbox_batch_size",
		Description: "Messages claimed by the outbox worker and not yet settled",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	return nil
}

// RecordValidation records a validation outcome and its lost seats
func RecordValidation(ctx context.Context, eventID string, valid bool, conflicts int, start time.Time) {
	ValidationsTotal.Inc(ctx,
		attribute.String("event_id", eventID),
		attribute.Bool("valid", valid),
	)
	if conflicts > 0 {
		HoldConflicts.Add(ctx, int64(conflicts),
			attribute.String("event_id", eventID),
			attribute.String("phase", "validate"),
		)
	}
	ValidateDuration.RecordDuration(ctx, start, attribute.String("event_id", eventID))
}

// RecordCommit records a commit result and its duration
func RecordCommit(ctx context.Context, eventID, result string, start time.Time) {
	CommitsTotal.Inc(ctx,
		attribute.String("event_id", eventID),
		attribute.String("result", result),
	)
	CommitDuration.RecordDuration(ctx, start, attribute.String("result", result))
}

// RecordCommitConflict records seats lost at commit time
func RecordCommitConflict(ctx context.Context, eventID string, seats int) {
	HoldConflicts.Add(ctx, int64(seats),
		attribute.String("event_id", eventID),
		attribute.String("phase", "commit"),
	)
}

// RecordCommitRetry records a retried commit attempt
func RecordCommitRetry(ctx context.Context, attempt int) {
	CommitRetries.Inc(ctx, attribute.Int("attempt", attempt))
}

// RecordSoldOut records a ticket type reaching zero remaining
func RecordSoldOut(ctx context.Context, ticketID string) {
	TicketsSoldOut.Inc(ctx, attribute.String("ticket_id", ticketID))
}

// RecordCancellation records cancelled bookings
func RecordCancellation(ctx context.Context, eventID string, count int) {
	CancellationsTotal.Add(ctx, int64(count), attribute.String("event_id", eventID))
}

// RecordHoldRelease records holds dropped by an abandoned checkout
func RecordHoldRelease(ctx context.Context, eventID string, count int) {
	HoldsReleased.Add(ctx, int64(count), attribute.String("event_id", eventID))
}

// RecordOutboxPublished records a published outbox message
func RecordOutboxPublished(ctx context.Context, eventType string) {
	OutboxPublished.Inc(ctx, attribute.String("event_type", eventType))
}

// RecordOutboxFailed records a failed publish attempt
func RecordOutboxFailed(ctx context.Context, eventType string) {
	OutboxFailed.Inc(ctx, attribute.String("event_type", eventType))
}

// RecordOutboxDeleted records cleaned up outbox messages
func RecordOutboxDeleted(ctx context.Context, count int64) {
	OutboxDeleted.Add(ctx, count)
}

// RecordOutboxBatch tracks messages claimed (positive) and settled (negative)
func RecordOutboxBatch(ctx context.Context, delta int64) {
	OutboxPending.Add(ctx, delta)
}
