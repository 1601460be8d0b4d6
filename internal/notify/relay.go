package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/carpool-booking/internal/models"
	"github.com/example/carpool-booking/internal/observability"
)

// EventSource drains the outbox table.
type EventSource interface {
	ClaimChangeEvents(ctx context.Context, limit int) ([]models.ChangeEvent, error)
	MarkChangeEventsPublished(ctx context.Context, ids []string) error
	ReleaseChangeEvents(ctx context.Context, ids []string) error
}

// Publisher is the small publish surface the relay needs, split out so
// tests can fake it.
type Publisher interface {
	Publish(ctx context.Context, e models.ChangeEvent) error
}

// Relay drains committed change events to the change topic. Events
// that fail to publish are released back to the outbox, so delivery is
// at-least-once and a crash never drops an event.
type Relay struct {
	Source   EventSource
	Pub      Publisher
	Log      *slog.Logger
	Interval time.Duration
	Batch    int

	// publish retry knobs
	Attempts int
	Backoff  time.Duration
}

func (r *Relay) Run(ctx context.Context) error {
	if r.Interval <= 0 {
		r.Interval = 2 * time.Second
	}
	if r.Batch <= 0 {
		r.Batch = 32
	}
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	r.Log.Info("outbox relay started", "interval", r.Interval.String(), "batch", r.Batch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Drain(ctx); err != nil {
				r.Log.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// Drain claims one batch and publishes it.
func (r *Relay) Drain(ctx context.Context) error {
	events, err := r.Source.ClaimChangeEvents(ctx, r.Batch)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	var published, failed []string
	for _, e := range events {
		if err := publishWithRetry(ctx, r.Pub, e, r.attempts(), r.backoff()); err != nil {
			observability.OutboxPublishErrors.Inc()
			r.Log.Warn("publish change event failed", "event_id", e.ID, "error", err)
			failed = append(failed, e.ID)
			continue
		}
		observability.OutboxPublished.Inc()
		published = append(published, e.ID)
	}
	if err := r.Source.MarkChangeEventsPublished(ctx, published); err != nil {
		return err
	}
	return r.Source.ReleaseChangeEvents(ctx, failed)
}

func (r *Relay) attempts() int {
	if r.Attempts <= 0 {
		return 3
	}
	return r.Attempts
}

func (r *Relay) backoff() time.Duration {
	if r.Backoff <= 0 {
		return 200 * time.Millisecond
	}
	return r.Backoff
}

// publishWithRetry retries transient publish failures with doubling backoff.
func publishWithRetry(ctx context.Context, pub Publisher, e models.ChangeEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = pub.Publish(ctx, e); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
