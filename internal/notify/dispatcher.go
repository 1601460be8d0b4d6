// Package notify materializes notifications from domain events and
// runs the push channel. Notification rows ride in the same store
// transaction as the transition that produced them, so a transition
// yields its notification exactly once; the bus and the Kafka relay
// are advisory, at-least-once layers on top.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool-booking/internal/apperrors"
	"github.com/example/carpool-booking/internal/models"
	"github.com/example/carpool-booking/internal/observability"
	"github.com/example/carpool-booking/internal/storage"
)

// Store is the subset of persistence the dispatcher reads and flips.
type Store interface {
	UnreadNotifications(ctx context.Context, userID string) ([]models.Notification, error)
	GetNotification(ctx context.Context, id string) (*models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
}

type Dispatcher struct {
	store Store
	bus   *Bus
	log   *slog.Logger
	now   func() time.Time
}

func NewDispatcher(store Store, bus *Bus, log *slog.Logger) *Dispatcher {
	return &Dispatcher{store: store, bus: bus, log: log, now: time.Now}
}

// Materialize turns domain events into the rows that must commit with
// the transition: one notification per recipient-bearing event plus
// one outbox change event per event.
func (d *Dispatcher) Materialize(events ...Event) storage.WriteSet {
	var ws storage.WriteSet
	now := d.now()
	for _, e := range events {
		ws.Events = append(ws.Events, models.ChangeEvent{
			ID:        uuid.NewString(),
			Table:     e.Table,
			Type:      e.Action,
			RowID:     e.RowID,
			Fields:    e.Fields,
			CreatedAt: now,
		})
		if e.Recipient == "" {
			continue
		}
		ws.Notifications = append(ws.Notifications, models.Notification{
			ID:        uuid.NewString(),
			UserID:    e.Recipient,
			Type:      e.Notify,
			Title:     e.title(),
			Message:   e.message(),
			RideID:    e.RideID,
			CreatedAt: now,
		})
	}
	return ws
}

// Broadcast pushes advisory change signals to in-process subscribers.
// Called after the transition committed; a crash beforehand loses only
// the hint, never the notification row. Notification metrics are
// counted here rather than in Materialize so rolled-back writes never
// inflate them.
func (d *Dispatcher) Broadcast(events ...Event) {
	for _, e := range events {
		if e.Recipient != "" {
			observability.NotificationsCreated.WithLabelValues(string(e.Notify)).Inc()
		}
		d.bus.Publish(models.ChangeSignal{
			Table:  e.Table,
			Type:   e.Action,
			RowID:  e.RowID,
			Fields: e.Fields,
		})
	}
}

func (d *Dispatcher) Bus() *Bus { return d.bus }

func (d *Dispatcher) PollUnread(ctx context.Context, userID string) ([]models.Notification, error) {
	return d.store.UnreadNotifications(ctx, userID)
}

// MarkRead flips the read flag. Only the recipient may do so; marking
// an already-read notification is a no-op.
func (d *Dispatcher) MarkRead(ctx context.Context, notificationID, actingUserID string) error {
	n, err := d.store.GetNotification(ctx, notificationID)
	if err != nil {
		return err
	}
	if n.UserID != actingUserID {
		return apperrors.Authorization("user %s is not the recipient of notification %s", actingUserID, notificationID)
	}
	if n.IsRead {
		return nil
	}
	return d.store.MarkNotificationRead(ctx, notificationID)
}
