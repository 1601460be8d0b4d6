// Package booking implements the booking request state machine:
// pending → accepted | rejected | cancelled, accepted → cancelled,
// with rejected and cancelled terminal. Seat capacity is enforced as a
// derived sum over accepted requests ("seats committed"), checked at
// both creation and acceptance; the authoritative available_seats
// field on the listing is never decremented.
package booking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool-booking/internal/apperrors"
	"github.com/example/carpool-booking/internal/models"
	"github.com/example/carpool-booking/internal/notify"
	"github.com/example/carpool-booking/internal/observability"
	"github.com/example/carpool-booking/internal/storage"
)

// Store is the persistence subset the coordinator needs. InsertBooking
// and UpdateBookingStatus apply the capacity guard atomically with the
// write.
type Store interface {
	GetListing(ctx context.Context, id string) (*models.RideListing, error)
	InsertBooking(ctx context.Context, b *models.BookingRequest, guard *storage.CapacityGuard, ws storage.WriteSet) error
	GetBooking(ctx context.Context, id string) (*models.BookingRequest, error)
	UpdateBookingStatus(ctx context.Context, id string, status models.BookingStatus, guard *storage.CapacityGuard, ws storage.WriteSet) error
	SeatsCommitted(ctx context.Context, listingID string) (int, error)
	BookingsByPassenger(ctx context.Context, passengerID string) ([]models.BookingView, error)
	BookingsByDriver(ctx context.Context, driverID string) ([]models.BookingView, error)
}

// Coordinator serializes capacity-sensitive operations per listing: a
// keyed mutex makes this process a single writer per listing id, and
// the store's capacity guard covers concurrent writers in other
// processes.
type Coordinator struct {
	store  Store
	events *notify.Dispatcher
	log    *slog.Logger
	locks  keyedMutex
	now    func() time.Time
}

func New(store Store, events *notify.Dispatcher, log *slog.Logger) *Coordinator {
	return &Coordinator{store: store, events: events, log: log, now: time.Now}
}

// keyedMutex hands out one mutex per listing id. Entries are kept for
// the process lifetime; the set is bounded by the listings this
// process has touched.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) *sync.Mutex {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m
}

type CreateInput struct {
	RideID         string `json:"ride_id"`
	PassengerID    string `json:"passenger_id"`
	Seats          int    `json:"number_of_passengers"`
	PickupLocation string `json:"pickup_location"`
	Message        string `json:"message"`
}

// Create validates and persists a new pending booking request and
// emits a ride_request event addressed to the listing's driver.
func (c *Coordinator) Create(ctx context.Context, in CreateInput) (*models.BookingRequest, error) {
	switch {
	case in.RideID == "" || in.PassengerID == "":
		return nil, apperrors.Validation("ride_id and passenger_id are required")
	case in.Seats <= 0:
		return nil, apperrors.Validation("number_of_passengers must be > 0")
	}

	unlock := c.locks.lock(in.RideID)
	defer unlock.Unlock()

	l, err := c.store.GetListing(ctx, in.RideID)
	if err != nil {
		return nil, err
	}
	if l.Status != models.ListingActive {
		return nil, apperrors.Conflict("listing %s is not active", in.RideID)
	}
	committed, err := c.store.SeatsCommitted(ctx, in.RideID)
	if err != nil {
		return nil, err
	}
	if in.Seats > l.AvailableSeats-committed {
		observability.CapacityConflicts.Inc()
		return nil, apperrors.Conflict("not enough seats on listing %s", in.RideID)
	}

	now := c.now()
	b := &models.BookingRequest{
		ID:             uuid.NewString(),
		RideID:         in.RideID,
		PassengerID:    in.PassengerID,
		Seats:          in.Seats,
		PickupLocation: in.PickupLocation,
		Message:        in.Message,
		Status:         models.BookingPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	events := []notify.Event{
		{
			Action: "created",
			Table:  models.TableBookings,
			RowID:  b.ID,
			RideID: l.ID,
			Fields: map[string]string{"ride_id": l.ID, "passenger_id": b.PassengerID, "driver_id": l.DriverID},
		},
		{
			Action:      "created",
			Table:       models.TableNotifications,
			RowID:       b.ID,
			RideID:      l.ID,
			Recipient:   l.DriverID,
			Notify:      models.NotifyRideRequest,
			Fields:      map[string]string{"user_id": l.DriverID},
			Origin:      l.Origin,
			Destination: l.Destination,
			Seats:       b.Seats,
		},
	}
	guard := &storage.CapacityGuard{ListingID: l.ID, Seats: in.Seats}
	if err := c.store.InsertBooking(ctx, b, guard, c.events.Materialize(events...)); err != nil {
		return nil, err
	}
	observability.BookingsCreated.Inc()
	c.events.Broadcast(events...)
	c.log.Info("booking created", "booking_id", b.ID, "ride_id", b.RideID, "passenger_id", b.PassengerID, "seats", b.Seats)
	return b, nil
}

// SetStatus enacts one transition of the state machine.
//
// Authorization: the listing's driver moves pending→accepted|rejected;
// the requesting passenger or the driver moves pending|accepted→
// cancelled, and only while the listing is still active. Acceptance
// re-checks seat capacity under the per-listing lock.
func (c *Coordinator) SetStatus(ctx context.Context, bookingID string, status models.BookingStatus, actingUserID string) (*models.BookingRequest, error) {
	b, err := c.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	unlock := c.locks.lock(b.RideID)
	defer unlock.Unlock()

	// re-read under the lock so a concurrent transition cannot slip in
	b, err = c.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	l, err := c.store.GetListing(ctx, b.RideID)
	if err != nil {
		return nil, err
	}
	if !validTransition(b.Status, status) {
		return nil, apperrors.Conflict("booking %s cannot move from %s to %s", bookingID, b.Status, status)
	}

	var guard *storage.CapacityGuard
	var events []notify.Event
	changed := notify.Event{
		Action: string(status),
		Table:  models.TableBookings,
		RowID:  b.ID,
		RideID: l.ID,
		Fields: map[string]string{"ride_id": l.ID, "passenger_id": b.PassengerID, "driver_id": l.DriverID},
	}
	events = append(events, changed)

	switch status {
	case models.BookingAccepted, models.BookingRejected:
		if actingUserID != l.DriverID {
			return nil, apperrors.Authorization("user %s is not the driver of listing %s", actingUserID, l.ID)
		}
		if l.Status != models.ListingActive {
			return nil, apperrors.Conflict("listing %s is not active", l.ID)
		}
		notifType := models.NotifyRequestAccepted
		if status == models.BookingRejected {
			notifType = models.NotifyRequestRejected
		}
		if status == models.BookingAccepted {
			committed, err := c.store.SeatsCommitted(ctx, l.ID)
			if err != nil {
				return nil, err
			}
			if committed+b.Seats > l.AvailableSeats {
				observability.CapacityConflicts.Inc()
				return nil, apperrors.Conflict("not enough seats on listing %s", l.ID)
			}
			guard = &storage.CapacityGuard{ListingID: l.ID, Seats: b.Seats}
		}
		events = append(events, notify.Event{
			Action:      string(status),
			Table:       models.TableNotifications,
			RowID:       b.ID,
			RideID:      l.ID,
			Recipient:   b.PassengerID,
			Notify:      notifType,
			Fields:      map[string]string{"user_id": b.PassengerID},
			Origin:      l.Origin,
			Destination: l.Destination,
			Seats:       b.Seats,
		})
	case models.BookingCancelled:
		if actingUserID != b.PassengerID && actingUserID != l.DriverID {
			return nil, apperrors.Authorization("user %s may not cancel booking %s", actingUserID, bookingID)
		}
		if l.Status != models.ListingActive {
			return nil, apperrors.Conflict("listing %s is not active", l.ID)
		}
		// no notification on cancellation; the change signal still goes out
	default:
		return nil, apperrors.Conflict("booking %s cannot move from %s to %s", bookingID, b.Status, status)
	}

	if err := c.store.UpdateBookingStatus(ctx, bookingID, status, guard, c.events.Materialize(events...)); err != nil {
		return nil, err
	}
	observability.BookingTransitions.WithLabelValues(string(status)).Inc()
	c.events.Broadcast(events...)
	c.log.Info("booking transition", "booking_id", bookingID, "from", string(b.Status), "to", string(status), "acting_user", actingUserID)
	b.Status = status
	b.UpdatedAt = c.now()
	return b, nil
}

// validTransition is the whole state machine.
func validTransition(from, to models.BookingStatus) bool {
	switch from {
	case models.BookingPending:
		return to == models.BookingAccepted || to == models.BookingRejected || to == models.BookingCancelled
	case models.BookingAccepted:
		return to == models.BookingCancelled
	}
	return false
}

// ListForPassenger returns the passenger's bookings, most recent
// first, joined with the listing and driver profile summary.
func (c *Coordinator) ListForPassenger(ctx context.Context, passengerID string) ([]models.BookingView, error) {
	return c.store.BookingsByPassenger(ctx, passengerID)
}

// ListForDriver returns bookings against the driver's listings, most
// recent first, joined with the listing and passenger profile summary.
func (c *Coordinator) ListForDriver(ctx context.Context, driverID string) ([]models.BookingView, error) {
	return c.store.BookingsByDriver(ctx, driverID)
}
