// Package catalog owns ride listings: creation, search and the
// active→terminal lifecycle.
package catalog

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool-booking/internal/apperrors"
	"github.com/example/carpool-booking/internal/models"
	"github.com/example/carpool-booking/internal/notify"
	"github.com/example/carpool-booking/internal/observability"
	"github.com/example/carpool-booking/internal/storage"
)

// Store is the persistence subset the catalog needs.
type Store interface {
	CreateListing(ctx context.Context, l *models.RideListing, ws storage.WriteSet) error
	GetListing(ctx context.Context, id string) (*models.RideListing, error)
	SearchListings(ctx context.Context, f storage.ListingFilter) ([]models.RideListing, error)
	UpdateListingStatus(ctx context.Context, id string, status models.ListingStatus, ws storage.WriteSet) error
	AcceptedBookings(ctx context.Context, listingID string) ([]models.BookingRequest, error)
	ActiveDriverListingCounts(ctx context.Context) (map[string]int, error)
}

type Catalog struct {
	store  Store
	events *notify.Dispatcher
	log    *slog.Logger
	now    func() time.Time
}

func New(store Store, events *notify.Dispatcher, log *slog.Logger) *Catalog {
	return &Catalog{store: store, events: events, log: log, now: time.Now}
}

type CreateListingInput struct {
	DriverID         string  `json:"driver_id"`
	Origin           string  `json:"origin"`
	Destination      string  `json:"destination"`
	IntermediateStop string  `json:"intermediate_stop"`
	DepartureDate    string  `json:"departure_date"`
	DepartureTime    string  `json:"departure_time"`
	AvailableSeats   int     `json:"available_seats"`
	PricePerSeat     float64 `json:"price_per_seat"`
	CarDetails       string  `json:"car_details"`
}

func (c *Catalog) CreateListing(ctx context.Context, in CreateListingInput) (*models.RideListing, error) {
	switch {
	case in.DriverID == "":
		return nil, apperrors.Validation("driver_id is required")
	case in.Origin == "" || in.Destination == "":
		return nil, apperrors.Validation("origin and destination are required")
	case in.DepartureDate == "" || in.DepartureTime == "":
		return nil, apperrors.Validation("departure date and time are required")
	case in.AvailableSeats <= 0:
		return nil, apperrors.Validation("available_seats must be > 0")
	case in.PricePerSeat < 0:
		return nil, apperrors.Validation("price_per_seat must be >= 0")
	}
	now := c.now()
	l := &models.RideListing{
		ID:               uuid.NewString(),
		DriverID:         in.DriverID,
		Origin:           in.Origin,
		Destination:      in.Destination,
		IntermediateStop: in.IntermediateStop,
		DepartureDate:    in.DepartureDate,
		DepartureTime:    in.DepartureTime,
		AvailableSeats:   in.AvailableSeats,
		PricePerSeat:     in.PricePerSeat,
		CarDetails:       in.CarDetails,
		Status:           models.ListingActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	ev := notify.Event{
		Action: "created",
		Table:  models.TableListings,
		RowID:  l.ID,
		RideID: l.ID,
		Fields: map[string]string{"driver_id": l.DriverID},
	}
	if err := c.store.CreateListing(ctx, l, c.events.Materialize(ev)); err != nil {
		return nil, err
	}
	observability.ListingsCreated.Inc()
	c.events.Broadcast(ev)
	c.log.Info("listing created", "listing_id", l.ID, "driver_id", l.DriverID, "seats", l.AvailableSeats)
	return l, nil
}

// Search yields active listings matching the filter, most recent
// first. The sequence is restartable: each range re-queries the store.
// Store failures yield an empty sequence.
func (c *Catalog) Search(ctx context.Context, f storage.ListingFilter) iter.Seq[models.RideListing] {
	return func(yield func(models.RideListing) bool) {
		listings, err := c.store.SearchListings(ctx, f)
		if err != nil {
			c.log.Error("listing search failed", "error", err)
			return
		}
		for _, l := range listings {
			if !yield(l) {
				return
			}
		}
	}
}

func (c *Catalog) Get(ctx context.Context, id string) (*models.RideListing, error) {
	return c.store.GetListing(ctx, id)
}

// SetStatus moves a listing active→completed or active→cancelled. Only
// the owning driver may do so; terminal listings stay terminal. The
// transition notifies every accepted passenger and does not cascade to
// their booking requests.
func (c *Catalog) SetStatus(ctx context.Context, listingID string, status models.ListingStatus, actingUserID string) (*models.RideListing, error) {
	if status != models.ListingCompleted && status != models.ListingCancelled {
		return nil, apperrors.Validation("status must be completed or cancelled")
	}
	l, err := c.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.DriverID != actingUserID {
		return nil, apperrors.Authorization("user %s does not own listing %s", actingUserID, listingID)
	}
	if l.Status.Terminal() {
		return nil, apperrors.Conflict("listing %s is already %s", listingID, l.Status)
	}

	notifType := models.NotifyRideCompleted
	if status == models.ListingCancelled {
		notifType = models.NotifyRideCancelled
	}
	accepted, err := c.store.AcceptedBookings(ctx, listingID)
	if err != nil {
		return nil, err
	}
	events := []notify.Event{{
		Action: string(status),
		Table:  models.TableListings,
		RowID:  listingID,
		RideID: listingID,
		Fields: map[string]string{"driver_id": l.DriverID},
	}}
	for _, b := range accepted {
		events = append(events, notify.Event{
			Action:      string(status),
			Table:       models.TableNotifications,
			RowID:       b.ID,
			RideID:      listingID,
			Recipient:   b.PassengerID,
			Notify:      notifType,
			Fields:      map[string]string{"user_id": b.PassengerID},
			Origin:      l.Origin,
			Destination: l.Destination,
		})
	}
	if err := c.store.UpdateListingStatus(ctx, listingID, status, c.events.Materialize(events...)); err != nil {
		return nil, err
	}
	c.events.Broadcast(events...)
	c.log.Info("listing status changed", "listing_id", listingID, "status", string(status), "notified", len(accepted))
	l.Status = status
	l.UpdatedAt = c.now()
	return l, nil
}

// ActiveDriverListingCounts reports active listing counts per driver,
// the catalog side of the active-driver presence projection.
func (c *Catalog) ActiveDriverListingCounts(ctx context.Context) (map[string]int, error) {
	return c.store.ActiveDriverListingCounts(ctx)
}
