// Package storage persists the engine's records. Every mutation is a
// single atomic unit: the record write, the notifications it produces
// and the outbox change events all commit together or not at all.
package storage

import (
	"context"

	"github.com/example/carpool-booking/internal/models"
)

// WriteSet is the extra rows committed in the same transaction as a
// state change: materialized notifications plus outbox change events.
type WriteSet struct {
	Notifications []models.Notification
	Events        []models.ChangeEvent
}

// CapacityGuard makes a booking write conditional on listing capacity:
// the write fails with a conflict unless the listing's committed seats
// (sum over accepted bookings) plus Seats still fit available_seats.
// The check and the write are atomic; the Postgres store additionally
// locks the listing row so concurrent accepts serialize per listing.
type CapacityGuard struct {
	ListingID string
	Seats     int
}

// ListingFilter narrows a listing search. Zero values mean "any".
type ListingFilter struct {
	Origin      string
	Destination string
	Date        string
	MinSeats    int
}

// Store is the full persistence surface. Components depend on narrow
// subsets declared on the consumer side.
type Store interface {
	CreateListing(ctx context.Context, l *models.RideListing, ws WriteSet) error
	GetListing(ctx context.Context, id string) (*models.RideListing, error)
	SearchListings(ctx context.Context, f ListingFilter) ([]models.RideListing, error)
	UpdateListingStatus(ctx context.Context, id string, status models.ListingStatus, ws WriteSet) error
	// ActiveDriverListingCounts reports, per driver id, how many active
	// listings that driver currently has.
	ActiveDriverListingCounts(ctx context.Context) (map[string]int, error)

	InsertBooking(ctx context.Context, b *models.BookingRequest, guard *CapacityGuard, ws WriteSet) error
	GetBooking(ctx context.Context, id string) (*models.BookingRequest, error)
	UpdateBookingStatus(ctx context.Context, id string, status models.BookingStatus, guard *CapacityGuard, ws WriteSet) error
	AcceptedBookings(ctx context.Context, listingID string) ([]models.BookingRequest, error)
	SeatsCommitted(ctx context.Context, listingID string) (int, error)
	BookingsByPassenger(ctx context.Context, passengerID string) ([]models.BookingView, error)
	BookingsByDriver(ctx context.Context, driverID string) ([]models.BookingView, error)

	// InsertRating also recomputes the rated user's reputation
	// aggregate inside the same transaction.
	InsertRating(ctx context.Context, r *models.Rating, ws WriteSet) error

	GetProfile(ctx context.Context, userID string) (models.Profile, error)
	UpsertUsername(ctx context.Context, userID, username string) error

	UnreadNotifications(ctx context.Context, userID string) ([]models.Notification, error)
	GetNotification(ctx context.Context, id string) (*models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error

	// Outbox draining for the change-topic relay. Claimed events are
	// invisible to other claimers until published or released.
	ClaimChangeEvents(ctx context.Context, limit int) ([]models.ChangeEvent, error)
	MarkChangeEventsPublished(ctx context.Context, ids []string) error
	ReleaseChangeEvents(ctx context.Context, ids []string) error
}
