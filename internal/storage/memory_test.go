package storage

import (
	"context"
	"testing"
	"time"

	"github.com/example/carpool-booking/internal/apperrors"
	"github.com/example/carpool-booking/internal/models"
)

func activeListing(id, driver string, seats int) *models.RideListing {
	return &models.RideListing{
		ID:             id,
		DriverID:       driver,
		Origin:         "Austin",
		Destination:    "Dallas",
		DepartureDate:  "2026-09-01",
		DepartureTime:  "08:00",
		AvailableSeats: seats,
		Status:         models.ListingActive,
		CreatedAt:      time.Now(),
	}
}

func booking(id, rideID, passenger string, seats int, status models.BookingStatus) *models.BookingRequest {
	return &models.BookingRequest{
		ID:          id,
		RideID:      rideID,
		PassengerID: passenger,
		Seats:       seats,
		Status:      status,
	}
}

func TestInsertBookingDuplicatePassenger(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.CreateListing(ctx, activeListing("l1", "driver-1", 3), WriteSet{}); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertBooking(ctx, booking("b1", "l1", "pax-1", 1, models.BookingPending), nil, WriteSet{}); err != nil {
		t.Fatal(err)
	}
	err := m.InsertBooking(ctx, booking("b2", "l1", "pax-1", 2, models.BookingPending), nil, WriteSet{})
	if !apperrors.IsConflict(err) {
		t.Fatalf("expected conflict for duplicate (ride, passenger), got %v", err)
	}
}

func TestCapacityGuardCountsAcceptedOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.CreateListing(ctx, activeListing("l1", "driver-1", 3), WriteSet{}); err != nil {
		t.Fatal(err)
	}
	// Pending bookings do not commit seats.
	if err := m.InsertBooking(ctx, booking("b1", "l1", "pax-1", 3, models.BookingPending), &CapacityGuard{ListingID: "l1", Seats: 3}, WriteSet{}); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertBooking(ctx, booking("b2", "l1", "pax-2", 3, models.BookingPending), &CapacityGuard{ListingID: "l1", Seats: 3}, WriteSet{}); err != nil {
		t.Fatal(err)
	}

	if err := m.UpdateBookingStatus(ctx, "b1", models.BookingAccepted, &CapacityGuard{ListingID: "l1", Seats: 3}, WriteSet{}); err != nil {
		t.Fatal(err)
	}
	got, err := m.SeatsCommitted(ctx, "l1")
	if err != nil {
		t.Fatal(err)
	}
	if got != 3 {
		t.Fatalf("expected 3 committed seats, got %d", got)
	}

	// Accepting the second would exceed capacity.
	err = m.UpdateBookingStatus(ctx, "b2", models.BookingAccepted, &CapacityGuard{ListingID: "l1", Seats: 3}, WriteSet{})
	if !apperrors.IsConflict(err) {
		t.Fatalf("expected capacity conflict, got %v", err)
	}
	b, err := m.GetBooking(ctx, "b2")
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != models.BookingPending {
		t.Fatalf("failed update must not change status, got %s", b.Status)
	}

	// Cancelling the accepted booking frees the seats.
	if err := m.UpdateBookingStatus(ctx, "b1", models.BookingCancelled, nil, WriteSet{}); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateBookingStatus(ctx, "b2", models.BookingAccepted, &CapacityGuard{ListingID: "l1", Seats: 3}, WriteSet{}); err != nil {
		t.Fatalf("expected accept to succeed after cancel, got %v", err)
	}
}

func TestUpdateListingStatusRejectsTerminalOverwrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.CreateListing(ctx, activeListing("l1", "driver-1", 3), WriteSet{}); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateListingStatus(ctx, "l1", models.ListingCompleted, WriteSet{}); err != nil {
		t.Fatal(err)
	}
	err := m.UpdateListingStatus(ctx, "l1", models.ListingCancelled, WriteSet{})
	if !apperrors.IsConflict(err) {
		t.Fatalf("expected conflict overwriting terminal status, got %v", err)
	}
	l, err := m.GetListing(ctx, "l1")
	if err != nil {
		t.Fatal(err)
	}
	if l.Status != models.ListingCompleted {
		t.Fatalf("terminal status must stay put, got %s", l.Status)
	}
}

func TestCapacityGuardRequiresActiveListing(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.CreateListing(ctx, activeListing("l1", "driver-1", 3), WriteSet{}); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertBooking(ctx, booking("b1", "l1", "pax-1", 1, models.BookingPending), nil, WriteSet{}); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateListingStatus(ctx, "l1", models.ListingCancelled, WriteSet{}); err != nil {
		t.Fatal(err)
	}
	err := m.UpdateBookingStatus(ctx, "b1", models.BookingAccepted, &CapacityGuard{ListingID: "l1", Seats: 1}, WriteSet{})
	if !apperrors.IsConflict(err) {
		t.Fatalf("expected conflict accepting against a cancelled listing, got %v", err)
	}
	err = m.InsertBooking(ctx, booking("b2", "l1", "pax-2", 1, models.BookingPending), &CapacityGuard{ListingID: "l1", Seats: 1}, WriteSet{})
	if !apperrors.IsConflict(err) {
		t.Fatalf("expected conflict booking against a cancelled listing, got %v", err)
	}
}

func TestCapacityGuardUnknownListing(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	err := m.InsertBooking(ctx, booking("b1", "missing", "pax-1", 1, models.BookingPending), &CapacityGuard{ListingID: "missing", Seats: 1}, WriteSet{})
	if !apperrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRatingUniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	r := &models.Rating{ID: "r1", RideID: "l1", RaterID: "pax-1", RatedUserID: "driver-1", Score: 5}
	if err := m.InsertRating(ctx, r, WriteSet{}); err != nil {
		t.Fatal(err)
	}
	dup := &models.Rating{ID: "r2", RideID: "l1", RaterID: "pax-1", RatedUserID: "driver-1", Score: 1}
	if err := m.InsertRating(ctx, dup, WriteSet{}); !apperrors.IsConflict(err) {
		t.Fatalf("expected conflict for duplicate rating, got %v", err)
	}
	// Reverse direction on the same ride is a distinct rating.
	rev := &models.Rating{ID: "r3", RideID: "l1", RaterID: "driver-1", RatedUserID: "pax-1", Score: 4}
	if err := m.InsertRating(ctx, rev, WriteSet{}); err != nil {
		t.Fatal(err)
	}
}

func TestSearchListingsFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	l1 := activeListing("l1", "d1", 3)
	l2 := activeListing("l2", "d2", 1)
	l2.Origin = "austin" // case-insensitive match
	l3 := activeListing("l3", "d3", 3)
	l3.Status = models.ListingCancelled
	for _, l := range []*models.RideListing{l1, l2, l3} {
		if err := m.CreateListing(ctx, l, WriteSet{}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := m.SearchListings(ctx, ListingFilter{Origin: "Austin", MinSeats: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "l1" {
		t.Fatalf("expected only l1 (l2 too small, l3 cancelled), got %v", got)
	}
}

func TestUnreadNotificationsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	ws := WriteSet{Notifications: []models.Notification{
		{ID: "n1", UserID: "u1", Type: models.NotifyRideRequest},
	}}
	if err := m.CreateListing(ctx, activeListing("l1", "d1", 2), ws); err != nil {
		t.Fatal(err)
	}
	ws = WriteSet{Notifications: []models.Notification{
		{ID: "n2", UserID: "u1", Type: models.NotifyRequestAccepted},
		{ID: "n3", UserID: "u2", Type: models.NotifyRideRequest},
	}}
	if err := m.CreateListing(ctx, activeListing("l2", "d1", 2), ws); err != nil {
		t.Fatal(err)
	}

	if err := m.MarkNotificationRead(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	unread, err := m.UnreadNotifications(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 1 || unread[0].ID != "n2" {
		t.Fatalf("expected only n2 unread for u1, got %v", unread)
	}

	// Re-marking is a plain overwrite, not an error.
	if err := m.MarkNotificationRead(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkNotificationRead(ctx, "nope"); !apperrors.IsNotFound(err) {
		t.Fatal("expected not found for unknown notification")
	}
}

func TestChangeEventLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	ws := WriteSet{Events: []models.ChangeEvent{
		{ID: "e1", Table: models.TableListings, Type: "created", RowID: "l1"},
		{ID: "e2", Table: models.TableBookings, Type: "created", RowID: "b1"},
		{ID: "e3", Table: models.TableBookings, Type: "updated", RowID: "b1"},
	}}
	if err := m.CreateListing(ctx, activeListing("l1", "d1", 2), ws); err != nil {
		t.Fatal(err)
	}

	first, err := m.ClaimChangeEvents(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(first))
	}

	// Claimed events are invisible to a second claimer.
	second, err := m.ClaimChangeEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 || second[0].ID != "e3" {
		t.Fatalf("expected only e3 left, got %v", second)
	}

	if err := m.MarkChangeEventsPublished(ctx, []string{first[0].ID, first[1].ID}); err != nil {
		t.Fatal(err)
	}
	if err := m.ReleaseChangeEvents(ctx, []string{"e3"}); err != nil {
		t.Fatal(err)
	}

	// Released events come back; published ones never do.
	again, err := m.ClaimChangeEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 || again[0].ID != "e3" {
		t.Fatalf("expected released e3 to be reclaimable, got %v", again)
	}
}

func TestBookingViewsJoinCounterpart(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.UpsertUsername(ctx, "driver-1", "dana"); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateListing(ctx, activeListing("l1", "driver-1", 3), WriteSet{}); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertBooking(ctx, booking("b1", "l1", "pax-1", 1, models.BookingPending), nil, WriteSet{}); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertBooking(ctx, booking("b2", "l1", "pax-2", 1, models.BookingPending), nil, WriteSet{}); err != nil {
		t.Fatal(err)
	}

	byPax, err := m.BookingsByPassenger(ctx, "pax-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(byPax) != 1 || byPax[0].Counterpart.Username != "dana" {
		t.Fatalf("expected driver profile joined, got %v", byPax)
	}
	if byPax[0].Listing.Destination != "Dallas" {
		t.Fatal("expected listing summary joined")
	}

	byDriver, err := m.BookingsByDriver(ctx, "driver-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(byDriver) != 2 {
		t.Fatalf("expected both bookings, got %d", len(byDriver))
	}
	// Newest first: b2 inserted after b1.
	if byDriver[0].ID != "b2" {
		t.Fatalf("expected newest booking first, got %s", byDriver[0].ID)
	}
	// Unknown counterpart falls back to a bare profile.
	if byDriver[0].Counterpart.UserID != "pax-2" || byDriver[0].Counterpart.Username != "" {
		t.Fatalf("expected bare counterpart profile, got %v", byDriver[0].Counterpart)
	}
}

func TestInsertRatingRecomputesReputation(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	for i, score := range []int{5, 4, 3} {
		r := &models.Rating{
			ID:          string(rune('a' + i)),
			RideID:      "l" + string(rune('1'+i)),
			RaterID:     "pax-1",
			RatedUserID: "driver-1",
			Score:       score,
		}
		if err := m.InsertRating(ctx, r, WriteSet{}); err != nil {
			t.Fatal(err)
		}
	}
	p, err := m.GetProfile(ctx, "driver-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.AvgRating != 4.0 || p.RatingCount != 3 {
		t.Fatalf("expected avg 4.0 count 3, got %+v", p)
	}
}
