package booking

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/example/carpool-booking/internal/apperrors"
	"github.com/example/carpool-booking/internal/catalog"
	"github.com/example/carpool-booking/internal/models"
	"github.com/example/carpool-booking/internal/notify"
	"github.com/example/carpool-booking/internal/storage"
)

type env struct {
	store      *storage.MemoryStore
	dispatcher *notify.Dispatcher
	catalog    *catalog.Catalog
	coord      *Coordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := storage.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := notify.NewDispatcher(store, notify.NewBus(), log)
	return &env{
		store:      store,
		dispatcher: d,
		catalog:    catalog.New(store, d, log),
		coord:      New(store, d, log),
	}
}

func (e *env) mustListing(t *testing.T, driverID string, seats int) *models.RideListing {
	t.Helper()
	l, err := e.catalog.CreateListing(context.Background(), catalog.CreateListingInput{
		DriverID:       driverID,
		Origin:         "Astana",
		Destination:    "Karaganda",
		DepartureDate:  "2024-06-01",
		DepartureTime:  "08:30",
		AvailableSeats: seats,
		PricePerSeat:   1500,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return l
}

func (e *env) mustBooking(t *testing.T, rideID, passengerID string, seats int) *models.BookingRequest {
	t.Helper()
	b, err := e.coord.Create(context.Background(), CreateInput{RideID: rideID, PassengerID: passengerID, Seats: seats})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	return b
}

func TestCreateStartsPendingAndNotifiesDriver(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.mustListing(t, "driver1", 3)

	b := e.mustBooking(t, l.ID, "pass1", 2)
	if b.Status != models.BookingPending {
		t.Fatalf("expected pending, got %s", b.Status)
	}

	notifs, err := e.dispatcher.PollUnread(ctx, "driver1")
	if err != nil {
		t.Fatal(err)
	}
	if len(notifs) != 1 {
		t.Fatalf("expected exactly one driver notification, got %d", len(notifs))
	}
	if notifs[0].Type != models.NotifyRideRequest {
		t.Fatalf("expected ride_request, got %s", notifs[0].Type)
	}
	if notifs[0].RideID != l.ID {
		t.Fatalf("notification ride id = %s, want %s", notifs[0].RideID, l.ID)
	}
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	l := e.mustListing(t, "driver1", 3)
	_, err := e.coord.Create(context.Background(), CreateInput{RideID: l.ID, PassengerID: "p1", Seats: 0})
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateDuplicateBookingConflicts(t *testing.T) {
	e := newEnv(t)
	l := e.mustListing(t, "driver1", 4)
	e.mustBooking(t, l.ID, "pass1", 1)
	_, err := e.coord.Create(context.Background(), CreateInput{RideID: l.ID, PassengerID: "pass1", Seats: 1})
	if !apperrors.IsConflict(err) {
		t.Fatalf("expected conflict on duplicate booking, got %v", err)
	}
}

func TestCreateOnInactiveListingConflicts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.mustListing(t, "driver1", 3)
	if _, err := e.catalog.SetStatus(ctx, l.ID, models.ListingCancelled, "driver1"); err != nil {
		t.Fatal(err)
	}
	_, err := e.coord.Create(ctx, CreateInput{RideID: l.ID, PassengerID: "p1", Seats: 1})
	if !apperrors.IsConflict(err) {
		t.Fatalf("expected conflict on inactive listing, got %v", err)
	}
}

func TestCreateUnknownListing(t *testing.T) {
	e := newEnv(t)
	_, err := e.coord.Create(context.Background(), CreateInput{RideID: "nope", PassengerID: "p1", Seats: 1})
	if !apperrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAcceptByNonDriverIsUnauthorized(t *testing.T) {
	e := newEnv(t)
	l := e.mustListing(t, "driver1", 3)
	b := e.mustBooking(t, l.ID, "pass1", 1)
	_, err := e.coord.SetStatus(context.Background(), b.ID, models.BookingAccepted, "someone-else")
	if !apperrors.IsAuthorization(err) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestAcceptNotifiesPassengerExactlyOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.mustListing(t, "driver1", 2)
	b := e.mustBooking(t, l.ID, "passA", 1)

	got, err := e.coord.SetStatus(ctx, b.ID, models.BookingAccepted, "driver1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.BookingAccepted {
		t.Fatalf("expected accepted, got %s", got.Status)
	}

	notifs, err := e.dispatcher.PollUnread(ctx, "passA")
	if err != nil {
		t.Fatal(err)
	}
	if len(notifs) != 1 || notifs[0].Type != models.NotifyRequestAccepted {
		t.Fatalf("expected one request_accepted notification, got %+v", notifs)
	}
}

// The committed-seats policy: capacity 2, one seat accepted, then a
// request for two seats is rejected at creation.
func TestCreateRejectedWhenCommittedSeatsInsufficient(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.mustListing(t, "driver1", 2)
	b := e.mustBooking(t, l.ID, "passA", 1)
	if _, err := e.coord.SetStatus(ctx, b.ID, models.BookingAccepted, "driver1"); err != nil {
		t.Fatal(err)
	}

	_, err := e.coord.Create(ctx, CreateInput{RideID: l.ID, PassengerID: "passB", Seats: 2})
	if !apperrors.IsConflict(err) {
		t.Fatalf("expected capacity conflict, got %v", err)
	}
}

func TestRejectNotifiesPassenger(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.mustListing(t, "driver1", 2)
	b := e.mustBooking(t, l.ID, "passA", 1)
	if _, err := e.coord.SetStatus(ctx, b.ID, models.BookingRejected, "driver1"); err != nil {
		t.Fatal(err)
	}
	notifs, _ := e.dispatcher.PollUnread(ctx, "passA")
	if len(notifs) != 1 || notifs[0].Type != models.NotifyRequestRejected {
		t.Fatalf("expected one request_rejected notification, got %+v", notifs)
	}
}

func TestTerminalStatesStayTerminal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.mustListing(t, "driver1", 4)
	rejected := e.mustBooking(t, l.ID, "passA", 1)
	if _, err := e.coord.SetStatus(ctx, rejected.ID, models.BookingRejected, "driver1"); err != nil {
		t.Fatal(err)
	}
	cancelled := e.mustBooking(t, l.ID, "passB", 1)
	if _, err := e.coord.SetStatus(ctx, cancelled.ID, models.BookingCancelled, "passB"); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		id string
		to models.BookingStatus
		by string
	}{
		{rejected.ID, models.BookingAccepted, "driver1"},
		{rejected.ID, models.BookingCancelled, "passA"},
		{cancelled.ID, models.BookingAccepted, "driver1"},
		{cancelled.ID, models.BookingRejected, "driver1"},
	} {
		if _, err := e.coord.SetStatus(ctx, tc.id, tc.to, tc.by); !apperrors.IsConflict(err) {
			t.Errorf("transition %s -> %s: expected conflict, got %v", tc.id, tc.to, err)
		}
	}
}

func TestAcceptedBookingCancellableByPassengerOrDriver(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.mustListing(t, "driver1", 4)
	b := e.mustBooking(t, l.ID, "passA", 1)
	if _, err := e.coord.SetStatus(ctx, b.ID, models.BookingAccepted, "driver1"); err != nil {
		t.Fatal(err)
	}

	if _, err := e.coord.SetStatus(ctx, b.ID, models.BookingCancelled, "stranger"); !apperrors.IsAuthorization(err) {
		t.Fatalf("expected authorization error for stranger, got %v", err)
	}
	got, err := e.coord.SetStatus(ctx, b.ID, models.BookingCancelled, "passA")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.BookingCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	// cancellation emits no notification in the baseline behavior
	if notifs, _ := e.dispatcher.PollUnread(ctx, "passA"); len(notifs) != 1 {
		t.Fatalf("expected only the earlier accept notification, got %+v", notifs)
	}
}

// Cancelling a booking frees its committed seats for new requests.
func TestCancelReleasesCommittedSeats(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.mustListing(t, "driver1", 2)
	b := e.mustBooking(t, l.ID, "passA", 2)
	if _, err := e.coord.SetStatus(ctx, b.ID, models.BookingAccepted, "driver1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.coord.Create(ctx, CreateInput{RideID: l.ID, PassengerID: "passB", Seats: 1}); !apperrors.IsConflict(err) {
		t.Fatalf("expected conflict while seats committed, got %v", err)
	}
	if _, err := e.coord.SetStatus(ctx, b.ID, models.BookingCancelled, "passA"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.coord.Create(ctx, CreateInput{RideID: l.ID, PassengerID: "passB", Seats: 1}); err != nil {
		t.Fatalf("expected create to succeed after cancel, got %v", err)
	}
}

// Two concurrent accepts whose seats sum past capacity: exactly one
// succeeds, the accept path being serialized per listing.
func TestConcurrentAcceptsNeverOverbook(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.mustListing(t, "driver1", 2)
	b1 := e.mustBooking(t, l.ID, "passA", 2)
	b2 := e.mustBooking(t, l.ID, "passB", 1)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = e.coord.SetStatus(ctx, b1.ID, models.BookingAccepted, "driver1") }()
	go func() { defer wg.Done(); _, errs[1] = e.coord.SetStatus(ctx, b2.ID, models.BookingAccepted, "driver1") }()
	wg.Wait()

	okCount, conflictCount := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			okCount++
		case apperrors.IsConflict(err):
			conflictCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if okCount != 1 || conflictCount != 1 {
		t.Fatalf("expected one success and one conflict, got ok=%d conflict=%d", okCount, conflictCount)
	}

	committed, err := e.store.SeatsCommitted(ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if committed > l.AvailableSeats {
		t.Fatalf("overbooked: committed=%d capacity=%d", committed, l.AvailableSeats)
	}
}

func TestConcurrentDuplicateCreates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.mustListing(t, "driver1", 4)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.coord.Create(ctx, CreateInput{RideID: l.ID, PassengerID: "passA", Seats: 1})
		}(i)
	}
	wg.Wait()

	okCount, conflictCount := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			okCount++
		case apperrors.IsConflict(err):
			conflictCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if okCount != 1 || conflictCount != 1 {
		t.Fatalf("expected one success and one conflict, got ok=%d conflict=%d", okCount, conflictCount)
	}
}

func TestListProjectionsNewestFirstWithCounterpart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.store.UpsertUsername(ctx, "driver1", "aidos"); err != nil {
		t.Fatal(err)
	}
	l := e.mustListing(t, "driver1", 4)
	first := e.mustBooking(t, l.ID, "passA", 1)
	second := e.mustBooking(t, l.ID, "passB", 2)

	views, err := e.coord.ListForPassenger(ctx, "passA")
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 {
		t.Fatalf("expected one booking for passA, got %d", len(views))
	}
	if views[0].Counterpart.Username != "aidos" {
		t.Fatalf("expected driver profile joined, got %+v", views[0].Counterpart)
	}
	if views[0].Listing.Origin != "Astana" {
		t.Fatalf("expected listing joined, got %+v", views[0].Listing)
	}

	driverViews, err := e.coord.ListForDriver(ctx, "driver1")
	if err != nil {
		t.Fatal(err)
	}
	if len(driverViews) != 2 {
		t.Fatalf("expected two bookings for driver, got %d", len(driverViews))
	}
	if driverViews[0].ID != second.ID || driverViews[1].ID != first.ID {
		t.Fatalf("expected most recent first, got %s then %s", driverViews[0].ID, driverViews[1].ID)
	}
}

func TestValidTransitionTable(t *testing.T) {
	cases := []struct {
		from, to models.BookingStatus
		ok       bool
	}{
		{models.BookingPending, models.BookingAccepted, true},
		{models.BookingPending, models.BookingRejected, true},
		{models.BookingPending, models.BookingCancelled, true},
		{models.BookingAccepted, models.BookingCancelled, true},
		{models.BookingAccepted, models.BookingRejected, false},
		{models.BookingAccepted, models.BookingAccepted, false},
		{models.BookingRejected, models.BookingCancelled, false},
		{models.BookingCancelled, models.BookingPending, false},
	}
	for _, c := range cases {
		if got := validTransition(c.from, c.to); got != c.ok {
			t.Errorf("validTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}
