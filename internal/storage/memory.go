package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/carpool-booking/internal/apperrors"
	"github.com/example/carpool-booking/internal/models"
)

const (
	eventNew       = "new"
	eventClaimed   = "claimed"
	eventPublished = "published"
)

// MemoryStore keeps everything behind one mutex, so each compound
// operation is trivially atomic. Used for local runs and tests; the
// Postgres store is the production backend.
type MemoryStore struct {
	mu            sync.RWMutex
	seq           int64
	listings      map[string]models.RideListing
	bookings      map[string]models.BookingRequest
	bookingSeq    map[string]int64
	bookingKeys   map[string]string // rideID+"|"+passengerID -> booking id
	ratings       map[string]models.Rating
	ratingKeys    map[string]struct{}
	profiles      map[string]models.Profile
	notifications map[string]models.Notification
	notifSeq      map[string]int64
	events        []memEvent
}

type memEvent struct {
	ev     models.ChangeEvent
	status string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings:      make(map[string]models.RideListing),
		bookings:      make(map[string]models.BookingRequest),
		bookingSeq:    make(map[string]int64),
		bookingKeys:   make(map[string]string),
		ratings:       make(map[string]models.Rating),
		ratingKeys:    make(map[string]struct{}),
		profiles:      make(map[string]models.Profile),
		notifications: make(map[string]models.Notification),
		notifSeq:      make(map[string]int64),
	}
}

func bookingKey(rideID, passengerID string) string { return rideID + "|" + passengerID }

func ratingKey(rideID, raterID, ratedID string) string {
	return rideID + "|" + raterID + "|" + ratedID
}

func (m *MemoryStore) applyWriteSetLocked(ws WriteSet) {
	for _, n := range ws.Notifications {
		m.seq++
		m.notifications[n.ID] = n
		m.notifSeq[n.ID] = m.seq
	}
	for _, e := range ws.Events {
		m.events = append(m.events, memEvent{ev: e, status: eventNew})
	}
}

// committedSeatsLocked sums seats over accepted bookings of a listing.
func (m *MemoryStore) committedSeatsLocked(listingID string) int {
	total := 0
	for _, b := range m.bookings {
		if b.RideID == listingID && b.Status == models.BookingAccepted {
			total += b.Seats
		}
	}
	return total
}

func (m *MemoryStore) checkGuardLocked(guard *CapacityGuard) error {
	if guard == nil {
		return nil
	}
	l, ok := m.listings[guard.ListingID]
	if !ok {
		return apperrors.NotFound("listing %s not found", guard.ListingID)
	}
	if l.Status != models.ListingActive {
		return apperrors.Conflict("listing %s is not active", guard.ListingID)
	}
	if m.committedSeatsLocked(guard.ListingID)+guard.Seats > l.AvailableSeats {
		return apperrors.Conflict("not enough seats on listing %s", guard.ListingID)
	}
	return nil
}

func (m *MemoryStore) CreateListing(ctx context.Context, l *models.RideListing, ws WriteSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[l.ID] = *l
	m.applyWriteSetLocked(ws)
	return nil
}

func (m *MemoryStore) GetListing(ctx context.Context, id string) (*models.RideListing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, apperrors.NotFound("listing %s not found", id)
	}
	return &l, nil
}

func (m *MemoryStore) SearchListings(ctx context.Context, f ListingFilter) ([]models.RideListing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RideListing, 0)
	for _, l := range m.listings {
		if l.Status != models.ListingActive {
			continue
		}
		if f.Origin != "" && !strings.EqualFold(l.Origin, f.Origin) {
			continue
		}
		if f.Destination != "" && !strings.EqualFold(l.Destination, f.Destination) {
			continue
		}
		if f.Date != "" && l.DepartureDate != f.Date {
			continue
		}
		if l.AvailableSeats < f.MinSeats {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateListingStatus only moves listings out of the active state, so
// a terminal status can never be overwritten by a concurrent caller.
func (m *MemoryStore) UpdateListingStatus(ctx context.Context, id string, status models.ListingStatus, ws WriteSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return apperrors.NotFound("listing %s not found", id)
	}
	if l.Status != models.ListingActive {
		return apperrors.Conflict("listing %s is already %s", id, l.Status)
	}
	l.Status = status
	l.UpdatedAt = time.Now()
	m.listings[id] = l
	m.applyWriteSetLocked(ws)
	return nil
}

func (m *MemoryStore) ActiveDriverListingCounts(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, l := range m.listings {
		if l.Status == models.ListingActive {
			out[l.DriverID]++
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertBooking(ctx context.Context, b *models.BookingRequest, guard *CapacityGuard, ws WriteSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := bookingKey(b.RideID, b.PassengerID)
	if _, exists := m.bookingKeys[key]; exists {
		return apperrors.Conflict("passenger %s already requested ride %s", b.PassengerID, b.RideID)
	}
	if err := m.checkGuardLocked(guard); err != nil {
		return err
	}
	m.seq++
	m.bookings[b.ID] = *b
	m.bookingSeq[b.ID] = m.seq
	m.bookingKeys[key] = b.ID
	m.applyWriteSetLocked(ws)
	return nil
}

func (m *MemoryStore) GetBooking(ctx context.Context, id string) (*models.BookingRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, apperrors.NotFound("booking %s not found", id)
	}
	return &b, nil
}

func (m *MemoryStore) UpdateBookingStatus(ctx context.Context, id string, status models.BookingStatus, guard *CapacityGuard, ws WriteSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return apperrors.NotFound("booking %s not found", id)
	}
	if err := m.checkGuardLocked(guard); err != nil {
		return err
	}
	b.Status = status
	b.UpdatedAt = time.Now()
	m.bookings[id] = b
	m.applyWriteSetLocked(ws)
	return nil
}

func (m *MemoryStore) AcceptedBookings(ctx context.Context, listingID string) ([]models.BookingRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.BookingRequest, 0)
	for _, b := range m.bookings {
		if b.RideID == listingID && b.Status == models.BookingAccepted {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *MemoryStore) SeatsCommitted(ctx context.Context, listingID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committedSeatsLocked(listingID), nil
}

func (m *MemoryStore) BookingsByPassenger(ctx context.Context, passengerID string) ([]models.BookingView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	views := make([]models.BookingView, 0)
	for _, b := range m.bookings {
		if b.PassengerID != passengerID {
			continue
		}
		l := m.listings[b.RideID]
		views = append(views, models.BookingView{
			BookingRequest: b,
			Listing:        l,
			Counterpart:    m.profileLocked(l.DriverID),
		})
	}
	m.sortViewsLocked(views)
	return views, nil
}

func (m *MemoryStore) BookingsByDriver(ctx context.Context, driverID string) ([]models.BookingView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	views := make([]models.BookingView, 0)
	for _, b := range m.bookings {
		l, ok := m.listings[b.RideID]
		if !ok || l.DriverID != driverID {
			continue
		}
		views = append(views, models.BookingView{
			BookingRequest: b,
			Listing:        l,
			Counterpart:    m.profileLocked(b.PassengerID),
		})
	}
	m.sortViewsLocked(views)
	return views, nil
}

// most recent first
func (m *MemoryStore) sortViewsLocked(views []models.BookingView) {
	sort.Slice(views, func(i, j int) bool {
		return m.bookingSeq[views[i].ID] > m.bookingSeq[views[j].ID]
	})
}

func (m *MemoryStore) profileLocked(userID string) models.Profile {
	if p, ok := m.profiles[userID]; ok {
		return p
	}
	return models.Profile{UserID: userID}
}

// InsertRating records the rating and recomputes the rated user's
// reputation aggregate under the same lock, so concurrent raters always
// converge on the true average.
func (m *MemoryStore) InsertRating(ctx context.Context, r *models.Rating, ws WriteSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ratingKey(r.RideID, r.RaterID, r.RatedUserID)
	if _, exists := m.ratingKeys[key]; exists {
		return apperrors.Conflict("rating already submitted for this ride and user")
	}
	m.ratings[r.ID] = *r
	m.ratingKeys[key] = struct{}{}
	sum, count := 0, 0
	for _, x := range m.ratings {
		if x.RatedUserID == r.RatedUserID {
			sum += x.Score
			count++
		}
	}
	p := m.profileLocked(r.RatedUserID)
	p.AvgRating = float64(sum) / float64(count)
	p.RatingCount = count
	m.profiles[r.RatedUserID] = p
	m.applyWriteSetLocked(ws)
	return nil
}

func (m *MemoryStore) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profileLocked(userID), nil
}

func (m *MemoryStore) UpsertUsername(ctx context.Context, userID, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.profileLocked(userID)
	p.Username = username
	m.profiles[userID] = p
	return nil
}

func (m *MemoryStore) UnreadNotifications(ctx context.Context, userID string) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Notification, 0)
	for _, n := range m.notifications {
		if n.UserID == userID && !n.IsRead {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m.notifSeq[out[i].ID] > m.notifSeq[out[j].ID]
	})
	return out, nil
}

func (m *MemoryStore) GetNotification(ctx context.Context, id string) (*models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, apperrors.NotFound("notification %s not found", id)
	}
	return &n, nil
}

func (m *MemoryStore) MarkNotificationRead(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return apperrors.NotFound("notification %s not found", id)
	}
	n.IsRead = true
	m.notifications[id] = n
	return nil
}

func (m *MemoryStore) ClaimChangeEvents(ctx context.Context, limit int) ([]models.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ChangeEvent, 0, limit)
	for i := range m.events {
		if len(out) >= limit {
			break
		}
		if m.events[i].status != eventNew {
			continue
		}
		m.events[i].status = eventClaimed
		out = append(out, m.events[i].ev)
	}
	return out, nil
}

func (m *MemoryStore) MarkChangeEventsPublished(ctx context.Context, ids []string) error {
	return m.setEventStatus(ids, eventPublished)
}

func (m *MemoryStore) ReleaseChangeEvents(ctx context.Context, ids []string) error {
	return m.setEventStatus(ids, eventNew)
}

func (m *MemoryStore) setEventStatus(ids []string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for i := range m.events {
		if _, ok := want[m.events[i].ev.ID]; ok {
			m.events[i].status = status
		}
	}
	return nil
}
