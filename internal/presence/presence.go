// Package presence tracks self-reported driver availability. Records
// are overwritten in place, one per user; freshness is computed at
// read time, never enforced server-side.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/carpool-booking/internal/apperrors"
	"github.com/example/carpool-booking/internal/models"
)

// Store is a keyed overwrite store for presence records.
type Store interface {
	Set(ctx context.Context, rec models.PresenceRecord) error
	Get(ctx context.Context, userID string) (models.PresenceRecord, bool, error)
}

// ListingSource reports drivers that currently have active listings.
type ListingSource interface {
	ActiveDriverListingCounts(ctx context.Context) (map[string]int, error)
}

type Tracker struct {
	store      Store
	listings   ListingSource
	staleAfter time.Duration
	log        *slog.Logger
	now        func() time.Time
}

func NewTracker(store Store, listings ListingSource, staleAfter time.Duration, log *slog.Logger) *Tracker {
	return &Tracker{store: store, listings: listings, staleAfter: staleAfter, log: log, now: time.Now}
}

// SetAvailability overwrites the user's presence record and stamps
// last-seen. No side effects, no notification.
func (t *Tracker) SetAvailability(ctx context.Context, userID string, status models.Availability) (models.PresenceRecord, error) {
	if userID == "" {
		return models.PresenceRecord{}, apperrors.Validation("user_id is required")
	}
	if !status.Valid() {
		return models.PresenceRecord{}, apperrors.Validation("availability must be online, busy or offline")
	}
	rec := models.PresenceRecord{UserID: userID, Status: status, LastSeen: t.now()}
	if err := t.store.Set(ctx, rec); err != nil {
		return models.PresenceRecord{}, err
	}
	return rec, nil
}

// ListActiveDrivers joins drivers holding at least one active listing
// with their presence record. A driver who never reported presence
// shows as offline; Stale marks records older than the configured
// window but a stale "online" stays online until the driver says
// otherwise.
func (t *Tracker) ListActiveDrivers(ctx context.Context) ([]models.DriverPresence, error) {
	counts, err := t.listings.ActiveDriverListingCounts(ctx)
	if err != nil {
		return nil, err
	}
	now := t.now()
	out := make([]models.DriverPresence, 0, len(counts))
	for driverID, n := range counts {
		rec, ok, err := t.store.Get(ctx, driverID)
		if err != nil {
			return nil, err
		}
		if !ok {
			rec = models.PresenceRecord{UserID: driverID, Status: models.AvailabilityOffline}
		}
		out = append(out, models.DriverPresence{
			PresenceRecord: rec,
			ActiveListings: n,
			Stale:          rec.LastSeen.IsZero() || now.Sub(rec.LastSeen) > t.staleAfter,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// MemoryStore is the in-process presence backend.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]models.PresenceRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]models.PresenceRecord)}
}

func (m *MemoryStore) Set(ctx context.Context, rec models.PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.UserID] = rec
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (models.PresenceRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[userID]
	return rec, ok, nil
}
