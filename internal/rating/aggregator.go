// Package rating records reciprocal post-ride ratings and maintains
// each user's reputation aggregate. The aggregate is recomputed from
// the full rating set on every insert rather than patched
// incrementally, so concurrent raters always converge on the true
// average.
package rating

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool-booking/internal/apperrors"
	"github.com/example/carpool-booking/internal/models"
	"github.com/example/carpool-booking/internal/notify"
	"github.com/example/carpool-booking/internal/observability"
	"github.com/example/carpool-booking/internal/storage"
)

// Store is the persistence subset the aggregator needs. InsertRating
// recomputes the rated user's reputation aggregate in the same
// transaction as the rating write.
type Store interface {
	GetListing(ctx context.Context, id string) (*models.RideListing, error)
	AcceptedBookings(ctx context.Context, listingID string) ([]models.BookingRequest, error)
	InsertRating(ctx context.Context, r *models.Rating, ws storage.WriteSet) error
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
	UpsertUsername(ctx context.Context, userID, username string) error
}

type Aggregator struct {
	store  Store
	events *notify.Dispatcher
	log    *slog.Logger
	now    func() time.Time
}

func New(store Store, events *notify.Dispatcher, log *slog.Logger) *Aggregator {
	return &Aggregator{store: store, events: events, log: log, now: time.Now}
}

type SubmitInput struct {
	RideID      string `json:"ride_id"`
	RaterID     string `json:"rater_id"`
	RatedUserID string `json:"rated_user_id"`
	Score       int    `json:"rating"`
	Comment     string `json:"comment"`
}

// Submit records a rating and recomputes the rated user's reputation.
// Ratings are allowed only on completed rides and only from
// participants: the driver, or a passenger whose request was accepted.
func (a *Aggregator) Submit(ctx context.Context, in SubmitInput) (*models.Rating, error) {
	switch {
	case in.RideID == "" || in.RaterID == "" || in.RatedUserID == "":
		return nil, apperrors.Validation("ride_id, rater_id and rated_user_id are required")
	case in.Score < 1 || in.Score > 5:
		return nil, apperrors.Validation("rating must be between 1 and 5")
	}
	l, err := a.store.GetListing(ctx, in.RideID)
	if err != nil {
		return nil, err
	}
	if l.Status != models.ListingCompleted {
		return nil, apperrors.Authorization("ride %s is not completed", in.RideID)
	}
	participated, err := a.participated(ctx, l, in.RaterID)
	if err != nil {
		return nil, err
	}
	if !participated {
		return nil, apperrors.Authorization("user %s did not participate in ride %s", in.RaterID, in.RideID)
	}

	r := &models.Rating{
		ID:          uuid.NewString(),
		RideID:      in.RideID,
		RaterID:     in.RaterID,
		RatedUserID: in.RatedUserID,
		Score:       in.Score,
		Comment:     in.Comment,
		CreatedAt:   a.now(),
	}
	ev := notify.Event{
		Action: "created",
		Table:  models.TableRatings,
		RowID:  r.ID,
		RideID: in.RideID,
		Fields: map[string]string{"rated_user_id": in.RatedUserID},
	}
	if err := a.store.InsertRating(ctx, r, a.events.Materialize(ev)); err != nil {
		return nil, err
	}
	observability.RatingsSubmitted.Inc()
	a.events.Broadcast(ev)
	a.log.Info("rating submitted", "ride_id", in.RideID, "rated_user_id", in.RatedUserID, "score", in.Score)
	return r, nil
}

func (a *Aggregator) participated(ctx context.Context, l *models.RideListing, userID string) (bool, error) {
	if l.DriverID == userID {
		return true, nil
	}
	accepted, err := a.store.AcceptedBookings(ctx, l.ID)
	if err != nil {
		return false, err
	}
	for _, b := range accepted {
		if b.PassengerID == userID {
			return true, nil
		}
	}
	return false, nil
}

// Profile returns the user's profile with its reputation aggregate.
func (a *Aggregator) Profile(ctx context.Context, userID string) (models.Profile, error) {
	return a.store.GetProfile(ctx, userID)
}

func (a *Aggregator) SetUsername(ctx context.Context, userID, username string) error {
	if username == "" {
		return apperrors.Validation("username is required")
	}
	return a.store.UpsertUsername(ctx, userID, username)
}
