package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/example/carpool-booking/internal/apperrors"
	"github.com/example/carpool-booking/internal/models"
)

const pqUniqueViolation = "23505"

// PostgresStore is the production backend. Compound writes run in one
// transaction; capacity-guarded booking writes lock the listing row so
// concurrent accepts for the same listing serialize on the database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, apperrors.Transient(err, "postgres unreachable")
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func isUnique(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

func applyWriteSet(ctx context.Context, tx *sql.Tx, ws WriteSet) error {
	for _, n := range ws.Notifications {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO notifications(id, user_id, type, title, message, ride_id, is_read, created_at)
			 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
			n.ID, n.UserID, string(n.Type), n.Title, n.Message, n.RideID, n.IsRead, n.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
	}
	for _, e := range ws.Events {
		fields, err := json.Marshal(e.Fields)
		if err != nil {
			return fmt.Errorf("marshal event fields: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO change_events(id, table_name, event_type, row_id, fields, status, created_at)
			 VALUES($1,$2,$3,$4,$5,'new',$6)`,
			e.ID, e.Table, e.Type, e.RowID, fields, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert change event: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Transient(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Transient(err, "commit transaction")
	}
	return nil
}

// checkGuard locks the listing row, verifies it is still active and
// checks remaining capacity. Must run inside the caller's transaction.
func checkGuard(ctx context.Context, tx *sql.Tx, guard *CapacityGuard) error {
	if guard == nil {
		return nil
	}
	var capacity int
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT available_seats, status FROM ride_listings WHERE id = $1 FOR UPDATE`,
		guard.ListingID).Scan(&capacity, &status)
	if err == sql.ErrNoRows {
		return apperrors.NotFound("listing %s not found", guard.ListingID)
	}
	if err != nil {
		return fmt.Errorf("lock listing: %w", err)
	}
	if models.ListingStatus(status) != models.ListingActive {
		return apperrors.Conflict("listing %s is not active", guard.ListingID)
	}
	var committed int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(number_of_passengers), 0) FROM booking_requests
		 WHERE ride_id = $1 AND status = 'accepted'`,
		guard.ListingID).Scan(&committed)
	if err != nil {
		return fmt.Errorf("sum committed seats: %w", err)
	}
	if committed+guard.Seats > capacity {
		return apperrors.Conflict("not enough seats on listing %s", guard.ListingID)
	}
	return nil
}

const listingCols = `id, driver_id, origin, destination, intermediate_stop, departure_date,
	departure_time, available_seats, price_per_seat, car_details, status, created_at, updated_at`

func scanListing(row interface{ Scan(...any) error }) (*models.RideListing, error) {
	var l models.RideListing
	var status string
	err := row.Scan(&l.ID, &l.DriverID, &l.Origin, &l.Destination, &l.IntermediateStop,
		&l.DepartureDate, &l.DepartureTime, &l.AvailableSeats, &l.PricePerSeat,
		&l.CarDetails, &status, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Status = models.ListingStatus(status)
	return &l, nil
}

func (p *PostgresStore) CreateListing(ctx context.Context, l *models.RideListing, ws WriteSet) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ride_listings(`+listingCols+`)
			 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			l.ID, l.DriverID, l.Origin, l.Destination, l.IntermediateStop,
			l.DepartureDate, l.DepartureTime, l.AvailableSeats, l.PricePerSeat,
			l.CarDetails, string(l.Status), l.CreatedAt, l.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert listing: %w", err)
		}
		return applyWriteSet(ctx, tx, ws)
	})
}

func (p *PostgresStore) GetListing(ctx context.Context, id string) (*models.RideListing, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+listingCols+` FROM ride_listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("listing %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get listing: %w", err)
	}
	return l, nil
}

func (p *PostgresStore) SearchListings(ctx context.Context, f ListingFilter) ([]models.RideListing, error) {
	where := []string{"status = 'active'", "available_seats >= $1"}
	args := []any{f.MinSeats}
	if f.Origin != "" {
		args = append(args, f.Origin)
		where = append(where, fmt.Sprintf("LOWER(origin) = LOWER($%d)", len(args)))
	}
	if f.Destination != "" {
		args = append(args, f.Destination)
		where = append(where, fmt.Sprintf("LOWER(destination) = LOWER($%d)", len(args)))
	}
	if f.Date != "" {
		args = append(args, f.Date)
		where = append(where, fmt.Sprintf("departure_date = $%d", len(args)))
	}
	q := `SELECT ` + listingCols + ` FROM ride_listings WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search listings: %w", err)
	}
	defer rows.Close()
	var out []models.RideListing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// UpdateListingStatus only moves listings out of the active state, so
// a terminal status can never be overwritten by a concurrent caller.
func (p *PostgresStore) UpdateListingStatus(ctx context.Context, id string, status models.ListingStatus, ws WriteSet) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE ride_listings SET status = $1, updated_at = NOW() WHERE id = $2 AND status = 'active'`,
			string(status), id)
		if err != nil {
			return fmt.Errorf("update listing status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var cur string
			err := tx.QueryRowContext(ctx, `SELECT status FROM ride_listings WHERE id = $1`, id).Scan(&cur)
			if err == sql.ErrNoRows {
				return apperrors.NotFound("listing %s not found", id)
			}
			if err != nil {
				return fmt.Errorf("read listing status: %w", err)
			}
			return apperrors.Conflict("listing %s is already %s", id, cur)
		}
		return applyWriteSet(ctx, tx, ws)
	})
}

func (p *PostgresStore) ActiveDriverListingCounts(ctx context.Context) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT driver_id, COUNT(*) FROM ride_listings WHERE status = 'active' GROUP BY driver_id`)
	if err != nil {
		return nil, fmt.Errorf("active driver counts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

const bookingCols = `id, ride_id, passenger_id, number_of_passengers, pickup_location,
	message, status, created_at, updated_at`

func scanBooking(row interface{ Scan(...any) error }) (*models.BookingRequest, error) {
	var b models.BookingRequest
	var status string
	err := row.Scan(&b.ID, &b.RideID, &b.PassengerID, &b.Seats, &b.PickupLocation,
		&b.Message, &status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = models.BookingStatus(status)
	return &b, nil
}

func (p *PostgresStore) InsertBooking(ctx context.Context, b *models.BookingRequest, guard *CapacityGuard, ws WriteSet) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := checkGuard(ctx, tx, guard); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO booking_requests(`+bookingCols+`)
			 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			b.ID, b.RideID, b.PassengerID, b.Seats, b.PickupLocation,
			b.Message, string(b.Status), b.CreatedAt, b.UpdatedAt)
		if isUnique(err) {
			return apperrors.Conflict("passenger %s already requested ride %s", b.PassengerID, b.RideID)
		}
		if err != nil {
			return fmt.Errorf("insert booking: %w", err)
		}
		return applyWriteSet(ctx, tx, ws)
	})
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.BookingRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingCols+` FROM booking_requests WHERE id = $1`, id)
	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("booking %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

func (p *PostgresStore) UpdateBookingStatus(ctx context.Context, id string, status models.BookingStatus, guard *CapacityGuard, ws WriteSet) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := checkGuard(ctx, tx, guard); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE booking_requests SET status = $1, updated_at = NOW() WHERE id = $2`,
			string(status), id)
		if err != nil {
			return fmt.Errorf("update booking status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.NotFound("booking %s not found", id)
		}
		return applyWriteSet(ctx, tx, ws)
	})
}

func (p *PostgresStore) AcceptedBookings(ctx context.Context, listingID string) ([]models.BookingRequest, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+bookingCols+` FROM booking_requests WHERE ride_id = $1 AND status = 'accepted'`,
		listingID)
	if err != nil {
		return nil, fmt.Errorf("accepted bookings: %w", err)
	}
	defer rows.Close()
	var out []models.BookingRequest
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SeatsCommitted(ctx context.Context, listingID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(number_of_passengers), 0) FROM booking_requests
		 WHERE ride_id = $1 AND status = 'accepted'`, listingID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("seats committed: %w", err)
	}
	return n, nil
}

const viewQuery = `SELECT b.id, b.ride_id, b.passenger_id, b.number_of_passengers, b.pickup_location,
	b.message, b.status, b.created_at, b.updated_at,
	l.id, l.driver_id, l.origin, l.destination, l.intermediate_stop, l.departure_date,
	l.departure_time, l.available_seats, l.price_per_seat, l.car_details, l.status, l.created_at, l.updated_at,
	COALESCE(p.username, ''), COALESCE(p.avg_rating, 0), COALESCE(p.rating_count, 0)
	FROM booking_requests b
	JOIN ride_listings l ON l.id = b.ride_id
	LEFT JOIN profiles p ON p.user_id = `

func (p *PostgresStore) BookingsByPassenger(ctx context.Context, passengerID string) ([]models.BookingView, error) {
	q := viewQuery + `l.driver_id WHERE b.passenger_id = $1 ORDER BY b.created_at DESC`
	return p.queryViews(ctx, q, passengerID, func(v *models.BookingView) string { return v.Listing.DriverID })
}

func (p *PostgresStore) BookingsByDriver(ctx context.Context, driverID string) ([]models.BookingView, error) {
	q := viewQuery + `b.passenger_id WHERE l.driver_id = $1 ORDER BY b.created_at DESC`
	return p.queryViews(ctx, q, driverID, func(v *models.BookingView) string { return v.PassengerID })
}

func (p *PostgresStore) queryViews(ctx context.Context, q, arg string, counterpartID func(*models.BookingView) string) ([]models.BookingView, error) {
	rows, err := p.db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer rows.Close()
	var out []models.BookingView
	for rows.Next() {
		var v models.BookingView
		var bStatus, lStatus string
		err := rows.Scan(&v.ID, &v.RideID, &v.PassengerID, &v.Seats, &v.PickupLocation,
			&v.Message, &bStatus, &v.CreatedAt, &v.UpdatedAt,
			&v.Listing.ID, &v.Listing.DriverID, &v.Listing.Origin, &v.Listing.Destination,
			&v.Listing.IntermediateStop, &v.Listing.DepartureDate, &v.Listing.DepartureTime,
			&v.Listing.AvailableSeats, &v.Listing.PricePerSeat, &v.Listing.CarDetails,
			&lStatus, &v.Listing.CreatedAt, &v.Listing.UpdatedAt,
			&v.Counterpart.Username, &v.Counterpart.AvgRating, &v.Counterpart.RatingCount)
		if err != nil {
			return nil, fmt.Errorf("scan booking view: %w", err)
		}
		v.Status = models.BookingStatus(bStatus)
		v.Listing.Status = models.ListingStatus(lStatus)
		v.Counterpart.UserID = counterpartID(&v)
		out = append(out, v)
	}
	return out, rows.Err()
}

// InsertRating records the rating and recomputes the rated user's
// reputation aggregate in the same transaction. The profiles row is
// locked before the recompute so the last writer always aggregates over
// every committed rating.
func (p *PostgresStore) InsertRating(ctx context.Context, r *models.Rating, ws WriteSet) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ratings(id, ride_id, rater_id, rated_user_id, rating, comment, created_at)
			 VALUES($1,$2,$3,$4,$5,$6,$7)`,
			r.ID, r.RideID, r.RaterID, r.RatedUserID, r.Score, r.Comment, r.CreatedAt)
		if isUnique(err) {
			return apperrors.Conflict("rating already submitted for this ride and user")
		}
		if err != nil {
			return fmt.Errorf("insert rating: %w", err)
		}
		// upsert grabs the row lock; the recompute below then reads the
		// latest committed rating set plus our own insert
		_, err = tx.ExecContext(ctx,
			`INSERT INTO profiles(user_id) VALUES($1)
			 ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id`,
			r.RatedUserID)
		if err != nil {
			return fmt.Errorf("lock profile: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE profiles SET avg_rating = s.avg, rating_count = s.cnt
			 FROM (SELECT COALESCE(AVG(rating), 0) AS avg, COUNT(*) AS cnt
			       FROM ratings WHERE rated_user_id = $1) s
			 WHERE user_id = $1`,
			r.RatedUserID)
		if err != nil {
			return fmt.Errorf("recompute reputation: %w", err)
		}
		return applyWriteSet(ctx, tx, ws)
	})
}

func (p *PostgresStore) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	var pr models.Profile
	err := p.db.QueryRowContext(ctx,
		`SELECT user_id, username, avg_rating, rating_count FROM profiles WHERE user_id = $1`,
		userID).Scan(&pr.UserID, &pr.Username, &pr.AvgRating, &pr.RatingCount)
	if err == sql.ErrNoRows {
		return models.Profile{UserID: userID}, nil
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return pr, nil
}

func (p *PostgresStore) UpsertUsername(ctx context.Context, userID, username string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO profiles(user_id, username) VALUES($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET username = EXCLUDED.username`,
		userID, username)
	if err != nil {
		return fmt.Errorf("upsert username: %w", err)
	}
	return nil
}

func (p *PostgresStore) UnreadNotifications(ctx context.Context, userID string) ([]models.Notification, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, user_id, type, title, message, ride_id, is_read, created_at
		 FROM notifications WHERE user_id = $1 AND is_read = FALSE ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("unread notifications: %w", err)
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func scanNotification(row interface{ Scan(...any) error }) (*models.Notification, error) {
	var n models.Notification
	var typ string
	err := row.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Message, &n.RideID, &n.IsRead, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	n.Type = models.NotificationType(typ)
	return &n, nil
}

func (p *PostgresStore) GetNotification(ctx context.Context, id string) (*models.Notification, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, user_id, type, title, message, ride_id, is_read, created_at
		 FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("notification %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("notification %s not found", id)
	}
	return nil
}

// ClaimChangeEvents batch-claims pending outbox rows; SKIP LOCKED lets
// multiple relay instances share the table without contention.
func (p *PostgresStore) ClaimChangeEvents(ctx context.Context, limit int) ([]models.ChangeEvent, error) {
	rows, err := p.db.QueryContext(ctx,
		`WITH claimed AS (
			SELECT id FROM change_events
			WHERE status = 'new'
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE change_events SET status = 'claimed'
		WHERE id IN (SELECT id FROM claimed)
		RETURNING id, table_name, event_type, row_id, fields, created_at`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim change events: %w", err)
	}
	defer rows.Close()
	var out []models.ChangeEvent
	for rows.Next() {
		var e models.ChangeEvent
		var fields []byte
		if err := rows.Scan(&e.ID, &e.Table, &e.Type, &e.RowID, &fields, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change event: %w", err)
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &e.Fields); err != nil {
				return nil, fmt.Errorf("unmarshal event fields: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkChangeEventsPublished(ctx context.Context, ids []string) error {
	return p.setEventStatus(ctx, ids, "published")
}

func (p *PostgresStore) ReleaseChangeEvents(ctx context.Context, ids []string) error {
	return p.setEventStatus(ctx, ids, "new")
}

func (p *PostgresStore) setEventStatus(ctx context.Context, ids []string, status string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx,
		`UPDATE change_events SET status = $1 WHERE id = ANY($2)`,
		status, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("set change event status: %w", err)
	}
	return nil
}
