package models

import "time"

type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingCompleted ListingStatus = "completed"
	ListingCancelled ListingStatus = "cancelled"
)

func (s ListingStatus) Terminal() bool {
	return s == ListingCompleted || s == ListingCancelled
}

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingAccepted  BookingStatus = "accepted"
	BookingRejected  BookingStatus = "rejected"
	BookingCancelled BookingStatus = "cancelled"
)

func (s BookingStatus) Terminal() bool {
	return s == BookingRejected || s == BookingCancelled
}

type Availability string

const (
	AvailabilityOnline  Availability = "online"
	AvailabilityBusy    Availability = "busy"
	AvailabilityOffline Availability = "offline"
)

func (a Availability) Valid() bool {
	switch a {
	case AvailabilityOnline, AvailabilityBusy, AvailabilityOffline:
		return true
	}
	return false
}

// RideListing is a driver-published trip offer. AvailableSeats is the
// listing's fixed seat capacity; committed seats are derived from
// accepted booking requests, the field itself is never decremented.
type RideListing struct {
	ID               string        `json:"id"`
	DriverID         string        `json:"driver_id"`
	Origin           string        `json:"origin"`
	Destination      string        `json:"destination"`
	IntermediateStop string        `json:"intermediate_stop,omitempty"`
	DepartureDate    string        `json:"departure_date"`
	DepartureTime    string        `json:"departure_time"`
	AvailableSeats   int           `json:"available_seats"`
	PricePerSeat     float64       `json:"price_per_seat"`
	CarDetails       string        `json:"car_details,omitempty"`
	Status           ListingStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// BookingRequest is a passenger's claim on seats of one listing,
// unique per (ride_id, passenger_id).
type BookingRequest struct {
	ID             string        `json:"id"`
	RideID         string        `json:"ride_id"`
	PassengerID    string        `json:"passenger_id"`
	Seats          int           `json:"number_of_passengers"`
	PickupLocation string        `json:"pickup_location,omitempty"`
	Message        string        `json:"message,omitempty"`
	Status         BookingStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Rating is immutable once written, unique per (ride_id, rater_id, rated_user_id).
type Rating struct {
	ID          string    `json:"id"`
	RideID      string    `json:"ride_id"`
	RaterID     string    `json:"rater_id"`
	RatedUserID string    `json:"rated_user_id"`
	Score       int       `json:"rating"`
	Comment     string    `json:"comment,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Profile carries the reputation aggregate recomputed from the full
// rating set on every insert.
type Profile struct {
	UserID      string  `json:"user_id"`
	Username    string  `json:"username"`
	AvgRating   float64 `json:"avg_rating"`
	RatingCount int     `json:"rating_count"`
}

type NotificationType string

const (
	NotifyRideRequest     NotificationType = "ride_request"
	NotifyRequestAccepted NotificationType = "request_accepted"
	NotifyRequestRejected NotificationType = "request_rejected"
	NotifyRideCompleted   NotificationType = "ride_completed"
	NotifyRideCancelled   NotificationType = "ride_cancelled"
)

// Notification is append-only; only IsRead is ever mutated.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	RideID    string           `json:"ride_id,omitempty"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}

// PresenceRecord is a single overwritten row per user, no history.
type PresenceRecord struct {
	UserID   string       `json:"user_id"`
	Status   Availability `json:"availability_status"`
	LastSeen time.Time    `json:"last_seen"`
}

// DriverPresence is the listActiveDrivers projection. Stale is a
// read-time freshness hint only; presence has no server-side expiry.
type DriverPresence struct {
	PresenceRecord
	ActiveListings int  `json:"active_listings"`
	Stale          bool `json:"stale"`
}

// BookingView joins a booking with the listing summary and the
// counterpart profile needed for display.
type BookingView struct {
	BookingRequest
	Listing     RideListing `json:"listing"`
	Counterpart Profile     `json:"counterpart"`
}

// ChangeEvent is the durable outbox row written in the same
// transaction as the state change it describes. The relay drains rows
// to the change topic; Fields is the advisory routing payload for
// filtered push subscriptions (e.g. passenger_id).
type ChangeEvent struct {
	ID        string            `json:"id"`
	Table     string            `json:"table"`
	Type      string            `json:"type"`
	RowID     string            `json:"row_id"`
	Fields    map[string]string `json:"fields,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ChangeSignal is what push subscribers receive: a refresh hint, never
// authoritative state.
type ChangeSignal struct {
	Table  string            `json:"table"`
	Type   string            `json:"type"`
	RowID  string            `json:"row_id"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Tables announced on the push channel.
const (
	TableListings      = "ride_listings"
	TableBookings      = "booking_requests"
	TableNotifications = "notifications"
	TableRatings       = "ratings"
)
