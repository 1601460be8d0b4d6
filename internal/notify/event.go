package notify

import (
	"fmt"

	"github.com/example/carpool-booking/internal/models"
)

// Event is a domain event emitted synchronously by a state transition.
// Every event becomes one outbox change event; events with a Recipient
// additionally become exactly one notification row, written in the
// same transaction as the transition itself.
type Event struct {
	Action    string // created, accepted, rejected, cancelled, completed
	Table     string
	RowID     string
	RideID    string
	Recipient string                  // empty = change signal only
	Notify    models.NotificationType // set when Recipient is set
	Fields    map[string]string       // advisory routing fields for push filters

	// display context for the notification text
	Origin      string
	Destination string
	Seats       int
}

func (e Event) title() string {
	switch e.Notify {
	case models.NotifyRideRequest:
		return "New ride request"
	case models.NotifyRequestAccepted:
		return "Request accepted"
	case models.NotifyRequestRejected:
		return "Request rejected"
	case models.NotifyRideCompleted:
		return "Ride completed"
	case models.NotifyRideCancelled:
		return "Ride cancelled"
	}
	return "Update"
}

func (e Event) message() string {
	route := e.Origin + " to " + e.Destination
	switch e.Notify {
	case models.NotifyRideRequest:
		return fmt.Sprintf("A passenger requested %d seat(s) on your ride from %s.", e.Seats, route)
	case models.NotifyRequestAccepted:
		return fmt.Sprintf("Your request for the ride from %s was accepted.", route)
	case models.NotifyRequestRejected:
		return fmt.Sprintf("Your request for the ride from %s was rejected.", route)
	case models.NotifyRideCompleted:
		return fmt.Sprintf("The ride from %s was completed. You can now rate the driver.", route)
	case models.NotifyRideCancelled:
		return fmt.Sprintf("The ride from %s was cancelled by the driver.", route)
	}
	return "Something changed on the ride from " + route + "."
}
