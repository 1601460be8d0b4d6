// Package httpapi exposes the engine's operation surface to the UI
// layer. Handlers are thin: decode, delegate, map the error taxonomy
// to status codes. Caller identity arrives in X-User-ID; actual
// authentication lives outside this subsystem.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool-booking/internal/apperrors"
	"github.com/example/carpool-booking/internal/booking"
	"github.com/example/carpool-booking/internal/catalog"
	"github.com/example/carpool-booking/internal/config"
	"github.com/example/carpool-booking/internal/models"
	"github.com/example/carpool-booking/internal/notify"
	"github.com/example/carpool-booking/internal/presence"
	"github.com/example/carpool-booking/internal/rating"
	"github.com/example/carpool-booking/internal/storage"
)

type Server struct {
	cfg        config.ServerConfig
	logger     *slog.Logger
	store      storage.Store
	catalog    *catalog.Catalog
	bookings   *booking.Coordinator
	ratings    *rating.Aggregator
	presence   *presence.Tracker
	dispatcher *notify.Dispatcher
	mux        *mux.Router
}

// New wires the engine from config: Postgres when PG_DSN is set,
// otherwise in-memory; Redis-backed presence when REDIS_ADDR is set.
func New(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var presenceStore presence.Store
	if cfg.RedisAddr != "" {
		presenceStore = presence.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
	} else {
		presenceStore = presence.NewMemoryStore()
	}

	dispatcher := notify.NewDispatcher(store, notify.NewBus(), logger)
	cat := catalog.New(store, dispatcher, logger)

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		catalog:    cat,
		bookings:   booking.New(store, dispatcher, logger),
		ratings:    rating.New(store, dispatcher, logger),
		presence:   presence.NewTracker(presenceStore, cat, cfg.PresenceStaleAfter, logger),
		dispatcher: dispatcher,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) Store() storage.Store { return s.store }

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/listings", s.handleCreateListing).Methods("POST")
	api.HandleFunc("/listings", s.handleSearchListings).Methods("GET")
	api.HandleFunc("/listings/{id}/status", s.handleListingStatus).Methods("POST")
	api.HandleFunc("/bookings", s.handleCreateBooking).Methods("POST")
	api.HandleFunc("/bookings/{id}/status", s.handleBookingStatus).Methods("POST")
	api.HandleFunc("/bookings/passenger/{id}", s.handleBookingsForPassenger).Methods("GET")
	api.HandleFunc("/bookings/driver/{id}", s.handleBookingsForDriver).Methods("GET")
	api.HandleFunc("/ratings", s.handleSubmitRating).Methods("POST")
	api.HandleFunc("/profiles/{id}", s.handleGetProfile).Methods("GET")
	api.HandleFunc("/profiles/{id}", s.handlePutProfile).Methods("PUT")
	api.HandleFunc("/presence/{id}", s.handleSetPresence).Methods("POST")
	api.HandleFunc("/drivers/active", s.handleActiveDrivers).Methods("GET")
	api.HandleFunc("/notifications/{userID}", s.handleUnreadNotifications).Methods("GET")
	api.HandleFunc("/notifications/{id}/read", s.handleMarkRead).Methods("POST")

	s.mux.HandleFunc("/ws/subscribe", s.handleSubscribe)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func actingUser(r *http.Request) string { return r.Header.Get("X-User-ID") }

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := apperrors.HTTPStatus(err)
	if code >= 500 {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, apperrors.Validation("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var in catalog.CreateListingInput
	if !s.decode(w, r, &in) {
		return
	}
	if u := actingUser(r); u != "" {
		in.DriverID = u
	}
	l, err := s.catalog.CreateListing(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleSearchListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.ListingFilter{
		Origin:      q.Get("origin"),
		Destination: q.Get("destination"),
		Date:        q.Get("date"),
	}
	if v := q.Get("min_seats"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, apperrors.Validation("invalid min_seats"))
			return
		}
		f.MinSeats = n
	}
	out := make([]models.RideListing, 0)
	for l := range s.catalog.Search(r.Context(), f) {
		out = append(out, l)
	}
	s.writeJSON(w, http.StatusOK, out)
}

type statusBody struct {
	Status string `json:"status"`
}

func (s *Server) handleListingStatus(w http.ResponseWriter, r *http.Request) {
	var in statusBody
	if !s.decode(w, r, &in) {
		return
	}
	l, err := s.catalog.SetStatus(r.Context(), mux.Vars(r)["id"], models.ListingStatus(in.Status), actingUser(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var in booking.CreateInput
	if !s.decode(w, r, &in) {
		return
	}
	if u := actingUser(r); u != "" {
		in.PassengerID = u
	}
	b, err := s.bookings.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleBookingStatus(w http.ResponseWriter, r *http.Request) {
	var in statusBody
	if !s.decode(w, r, &in) {
		return
	}
	b, err := s.bookings.SetStatus(r.Context(), mux.Vars(r)["id"], models.BookingStatus(in.Status), actingUser(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBookingsForPassenger(w http.ResponseWriter, r *http.Request) {
	views, err := s.bookings.ListForPassenger(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleBookingsForDriver(w http.ResponseWriter, r *http.Request) {
	views, err := s.bookings.ListForDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSubmitRating(w http.ResponseWriter, r *http.Request) {
	var in rating.SubmitInput
	if !s.decode(w, r, &in) {
		return
	}
	if u := actingUser(r); u != "" {
		in.RaterID = u
	}
	rec, err := s.ratings.Submit(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.ratings.Profile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
	}
	if !s.decode(w, r, &in) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.ratings.SetUsername(r.Context(), id, in.Username); err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.ratings.Profile(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSetPresence(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Status string `json:"availability_status"`
	}
	if !s.decode(w, r, &in) {
		return
	}
	rec, err := s.presence.SetAvailability(r.Context(), mux.Vars(r)["id"], models.Availability(in.Status))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleActiveDrivers(w http.ResponseWriter, r *http.Request) {
	drivers, err := s.presence.ListActiveDrivers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, drivers)
}

func (s *Server) handleUnreadNotifications(w http.ResponseWriter, r *http.Request) {
	out, err := s.dispatcher.PollUnread(r.Context(), mux.Vars(r)["userID"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.MarkRead(r.Context(), mux.Vars(r)["id"], actingUser(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// handleSubscribe streams advisory change signals over a websocket.
// table plus any other query params form the subscription filter, e.g.
// /ws/subscribe?table=booking_requests&passenger_id=X. Signals carry
// no state; clients re-fetch from the API on receipt.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	table := q.Get("table")
	filter := make(map[string]string)
	for k, vs := range q {
		if k == "table" || len(vs) == 0 {
			continue
		}
		filter[k] = vs[0]
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written its error response
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	sub := s.dispatcher.Bus().Subscribe(table, filter)
	go func() {
		defer conn.Close()
		for sig := range sub.C {
			if err := conn.WriteJSON(sig); err != nil {
				sub.Close()
				return
			}
		}
	}()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				sub.Close()
				return
			}
		}
	}()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
