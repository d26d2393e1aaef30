package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/qmuter-tracking/internal/dispatch"
	"github.com/example/qmuter-tracking/internal/models"
	"github.com/example/qmuter-tracking/internal/tracking"
)

const (
	defaultNotificationLimit = 20
	maxNotificationLimit     = 100
)

var errForbidden = errors.New("caller is not a party to this trip")

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	engine   *tracking.Engine
	wsreg    *dispatch.WSRegistry
	ready    Pinger
	logger   *zap.Logger
	validate *validator.Validate
	mux      *mux.Router
}

// NewServer wires the live-tracking API. ready may be nil for the in-memory store.
func NewServer(engine *tracking.Engine, wsreg *dispatch.WSRegistry, ready Pinger, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:   engine,
		wsreg:    wsreg,
		ready:    ready,
		logger:   logger,
		validate: validator.New(),
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.NewRoute().Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/live-tracking/start", s.handleStart).Methods("POST")
	api.HandleFunc("/live-tracking/update-location", s.handleUpdateLocation).Methods("POST")
	api.HandleFunc("/live-tracking/trip/{tripId}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/live-tracking/status/{tripId}", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/live-tracking/active", s.handleActive).Methods("GET")
	api.HandleFunc("/live-tracking/end/{tripId}", s.handleEnd).Methods("POST")
	api.HandleFunc("/live-tracking/check-etas/{tripId}", s.handleCheckETAs).Methods("POST")
	api.HandleFunc("/live-tracking/cancel/{tripId}", s.handleCancel).Methods("POST")
	api.HandleFunc("/notifications", s.handleNotifications).Methods("GET")
	api.HandleFunc("/ws", s.handleWS).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type geoPointBody struct {
	Lat     *float64 `json:"lat" validate:"required,min=-90,max=90"`
	Lng     *float64 `json:"lng" validate:"required,min=-180,max=180"`
	Address string   `json:"address"`
}

func (g geoPointBody) point() models.GeoPoint {
	return models.GeoPoint{Lat: *g.Lat, Lng: *g.Lng, Address: g.Address}
}

type startBody struct {
	TripID          string       `json:"tripId" validate:"required"`
	DriverID        string       `json:"driverId" validate:"required"`
	RiderID         string       `json:"riderId" validate:"required"`
	RouteID         string       `json:"routeId" validate:"required"`
	PickupLocation  geoPointBody `json:"pickupLocation"`
	DropoffLocation geoPointBody `json:"dropoffLocation"`
}

type locationBody struct {
	TripID   string   `json:"tripId" validate:"required"`
	Role     string   `json:"role" validate:"required,oneof=driver rider"`
	Lat      *float64 `json:"lat" validate:"required,min=-90,max=90"`
	Lng      *float64 `json:"lng" validate:"required,min=-180,max=180"`
	Accuracy *float64 `json:"accuracy" validate:"omitempty,min=0"`
	Speed    *float64 `json:"speed" validate:"omitempty,min=0"`
	Heading  *float64 `json:"heading" validate:"omitempty,min=0,max=360"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body startBody
	if !s.decode(w, r, &body) {
		return
	}
	sess, err := s.engine.StartTracking(r.Context(), tracking.StartRequest{
		TripID:   body.TripID,
		DriverID: body.DriverID,
		RiderID:  body.RiderID,
		RouteID:  body.RouteID,
		Pickup:   body.PickupLocation.point(),
		Dropoff:  body.DropoffLocation.point(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if !s.decode(w, r, &body) {
		return
	}
	role, err := models.ParseRole(body.Role)
	if err != nil {
		s.writeError(w, r, tracking.ErrInvalidArgument)
		return
	}
	if _, ok := s.authorize(w, r, body.TripID); !ok {
		return
	}
	err = s.engine.UpdateLocation(r.Context(), tracking.LocationUpdate{
		TripID:   body.TripID,
		Role:     role,
		Lat:      *body.Lat,
		Lng:      *body.Lng,
		Accuracy: body.Accuracy,
		Speed:    body.Speed,
		Heading:  body.Heading,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorize(w, r, mux.Vars(r)["tripId"])
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorize(w, r, mux.Vars(r)["tripId"])
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.StatusView())
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.GetActiveSessionsForUser(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*models.TrackingSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["tripId"]
	if _, ok := s.authorize(w, r, tripID); !ok {
		return
	}
	if err := s.engine.EndTracking(r.Context(), tripID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["tripId"]
	if _, ok := s.authorize(w, r, tripID); !ok {
		return
	}
	if err := s.engine.CancelTracking(r.Context(), tripID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCheckETAs forces one evaluation cycle and returns the refreshed session.
func (s *Server) handleCheckETAs(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["tripId"]
	if _, ok := s.authorize(w, r, tripID); !ok {
		return
	}
	s.engine.CheckAndNotify(r.Context(), tripID)
	sess, err := s.engine.GetTrackingState(r.Context(), tripID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit := defaultNotificationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, tracking.ErrInvalidArgument)
			return
		}
		limit = min(n, maxNotificationLimit)
	}
	out, err := s.engine.ListNotifications(r.Context(), userIDFromContext(r.Context()), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out == nil {
		out = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleWS registers a live notification channel for the caller.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	s.wsreg.Add(userID, conn)
	defer func() {
		s.wsreg.Remove(userID, conn)
		_ = conn.Close()
	}()
	// drain until the peer goes away; clients never send anything we act on
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// authorize loads the trip and checks the caller is its driver or rider.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, tripID string) (*models.TrackingSession, bool) {
	sess, err := s.engine.GetTrackingState(r.Context(), tripID)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if !sess.HasParty(userIDFromContext(r.Context())) {
		s.writeError(w, r, errForbidden)
		return nil, false
	}
	return sess, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, tracking.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tracking.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, tracking.ErrAlreadyTracking):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("route", routeTemplate(r)),
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.Error(err),
		)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
