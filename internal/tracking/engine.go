// Package tracking follows a live trip from dispatch to drop-off: it records
// driver and rider positions, recomputes pickup ETAs and arrival on every
// ping, and sends each proximity notification at most once per trip.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/qmuter-tracking/internal/dispatch"
	"github.com/example/qmuter-tracking/internal/eta"
	"github.com/example/qmuter-tracking/internal/geo"
	"github.com/example/qmuter-tracking/internal/models"
	"github.com/example/qmuter-tracking/internal/observability"
	"github.com/example/qmuter-tracking/internal/storage"
)

// DefaultRetention is how long a retired session is kept before PurgeStale removes it.
const DefaultRetention = 24 * time.Hour

var (
	ErrNotFound        = errors.New("tracking session not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAlreadyTracking = errors.New("trip is already being tracked")
	ErrPersistence     = errors.New("persistence failure")
)

// errUnchanged aborts a store update that has nothing to write.
var errUnchanged = errors.New("session unchanged")

type Engine struct {
	sessions      storage.SessionStore
	notifications storage.NotificationStore
	dispatcher    dispatch.Dispatcher
	estimator     eta.Estimator
	locks         *keyedMutex
	logger        *zap.Logger
	retention     time.Duration
	now           func() time.Time
}

type Option func(*Engine)

// WithDispatcher fans written notifications out to live channels.
func WithDispatcher(d dispatch.Dispatcher) Option { return func(e *Engine) { e.dispatcher = d } }

func WithEstimator(est eta.Estimator) Option { return func(e *Engine) { e.estimator = est } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithRetention(d time.Duration) Option { return func(e *Engine) { e.retention = d } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(sessions storage.SessionStore, notifications storage.NotificationStore, opts ...Option) *Engine {
	e := &Engine{
		sessions:      sessions,
		notifications: notifications,
		estimator:     eta.Haversine{},
		locks:         newKeyedMutex(),
		logger:        zap.NewNop(),
		retention:     DefaultRetention,
		now:           time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type StartRequest struct {
	TripID   string
	DriverID string
	RiderID  string
	RouteID  string
	Pickup   models.GeoPoint
	Dropoff  models.GeoPoint
}

type LocationUpdate struct {
	TripID   string
	Role     models.Role
	Lat      float64
	Lng      float64
	Accuracy *float64
	Speed    *float64
	Heading  *float64
}

// StartTracking creates the session for a trip. A trip id that already has a
// session, live or retired, is rejected with ErrAlreadyTracking so flags are
// never reset mid-trip.
func (e *Engine) StartTracking(ctx context.Context, req StartRequest) (*models.TrackingSession, error) {
	if err := validateStart(req); err != nil {
		return nil, err
	}
	now := e.now()
	s := &models.TrackingSession{
		TripID:          req.TripID,
		DriverID:        req.DriverID,
		RiderID:         req.RiderID,
		RouteID:         req.RouteID,
		PickupLocation:  req.Pickup,
		DropoffLocation: req.Dropoff,
		DriverLocation:  models.PartyLocation{Timestamp: now},
		RiderLocation:   models.PartyLocation{Timestamp: now},
		Status:          models.StatusEnRouteToPickup,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	unlock := e.locks.Lock(req.TripID)
	defer unlock()
	if err := e.sessions.Create(ctx, s); err != nil {
		return nil, storeErr("start tracking", err)
	}
	observability.SessionsStarted.Inc()
	e.logger.Info("tracking started",
		zap.String("trip_id", s.TripID),
		zap.String("driver_id", s.DriverID),
		zap.String("rider_id", s.RiderID),
	)
	return s, nil
}

// UpdateLocation stores a party's position and then runs one evaluation
// cycle before returning. Evaluation failures are logged, not returned.
// Pings on a retired trip keep its updatedAt so retention still runs out.
func (e *Engine) UpdateLocation(ctx context.Context, u LocationUpdate) error {
	if err := validateUpdate(u); err != nil {
		return err
	}
	unlock := e.locks.Lock(u.TripID)
	defer unlock()

	now := e.now()
	_, err := e.sessions.Update(ctx, u.TripID, func(s *models.TrackingSession) error {
		*s.LocationOf(u.Role) = models.PartyLocation{
			Lat:       u.Lat,
			Lng:       u.Lng,
			Timestamp: now,
			Accuracy:  u.Accuracy,
			Speed:     u.Speed,
			Heading:   u.Heading,
		}
		if s.Status.Active() {
			s.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return storeErr("update location", err)
	}
	observability.LocationUpdates.WithLabelValues(u.Role.String()).Inc()

	e.checkAndNotifyLocked(ctx, u.TripID)
	return nil
}

// CheckAndNotify runs one evaluation cycle for the trip. It never fails: a
// missing or retired session is a no-op and store errors are logged.
func (e *Engine) CheckAndNotify(ctx context.Context, tripID string) {
	unlock := e.locks.Lock(tripID)
	defer unlock()
	e.checkAndNotifyLocked(ctx, tripID)
}

// checkAndNotifyLocked detaches from the caller's cancellation: flags are
// committed before notifications are written, so a cycle must run to the end.
func (e *Engine) checkAndNotifyLocked(ctx context.Context, tripID string) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	defer func() { observability.EvaluationLatency.Observe(time.Since(start).Seconds()) }()

	var pending []pendingNotification
	_, err := e.sessions.Update(ctx, tripID, func(s *models.TrackingSession) error {
		pending = nil
		if !s.Status.Active() {
			return errUnchanged
		}
		pending = e.evaluate(ctx, s)
		s.UpdatedAt = e.now()
		return nil
	})
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, errUnchanged):
		return
	case err != nil:
		observability.EvaluationErrors.Inc()
		e.logger.Error("evaluation cycle failed", zap.String("trip_id", tripID), zap.Error(err))
		return
	}

	for _, p := range pending {
		e.sendNotification(ctx, tripID, p)
	}
}

// evaluate refreshes ETAs and arrival from the stored positions, advances the
// trip once both parties are at pickup and returns the notifications due.
func (e *Engine) evaluate(ctx context.Context, s *models.TrackingSession) []pendingNotification {
	pickup := s.PickupLocation.Coord()
	s.DriverETA = e.estimator.EstimateMinutes(ctx, s.DriverLocation.Coord(), pickup, eta.ModeDriving)
	s.RiderETA = e.estimator.EstimateMinutes(ctx, s.RiderLocation.Coord(), pickup, eta.ModeWalking)
	s.DriverArrived = geo.HasArrived(s.DriverLocation.Coord(), pickup)
	s.RiderArrived = geo.HasArrived(s.RiderLocation.Coord(), pickup)

	if s.DriverArrived && s.RiderArrived && s.Status == models.StatusEnRouteToPickup {
		s.Status = models.StatusEnRouteToDropoff
		e.logger.Info("both parties at pickup", zap.String("trip_id", s.TripID))
	}
	return applyThresholds(s)
}

// sendNotification writes one notification record and hands it to the
// dispatcher. Failures are logged and counted only.
func (e *Engine) sendNotification(ctx context.Context, tripID string, p pendingNotification) {
	data := map[string]any{"tripId": tripID, "subType": p.subType}
	if p.eta != nil {
		data["eta"] = *p.eta
	}
	n := models.Notification{
		ID:        uuid.NewString(),
		UserID:    p.userID,
		Type:      p.kind,
		Title:     p.title,
		Message:   p.message,
		Data:      data,
		CreatedAt: e.now(),
	}
	if err := e.notifications.CreateNotification(ctx, &n); err != nil {
		observability.NotificationErrors.WithLabelValues("store").Inc()
		e.logger.Warn("notification write failed",
			zap.String("trip_id", tripID),
			zap.String("user_id", p.userID),
			zap.String("sub_type", p.subType),
			zap.Error(err),
		)
		return
	}
	observability.NotificationsSent.WithLabelValues(string(p.kind)).Inc()
	e.logger.Debug("notification sent", zap.String("trip_id", tripID), zap.String("user_id", p.userID), zap.String("sub_type", p.subType))

	if e.dispatcher == nil {
		return
	}
	if err := e.dispatcher.Deliver(ctx, n); err != nil {
		observability.NotificationErrors.WithLabelValues("dispatch").Inc()
		e.logger.Warn("notification dispatch failed", zap.String("notification_id", n.ID), zap.Error(err))
	}
}

func (e *Engine) GetTrackingState(ctx context.Context, tripID string) (*models.TrackingSession, error) {
	if strings.TrimSpace(tripID) == "" {
		return nil, fmt.Errorf("%w: tripId is required", ErrInvalidArgument)
	}
	s, err := e.sessions.Get(ctx, tripID)
	if err != nil {
		return nil, storeErr("get tracking state", err)
	}
	return s, nil
}

// GetTripStatus returns the session without its notification bookkeeping.
func (e *Engine) GetTripStatus(ctx context.Context, tripID string) (*models.TripStatusView, error) {
	s, err := e.GetTrackingState(ctx, tripID)
	if err != nil {
		return nil, err
	}
	v := s.StatusView()
	return &v, nil
}

// GetActiveSessionsForUser lists en-route trips where userID is a party,
// most recently updated first.
func (e *Engine) GetActiveSessionsForUser(ctx context.Context, userID string) ([]*models.TrackingSession, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidArgument)
	}
	found, err := e.sessions.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, storeErr("list active sessions", err)
	}
	seen := make(map[string]struct{}, len(found))
	out := make([]*models.TrackingSession, 0, len(found))
	for _, s := range found {
		if _, dup := seen[s.TripID]; dup {
			continue
		}
		seen[s.TripID] = struct{}{}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].TripID < out[j].TripID
	})
	return out, nil
}

// EndTracking marks the trip completed. Ending a retired trip is a no-op.
func (e *Engine) EndTracking(ctx context.Context, tripID string) error {
	return e.retire(ctx, tripID, models.StatusCompleted)
}

// CancelTracking marks an en-route trip cancelled. A completed trip cannot be
// cancelled; cancelling twice is a no-op.
func (e *Engine) CancelTracking(ctx context.Context, tripID string) error {
	return e.retire(ctx, tripID, models.StatusCancelled)
}

func (e *Engine) retire(ctx context.Context, tripID string, to models.TripStatus) error {
	if strings.TrimSpace(tripID) == "" {
		return fmt.Errorf("%w: tripId is required", ErrInvalidArgument)
	}
	unlock := e.locks.Lock(tripID)
	defer unlock()

	_, err := e.sessions.Update(ctx, tripID, func(s *models.TrackingSession) error {
		if s.Status.Active() {
			s.Status = to
			s.UpdatedAt = e.now()
			return nil
		}
		if to == models.StatusCancelled && s.Status == models.StatusCompleted {
			return fmt.Errorf("%w: trip %s is already completed", ErrInvalidArgument, tripID)
		}
		return errUnchanged
	})
	switch {
	case err == nil:
		observability.SessionsEnded.WithLabelValues(string(to)).Inc()
		e.logger.Info("tracking retired", zap.String("trip_id", tripID), zap.String("status", string(to)))
		return nil
	case errors.Is(err, errUnchanged):
		return nil
	case errors.Is(err, ErrInvalidArgument):
		return err
	default:
		return storeErr("retire session", err)
	}
}

// PurgeStale deletes completed and cancelled sessions whose last update is
// older than the retention window. Scheduling it is the caller's job.
func (e *Engine) PurgeStale(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.retention)
	n, err := e.sessions.DeleteRetiredBefore(ctx, cutoff)
	if err != nil {
		return n, storeErr("purge stale sessions", err)
	}
	observability.SessionsPurged.Add(float64(n))
	e.logger.Info("purged stale sessions", zap.Int("count", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// ListNotifications returns userID's newest notifications first.
func (e *Engine) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidArgument)
	}
	out, err := e.notifications.ListNotifications(ctx, userID, limit)
	if err != nil {
		return nil, storeErr("list notifications", err)
	}
	return out, nil
}

func validateStart(req StartRequest) error {
	for name, v := range map[string]string{"tripId": req.TripID, "driverId": req.DriverID, "riderId": req.RiderID, "routeId": req.RouteID} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidArgument, name)
		}
	}
	if err := geo.Validate(req.Pickup.Lat, req.Pickup.Lng); err != nil {
		return fmt.Errorf("%w: pickup: %v", ErrInvalidArgument, err)
	}
	if err := geo.Validate(req.Dropoff.Lat, req.Dropoff.Lng); err != nil {
		return fmt.Errorf("%w: dropoff: %v", ErrInvalidArgument, err)
	}
	return nil
}

func validateUpdate(u LocationUpdate) error {
	if strings.TrimSpace(u.TripID) == "" {
		return fmt.Errorf("%w: tripId is required", ErrInvalidArgument)
	}
	if u.Role != models.RoleDriver && u.Role != models.RoleRider {
		return fmt.Errorf("%w: unknown role", ErrInvalidArgument)
	}
	if err := geo.Validate(u.Lat, u.Lng); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, storage.ErrAlreadyExists):
		return fmt.Errorf("%s: %w", op, ErrAlreadyTracking)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
	}
}
