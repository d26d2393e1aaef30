package models

import (
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// GeoPoint is a fixed place on the trip (pickup or dropoff).
type GeoPoint struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

func (p GeoPoint) Coord() Coord { return Coord{Lat: p.Lat, Lng: p.Lng} }

// PartyLocation is the last position reported by a driver or rider device.
type PartyLocation struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
}

func (l PartyLocation) Coord() Coord { return Coord{Lat: l.Lat, Lng: l.Lng} }

type Role int

const (
	RoleDriver Role = iota + 1
	RoleRider
)

func (r Role) String() string {
	switch r {
	case RoleDriver:
		return "driver"
	case RoleRider:
		return "rider"
	default:
		return "unknown"
	}
}

// ParseRole maps the wire name of a party to its Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "driver":
		return RoleDriver, nil
	case "rider":
		return RoleRider, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

type TripStatus string

const (
	StatusEnRouteToPickup  TripStatus = "en-route-to-pickup"
	StatusEnRouteToDropoff TripStatus = "en-route-to-dropoff"
	StatusCompleted        TripStatus = "completed"
	StatusCancelled        TripStatus = "cancelled"
)

// Active reports whether the trip is still being tracked.
func (s TripStatus) Active() bool {
	return s == StatusEnRouteToPickup || s == StatusEnRouteToDropoff
}

// NotifiedFlags are sticky one-shot markers; once true they stay true.
type NotifiedFlags struct {
	Driver10      bool `json:"driver10"`
	Driver5       bool `json:"driver5"`
	Rider10       bool `json:"rider10"`
	Rider5        bool `json:"rider5"`
	DriverArrived bool `json:"driverArrived"`
	RiderArrived  bool `json:"riderArrived"`
	BothArrived   bool `json:"bothArrived"`
}

type TrackingSession struct {
	TripID          string        `json:"tripId"`
	DriverID        string        `json:"driverId"`
	RiderID         string        `json:"riderId"`
	RouteID         string        `json:"routeId"`
	PickupLocation  GeoPoint      `json:"pickupLocation"`
	DropoffLocation GeoPoint      `json:"dropoffLocation"`
	DriverLocation  PartyLocation `json:"driverLocation"`
	RiderLocation   PartyLocation `json:"riderLocation"`
	Status          TripStatus    `json:"status"`
	DriverArrived   bool          `json:"driverArrived"`
	RiderArrived    bool          `json:"riderArrived"`
	DriverETA       int           `json:"driverETA"`
	RiderETA        int           `json:"riderETA"`
	Notified        NotifiedFlags `json:"notifiedFlags"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// LocationOf returns the stored location field for the given party.
func (s *TrackingSession) LocationOf(role Role) *PartyLocation {
	switch role {
	case RoleDriver:
		return &s.DriverLocation
	case RoleRider:
		return &s.RiderLocation
	default:
		return nil
	}
}

// HasParty reports whether userID is the driver or the rider of the trip.
func (s *TrackingSession) HasParty(userID string) bool {
	return userID != "" && (s.DriverID == userID || s.RiderID == userID)
}

// TripStatusView is the status-only projection of a session.
type TripStatusView struct {
	TripID          string        `json:"tripId"`
	Status          TripStatus    `json:"status"`
	PickupLocation  GeoPoint      `json:"pickupLocation"`
	DropoffLocation GeoPoint      `json:"dropoffLocation"`
	DriverLocation  PartyLocation `json:"driverLocation"`
	RiderLocation   PartyLocation `json:"riderLocation"`
}

func (s *TrackingSession) StatusView() TripStatusView {
	return TripStatusView{
		TripID:          s.TripID,
		Status:          s.Status,
		PickupLocation:  s.PickupLocation,
		DropoffLocation: s.DropoffLocation,
		DriverLocation:  s.DriverLocation,
		RiderLocation:   s.RiderLocation,
	}
}

type NotificationType string

const (
	NotificationDriverETA NotificationType = "driver-eta"
	NotificationRiderETA  NotificationType = "rider-eta"
	NotificationArrival   NotificationType = "arrival-notification"
)

type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"createdAt"`
}
