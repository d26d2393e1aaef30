package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/qmuter-tracking/internal/models"
)

// ArrivalRadiusKm is how close a party must be to a target to count as arrived.
const ArrivalRadiusKm = 0.02

const earthRadiusM = 6371000.0

var ErrInvalidCoord = errors.New("invalid coordinate")

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// DistanceKm is the great-circle distance between two coordinates in kilometers.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng) / 1000
}

// HasArrived reports whether user is within ArrivalRadiusKm of target.
func HasArrived(user, target models.Coord) bool {
	return withinArrivalRadius(DistanceKm(user, target))
}

func withinArrivalRadius(distanceKm float64) bool {
	return distanceKm <= ArrivalRadiusKm
}

// Validate checks latitude and longitude ranges.
func Validate(lat, lng float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range [-90, 90]", ErrInvalidCoord, lat)
	}
	if math.IsNaN(lng) || lng < -180 || lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range [-180, 180]", ErrInvalidCoord, lng)
	}
	return nil
}
