package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/qmuter-tracking/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKm_OneDegreeOfLatitude(t *testing.T) {
	d := DistanceKm(models.Coord{Lat: 10, Lng: 20}, models.Coord{Lat: 11, Lng: 20})
	assert.InDelta(t, 111.195, d, 0.01)
}

func TestWithinArrivalRadius_Boundary(t *testing.T) {
	assert.True(t, withinArrivalRadius(0.02))
	assert.True(t, withinArrivalRadius(0))
	assert.False(t, withinArrivalRadius(0.021))
}

func TestHasArrived(t *testing.T) {
	target := models.Coord{Lat: -36.85, Lng: 174.76}
	// ~15m and ~25m north of the target.
	near := models.Coord{Lat: -36.85 + 0.015/111.195, Lng: 174.76}
	far := models.Coord{Lat: -36.85 + 0.025/111.195, Lng: 174.76}

	assert.True(t, HasArrived(target, target))
	assert.True(t, HasArrived(near, target))
	assert.False(t, HasArrived(far, target))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(-90, 180))
	assert.NoError(t, Validate(0, 0))
	assert.ErrorIs(t, Validate(90.1, 0), ErrInvalidCoord)
	assert.ErrorIs(t, Validate(0, -180.5), ErrInvalidCoord)
}
