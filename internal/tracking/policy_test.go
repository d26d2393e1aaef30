package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/qmuter-tracking/internal/models"
)

func subTypes(ps []pendingNotification) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.subType)
	}
	return out
}

func TestApplyThresholds_FixedOrderOnFullJump(t *testing.T) {
	s := &models.TrackingSession{DriverID: "d", RiderID: "r", DriverETA: 0, RiderETA: 0, DriverArrived: true, RiderArrived: true}

	got := applyThresholds(s)

	assert.Equal(t, []string{"driver-10", "driver-5", "rider-10", "rider-5", "driver-arrived", "rider-arrived", "both-arrived", "both-arrived"}, subTypes(got))
	assert.Equal(t, models.NotifiedFlags{Driver10: true, Driver5: true, Rider10: true, Rider5: true, DriverArrived: true, RiderArrived: true, BothArrived: true}, s.Notified)
	assert.Equal(t, "d", got[len(got)-2].userID)
	assert.Equal(t, "r", got[len(got)-1].userID)
}

func TestApplyThresholds_InclusiveBoundaries(t *testing.T) {
	s := &models.TrackingSession{DriverID: "d", RiderID: "r", DriverETA: 10, RiderETA: 11}
	assert.Equal(t, []string{"driver-10"}, subTypes(applyThresholds(s)))

	s.DriverETA, s.RiderETA = 5, 5
	assert.Equal(t, []string{"driver-5", "rider-10", "rider-5"}, subTypes(applyThresholds(s)))
}

func TestApplyThresholds_StickyFlags(t *testing.T) {
	s := &models.TrackingSession{DriverID: "d", RiderID: "r", DriverETA: 3, RiderETA: 30}
	assert.Len(t, applyThresholds(s), 2)
	assert.Empty(t, applyThresholds(s))

	s.DriverETA = 20
	assert.Empty(t, applyThresholds(s))
	assert.True(t, s.Notified.Driver10)
	assert.True(t, s.Notified.Driver5)
}

func TestApplyThresholds_RecipientsAndPayload(t *testing.T) {
	s := &models.TrackingSession{DriverID: "d", RiderID: "r", DriverETA: 7, RiderETA: 9}
	got := applyThresholds(s)
	assert.Equal(t, []string{"driver-10", "rider-10"}, subTypes(got))

	assert.Equal(t, "r", got[0].userID)
	assert.Equal(t, models.NotificationDriverETA, got[0].kind)
	assert.Equal(t, 7, *got[0].eta)

	assert.Equal(t, "d", got[1].userID)
	assert.Equal(t, models.NotificationRiderETA, got[1].kind)
	assert.Equal(t, 9, *got[1].eta)
}
