package tracking

import (
	"fmt"

	"github.com/example/qmuter-tracking/internal/models"
)

const (
	farThresholdMinutes  = 10
	nearThresholdMinutes = 5
)

// pendingNotification is a message owed to a party after flags were set.
type pendingNotification struct {
	userID  string
	kind    models.NotificationType
	subType string
	title   string
	message string
	eta     *int
}

// applyThresholds sets every notification flag whose condition now holds and
// returns the messages owed for them, in a fixed order. Each flag is checked
// on its own so a jump past several thresholds fires all of them at once.
func applyThresholds(s *models.TrackingSession) []pendingNotification {
	var out []pendingNotification
	fire := func(sent *bool, due bool, ns ...pendingNotification) {
		if due && !*sent {
			*sent = true
			out = append(out, ns...)
		}
	}
	f := &s.Notified
	driverETA, riderETA := s.DriverETA, s.RiderETA

	fire(&f.Driver10, driverETA <= farThresholdMinutes, pendingNotification{
		userID: s.RiderID, kind: models.NotificationDriverETA, subType: "driver-10",
		title:   "Driver is 10 minutes away",
		message: fmt.Sprintf("Your driver is about %d minutes from the pickup point.", driverETA),
		eta:     &driverETA,
	})
	fire(&f.Driver5, driverETA <= nearThresholdMinutes, pendingNotification{
		userID: s.RiderID, kind: models.NotificationDriverETA, subType: "driver-5",
		title:   "Driver is 5 minutes away, be ready",
		message: fmt.Sprintf("Your driver is about %d minutes away. Please be ready at the pickup point.", driverETA),
		eta:     &driverETA,
	})
	fire(&f.Rider10, riderETA <= farThresholdMinutes, pendingNotification{
		userID: s.DriverID, kind: models.NotificationRiderETA, subType: "rider-10",
		title:   "Rider is 10 minutes away",
		message: fmt.Sprintf("Your rider is about %d minutes from the pickup point.", riderETA),
		eta:     &riderETA,
	})
	fire(&f.Rider5, riderETA <= nearThresholdMinutes, pendingNotification{
		userID: s.DriverID, kind: models.NotificationRiderETA, subType: "rider-5",
		title:   "Rider is 5 minutes away",
		message: fmt.Sprintf("Your rider is about %d minutes from the pickup point.", riderETA),
		eta:     &riderETA,
	})
	fire(&f.DriverArrived, s.DriverArrived, pendingNotification{
		userID: s.RiderID, kind: models.NotificationArrival, subType: "driver-arrived",
		title:   "Driver has arrived",
		message: "Your driver is waiting at the pickup point.",
	})
	fire(&f.RiderArrived, s.RiderArrived, pendingNotification{
		userID: s.DriverID, kind: models.NotificationArrival, subType: "rider-arrived",
		title:   "Rider has arrived",
		message: "Your rider is waiting at the pickup point.",
	})
	both := "Both you and your ride partner are at the pickup point. Proceed with the trip."
	fire(&f.BothArrived, s.DriverArrived && s.RiderArrived,
		pendingNotification{userID: s.DriverID, kind: models.NotificationArrival, subType: "both-arrived", title: "Both arrived, proceed", message: both},
		pendingNotification{userID: s.RiderID, kind: models.NotificationArrival, subType: "both-arrived", title: "Both arrived, proceed", message: both},
	)
	return out
}
