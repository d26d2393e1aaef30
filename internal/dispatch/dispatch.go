package dispatch

import (
	"context"
	"errors"

	"github.com/example/qmuter-tracking/internal/models"
)

// Dispatcher delivers an already persisted notification to the recipient.
type Dispatcher interface {
	Deliver(ctx context.Context, n models.Notification) error
}

// Multi fans a notification out to every configured channel. A recipient with
// no open websocket is not treated as a failure.
type Multi []Dispatcher

func (m Multi) Deliver(ctx context.Context, n models.Notification) error {
	var errs []error
	for _, d := range m {
		if err := d.Deliver(ctx, n); err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
