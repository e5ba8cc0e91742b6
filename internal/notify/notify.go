// Package notify delivers offers and revocations to drivers.
package notify

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

// Notifier pushes an event to one driver. Delivery is best effort; an
// unanswered offer is resolved by the accept timeout.
type Notifier interface {
	Notify(ctx context.Context, driverID string, ev models.Event) error
}

var ErrNoSession = errors.New("no driver session")

// Chain tries each notifier in order and stops at the first that delivers.
type Chain []Notifier

func (c Chain) Notify(ctx context.Context, driverID string, ev models.Event) error {
	var errs []error
	for _, n := range c {
		if n == nil {
			continue
		}
		err := n.Notify(ctx, driverID, ev)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return ErrNoSession
	}
	return errors.Join(errs...)
}
