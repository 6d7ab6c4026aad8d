// Package events delivers order status changes to downstream consumers after
// the change has been committed. Delivery is best effort: a failed sink is
// logged and counted, never rolled back into the order.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// EventType names the status change message on every sink.
const EventType = "prescription.status_changed"

// StatusChanged describes one committed transition.
type StatusChanged struct {
	EventID            string    `json:"eventId"`
	OrderID            string    `json:"orderId"`
	TrackingCode       string    `json:"trackingCode"`
	OwnerIdentity      string    `json:"ownerIdentity"`
	FacilityID         *int64    `json:"facilityId,omitempty"`
	PreviousFacilityID *int64    `json:"previousFacilityId,omitempty"`
	From               string    `json:"from"`
	To                 string    `json:"to"`
	Actor              string    `json:"actor"`
	ActorRole          string    `json:"actorRole"`
	OccurredAt         time.Time `json:"occurredAt"`
}

// RoutingKey is the AMQP topic routing key, e.g. "prescription.ready".
func (e StatusChanged) RoutingKey() string {
	return "prescription." + e.To
}

// Publisher is a single delivery target.
type Publisher interface {
	Publish(ctx context.Context, e StatusChanged) error
	Close() error
}

// FailureRecorder counts undelivered events per sink.
type FailureRecorder interface {
	PublishFailed(sink string)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, StatusChanged) error { return nil }
func (Nop) Close() error                                 { return nil }

type sink struct {
	name string
	pub  Publisher
}

// Fanout publishes each event to every registered sink concurrently.
type Fanout struct {
	sinks    []sink
	logger   zerolog.Logger
	failures FailureRecorder
	timeout  time.Duration
}

// NewFanout builds an empty fan-out. failures may be nil.
func NewFanout(logger zerolog.Logger, failures FailureRecorder) *Fanout {
	return &Fanout{logger: logger, failures: failures, timeout: 5 * time.Second}
}

// Add registers a named sink.
func (f *Fanout) Add(name string, p Publisher) *Fanout {
	f.sinks = append(f.sinks, sink{name: name, pub: p})
	return f
}

// Len reports the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

// Publish delivers to all sinks and returns the joined sink errors. Each
// failure is logged at warn. The caller's cancellation does not abort
// delivery; only the fan-out timeout does.
func (f *Fanout) Publish(ctx context.Context, e StatusChanged) error {
	if len(f.sinks) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	errs := make([]error, len(f.sinks))
	var g errgroup.Group
	for i, s := range f.sinks {
		g.Go(func() error {
			if err := s.pub.Publish(ctx, e); err != nil {
				errs[i] = err
				f.logger.Warn().Err(err).
					Str("sink", s.name).
					Str("event_id", e.EventID).
					Str("order_id", e.OrderID).
					Str("to", e.To).
					Msg("status change event not delivered")
				if f.failures != nil {
					f.failures.PublishFailed(s.name)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close closes every sink and returns the joined errors.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.pub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
