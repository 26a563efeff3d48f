// README: Ride events, the publisher port and its broker/fan-out adapters.
package ride

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"ridehail/internal/types"
)

type EventType string

const (
	EventStatusChanged  EventType = "ride.status_changed"
	EventOffered        EventType = "ride.offered"
	EventNoDrivers      EventType = "ride.no_drivers"
	EventMatchingFailed EventType = "ride.matching_failed"
	// EventOfferDeclined carries a decline taken by an instance that does not
	// run the ride's session.
	EventOfferDeclined EventType = "ride.offer_declined"
)

const statusKeyPrefix = "ride.status."

type Event struct {
	Type     EventType   `json:"type"`
	RideID   types.ID    `json:"rideId"`
	From     Status      `json:"from,omitempty"`
	Status   Status      `json:"status"`
	Version  int         `json:"version"`
	DriverID *types.ID   `json:"driverId,omitempty"`
	Actor    types.Actor `json:"actor,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Message  string      `json:"message,omitempty"`
	Offer    *Offer      `json:"offer,omitempty"`
	At       time.Time   `json:"at"`
}

// RoutingKey is ride.status.<status> for transitions and ride.<kind> otherwise.
func (e Event) RoutingKey() string {
	if e.Type == EventStatusChanged {
		return statusKeyPrefix + string(e.Status)
	}
	return string(e.Type)
}

// Publisher delivers ride events to whoever listens. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Fanout publishes to every registered publisher and joins their errors.
type Fanout struct {
	mu   sync.RWMutex
	subs []Publisher
}

func NewFanout(subs ...Publisher) *Fanout {
	return &Fanout{subs: subs}
}

// Add registers p. Safe to call while events are flowing.
func (f *Fanout) Add(p Publisher) {
	f.mu.Lock()
	f.subs = append(f.subs, p)
	f.mu.Unlock()
}

func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	f.mu.RLock()
	subs := append([]Publisher(nil), f.subs...)
	f.mu.RUnlock()

	var errs []error
	for _, p := range subs {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Broker is the message bus the ride events are written to.
type Broker interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

type BrokerPublisher struct {
	broker Broker
}

func NewBrokerPublisher(b Broker) *BrokerPublisher {
	return &BrokerPublisher{broker: b}
}

func (p *BrokerPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.broker.Publish(ctx, ev.RoutingKey(), body)
}

// DispatchBindings are the routing keys a dispatcher listens on.
var DispatchBindings = []string{statusKeyPrefix + "*", string(EventOfferDeclined)}

// DecodeEvent parses a broker message body.
func DecodeEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("decode ride event: %w", err)
	}
	if ev.RideID == "" || ev.Type == "" {
		return Event{}, errors.New("decode ride event: missing ride id or type")
	}
	if s, ok := ParseStatus(string(ev.Status)); ok {
		ev.Status = s
	}
	return ev, nil
}
