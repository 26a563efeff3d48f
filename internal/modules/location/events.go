// README: Position event adapters for the message bus and multi-subscriber delivery.
package location

import (
	"context"
	"encoding/json"
	"errors"
)

type Broker interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

type BrokerPublisher struct {
	broker Broker
}

func NewBrokerPublisher(b Broker) *BrokerPublisher {
	return &BrokerPublisher{broker: b}
}

func (p *BrokerPublisher) PublishLocation(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.broker.Publish(ctx, EventDriverLocation, body)
}

// Publishers delivers to each publisher in order and joins their errors.
type Publishers []Publisher

func (ps Publishers) PublishLocation(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range ps {
		if err := p.PublishLocation(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
