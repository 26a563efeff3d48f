// README: FCM push of ride offers to the offered driver's device.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"

	"ridehail/internal/modules/ride"
	"ridehail/internal/types"
)

const sendTimeout = 5 * time.Second

// Sender is the subset of *messaging.Client used here.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type TokenSource interface {
	DriverToken(ctx context.Context, driverID types.ID) (string, error)
}

// OfferNotifier is a ride.Publisher that pushes every offer to its driver.
// Sends run off the caller's goroutine so a slow push never holds up matching.
type OfferNotifier struct {
	sender Sender
	tokens TokenSource
	log    logrus.FieldLogger
	wg     sync.WaitGroup
}

func NewOfferNotifier(sender Sender, tokens TokenSource, log logrus.FieldLogger) *OfferNotifier {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &OfferNotifier{sender: sender, tokens: tokens, log: log}
}

func (n *OfferNotifier) Publish(ctx context.Context, ev ride.Event) error {
	if ev.Type != ride.EventOffered || ev.Offer == nil {
		return nil
	}
	offer := *ev.Offer
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		if err := n.send(sctx, offer); err != nil {
			n.log.WithError(err).WithFields(logrus.Fields{
				"ride_id":   offer.RideID,
				"driver_id": offer.DriverID,
			}).Warn("push ride offer")
		}
	}()
	return nil
}

// Wait blocks until in-flight pushes finish.
func (n *OfferNotifier) Wait() {
	n.wg.Wait()
}

func (n *OfferNotifier) send(ctx context.Context, o ride.Offer) error {
	token, err := n.tokens.DriverToken(ctx, o.DriverID)
	if err != nil {
		return fmt.Errorf("lookup device token: %w", err)
	}
	if token == "" {
		n.log.WithField("driver_id", o.DriverID).Debug("no device token, offer not pushed")
		return nil
	}
	id, err := n.sender.Send(ctx, OfferMessage(token, o, time.Now()))
	if err != nil {
		return fmt.Errorf("sending FCM for ride %s: %w", o.RideID, err)
	}
	n.log.WithFields(logrus.Fields{"ride_id": o.RideID, "message_id": id}).Info("ride offer pushed")
	return nil
}

// OfferMessage builds the data message for one offer. It expires with the offer.
func OfferMessage(token string, o ride.Offer, now time.Time) *messaging.Message {
	ttl := o.ExpiresAt.Sub(now)
	if ttl < 0 {
		ttl = 0
	}
	return &messaging.Message{
		Token: token,
		Data: map[string]string{
			"type":        "ride_offer",
			"ride_id":     string(o.RideID),
			"offer_id":    string(o.ID),
			"vehicle_id":  string(o.VehicleID),
			"distance_km": strconv.FormatFloat(o.DistanceKm, 'f', 2, 64),
			"expires_at":  o.ExpiresAt.UTC().Format(time.RFC3339),
		},
		Notification: &messaging.Notification{
			Title: "New ride request",
			Body:  fmt.Sprintf("Pickup %.1f km away", o.DistanceKm),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}
}
