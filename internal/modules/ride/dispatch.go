// README: Dispatcher owns one matching session per ride and routes driver actions to it.
package ride

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ridehail/internal/config"
	"ridehail/internal/modules/matching"
	"ridehail/internal/types"
)

type Matcher interface {
	FindDrivers(ctx context.Context, req matching.Request) (matching.Result, error)
	IsAvailable(ctx context.Context, driverID types.ID) (bool, error)
}

// SessionLock keeps two API instances from running a session for the same ride.
type SessionLock interface {
	TryLock(ctx context.Context, rideID types.ID, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, rideID types.ID) error
}

// errNoSession means the ride has no session on this instance.
var errNoSession = errors.New("no local matching session")

// boardTimeout bounds every offer board call made from a session.
const boardTimeout = 2 * time.Second

type DispatcherDeps struct {
	Rides   *Service
	Matcher Matcher
	Lock    SessionLock
	// Board shares live offers across instances. Nil keeps offers local, so
	// driver answers only work on the instance running the session.
	Board     OfferBoard
	Publisher Publisher
	Config    config.MatchingConfig
	Log       logrus.FieldLogger
}

type Dispatcher struct {
	rides   *Service
	matcher Matcher
	lock    SessionLock
	board   OfferBoard
	pub     Publisher
	cfg     config.MatchingConfig
	log     logrus.FieldLogger

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[types.ID]*session
	wg       sync.WaitGroup
}

func NewDispatcher(d DispatcherDeps) *Dispatcher {
	base, cancel := context.WithCancel(context.Background())
	if d.Lock == nil {
		d.Lock = noLock{}
	}
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	return &Dispatcher{
		rides:    d.Rides,
		matcher:  d.Matcher,
		lock:     d.Lock,
		board:    d.Board,
		pub:      d.Publisher,
		cfg:      d.Config,
		log:      d.Log,
		base:     base,
		cancel:   cancel,
		sessions: make(map[types.ID]*session),
	}
}

// Start launches the matching session for a requested (or matched) ride. The
// session outlives ctx; it ends on accept, cancel, timeout or exhaustion.
func (d *Dispatcher) Start(ctx context.Context, rideID types.ID) error {
	r, err := d.rides.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if !r.Status.Matching() {
		return ErrInvalidState
	}

	d.mu.Lock()
	if _, ok := d.sessions[rideID]; ok {
		d.mu.Unlock()
		return ErrSessionActive
	}
	if d.base.Err() != nil {
		d.mu.Unlock()
		return context.Canceled
	}
	ok, err := d.lock.TryLock(ctx, rideID, d.lockTTL())
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if !ok {
		d.mu.Unlock()
		return ErrSessionActive
	}

	s := newSession(d, r)
	d.sessions[rideID] = s
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		s.run()
		d.finish(s)
	}()
	return nil
}

func (d *Dispatcher) finish(s *session) {
	d.mu.Lock()
	if d.sessions[s.ride.ID] == s {
		delete(d.sessions, s.ride.ID)
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.lock.Unlock(ctx, s.ride.ID); err != nil {
		d.log.WithError(err).WithField("ride_id", s.ride.ID).Warn("release dispatch lock")
	}
}

func (d *Dispatcher) lockTTL() time.Duration {
	return d.cfg.MatchTimeout + d.cfg.OfferTimeout
}

func (d *Dispatcher) session(rideID types.ID) *session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[rideID]
}

// Running reports whether a session is active for the ride on this instance.
func (d *Dispatcher) Running(rideID types.ID) bool {
	return d.session(rideID) != nil
}

// CurrentOffer returns the offer the ride's session is waiting on, if any,
// whichever instance runs it.
func (d *Dispatcher) CurrentOffer(ctx context.Context, rideID types.ID) (Offer, bool) {
	if s := d.session(rideID); s != nil {
		return s.currentOffer()
	}
	if d.board == nil {
		return Offer{}, false
	}
	o, ok, err := d.board.Get(ctx, rideID)
	if err != nil {
		d.log.WithError(err).WithField("ride_id", rideID).Warn("read shared offer")
		return Offer{}, false
	}
	if !ok || !d.rides.now().Before(o.ExpiresAt) {
		return Offer{}, false
	}
	return o, true
}

// Accept delivers a driver's accept for offerID. Anything but the live offer
// for that driver fails with ErrStaleOffer. Without a local session the offer
// is checked against the board and the accept goes straight to the ride CAS;
// the resulting status event stops the owning session.
func (d *Dispatcher) Accept(ctx context.Context, rideID, driverID, offerID types.ID) error {
	err := d.deliver(ctx, rideID, message{kind: msgAccept, driverID: driverID, offerID: offerID})
	if !errors.Is(err, errNoSession) {
		return err
	}
	o, err := d.sharedOffer(ctx, rideID, driverID, offerID)
	if err != nil {
		return err
	}
	return d.rides.Accept(ctx, AcceptCommand{
		RideID:    rideID,
		DriverID:  o.DriverID,
		VehicleID: o.VehicleID,
		Actor:     types.ActorDriver,
	})
}

// Decline delivers a driver's decline. Without a local session a checked
// decline is published for the owning instance to apply.
func (d *Dispatcher) Decline(ctx context.Context, rideID, driverID, offerID types.ID) error {
	err := d.deliver(ctx, rideID, message{kind: msgDecline, driverID: driverID, offerID: offerID})
	if !errors.Is(err, errNoSession) {
		return err
	}
	o, err := d.sharedOffer(ctx, rideID, driverID, offerID)
	if err != nil {
		return err
	}
	if d.pub == nil {
		return ErrStaleOffer
	}
	return d.pub.Publish(ctx, Event{
		Type:     EventOfferDeclined,
		RideID:   rideID,
		Status:   StatusMatched,
		DriverID: &o.DriverID,
		Offer:    &o,
		At:       d.rides.now(),
	})
}

// sharedOffer returns the board's offer when it is the live one for driverID.
func (d *Dispatcher) sharedOffer(ctx context.Context, rideID, driverID, offerID types.ID) (Offer, error) {
	if d.board == nil {
		return Offer{}, ErrStaleOffer
	}
	o, ok, err := d.board.Get(ctx, rideID)
	if err != nil {
		return Offer{}, err
	}
	if !ok || o.ID != offerID || o.DriverID != driverID || !d.rides.now().Before(o.ExpiresAt) {
		return Offer{}, ErrStaleOffer
	}
	return o, nil
}

func (d *Dispatcher) deliver(ctx context.Context, rideID types.ID, m message) error {
	s := d.session(rideID)
	if s == nil {
		return errNoSession
	}
	m.reply = make(chan error, 1)
	select {
	case s.inbox <- m:
	case <-s.ctx.Done():
		return ErrStaleOffer
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-m.reply:
		return err
	case <-s.finished:
		select {
		case err := <-m.reply:
			return err
		default:
			return ErrStaleOffer
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the ride's session and every timer it owns. Safe to repeat.
func (d *Dispatcher) Stop(rideID types.ID) {
	if s := d.session(rideID); s != nil {
		s.cancel()
	}
}

// HandleEvent consumes the ride change feed. Any transition that leaves the
// matching phase stops the session, and declines taken by other instances
// reach the local session; duplicates are harmless.
func (d *Dispatcher) HandleEvent(ev Event) {
	switch ev.Type {
	case EventStatusChanged:
		if !ev.Status.Matching() {
			d.Stop(ev.RideID)
		}
	case EventOfferDeclined:
		if ev.Offer == nil || d.session(ev.RideID) == nil {
			return
		}
		ctx, cancel := context.WithTimeout(d.base, boardTimeout)
		defer cancel()
		err := d.deliver(ctx, ev.RideID, message{kind: msgDecline, driverID: ev.Offer.DriverID, offerID: ev.Offer.ID})
		if err != nil && !errors.Is(err, ErrStaleOffer) && !errors.Is(err, errNoSession) {
			d.log.WithError(err).WithField("ride_id", ev.RideID).Warn("apply forwarded decline")
		}
	}
}

// Publish lets the dispatcher sit in a Fanout next to the broker and hub.
func (d *Dispatcher) Publish(_ context.Context, ev Event) error {
	d.HandleEvent(ev)
	return nil
}

// Shutdown stops every session and waits for them to exit.
func (d *Dispatcher) Shutdown() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) publish(ctx context.Context, ev Event) {
	if d.pub == nil {
		return
	}
	if err := d.pub.Publish(ctx, ev); err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{"ride_id": ev.RideID, "event": ev.Type}).Warn("publish dispatch event")
	}
}

type noLock struct{}

func (noLock) TryLock(context.Context, types.ID, time.Duration) (bool, error) { return true, nil }
func (noLock) Unlock(context.Context, types.ID) error                       { return nil }
